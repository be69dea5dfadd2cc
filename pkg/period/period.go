// Package period converts a (year, month, periodicity) selection into the
// concrete date window used to query upstream transactions.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPeriod is returned when the month is outside 1-12.
	ErrInvalidPeriod = errors.New("period: month must be between 1 and 12")
	// ErrInvalidPeriodicity is returned for an unknown periodicity.
	ErrInvalidPeriodicity = errors.New("period: unknown periodicity")
)

// Periodicity selects the size of the export window.
type Periodicity string

const (
	Monthly   Periodicity = "monthly"
	Bimonthly Periodicity = "bimonthly"
)

// ParsePeriodicity accepts the English names and the Portuguese labels used
// by operators ("mensal", "bimestral").
func ParsePeriodicity(s string) (Periodicity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "mensal":
		return Monthly, nil
	case "bimonthly", "bimestral":
		return Bimonthly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriodicity, s)
	}
}

// Window is an inclusive calendar-day range. Start and End are dates at
// midnight UTC; End is the last day included.
type Window struct {
	Start       time.Time
	End         time.Time
	Index       int // month number (1-12) or bimonthly bucket (1-6)
	Periodicity Periodicity
}

// Compute returns the window for the given selection.
func Compute(year, month int, p Periodicity) (Window, error) {
	if month < 1 || month > 12 {
		return Window{}, fmt.Errorf("%w: got %d", ErrInvalidPeriod, month)
	}

	switch p {
	case Monthly:
		start := firstDay(year, month)
		return Window{
			Start:       start,
			End:         lastDay(year, month),
			Index:       month,
			Periodicity: Monthly,
		}, nil
	case Bimonthly:
		bucket := (month + 1) / 2
		startMonth := 2*bucket - 1
		return Window{
			Start:       firstDay(year, startMonth),
			End:         lastDay(year, startMonth+1),
			Index:       bucket,
			Periodicity: Bimonthly,
		}, nil
	default:
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidPeriodicity, p)
	}
}

// Label renders the window as "2024-03" (monthly) or "2024-B2" (bimonthly).
func (w Window) Label() string {
	if w.Periodicity == Bimonthly {
		return fmt.Sprintf("%04d-B%d", w.Start.Year(), w.Index)
	}
	return fmt.Sprintf("%04d-%02d", w.Start.Year(), w.Index)
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return !day.Before(w.Start) && !day.After(w.End)
}

func firstDay(year, month int) time.Time {
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
}

// lastDay relies on time.Date normalizing day 0 of the next month, which also
// carries December into January of the following year.
func lastDay(year, month int) time.Time {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
}
