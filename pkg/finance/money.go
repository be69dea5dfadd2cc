package finance

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CurrencyBRL is the only currency the upstream store sells in.
const CurrencyBRL = "BRL"

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`
}

// NewMoney creates a new Money instance with a scale of 2.
func NewMoney(amount int64, currency string) Money {
	return Money{
		AmountMinor: amount,
		Currency:    currency,
		Scale:       2,
	}
}

// BRL builds a Real amount from centavos.
func BRL(cents int64) Money {
	return NewMoney(cents, CurrencyBRL)
}

// FromFloat rounds a decimal amount half away from zero into minor units.
func FromFloat(v float64, currency string) Money {
	return NewMoney(int64(math.Round(v*100)), currency)
}

// ParseDecimal parses amounts written either as "1.234,56" or "1,234.56".
// The last separator present is taken as the decimal point.
func ParseDecimal(s string, currency string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimPrefix(s, "R$")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return NewMoney(0, currency), nil
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastComma > lastDot && strings.Count(s, ",") == 1:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case lastComma == -1 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	default:
		s = strings.ReplaceAll(s, ",", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromFloat(f, currency), nil
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Mul scales the amount by an integer quantity.
func (m Money) Mul(qty int) Money {
	m.AmountMinor *= int64(qty)
	return m
}

// Div splits the amount into n parts, rounding half away from zero.
// A non-positive n returns m unchanged.
func (m Money) Div(n int) Money {
	if n <= 0 {
		return m
	}
	q := float64(m.AmountMinor) / float64(n)
	m.AmountMinor = int64(math.Round(q))
	return m
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Float64 returns the amount in major units.
func (m Money) Float64() float64 {
	return float64(m.AmountMinor) / math.Pow10(m.Scale)
}

// FormatBR renders the amount with a decimal comma and dot thousands
// separators, e.g. "1.234,56".
func (m Money) FormatBR() string {
	neg := m.AmountMinor < 0
	v := m.AmountMinor
	if neg {
		v = -v
	}
	div := int64(math.Pow10(m.Scale))
	whole := strconv.FormatInt(v/div, 10)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if m.Scale > 0 {
		fmt.Fprintf(&b, ",%0*d", m.Scale, v%div)
	}
	return b.String()
}

func (m Money) String() string {
	return m.Currency + " " + m.FormatBR()
}

// UnmarshalJSON accepts the struct form as well as bare numbers and decimal
// strings, which is how the upstream API reports prices.
func (m *Money) UnmarshalJSON(data []byte) error {
	type plain Money
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == "":
		*m = BRL(0)
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*m = Money(p)
		if m.Currency == "" {
			m.Currency = CurrencyBRL
		}
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseDecimal(s, CurrencyBRL)
		if err != nil {
			return err
		}
		*m = v
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		*m = FromFloat(f, CurrencyBRL)
		return nil
	}
}
