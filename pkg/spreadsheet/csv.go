package spreadsheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// CSVOptions controls CSV output.
type CSVOptions struct {
	// Windows1252 encodes the file for spreadsheet tools that do not detect
	// UTF-8. Characters outside the code page are replaced.
	Windows1252 bool
}

// WriteCSV renders rows with a semicolon separator and decimal commas.
func WriteCSV(w io.Writer, rows []contracts.ExportRow, opts CSVOptions) error {
	var enc io.Writer = w
	var tw *transform.Writer
	if opts.Windows1252 {
		tw = transform.NewWriter(w, encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()))
		enc = tw
	}

	cw := csv.NewWriter(enc)
	cw.Comma = ';'
	if err := cw.Write(OrderHeader); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	for i, r := range rows {
		record := orderCells(r)
		record[colUnitValue] = r.UnitValue.FormatBR()
		record[colTotalValue] = r.TotalValue.FormatBR()
		record[colWeight] = formatWeight(r.Weight)
		record[colShippingValue] = r.ShippingValue.FormatBR()
		for j := range record {
			record[j] = sanitize(record[j])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv flush: %w", err)
	}
	if tw != nil {
		if err := tw.Close(); err != nil {
			return fmt.Errorf("csv encode: %w", err)
		}
	}
	return nil
}

// sanitize trims and folds control characters into spaces so every record
// stays on one line.
func sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s))
}
