package spreadsheet

import (
	"fmt"
	"io"
	"strconv"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/xuri/excelize/v2"
)

// WriteXLSX renders rows and counters as a workbook with the orders,
// summary and box swap sheets.
func WriteXLSX(w io.Writer, rows []contracts.ExportRow, counters *contracts.AggregateCounters) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetOrders); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetSummary, SheetSwaps} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return fmt.Errorf("money style: %w", err)
	}

	if err := writeOrders(f, rows, bold, money); err != nil {
		return err
	}
	if counters == nil {
		counters = contracts.NewAggregateCounters()
	}
	if err := writeSummary(f, counters, bold); err != nil {
		return err
	}
	if err := writeSwaps(f, counters, bold); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, header []string, style int) error {
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &cells); err != nil {
		return fmt.Errorf("%s header: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

func writeOrders(f *excelize.File, rows []contracts.ExportRow, bold, money int) error {
	if err := writeHeader(f, SheetOrders, OrderHeader, bold); err != nil {
		return err
	}
	for i, r := range rows {
		text := orderCells(r)
		cells := make([]any, len(text))
		for j, v := range text {
			cells[j] = v
		}
		cells[3] = r.Quantity
		cells[colUnitValue] = r.UnitValue.Float64()
		cells[colTotalValue] = r.TotalValue.Float64()
		cells[colWeight] = r.Weight
		cells[colShippingValue] = r.ShippingValue.Float64()
		cells[len(cells)-1] = r.Period

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetOrders, cell, &cells); err != nil {
			return fmt.Errorf("order row %d: %w", i+1, err)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	for _, col := range []int{colUnitValue, colTotalValue, colShippingValue} {
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetOrders, name+"2", name+strconv.Itoa(len(rows)+1), money); err != nil {
			return fmt.Errorf("money column %s: %w", name, err)
		}
	}
	return nil
}

func writeSummary(f *excelize.File, c *contracts.AggregateCounters, bold int) error {
	if err := writeHeader(f, SheetSummary, summaryHeader, bold); err != nil {
		return err
	}
	line := 2
	for _, plan := range c.Labels() {
		b := c.Buckets[plan]
		row := []any{PlanLabel(plan), b.Subscriptions, b.Coupons, b.BoxChanges}
		if err := f.SetSheetRow(SheetSummary, "A"+strconv.Itoa(line), &row); err != nil {
			return fmt.Errorf("summary row %s: %w", plan, err)
		}
		line++
	}
	t := c.Totals()
	total := []any{"Total", t.Subscriptions, t.Coupons, t.BoxChanges}
	if err := f.SetSheetRow(SheetSummary, "A"+strconv.Itoa(line), &total); err != nil {
		return fmt.Errorf("summary total: %w", err)
	}
	return f.SetCellStyle(SheetSummary, "A"+strconv.Itoa(line), "D"+strconv.Itoa(line), bold)
}

func writeSwaps(f *excelize.File, c *contracts.AggregateCounters, bold int) error {
	if err := writeHeader(f, SheetSwaps, swapHeader, bold); err != nil {
		return err
	}
	for i, s := range c.Swaps() {
		row := []any{s.From, s.To, s.Count}
		if err := f.SetSheetRow(SheetSwaps, "A"+strconv.Itoa(i+2), &row); err != nil {
			return fmt.Errorf("swap row %d: %w", i+1, err)
		}
	}
	return nil
}
