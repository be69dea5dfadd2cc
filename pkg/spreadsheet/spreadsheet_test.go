package spreadsheet

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"testing"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

func sampleRows() []contracts.ExportRow {
	base := contracts.ExportRow{
		SourceTransactionID: "t1",
		SKU:                 "BOX-CL",
		ProductName:         "Box Clássica",
		Quantity:            1,
		UnitValue:           finance.BRL(123456),
		TotalValue:          finance.BRL(123456),
		Weight:              1.2,
		Buyer:               contracts.Buyer{Name: "João\nSilva", Email: "joao@example.com"},
		Shipping:            contracts.Address{City: "São Paulo", State: "SP"},
		ShippingValue:       finance.BRL(1990),
		Plan:                contracts.PlanAnnual,
		Coupon:              "PROMO10",
		Period:              3,
	}
	gift := base
	gift.SKU, gift.ProductName = "CAD", "Caderno"
	gift.UnitValue, gift.TotalValue, gift.ShippingValue = finance.BRL(0), finance.BRL(0), finance.BRL(0)
	gift.Weight = 0.3
	return []contracts.ExportRow{base, gift}
}

func sampleCounters() *contracts.AggregateCounters {
	c := contracts.NewAggregateCounters()
	c.AddSubscription(contracts.PlanAnnual, true)
	c.AddSubscription(contracts.PlanMonthly, false)
	c.AddSubscription(contracts.PlanMonthly, true)
	c.AddBoxChange(contracts.PlanMonthly, "Box Clássica", "Box Premium")
	return c
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleRows(), sampleCounters()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SheetOrders, SheetSummary, SheetSwaps}, f.GetSheetList())

	orders, err := f.GetRows(SheetOrders, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, OrderHeader, orders[0])
	assert.Equal(t, "t1", orders[1][0])
	assert.Equal(t, "Box Clássica", orders[1][2])
	total, err := strconv.ParseFloat(orders[1][colTotalValue], 64)
	require.NoError(t, err)
	assert.InDelta(t, 1234.56, total, 1e-9)
	assert.Equal(t, "Caderno", orders[2][2])
	assert.Equal(t, "Anual", orders[1][19])

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Plano", "Assinaturas", "Cupons", "Trocas de Box"},
		{"Mensal", "2", "1", "1"},
		{"Anual", "1", "1", "0"},
		{"Total", "3", "2", "1"},
	}, summary)

	swaps, err := f.GetRows(SheetSwaps)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"De", "Para", "Quantidade"}, {"Box Clássica", "Box Premium", "1"}}, swaps)
}

func TestWriteXLSX_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, nil, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Total", "0", "0", "0"}, summary[len(summary)-1])
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ';'
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestWriteCSV_UTF8(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRows(), CSVOptions{}))

	records := readCSV(t, buf.Bytes())
	require.Len(t, records, 3)
	assert.Equal(t, OrderHeader, records[0])
	assert.Equal(t, "1.234,56", records[1][colTotalValue])
	assert.Equal(t, "1,200", records[1][colWeight])
	assert.Equal(t, "19,90", records[1][colShippingValue])
	assert.Equal(t, "João Silva", records[1][7], "control characters are folded")
	assert.Equal(t, "0,00", records[2][colTotalValue])
}

func TestWriteCSV_Windows1252(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRows(), CSVOptions{Windows1252: true}))
	assert.NotContains(t, buf.String(), "ã", "output is not UTF-8")

	var decoded bytes.Buffer
	_, err := decoded.ReadFrom(transform.NewReader(&buf, charmap.Windows1252.NewDecoder()))
	require.NoError(t, err)

	records := readCSV(t, decoded.Bytes())
	require.Len(t, records, 3)
	assert.Equal(t, "Box Clássica", records[1][2])
	assert.Equal(t, "São Paulo", records[1][15])
}

func TestPlanLabel(t *testing.T) {
	assert.Equal(t, "Sem plano", PlanLabel(""))
	assert.Equal(t, "Bimestral", PlanLabel(contracts.PlanBimonthly))
	assert.Equal(t, "Único", PlanLabel("único"))
}
