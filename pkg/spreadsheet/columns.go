// Package spreadsheet renders export rows and counters as XLSX workbooks or
// semicolon separated CSV files.
package spreadsheet

import (
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
)

// Sheet names of the workbook.
const (
	SheetOrders  = "Pedidos"
	SheetSummary = "Resumo"
	SheetSwaps   = "Trocas de Box"
)

// OrderHeader is the column header of the orders sheet and of CSV files.
var OrderHeader = []string{
	"Transação", "SKU", "Produto", "Quantidade", "Valor Unitário", "Valor Total", "Peso (kg)",
	"Nome", "E-mail", "CPF/CNPJ", "Telefone",
	"Endereço", "Número", "Complemento", "Bairro", "Cidade", "UF", "CEP",
	"Frete", "Plano", "Cupom", "Período",
}

// Column indexes of OrderHeader holding money or weight values.
const (
	colUnitValue     = 4
	colTotalValue    = 5
	colWeight        = 6
	colShippingValue = 18
)

var summaryHeader = []string{"Plano", "Assinaturas", "Cupons", "Trocas de Box"}

var swapHeader = []string{"De", "Para", "Quantidade"}

// PlanLabel is the display name of a plan bucket.
func PlanLabel(plan string) string {
	if plan == contracts.PlanUnassigned {
		return "Sem plano"
	}
	r := []rune(plan)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

// orderCells lists the text fields of a row in OrderHeader order. Numeric
// columns are filled by the writer.
func orderCells(r contracts.ExportRow) []string {
	return []string{
		r.SourceTransactionID,
		r.SKU,
		r.ProductName,
		strconv.Itoa(r.Quantity),
		"", "", "",
		r.Buyer.Name,
		r.Buyer.Email,
		r.Buyer.Document,
		r.Buyer.Phone,
		r.Shipping.Street,
		r.Shipping.Number,
		r.Shipping.Complement,
		r.Shipping.District,
		r.Shipping.City,
		r.Shipping.State,
		r.Shipping.ZipCode,
		"",
		PlanLabel(r.Plan),
		r.Coupon,
		strconv.Itoa(r.Period),
	}
}

// formatWeight renders kilograms with a decimal comma.
func formatWeight(kg float64) string {
	return strings.Replace(strconv.FormatFloat(kg, 'f', 3, 64), ".", ",", 1)
}
