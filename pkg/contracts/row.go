package contracts

import (
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
)

// ExportRow is one spreadsheet line. Several rows may share a
// SourceTransactionID when gifts are added.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ExportRow struct {
	SourceTransactionID string        `json:"source_transaction_id"`
	SKU                 string        `json:"sku"`
	ProductName         string        `json:"product_name"`
	Quantity            int           `json:"quantity"`
	UnitValue           finance.Money `json:"unit_value"`
	TotalValue          finance.Money `json:"total_value"`
	Weight              float64       `json:"weight"`
	Buyer               Buyer         `json:"buyer"`
	Shipping            Address       `json:"shipping"`
	ShippingValue       finance.Money `json:"shipping_value"`
	Plan                string        `json:"plan,omitempty"`
	Coupon              string        `json:"coupon,omitempty"`
	Period              int           `json:"period"`
}

// IsExtra reports whether the row is a zero-value extra item (a gift).
func (r ExportRow) IsExtra() bool {
	return r.UnitValue.IsZero() && r.TotalValue.IsZero()
}

// ItemError is a non-fatal failure tied to one transaction or fetch chunk.
type ItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e ItemError) Error() string {
	return e.ID + ": " + e.Message
}
