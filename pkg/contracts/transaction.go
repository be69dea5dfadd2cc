package contracts

import (
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/finance"
)

// Buyer identifies the customer on a transaction.
type Buyer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document"` // CPF/CNPJ digits
	Phone    string `json:"phone"`
}

// Address is the shipping destination.
type Address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	ZipCode    string `json:"zip_code"`
}

// Transaction is an upstream order or subscription charge, already mapped to
// canonical field names. It is read-only once built.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Transaction struct {
	ID             string        `json:"id"`
	ProductID      string        `json:"product_id"`
	OfferID        string        `json:"offer_id,omitempty"`
	ProductName    string        `json:"product_name"`
	OfferName      string        `json:"offer_name,omitempty"`
	CouponCode     string        `json:"coupon_code,omitempty"`
	Quantity       int           `json:"quantity"`
	Buyer          Buyer         `json:"buyer"`
	Shipping       Address       `json:"shipping"`
	Amount         finance.Money `json:"amount"`
	ShippingAmount finance.Money `json:"shipping_amount"`
	// Plan is the normalized plan-bucket label, empty for one-off orders.
	Plan      string    `json:"plan,omitempty"`
	Status    string    `json:"status"`
	OrderedAt time.Time `json:"ordered_at"`
}

// HasCoupon reports whether a non-blank coupon was applied.
func (t Transaction) HasCoupon() bool {
	return NormalizeCoupon(t.CouponCode) != ""
}

// HasOffer reports whether the transaction references a product offer.
func (t Transaction) HasOffer() bool {
	return t.ProductID != "" && t.OfferID != ""
}

// Units returns the quantity, treating unset as one.
func (t Transaction) Units() int {
	if t.Quantity <= 0 {
		return 1
	}
	return t.Quantity
}
