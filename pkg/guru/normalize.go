package guru

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
)

// Upstream field aliases. Older API versions and webhook payloads place the
// same data under different keys; the first non-empty path wins.
var (
	couponPaths   = []string{"payment.coupon.coupon_code", "payment.coupon_code", "coupon.code", "coupon_code", "cupom"}
	planNamePaths = []string{"subscription.plan.name", "subscription.plan", "subscription.name", "plan", "plano"}
	planDaysPaths = []string{"subscription.charged_every_days", "subscription.plan.charged_every_days", "charged_every_days"}
)

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// normalizeTransaction maps one upstream transaction object to the canonical
// shape. Only a missing id is an error; every other field is optional.
func normalizeTransaction(m map[string]any) (contracts.Transaction, error) {
	tx := contracts.Transaction{
		ID:          str(m, "id", "transaction_id"),
		ProductID:   str(m, "product.id", "product_id"),
		OfferID:     str(m, "product.offer.id", "offer.id", "offer_id"),
		ProductName: str(m, "product.name", "product_name"),
		OfferName:   str(m, "product.offer.name", "offer.name"),
		CouponCode:  contracts.NormalizeCoupon(str(m, couponPaths...)),
		Quantity:    integer(m, "product.qty", "product.quantity", "quantity", "items_qty"),
		Buyer: contracts.Buyer{
			Name:     str(m, "contact.name", "buyer.name"),
			Email:    str(m, "contact.email", "buyer.email"),
			Document: digits(str(m, "contact.doc", "contact.document", "buyer.doc")),
			Phone:    str(m, "contact.phone_number", "contact.phone", "buyer.phone"),
		},
		Shipping: contracts.Address{
			Street:     str(m, "contact.address", "shipping.address.street"),
			Number:     str(m, "contact.address_number", "shipping.address.number"),
			Complement: str(m, "contact.address_comp", "shipping.address.complement"),
			District:   str(m, "contact.address_district", "shipping.address.district"),
			City:       str(m, "contact.address_city", "shipping.address.city"),
			State:      strings.ToUpper(str(m, "contact.address_state", "shipping.address.state")),
			ZipCode:    digits(str(m, "contact.address_zip_code", "shipping.address.zip_code")),
		},
		Amount:         money(m, "payment.total", "payment.gross", "amount", "value"),
		ShippingAmount: money(m, "shipping.value", "payment.shipping_value", "shipping_value"),
		Status:         str(m, "status"),
		OrderedAt:      timestamp(m, "dates.ordered_at", "ordered_at", "dates.created_at", "created_at"),
	}
	if tx.ID == "" {
		return contracts.Transaction{}, errors.New("transaction without id")
	}
	tx.Plan = planBucket(m, tx.OfferName)
	return tx, nil
}

// planBucket prefers an explicit plan label, then the charge interval, then
// a plan word in the offer name.
func planBucket(m map[string]any, offerName string) string {
	label := contracts.NormalizePlan(str(m, planNamePaths...))
	if isBucket(label) {
		return label
	}
	if days := integer(m, planDaysPaths...); days > 0 {
		return contracts.PlanFromDays(days)
	}
	if fromOffer := contracts.NormalizePlan(offerName); isBucket(fromOffer) {
		return fromOffer
	}
	return label
}

func isBucket(label string) bool {
	for _, b := range contracts.PlanBuckets {
		if b == label {
			return true
		}
	}
	return false
}

func timestamp(m map[string]any, paths ...string) time.Time {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return time.Unix(int64(t), 0).UTC()
		case string:
			s := strings.TrimSpace(t)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Unix(n, 0).UTC()
			}
			for _, layout := range timestampLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC()
				}
			}
		}
	}
	return time.Time{}
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
