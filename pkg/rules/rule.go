// Package rules holds the box-substitution and gift rules applied to
// exported transactions, the engine that matches them and the file store
// they are loaded from.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
)

// ErrInvalidRule is wrapped by every rule shape violation.
var ErrInvalidRule = errors.New("invalid rule")

// Target is the group a rule belongs to.
type Target string

const (
	TargetCoupon Target = "coupon"
	TargetOffer  Target = "offer"
)

// ActionKind discriminates Action.
type ActionKind string

const (
	ActionSubstituteBox ActionKind = "substitute_box"
	ActionAddGifts      ActionKind = "add_gifts"
)

// Gift is an extra item shipped at zero value.
type Gift struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Action is what a matching rule does to a transaction. Box is set for
// ActionSubstituteBox, Gifts for ActionAddGifts.
type Action struct {
	Kind  ActionKind `json:"type"`
	Box   string     `json:"box,omitempty"`
	Gifts []Gift     `json:"items,omitempty"`
}

// SubstituteBox returns an action replacing the shipped box.
func SubstituteBox(box string) Action {
	return Action{Kind: ActionSubstituteBox, Box: strings.TrimSpace(box)}
}

// AddGifts returns an action adding the given gifts, deduplicated.
func AddGifts(items ...Gift) Action {
	return Action{Kind: ActionAddGifts, Gifts: DedupeGifts(items)}
}

// DedupeGifts merges gifts with the same name (case and accent
// insensitive), summing quantities. Blank names and non-positive quantities
// are dropped. The result is sorted by name so it does not depend on input
// order.
func DedupeGifts(items []Gift) []Gift {
	idx := make(map[string]int, len(items))
	out := make([]Gift, 0, len(items))
	for _, g := range items {
		name := strings.TrimSpace(g.Name)
		if name == "" || g.Quantity <= 0 {
			continue
		}
		key := contracts.NormalizeKey(name)
		if i, ok := idx[key]; ok {
			out[i].Quantity += g.Quantity
			continue
		}
		idx[key] = len(out)
		out = append(out, Gift{Name: name, Quantity: g.Quantity})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return contracts.NormalizeKey(out[i].Name) < contracts.NormalizeKey(out[j].Name)
	})
	return out
}

// Offer identifies an upstream product offer.
type Offer struct {
	ProductID   string `json:"product_id"`
	OfferID     string `json:"offer_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Rule is one entry of the rule list.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Rule struct {
	ID                string   `json:"id"`
	AppliesTo         Target   `json:"applies_to"`
	Coupon            string   `json:"coupon,omitempty"`
	Offer             *Offer   `json:"offer,omitempty"`
	SubscriptionPlans []string `json:"subscription_plans,omitempty"`
	Action            Action   `json:"action"`
	// When is an optional CEL guard over the transaction.
	When string `json:"when,omitempty"`
}

// Normalize canonicalizes coupon codes, plan labels and gifts in place.
func (r *Rule) Normalize() {
	r.Coupon = contracts.NormalizeCoupon(r.Coupon)
	if len(r.SubscriptionPlans) > 0 {
		seen := make(map[string]bool, len(r.SubscriptionPlans))
		plans := r.SubscriptionPlans[:0]
		for _, p := range r.SubscriptionPlans {
			p = contracts.NormalizePlan(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			plans = append(plans, p)
		}
		r.SubscriptionPlans = plans
	}
	if r.Offer != nil {
		r.Offer.ProductID = strings.TrimSpace(r.Offer.ProductID)
		r.Offer.OfferID = strings.TrimSpace(r.Offer.OfferID)
	}
	switch r.Action.Kind {
	case ActionSubstituteBox:
		r.Action.Box = strings.TrimSpace(r.Action.Box)
	case ActionAddGifts:
		r.Action.Gifts = DedupeGifts(r.Action.Gifts)
	}
	r.When = strings.TrimSpace(r.When)
}

// Validate checks that exactly one key matching AppliesTo is populated and
// that the action is complete.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	switch r.AppliesTo {
	case TargetCoupon:
		if contracts.NormalizeCoupon(r.Coupon) == "" {
			return fmt.Errorf("%w %s: coupon rule without coupon", ErrInvalidRule, r.ID)
		}
		if r.Offer != nil {
			return fmt.Errorf("%w %s: coupon rule must not carry an offer", ErrInvalidRule, r.ID)
		}
	case TargetOffer:
		if r.Offer == nil || r.Offer.ProductID == "" || r.Offer.OfferID == "" {
			return fmt.Errorf("%w %s: offer rule needs product_id and offer_id", ErrInvalidRule, r.ID)
		}
		if r.Coupon != "" {
			return fmt.Errorf("%w %s: offer rule must not carry a coupon", ErrInvalidRule, r.ID)
		}
	default:
		return fmt.Errorf("%w %s: unknown applies_to %q", ErrInvalidRule, r.ID, r.AppliesTo)
	}

	switch r.Action.Kind {
	case ActionSubstituteBox:
		if strings.TrimSpace(r.Action.Box) == "" {
			return fmt.Errorf("%w %s: substitute_box without box", ErrInvalidRule, r.ID)
		}
	case ActionAddGifts:
		if len(DedupeGifts(r.Action.Gifts)) == 0 {
			return fmt.Errorf("%w %s: add_gifts without items", ErrInvalidRule, r.ID)
		}
	default:
		return fmt.Errorf("%w %s: unknown action %q", ErrInvalidRule, r.ID, r.Action.Kind)
	}
	return nil
}

// Label is a short human description used in logs and CLI output.
func (r Rule) Label() string {
	if r.AppliesTo == TargetCoupon {
		return "cupom " + r.Coupon
	}
	if r.Offer != nil {
		if r.Offer.DisplayName != "" {
			return "oferta " + r.Offer.DisplayName
		}
		return "oferta " + r.Offer.ProductID + "/" + r.Offer.OfferID
	}
	return r.ID
}

func (r Rule) allowsPlan(plan string) bool {
	if len(r.SubscriptionPlans) == 0 {
		return true
	}
	plan = contracts.NormalizePlan(plan)
	for _, p := range r.SubscriptionPlans {
		if p == plan {
			return true
		}
	}
	return false
}
