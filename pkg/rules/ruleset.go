package rules

import (
	"fmt"

	"github.com/google/uuid"
)

// Ruleset is the ordered rule list. Coupon and offer rules share one slice;
// only the relative order inside each group is meaningful.
type Ruleset struct {
	rules   []Rule
	version string
}

// NewRuleset copies and normalizes rules into a new set without validating
// them. Use Add or Load for untrusted input.
func NewRuleset(rules ...Rule) *Ruleset {
	rs := &Ruleset{rules: make([]Rule, 0, len(rules))}
	for _, r := range rules {
		r = cloneRule(r)
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.Normalize()
		rs.rules = append(rs.rules, r)
	}
	return rs
}

// Len returns the number of rules.
func (rs *Ruleset) Len() int { return len(rs.rules) }

// All returns a copy of the rules in stored order.
func (rs *Ruleset) All() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = cloneRule(r)
	}
	return out
}

// Coupons returns the coupon group in order.
func (rs *Ruleset) Coupons() []Rule { return rs.group(TargetCoupon) }

// Offers returns the offer group in order.
func (rs *Ruleset) Offers() []Rule { return rs.group(TargetOffer) }

func (rs *Ruleset) group(t Target) []Rule {
	var out []Rule
	for _, r := range rs.rules {
		if r.AppliesTo == t {
			out = append(out, cloneRule(r))
		}
	}
	return out
}

// Get returns the rule with id.
func (rs *Ruleset) Get(id string) (Rule, bool) {
	i := rs.index(id)
	if i < 0 {
		return Rule{}, false
	}
	return cloneRule(rs.rules[i]), true
}

// Add normalizes, validates and appends r, assigning an id when missing.
func (rs *Ruleset) Add(r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if rs.index(r.ID) >= 0 {
		return Rule{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, r.ID)
	}
	r = cloneRule(r)
	r.Normalize()
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	rs.rules = append(rs.rules, r)
	return cloneRule(r), nil
}

// Remove deletes the rule with id.
func (rs *Ruleset) Remove(id string) bool {
	i := rs.index(id)
	if i < 0 {
		return false
	}
	rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
	return true
}

// MoveUp swaps the rule with the nearest earlier rule of the same group.
// It reports false when the rule is unknown or already first in its group.
func (rs *Ruleset) MoveUp(id string) bool {
	i := rs.index(id)
	if i < 0 {
		return false
	}
	for j := i - 1; j >= 0; j-- {
		if rs.rules[j].AppliesTo == rs.rules[i].AppliesTo {
			rs.rules[i], rs.rules[j] = rs.rules[j], rs.rules[i]
			return true
		}
	}
	return false
}

// MoveDown swaps the rule with the nearest later rule of the same group.
func (rs *Ruleset) MoveDown(id string) bool {
	i := rs.index(id)
	if i < 0 {
		return false
	}
	for j := i + 1; j < len(rs.rules); j++ {
		if rs.rules[j].AppliesTo == rs.rules[i].AppliesTo {
			rs.rules[i], rs.rules[j] = rs.rules[j], rs.rules[i]
			return true
		}
	}
	return false
}

func (rs *Ruleset) index(id string) int {
	for i, r := range rs.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func cloneRule(r Rule) Rule {
	if r.Offer != nil {
		o := *r.Offer
		r.Offer = &o
	}
	if r.SubscriptionPlans != nil {
		r.SubscriptionPlans = append([]string(nil), r.SubscriptionPlans...)
	}
	if r.Action.Gifts != nil {
		r.Action.Gifts = append([]Gift(nil), r.Action.Gifts...)
	}
	return r
}
