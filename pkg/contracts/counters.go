package contracts

import "sort"

// Plan-bucket labels used for aggregate counting.
const (
	PlanMonthly    = "mensal"
	PlanBimonthly  = "bimestral"
	PlanAnnual     = "anual"
	PlanBiannual   = "bianual"
	PlanTriannual  = "trianual"
	PlanUnassigned = ""
)

// PlanBuckets lists the known buckets in display order.
var PlanBuckets = []string{PlanMonthly, PlanBimonthly, PlanAnnual, PlanBiannual, PlanTriannual}

// BucketCounters holds the per-plan totals.
type BucketCounters struct {
	Subscriptions int `json:"subscriptions"`
	Coupons       int `json:"coupons"`
	BoxChanges    int `json:"box_changes"`
}

// BoxSwap keys the substitution tally.
type BoxSwap struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SwapCount is one entry of the substitution tally.
type SwapCount struct {
	BoxSwap
	Count int `json:"count"`
}

// AggregateCounters accumulates run totals. It is only ever incremented and
// is not safe for concurrent writers.
type AggregateCounters struct {
	Buckets map[string]*BucketCounters `json:"buckets"`
	swaps   map[BoxSwap]int
}

// NewAggregateCounters returns empty counters.
func NewAggregateCounters() *AggregateCounters {
	return &AggregateCounters{
		Buckets: make(map[string]*BucketCounters),
		swaps:   make(map[BoxSwap]int),
	}
}

// Bucket returns the counters for plan, creating them on first use.
func (a *AggregateCounters) Bucket(plan string) *BucketCounters {
	b, ok := a.Buckets[plan]
	if !ok {
		b = &BucketCounters{}
		a.Buckets[plan] = b
	}
	return b
}

// AddSubscription counts one transaction for plan, and its coupon if any.
func (a *AggregateCounters) AddSubscription(plan string, withCoupon bool) {
	b := a.Bucket(plan)
	b.Subscriptions++
	if withCoupon {
		b.Coupons++
	}
}

// AddBoxChange counts a substitution for plan and tallies the swap.
func (a *AggregateCounters) AddBoxChange(plan, from, to string) {
	a.Bucket(plan).BoxChanges++
	a.swaps[BoxSwap{From: from, To: to}]++
}

// SwapCount returns the tally for one substitution.
func (a *AggregateCounters) SwapCount(from, to string) int {
	return a.swaps[BoxSwap{From: from, To: to}]
}

// Swaps returns the substitution tally sorted by descending count, then by
// box names.
func (a *AggregateCounters) Swaps() []SwapCount {
	out := make([]SwapCount, 0, len(a.swaps))
	for k, n := range a.swaps {
		out = append(out, SwapCount{BoxSwap: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Labels returns the bucket labels present, known buckets first.
func (a *AggregateCounters) Labels() []string {
	seen := make(map[string]bool, len(a.Buckets))
	out := make([]string, 0, len(a.Buckets))
	for _, p := range PlanBuckets {
		if _, ok := a.Buckets[p]; ok {
			out = append(out, p)
			seen[p] = true
		}
	}
	var rest []string
	for p := range a.Buckets {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Totals sums every bucket.
func (a *AggregateCounters) Totals() BucketCounters {
	var t BucketCounters
	for _, b := range a.Buckets {
		t.Subscriptions += b.Subscriptions
		t.Coupons += b.Coupons
		t.BoxChanges += b.BoxChanges
	}
	return t
}
