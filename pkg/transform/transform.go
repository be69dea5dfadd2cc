// Package transform turns fetched transactions into spreadsheet rows,
// applying box substitution and gift rules and counting per-plan totals.
package transform

import (
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/guru-export/pkg/catalog"
	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
	"github.com/Mindburn-Labs/guru-export/pkg/period"
	"github.com/Mindburn-Labs/guru-export/pkg/rules"
)

// ProgressLabel is reported while transforming.
const ProgressLabel = "Processando transações"

// Catalog resolves upstream products to internal items.
type Catalog interface {
	ByGuruID(id string) (catalog.Item, bool)
	ByName(name string) (catalog.Item, bool)
	Suggest(name string) string
}

// Matcher finds the rule applying to a transaction.
type Matcher interface {
	MatchRule(tx contracts.Transaction) (*rules.Rule, bool)
}

// Result is the transform output. Cancelled marks a partial result.
// OutOfWindow counts transactions dropped for an order date outside the
// export window.
type Result struct {
	Rows        []contracts.ExportRow
	Counters    *contracts.AggregateCounters
	Errors      []contracts.ItemError
	OutOfWindow int
	Cancelled   bool
}

// Transformer is stateless between calls.
type Transformer struct {
	catalog Catalog
	matcher Matcher
	period  int
	window  *period.Window
	logger  *slog.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithPeriod stamps rows with the export period index.
func WithPeriod(index int) Option { return func(t *Transformer) { t.period = index } }

// WithWindow stamps rows with the window's period index and drops
// transactions ordered outside it. Transactions without an order date are
// kept.
func WithWindow(w period.Window) Option {
	return func(t *Transformer) {
		t.period = w.Index
		t.window = &w
	}
}

// WithLogger sets the transformer logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transformer) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Transformer. matcher may be nil when no rules apply.
func New(cat Catalog, matcher Matcher, opts ...Option) *Transformer {
	t := &Transformer{
		catalog: cat,
		matcher: matcher,
		logger:  slog.Default().With("component", "transform"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform processes txs in order. A failing transaction is recorded once
// in Result.Errors and skipped; cancellation is checked between
// transactions.
func (t *Transformer) Transform(txs []contracts.Transaction, sink contracts.ProgressSink, cancel contracts.Canceller) *Result {
	if sink == nil {
		sink = contracts.DiscardProgress
	}
	if cancel == nil {
		cancel = contracts.NeverCancel
	}

	res := &Result{Counters: contracts.NewAggregateCounters()}
	for i, tx := range txs {
		if cancel.Cancelled() {
			res.Cancelled = true
			break
		}

		if t.window != nil && !tx.OrderedAt.IsZero() && !t.window.Contains(tx.OrderedAt) {
			t.logger.Debug("transaction outside window", "transaction", tx.ID, "ordered_at", tx.OrderedAt, "window", t.window.Label())
			res.OutOfWindow++
			sink.Progress(ProgressLabel, i+1, len(txs))
			continue
		}

		out, err := t.process(tx)
		if err != nil {
			t.logger.Warn("transaction skipped", "transaction", tx.ID, "error", err)
			res.Errors = append(res.Errors, contracts.ItemError{ID: tx.ID, Message: err.Error()})
		} else {
			res.Rows = append(res.Rows, out.rows...)
			out.apply(res.Counters)
		}
		sink.Progress(ProgressLabel, i+1, len(txs))
	}
	return res
}

// outcome defers counter updates until a transaction fully succeeded.
type outcome struct {
	rows     []contracts.ExportRow
	plan     string
	coupon   bool
	swapped  bool
	from, to string
}

func (o outcome) apply(c *contracts.AggregateCounters) {
	if o.swapped {
		c.AddBoxChange(o.plan, o.from, o.to)
	}
	if o.plan != contracts.PlanUnassigned {
		c.AddSubscription(o.plan, o.coupon)
	}
}

func (t *Transformer) process(tx contracts.Transaction) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if tx.ID == "" {
		return outcome{}, fmt.Errorf("transaction without id")
	}
	item, ok := t.catalog.ByGuruID(tx.ProductID)
	if !ok {
		msg := fmt.Sprintf("produto %q (%s) sem mapeamento no catálogo", tx.ProductName, tx.ProductID)
		if s := t.catalog.Suggest(tx.ProductName); s != "" {
			msg += fmt.Sprintf("; você quis dizer %q?", s)
		}
		return outcome{}, fmt.Errorf("%s", msg)
	}

	plan := contracts.NormalizePlan(tx.Plan)
	qty := tx.Units()
	base := contracts.ExportRow{
		SourceTransactionID: tx.ID,
		SKU:                 item.Code(),
		ProductName:         item.Name,
		Quantity:            qty,
		UnitValue:           tx.Amount.Div(qty),
		TotalValue:          tx.Amount,
		Weight:              item.Weight * float64(qty),
		Buyer:               tx.Buyer,
		Shipping:            tx.Shipping,
		ShippingValue:       tx.ShippingAmount,
		Plan:                plan,
		Coupon:              contracts.NormalizeCoupon(tx.CouponCode),
		Period:              t.period,
	}
	out = outcome{plan: plan, coupon: tx.HasCoupon()}

	var action rules.Action
	var matched bool
	if t.matcher != nil {
		if r, ok := t.matcher.MatchRule(tx); ok {
			action, matched = r.Action, true
			t.logger.Debug("rule applied", "transaction", tx.ID, "rule", r.ID, "label", r.Label())
		}
	}

	switch {
	case !matched:
		out.rows = []contracts.ExportRow{base}
	case action.Kind == rules.ActionSubstituteBox:
		if action.Box == "" {
			return outcome{}, fmt.Errorf("substitution rule without box")
		}
		out.swapped, out.from, out.to = true, base.ProductName, action.Box
		base.ProductName = action.Box
		base.SKU = action.Box
		if box, ok := t.catalog.ByName(action.Box); ok {
			base.ProductName = box.Name
			base.SKU = box.Code()
			base.Weight = box.Weight * float64(qty)
			out.to = box.Name
		}
		out.rows = []contracts.ExportRow{base}
	case action.Kind == rules.ActionAddGifts:
		out.rows = append(out.rows, base)
		for _, g := range rules.DedupeGifts(action.Gifts) {
			out.rows = append(out.rows, t.giftRow(base, g))
		}
	default:
		return outcome{}, fmt.Errorf("unknown rule action %q", action.Kind)
	}
	return out, nil
}

// giftRow copies the buyer and shipping data of base into a zero-value line.
func (t *Transformer) giftRow(base contracts.ExportRow, g rules.Gift) contracts.ExportRow {
	row := base
	row.ProductName = g.Name
	row.SKU = g.Name
	row.Quantity = g.Quantity
	zero := finance.BRL(0)
	if c := base.TotalValue.Currency; c != "" {
		zero = finance.NewMoney(0, c)
	}
	row.UnitValue = zero
	row.TotalValue = zero
	row.ShippingValue = zero
	row.Weight = 0
	if it, ok := t.catalog.ByName(g.Name); ok {
		row.ProductName = it.Name
		row.SKU = it.Code()
		row.Weight = it.Weight * float64(g.Quantity)
	}
	return row
}
