package rules

import (
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/google/cel-go/cel"
)

// Engine matches transactions against an immutable snapshot of a Ruleset.
// It is safe for concurrent use.
type Engine struct {
	coupons []compiledRule
	offers  []compiledRule
	logger  *slog.Logger
}

type compiledRule struct {
	rule  Rule
	guard cel.Program // nil when the rule has no guard
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine snapshots rs and compiles every rule guard. A guard that does not
// compile or is not boolean fails construction.
func NewEngine(rs *Ruleset, opts ...EngineOption) (*Engine, error) {
	e := &Engine{logger: slog.Default().With("component", "rules")}
	for _, opt := range opts {
		opt(e)
	}
	if rs == nil {
		return e, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	for _, r := range rs.All() {
		cr := compiledRule{rule: r}
		if r.When != "" {
			ast, issues := env.Compile(r.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rule %s: CEL compile error: %w", r.ID, issues.Err())
			}
			if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
				return nil, fmt.Errorf("rule %s: guard must be boolean, got %s", r.ID, out)
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("rule %s: CEL program error: %w", r.ID, err)
			}
			cr.guard = prg
		}
		switch r.AppliesTo {
		case TargetCoupon:
			e.coupons = append(e.coupons, cr)
		case TargetOffer:
			e.offers = append(e.offers, cr)
		}
	}
	return e, nil
}

// Match returns the action of the first matching rule.
func (e *Engine) Match(tx contracts.Transaction) (Action, bool) {
	r, ok := e.MatchRule(tx)
	if !ok {
		return Action{}, false
	}
	return r.Action, true
}

// MatchRule returns the first matching rule. A transaction with a coupon is
// only matched against coupon rules; offer rules apply to transactions
// without one.
func (e *Engine) MatchRule(tx contracts.Transaction) (*Rule, bool) {
	var input map[string]any

	coupon := contracts.NormalizeCoupon(tx.CouponCode)
	if coupon != "" {
		for i := range e.coupons {
			cr := &e.coupons[i]
			if cr.rule.Coupon != coupon || !cr.rule.allowsPlan(tx.Plan) {
				continue
			}
			if input == nil {
				input = guardInput(tx)
			}
			if e.guardPasses(cr, tx.ID, input) {
				r := cloneRule(cr.rule)
				return &r, true
			}
		}
	} else if tx.HasOffer() {
		for i := range e.offers {
			cr := &e.offers[i]
			if cr.rule.Offer.ProductID != tx.ProductID || cr.rule.Offer.OfferID != tx.OfferID {
				continue
			}
			if input == nil {
				input = guardInput(tx)
			}
			if e.guardPasses(cr, tx.ID, input) {
				r := cloneRule(cr.rule)
				return &r, true
			}
		}
	}
	return nil, false
}

func (e *Engine) guardPasses(cr *compiledRule, txID string, input map[string]any) bool {
	if cr.guard == nil {
		return true
	}
	out, _, err := cr.guard.Eval(map[string]any{"tx": input})
	if err != nil {
		e.logger.Warn("rule guard failed", "rule", cr.rule.ID, "transaction", txID, "error", err)
		return false
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		e.logger.Warn("rule guard not boolean", "rule", cr.rule.ID, "transaction", txID)
		return false
	}
	return ok
}

// guardInput is the "tx" map visible to rule guards.
func guardInput(tx contracts.Transaction) map[string]any {
	return map[string]any{
		"id":         tx.ID,
		"coupon":     contracts.NormalizeCoupon(tx.CouponCode),
		"product_id": tx.ProductID,
		"offer_id":   tx.OfferID,
		"plan":       contracts.NormalizePlan(tx.Plan),
		"amount":     tx.Amount.Float64(),
		"quantity":   int64(tx.Units()),
		"status":     tx.Status,
		"state":      tx.Shipping.State,
	}
}
