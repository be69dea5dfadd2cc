package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Export run attributes.
var (
	AttrRunID       = attribute.Key("guru_export.run.id")
	AttrRunState    = attribute.Key("guru_export.run.state")
	AttrPeriod      = attribute.Key("guru_export.period")
	AttrPeriodicity = attribute.Key("guru_export.periodicity")
	AttrMode        = attribute.Key("guru_export.fetch.mode")
	AttrProducts    = attribute.Key("guru_export.fetch.products")
	AttrRuleDigest  = attribute.Key("guru_export.rules.digest")
)

// spanOnly keys are unbounded per run and stay off metric instruments.
var spanOnly = map[attribute.Key]bool{
	AttrRunID:      true,
	AttrPeriod:     true,
	AttrProducts:   true,
	AttrRuleDigest: true,
}

// MetricAttributes drops the per-run keys from attrs, leaving the
// low-cardinality ones (periodicity, mode, state).
func MetricAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if !spanOnly[kv.Key] {
			out = append(out, kv)
		}
	}
	return out
}

// RunOperation creates attributes for an export run. Metrics only receive
// MetricAttributes of them.
func RunOperation(runID, period, periodicity, mode string, products int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrPeriod.String(period),
		AttrPeriodicity.String(periodicity),
		AttrMode.String(mode),
		AttrProducts.Int(products),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
