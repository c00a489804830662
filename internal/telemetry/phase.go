package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/trackbridge/internal/types"
)

const phaseScopeName = "github.com/steveyegge/trackbridge/phase"

// Phase is one running pipeline phase. End it exactly once.
type Phase struct {
	ctx     context.Context
	span    trace.Span
	records metric.Int64Counter
	attrs   []attribute.KeyValue
}

// StartPhase opens a span named "<kind>.<phase>" tagged with the run id.
func StartPhase(ctx context.Context, runID string, kind types.EntityKind, phase string) (context.Context, *Phase) {
	return startPhase(ctx, Tracer(phaseScopeName), Meter(phaseScopeName), runID, kind, phase)
}

func startPhase(ctx context.Context, tracer trace.Tracer, m metric.Meter, runID string, kind types.EntityKind, phase string) (context.Context, *Phase) {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.String("trackbridge.phase", phase),
	}
	ctx, span := tracer.Start(ctx, string(kind)+"."+phase,
		trace.WithAttributes(append(attrs, attribute.String("trackbridge.run_id", runID))...),
	)
	records, _ := m.Int64Counter("trackbridge.records",
		metric.WithDescription("Records processed per kind, phase and outcome"),
	)
	return ctx, &Phase{ctx: ctx, span: span, records: records, attrs: attrs}
}

// Count adds n records with the given outcome ("updated", "failed", ...).
// Zero counts are not recorded.
func (p *Phase) Count(outcome string, n int) {
	if n == 0 {
		return
	}
	attrs := append(append([]attribute.KeyValue(nil), p.attrs...), attribute.String("outcome", outcome))
	p.records.Add(p.ctx, int64(n), metric.WithAttributes(attrs...))
	p.span.SetAttributes(attribute.Int("trackbridge.outcome."+outcome, n))
}

// End closes the span, marking it failed when err is non-nil.
func (p *Phase) End(err error) {
	if err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
	}
	p.span.End()
}
