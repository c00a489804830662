package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

const storageScopeName = "github.com/steveyegge/trackbridge/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in trackbridge.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner       storage.Store
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	statusGauge metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s, Tracer(storageScopeName), Meter(storageScopeName))
}

func newInstrumentedStore(s storage.Store, tracer trace.Tracer, m metric.Meter) *InstrumentedStore {
	ops, _ := m.Int64Counter("trackbridge.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("trackbridge.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("trackbridge.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	statusGauge, _ := m.Int64Gauge("trackbridge.mapping.count",
		metric.WithDescription("Current number of mapping records by kind and status (snapshot from CountByStatus)"),
	)
	return &InstrumentedStore{
		inner:       s,
		tracer:      tracer,
		ops:         ops,
		dur:         dur,
		errs:        errs,
		statusGauge: statusGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func kindAttr(kind types.EntityKind) attribute.KeyValue {
	return attribute.String("trackbridge.kind", string(kind))
}

// ── Staging snapshot ────────────────────────────────────────────────────────

func (s *InstrumentedStore) ReplaceSourceEntities(ctx context.Context, kind types.EntityKind, rows []types.SourceEntity) error {
	attrs := []attribute.KeyValue{kindAttr(kind), attribute.Int("trackbridge.row.count", len(rows))}
	ctx, span, t := s.op(ctx, "ReplaceSourceEntities", attrs...)
	err := s.inner.ReplaceSourceEntities(ctx, kind, rows)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) SourceEntities(ctx context.Context, kind types.EntityKind) ([]types.SourceEntity, error) {
	attrs := []attribute.KeyValue{kindAttr(kind)}
	ctx, span, t := s.op(ctx, "SourceEntities", attrs...)
	v, err := s.inner.SourceEntities(ctx, kind)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ReplaceTargetEntities(ctx context.Context, kind types.EntityKind, rows []types.TargetEntity) error {
	attrs := []attribute.KeyValue{kindAttr(kind), attribute.Int("trackbridge.row.count", len(rows))}
	ctx, span, t := s.op(ctx, "ReplaceTargetEntities", attrs...)
	err := s.inner.ReplaceTargetEntities(ctx, kind, rows)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) TargetEntities(ctx context.Context, kind types.EntityKind) ([]types.TargetEntity, error) {
	attrs := []attribute.KeyValue{kindAttr(kind)}
	ctx, span, t := s.op(ctx, "TargetEntities", attrs...)
	v, err := s.inner.TargetEntities(ctx, kind)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Mapping records ─────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetMapping(ctx context.Context, kind types.EntityKind, sourceID string) (*types.Mapping, error) {
	attrs := []attribute.KeyValue{kindAttr(kind), attribute.String("trackbridge.source_id", sourceID)}
	ctx, span, t := s.op(ctx, "GetMapping", attrs...)
	v, err := s.inner.GetMapping(ctx, kind, sourceID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListMappings(ctx context.Context, kind types.EntityKind, filter storage.MappingFilter) ([]*types.Mapping, error) {
	attrs := []attribute.KeyValue{kindAttr(kind), attribute.Int("trackbridge.filter.statuses", len(filter.Statuses))}
	ctx, span, t := s.op(ctx, "ListMappings", attrs...)
	v, err := s.inner.ListMappings(ctx, kind, filter)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) InsertMapping(ctx context.Context, m *types.Mapping) error {
	attrs := []attribute.KeyValue{kindAttr(m.Kind)}
	ctx, span, t := s.op(ctx, "InsertMapping", attrs...)
	err := s.inner.InsertMapping(ctx, m)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) UpdateMapping(ctx context.Context, m *types.Mapping) error {
	attrs := []attribute.KeyValue{
		kindAttr(m.Kind),
		attribute.String("trackbridge.status", string(m.Status)),
	}
	ctx, span, t := s.op(ctx, "UpdateMapping", attrs...)
	err := s.inner.UpdateMapping(ctx, m)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ApplySync(ctx context.Context, kind types.EntityKind, batch storage.SyncBatch) error {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.Int("trackbridge.sync.inserts", len(batch.Inserts)),
		attribute.Int("trackbridge.sync.refreshes", len(batch.Refreshes)),
	}
	ctx, span, t := s.op(ctx, "ApplySync", attrs...)
	err := s.inner.ApplySync(ctx, kind, batch)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) CountByStatus(ctx context.Context, kind types.EntityKind) (map[types.Status]int, error) {
	attrs := []attribute.KeyValue{kindAttr(kind)}
	ctx, span, t := s.op(ctx, "CountByStatus", attrs...)
	v, err := s.inner.CountByStatus(ctx, kind)
	s.done(ctx, span, t, err, attrs...)
	if err == nil {
		for status, n := range v {
			s.statusGauge.Record(ctx, int64(n), metric.WithAttributes(
				kindAttr(kind), attribute.String("status", string(status)),
			))
		}
	}
	return v, err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
