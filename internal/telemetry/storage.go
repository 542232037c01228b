package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/koshbank/recon/internal/storage"
	"github.com/koshbank/recon/internal/types"
)

const storageScopeName = "github.com/koshbank/recon/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in recon.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	inner    storage.Store
	tracer   trace.Tracer
	ops      metric.Int64Counter
	dur      metric.Float64Histogram
	errs     metric.Int64Counter
	txnGauge metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("recon.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("recon.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("recon.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	txnGauge, _ := m.Int64Gauge("recon.txn.count",
		metric.WithDescription("Current number of persisted views by reconciliation status (snapshot from Stats)"),
	)
	return &InstrumentedStore{
		inner:    s,
		tracer:   Tracer(storageScopeName),
		ops:      ops,
		dur:      dur,
		errs:     errs,
		txnGauge: txnGauge,
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

func (s *InstrumentedStore) SaveView(ctx context.Context, view *types.PersistedView) error {
	attrs := []attribute.KeyValue{
		attribute.String("recon.txn.id", view.TxnID),
		attribute.String("recon.source", view.Source),
	}
	ctx, span, t := s.op(ctx, "SaveView", attrs...)
	err := s.inner.SaveView(ctx, view)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetView(ctx context.Context, txnID, source string) (*types.PersistedView, error) {
	attrs := []attribute.KeyValue{
		attribute.String("recon.txn.id", txnID),
		attribute.String("recon.source", source),
	}
	ctx, span, t := s.op(ctx, "GetView", attrs...)
	v, err := s.inner.GetView(ctx, txnID, source)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListViewsByTxn(ctx context.Context, txnID string) ([]*types.PersistedView, error) {
	attrs := []attribute.KeyValue{attribute.String("recon.txn.id", txnID)}
	ctx, span, t := s.op(ctx, "ListViewsByTxn", attrs...)
	v, err := s.inner.ListViewsByTxn(ctx, txnID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListTransactions(ctx context.Context, filter storage.TxnFilter) ([]*types.PersistedView, error) {
	ctx, span, t := s.op(ctx, "ListTransactions")
	v, err := s.inner.ListTransactions(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("recon.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) MarkReconciled(ctx context.Context, txnID string, sources []string, outcome types.ReconStatus, at time.Time) error {
	attrs := []attribute.KeyValue{
		attribute.String("recon.txn.id", txnID),
		attribute.String("recon.outcome", string(outcome)),
		attribute.Int("recon.source.count", len(sources)),
	}
	ctx, span, t := s.op(ctx, "MarkReconciled", attrs...)
	err := s.inner.MarkReconciled(ctx, txnID, sources, outcome, at)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) InsertMismatch(ctx context.Context, m *types.Mismatch) error {
	attrs := []attribute.KeyValue{
		attribute.String("recon.txn.id", m.TxnID),
		attribute.String("recon.mismatch.type", string(m.Type)),
		attribute.String("recon.mismatch.severity", string(m.Severity)),
	}
	ctx, span, t := s.op(ctx, "InsertMismatch", attrs...)
	err := s.inner.InsertMismatch(ctx, m)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListMismatches(ctx context.Context, filter storage.MismatchFilter) ([]*types.Mismatch, error) {
	ctx, span, t := s.op(ctx, "ListMismatches")
	v, err := s.inner.ListMismatches(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("recon.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ResolveMismatch(ctx context.Context, id int64, by, notes string) error {
	attrs := []attribute.KeyValue{attribute.Int64("recon.mismatch.id", id)}
	ctx, span, t := s.op(ctx, "ResolveMismatch", attrs...)
	err := s.inner.ResolveMismatch(ctx, id, by, notes)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) SetMismatchState(ctx context.Context, id int64, state types.MismatchState) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("recon.mismatch.id", id),
		attribute.String("recon.mismatch.state", string(state)),
	}
	ctx, span, t := s.op(ctx, "SetMismatchState", attrs...)
	err := s.inner.SetMismatchState(ctx, id, state)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	ctx, span, t := s.op(ctx, "Stats")
	v, err := s.inner.Stats(ctx)
	s.done(ctx, span, t, err)
	if err == nil && v != nil {
		// Record current view counts as gauge snapshots, broken down by
		// reconciliation status.
		statusAttr := func(status string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("recon_status", status))
		}
		s.txnGauge.Record(ctx, v.PendingReconciliation, statusAttr("pending"))
		s.txnGauge.Record(ctx, v.Matched, statusAttr("matched"))
		s.txnGauge.Record(ctx, v.Mismatched, statusAttr("mismatch"))
	}
	return v, err
}

func (s *InstrumentedStore) Timeline(ctx context.Context, hours, intervalMinutes int) ([]types.TimelineBucket, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("recon.timeline.hours", hours),
		attribute.Int("recon.timeline.interval", intervalMinutes),
	}
	ctx, span, t := s.op(ctx, "Timeline", attrs...)
	v, err := s.inner.Timeline(ctx, hours, intervalMinutes)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DelayedTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]*types.PersistedView, error) {
	ctx, span, t := s.op(ctx, "DelayedTransactions")
	v, err := s.inner.DelayedTransactions(ctx, olderThan, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("recon.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) DuplicateViews(ctx context.Context, limit int) ([]types.DuplicateGroup, error) {
	ctx, span, t := s.op(ctx, "DuplicateViews")
	v, err := s.inner.DuplicateViews(ctx, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("recon.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
