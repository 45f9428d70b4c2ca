package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/caresync/visits/internal/platform/outbox"
)

// Writeback outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePending = "pending"
	OutcomeQueued  = "queued"
	OutcomeFailed  = "failed"
)

var (
	initOnce         sync.Once
	upstreamFailures metric.Int64Counter
	writebacks       metric.Int64Counter
)

// InitMetrics creates the instruments. Only the first call has an effect;
// call it after InitMeterProvider. Until then every Record call is a no-op.
func InitMetrics(ctx context.Context) error {
	var err error
	initOnce.Do(func() {
		m := Meter()
		upstreamFailures, err = m.Int64Counter("visits_upstream_failures_total",
			metric.WithDescription("Failed calls to a scheduling system of record"))
		if err != nil {
			return
		}
		writebacks, err = m.Int64Counter("visits_writeback_total",
			metric.WithDescription("Visit check-in, check-out and reset outcomes"))
	})
	return err
}

// RecordUpstreamFailure counts one failed read against a system of record.
func RecordUpstreamFailure(ctx context.Context, system, op string) {
	if upstreamFailures == nil {
		return
	}
	upstreamFailures.Add(ctx, 1, metric.WithAttributes(AttrSystem.String(system), AttrOperation.String(op)))
}

// RecordWriteback counts one writeback action by outcome.
func RecordWriteback(ctx context.Context, action, outcome string) {
	if writebacks == nil {
		return
	}
	writebacks.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrOutcome.String(outcome)))
}

// RegisterOutbox observes the dependent-write queue counters on every scrape.
func RegisterOutbox(stats func() outbox.Stats) error {
	if stats == nil {
		return nil
	}
	m := Meter()
	tasks, err := m.Int64ObservableGauge("visits_outbox_tasks",
		metric.WithDescription("Dependent-write tasks by state"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(tasks, s.Enqueued, metric.WithAttributes(AttrState.String("enqueued")))
		o.ObserveInt64(tasks, s.Succeeded, metric.WithAttributes(AttrState.String("succeeded")))
		o.ObserveInt64(tasks, s.Failed, metric.WithAttributes(AttrState.String("failed")))
		o.ObserveInt64(tasks, s.Retried, metric.WithAttributes(AttrState.String("retried")))
		o.ObserveInt64(tasks, s.Dropped, metric.WithAttributes(AttrState.String("dropped")))
		o.ObserveInt64(tasks, int64(s.Pending), metric.WithAttributes(AttrState.String("pending")))
		return nil
	}, tasks)
	return err
}
