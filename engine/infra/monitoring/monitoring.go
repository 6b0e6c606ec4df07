// Package monitoring exposes the engine's OpenTelemetry instruments. A nil
// *Metrics is a valid no-op receiver so callers never guard call sites.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	updatesApplied  metric.Int64Counter
	commandsApplied metric.Int64Counter
	updatesDropped  metric.Int64Counter
	dispatches      metric.Int64Counter
	eventsPublished metric.Int64Counter
	timersArmed     metric.Int64Counter
	applyFailures   metric.Int64Counter
	batchDuration   metric.Float64Histogram
	publishFailures metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.updatesApplied, err = meter.Int64Counter("sagaflow_updates_applied_total",
		metric.WithDescription("Task status updates applied by the state engine")); err != nil {
		return nil, fmt.Errorf("creating updates counter: %w", err)
	}
	if m.commandsApplied, err = meter.Int64Counter("sagaflow_commands_applied_total",
		metric.WithDescription("Admin commands applied by the state engine")); err != nil {
		return nil, fmt.Errorf("creating commands counter: %w", err)
	}
	if m.updatesDropped, err = meter.Int64Counter("sagaflow_updates_dropped_total",
		metric.WithDescription("Updates dropped after a caught apply panic")); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	if m.dispatches, err = meter.Int64Counter("sagaflow_task_dispatches_total",
		metric.WithDescription("Task dispatches published to worker topics")); err != nil {
		return nil, fmt.Errorf("creating dispatch counter: %w", err)
	}
	if m.eventsPublished, err = meter.Int64Counter("sagaflow_events_published_total",
		metric.WithDescription("Domain events published to the event stream")); err != nil {
		return nil, fmt.Errorf("creating event counter: %w", err)
	}
	if m.timersArmed, err = meter.Int64Counter("sagaflow_timers_armed_total",
		metric.WithDescription("Delay timers written to the timer topic")); err != nil {
		return nil, fmt.Errorf("creating timer counter: %w", err)
	}
	if m.applyFailures, err = meter.Int64Counter("sagaflow_apply_failures_total",
		metric.WithDescription("Infrastructure failures while applying a batch")); err != nil {
		return nil, fmt.Errorf("creating apply failure counter: %w", err)
	}
	if m.publishFailures, err = meter.Int64Counter("sagaflow_publish_failures_total",
		metric.WithDescription("Failed outbound publish attempts, including retried ones")); err != nil {
		return nil, fmt.Errorf("creating publish failure counter: %w", err)
	}
	if m.batchDuration, err = meter.Float64Histogram("sagaflow_batch_duration_seconds",
		metric.WithDescription("Wall time to process one input batch"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating batch histogram: %w", err)
	}
	return m, nil
}

func partitionAttr(partition int) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("partition", partition))
}

func (m *Metrics) UpdatesApplied(ctx context.Context, partition, count int) {
	if m == nil {
		return
	}
	m.updatesApplied.Add(ctx, int64(count), partitionAttr(partition))
}

func (m *Metrics) CommandsApplied(ctx context.Context, partition, count int) {
	if m == nil {
		return
	}
	m.commandsApplied.Add(ctx, int64(count), partitionAttr(partition))
}

func (m *Metrics) UpdateDropped(ctx context.Context, partition int) {
	if m == nil {
		return
	}
	m.updatesDropped.Add(ctx, 1, partitionAttr(partition))
}

func (m *Metrics) Dispatched(ctx context.Context, taskName string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", taskName)))
}

func (m *Metrics) EventsPublished(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, int64(count))
}

func (m *Metrics) TimersArmed(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.timersArmed.Add(ctx, int64(count))
}

func (m *Metrics) ApplyFailure(ctx context.Context, partition int) {
	if m == nil {
		return
	}
	m.applyFailures.Add(ctx, 1, partitionAttr(partition))
}

func (m *Metrics) PublishFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.publishFailures.Add(ctx, 1)
}

func (m *Metrics) BatchProcessed(ctx context.Context, partition int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, elapsed.Seconds(), partitionAttr(partition))
}
