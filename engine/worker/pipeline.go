// Package worker runs the event pipeline: one goroutine per input partition
// consumes task updates and admin commands, applies them through the state
// engine, publishes the resulting effects and commits offsets. Within a
// partition ordering is total; across partitions there are no guarantees.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/infra/monitoring"
	"github.com/sagaflow/sagaflow/engine/orchestrator"
	"github.com/sagaflow/sagaflow/engine/systask"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Config tunes batch consumption and outbound publish retries.
type Config struct {
	BatchSize    int
	BlockTimeout time.Duration
	// PublishAttempts bounds outbound publish retries; exhausting them
	// fails the partition loop so the process restarts from the last
	// committed offset.
	PublishAttempts uint64
	PublishBackoff  time.Duration
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 8
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 100 * time.Millisecond
	}
	return &cfg
}

type Pipeline struct {
	bus     bus.Bus
	orch    *orchestrator.Orchestrator
	exec    *systask.Executor
	metrics *monitoring.Metrics
	cfg     *Config
}

func NewPipeline(
	b bus.Bus,
	orch *orchestrator.Orchestrator,
	exec *systask.Executor,
	metrics *monitoring.Metrics,
	cfg *Config,
) *Pipeline {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Pipeline{
		bus:     b,
		orch:    orch,
		exec:    exec,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// Run consumes every partition until the context is cancelled. A partition
// loop error stops the whole pipeline (fail-fast; the supervisor restarts
// the process).
func (p *Pipeline) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for partition := 0; partition < p.bus.Partitions(); partition++ {
		group.Go(func() error {
			return p.runPartition(ctx, partition)
		})
	}
	return group.Wait()
}

func (p *Pipeline) runPartition(ctx context.Context, partition int) error {
	log := logger.FromContext(ctx).With("partition", partition)
	ctx = logger.ContextWithLogger(ctx, log)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliveries, err := p.bus.Read(ctx, partition, p.cfg.BatchSize, p.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.metrics.ApplyFailure(ctx, partition)
			return fmt.Errorf("reading partition %d: %w", partition, err)
		}
		if len(deliveries) == 0 {
			continue
		}
		started := time.Now()
		if err := p.processBatch(ctx, partition, deliveries); err != nil {
			p.metrics.ApplyFailure(ctx, partition)
			return fmt.Errorf("processing partition %d: %w", partition, err)
		}
		p.metrics.BatchProcessed(ctx, partition, time.Since(started))
	}
}

// processBatch groups deliveries by transactionId preserving arrival order,
// applies each group, publishes its effects with backoff and acks the whole
// batch only after every group's effects are out.
func (p *Pipeline) processBatch(ctx context.Context, partition int, deliveries []*bus.Delivery) error {
	for _, group := range groupByTransaction(deliveries) {
		effects, err := p.applyGroup(ctx, partition, group)
		if err != nil {
			return err
		}
		if err := p.publishEffects(ctx, effects); err != nil {
			return err
		}
	}
	return p.bus.Ack(ctx, partition, deliveries...)
}

func (p *Pipeline) applyGroup(
	ctx context.Context,
	partition int,
	group []*bus.Delivery,
) (*orchestrator.Effects, error) {
	effects := orchestrator.NewEffects()
	var updates, commands int
	for _, delivery := range group {
		if err := p.applyDelivery(ctx, partition, effects, delivery); err != nil {
			return nil, err
		}
		if delivery.Command != nil {
			commands++
		} else {
			updates++
		}
	}
	p.metrics.UpdatesApplied(ctx, partition, updates)
	p.metrics.CommandsApplied(ctx, partition, commands)
	return effects, nil
}

// applyDelivery dispatches one record into the state engine. A panic during
// apply is caught, reported as an error event and the record is dropped so
// a poison message cannot stall the partition.
func (p *Pipeline) applyDelivery(
	ctx context.Context,
	partition int,
	effects *orchestrator.Effects,
	delivery *bus.Delivery,
) (err error) {
	transactionID := deliveryTransactionID(delivery)
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("recovered from apply panic",
				"transaction_id", transactionID, "panic", r)
			effects.AddEvent(p.orch.ErrorEvent(transactionID,
				core.NewErrorf(core.CodeInternal, "apply panic: %v", r), nil))
			p.metrics.UpdateDropped(ctx, partition)
			err = nil
		}
	}()
	if delivery.Command != nil {
		return p.orch.HandleCommand(ctx, effects, delivery.Command)
	}
	return p.orch.ApplyUpdate(ctx, effects, delivery.Update)
}

// publishEffects pushes the buffered effects onto the bus. System dispatches
// are executed in-process and their results published in turn. Each publish
// is retried with capped exponential backoff.
func (p *Pipeline) publishEffects(ctx context.Context, effects *orchestrator.Effects) error {
	for _, dispatch := range effects.Dispatches {
		if dispatch.IsSystem {
			if err := p.executeSystemTask(ctx, dispatch); err != nil {
				return err
			}
			continue
		}
		if err := p.publish(ctx, func(ctx context.Context) error {
			return p.bus.Dispatch(ctx, dispatch)
		}); err != nil {
			return err
		}
		p.metrics.Dispatched(ctx, dispatch.Task.TaskName)
	}
	for _, event := range effects.Events {
		if err := p.publish(ctx, func(ctx context.Context) error {
			return p.bus.SendEvent(ctx, event)
		}); err != nil {
			return err
		}
	}
	p.metrics.EventsPublished(ctx, len(effects.Events))
	for _, timer := range effects.Timers {
		if err := p.publish(ctx, func(ctx context.Context) error {
			return p.bus.SendTimer(ctx, timer)
		}); err != nil {
			return err
		}
	}
	p.metrics.TimersArmed(ctx, len(effects.Timers))
	for _, update := range effects.Updates {
		if err := p.publish(ctx, func(ctx context.Context) error {
			return p.bus.PublishUpdate(ctx, update)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) executeSystemTask(ctx context.Context, dispatch *bus.Dispatch) error {
	result, err := p.exec.Execute(ctx, dispatch)
	if err != nil {
		return err
	}
	if result.Timer != nil {
		if err := p.publish(ctx, func(ctx context.Context) error {
			return p.bus.SendTimer(ctx, result.Timer)
		}); err != nil {
			return err
		}
		p.metrics.TimersArmed(ctx, 1)
	}
	if result.Update != nil {
		return p.publish(ctx, func(ctx context.Context) error {
			return p.bus.PublishUpdate(ctx, result.Update)
		})
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(p.cfg.PublishAttempts,
		retry.NewExponential(p.cfg.PublishBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			p.metrics.PublishFailure(ctx)
			logger.FromContext(ctx).Warn("outbound publish failed, backing off", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// groupByTransaction partitions deliveries by transactionId, preserving
// arrival order within each group and group order by first appearance.
func groupByTransaction(deliveries []*bus.Delivery) [][]*bus.Delivery {
	index := make(map[string]int)
	var groups [][]*bus.Delivery
	for _, delivery := range deliveries {
		id := deliveryTransactionID(delivery)
		at, seen := index[id]
		if !seen {
			at = len(groups)
			index[id] = at
			groups = append(groups, nil)
		}
		groups[at] = append(groups[at], delivery)
	}
	return groups
}

func deliveryTransactionID(delivery *bus.Delivery) string {
	if delivery.Command != nil {
		return delivery.Command.TransactionID
	}
	if delivery.Update != nil {
		return delivery.Update.TransactionID
	}
	return ""
}
