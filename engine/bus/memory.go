package bus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/engine/instance"
)

// MemoryBus is an in-process Bus used by engine tests and the embedded dev
// mode. It records every outbound effect and queues published updates per
// partition.
type MemoryBus struct {
	mu         sync.Mutex
	partitions int
	nextID     int
	queues     [][]*Delivery
	Dispatches []*Dispatch
	Events     []*Event
	Timers     []*Timer
}

func NewMemoryBus(partitions int) *MemoryBus {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBus{
		partitions: partitions,
		queues:     make([][]*Delivery, partitions),
	}
}

func (b *MemoryBus) Dispatch(_ context.Context, dispatch *Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Dispatches = append(b.Dispatches, dispatch)
	return nil
}

func (b *MemoryBus) SendEvent(_ context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, event)
	return nil
}

func (b *MemoryBus) SendTimer(_ context.Context, timer *Timer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Timers = append(b.Timers, timer)
	return nil
}

func (b *MemoryBus) PublishUpdate(_ context.Context, update *instance.TaskStatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueue(update.TransactionID, &Delivery{Update: update})
	return nil
}

func (b *MemoryBus) PublishCommand(_ context.Context, command *Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueue(command.TransactionID, &Delivery{Command: command})
	return nil
}

func (b *MemoryBus) enqueue(transactionID string, delivery *Delivery) {
	partition := PartitionFor(transactionID, b.partitions)
	b.nextID++
	delivery.ID = strconv.Itoa(b.nextID)
	b.queues[partition] = append(b.queues[partition], delivery)
}

func (b *MemoryBus) Read(_ context.Context, partition, max int, _ time.Duration) ([]*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.queues[partition]
	if len(queue) == 0 {
		return nil, nil
	}
	if max > len(queue) {
		max = len(queue)
	}
	batch := make([]*Delivery, max)
	copy(batch, queue[:max])
	return batch, nil
}

func (b *MemoryBus) Ack(_ context.Context, partition int, deliveries ...*Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acked := make(map[string]bool, len(deliveries))
	for _, d := range deliveries {
		acked[d.ID] = true
	}
	remaining := b.queues[partition][:0]
	for _, d := range b.queues[partition] {
		if !acked[d.ID] {
			remaining = append(remaining, d)
		}
	}
	b.queues[partition] = remaining
	return nil
}

func (b *MemoryBus) Partitions() int {
	return b.partitions
}

// FireTimers drains due timers, simulating delayed redelivery. Tests call
// this to fire timers deterministically.
func (b *MemoryBus) FireTimers(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	var due []*Timer
	var remaining []*Timer
	for _, timer := range b.Timers {
		if !timer.ScheduledAt.After(now) {
			due = append(due, timer)
		} else {
			remaining = append(remaining, timer)
		}
	}
	b.Timers = remaining
	b.mu.Unlock()
	for _, timer := range due {
		switch {
		case timer.Dispatch != nil:
			if err := b.Dispatch(ctx, timer.Dispatch); err != nil {
				return err
			}
		case timer.Update != nil:
			if err := b.PublishUpdate(ctx, timer.Update); err != nil {
				return err
			}
		}
	}
	return nil
}
