package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

const payloadField = "payload"

// Config holds Redis Streams bus settings.
type Config struct {
	// KeyPrefix namespaces every stream and the timer set.
	KeyPrefix string
	// Partitions is the number of update streams; transactionId hashes onto
	// one of them.
	Partitions int
	// Group is the consumer group name for the update streams.
	Group string
	// Consumer is this process's consumer name within the group.
	Consumer string
	// EventStreamMaxLen caps the event stream with approximate trimming;
	// zero disables trimming.
	EventStreamMaxLen int64
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "sagaflow"
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.Group == "" {
		cfg.Group = "sagaflow-engine"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "engine-0"
	}
	return &cfg
}

// RedisBus implements Bus on Redis Streams. Dispatches go to one stream per
// task name, events to a single event stream, updates to one stream per
// partition consumed through a consumer group, and timers to a sorted set
// polled by the timer loop.
type RedisBus struct {
	client redis.UniversalClient
	cfg    *Config
}

// NewRedisBus creates the bus and its consumer groups.
func NewRedisBus(ctx context.Context, client redis.UniversalClient, cfg *Config) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	b := &RedisBus{client: client, cfg: cfg.withDefaults()}
	for p := 0; p < b.cfg.Partitions; p++ {
		err := client.XGroupCreateMkStream(ctx, b.updateStream(p), b.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, core.NewErrorf(core.CodeBusUnavailable,
				"creating consumer group on %s", b.updateStream(p)).WithCause(err)
		}
	}
	return b, nil
}

func (b *RedisBus) updateStream(partition int) string {
	return fmt.Sprintf("%s:updates:%d", b.cfg.KeyPrefix, partition)
}

func (b *RedisBus) taskStream(taskName string) string {
	return fmt.Sprintf("%s:task:%s", b.cfg.KeyPrefix, taskName)
}

func (b *RedisBus) eventStream() string {
	return b.cfg.KeyPrefix + ":events"
}

func (b *RedisBus) timerSet() string {
	return b.cfg.KeyPrefix + ":timers"
}

func (b *RedisBus) Dispatch(ctx context.Context, dispatch *Dispatch) error {
	payload, err := json.Marshal(dispatch)
	if err != nil {
		return core.NewError(core.CodeSerializationError, "marshaling dispatch").WithCause(err)
	}
	stream := b.taskStream(dispatch.Task.TaskName)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Err(); err != nil {
		return core.NewErrorf(core.CodeBusUnavailable, "dispatching to %s", stream).WithCause(err)
	}
	return nil
}

func (b *RedisBus) SendEvent(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return core.NewError(core.CodeSerializationError, "marshaling event").WithCause(err)
	}
	args := &redis.XAddArgs{
		Stream: b.eventStream(),
		Values: map[string]any{payloadField: payload},
	}
	if b.cfg.EventStreamMaxLen > 0 {
		args.MaxLen = b.cfg.EventStreamMaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return core.NewError(core.CodeBusUnavailable, "sending event").WithCause(err)
	}
	return nil
}

func (b *RedisBus) SendTimer(ctx context.Context, timer *Timer) error {
	payload, err := json.Marshal(timer)
	if err != nil {
		return core.NewError(core.CodeSerializationError, "marshaling timer").WithCause(err)
	}
	if err := b.client.ZAdd(ctx, b.timerSet(), redis.Z{
		Score:  float64(timer.ScheduledAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return core.NewError(core.CodeBusUnavailable, "scheduling timer").WithCause(err)
	}
	return nil
}

// inputRecord is the wire envelope of the input streams; exactly one field
// is set per record.
type inputRecord struct {
	Update  *instance.TaskStatusUpdate `json:"update,omitempty"`
	Command *Command                   `json:"command,omitempty"`
}

func (b *RedisBus) PublishUpdate(ctx context.Context, update *instance.TaskStatusUpdate) error {
	return b.publishInput(ctx, update.TransactionID, &inputRecord{Update: update})
}

func (b *RedisBus) PublishCommand(ctx context.Context, command *Command) error {
	return b.publishInput(ctx, command.TransactionID, &inputRecord{Command: command})
}

func (b *RedisBus) publishInput(ctx context.Context, transactionID string, record *inputRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return core.NewError(core.CodeSerializationError, "marshaling input record").WithCause(err)
	}
	stream := b.updateStream(PartitionFor(transactionID, b.cfg.Partitions))
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Err(); err != nil {
		return core.NewErrorf(core.CodeBusUnavailable, "publishing to %s", stream).WithCause(err)
	}
	return nil
}

func (b *RedisBus) Read(ctx context.Context, partition, max int, block time.Duration) ([]*Delivery, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.updateStream(partition), ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewErrorf(core.CodeBusUnavailable,
			"reading updates from partition %d", partition).WithCause(err)
	}
	var deliveries []*Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			delivery, err := decodeDelivery(msg)
			if err != nil {
				// A malformed record would wedge the partition forever; log,
				// ack and move on.
				logger.FromContext(ctx).Error("dropping malformed update record",
					"stream", stream.Stream, "id", msg.ID, "error", err)
				b.client.XAck(ctx, stream.Stream, b.cfg.Group, msg.ID)
				continue
			}
			deliveries = append(deliveries, delivery)
		}
	}
	return deliveries, nil
}

func decodeDelivery(msg redis.XMessage) (*Delivery, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return nil, core.NewErrorf(core.CodeSerializationError,
			"input record %s has no payload field", msg.ID)
	}
	var record inputRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, core.NewErrorf(core.CodeSerializationError,
			"decoding input record %s", msg.ID).WithCause(err)
	}
	if record.Update == nil && record.Command == nil {
		return nil, core.NewErrorf(core.CodeSerializationError,
			"input record %s carries neither update nor command", msg.ID)
	}
	return &Delivery{ID: msg.ID, Update: record.Update, Command: record.Command}, nil
}

func (b *RedisBus) Ack(ctx context.Context, partition int, deliveries ...*Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	ids := make([]string, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.ID
	}
	if err := b.client.XAck(ctx, b.updateStream(partition), b.cfg.Group, ids...).Err(); err != nil {
		return core.NewErrorf(core.CodeBusUnavailable,
			"acking %d updates on partition %d", len(ids), partition).WithCause(err)
	}
	return nil
}

func (b *RedisBus) Partitions() int {
	return b.cfg.Partitions
}
