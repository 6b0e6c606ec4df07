package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/sagaflow/engine/instance"
)

func newTestRedisBus(t *testing.T, partitions int) (*RedisBus, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b, err := NewRedisBus(context.Background(), client, &Config{
		KeyPrefix:  "test",
		Partitions: partitions,
	})
	require.NoError(t, err)
	return b, mr, client
}

func TestRedisBus_InputRoundTrip(t *testing.T) {
	ctx := context.Background()
	t.Run("Should round-trip updates through the partition stream", func(t *testing.T) {
		b, _, _ := newTestRedisBus(t, 2)
		update := &instance.TaskStatusUpdate{
			TransactionID: "txn-1",
			TaskID:        "t-1",
			Status:        instance.TaskCompleted,
			Output:        map[string]any{"rid": "r-1"},
		}
		require.NoError(t, b.PublishUpdate(ctx, update))

		partition := PartitionFor("txn-1", 2)
		deliveries, err := b.Read(ctx, partition, 10, 10*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		got := deliveries[0]
		require.NotNil(t, got.Update)
		assert.Nil(t, got.Command)
		assert.Equal(t, "txn-1", got.Update.TransactionID)
		assert.Equal(t, instance.TaskCompleted, got.Update.Status)
		assert.Equal(t, "r-1", got.Update.Output["rid"])
		require.NoError(t, b.Ack(ctx, partition, deliveries...))
	})
	t.Run("Should round-trip commands on the same stream", func(t *testing.T) {
		b, _, _ := newTestRedisBus(t, 1)
		require.NoError(t, b.PublishCommand(ctx, &Command{
			Type:          CommandPause,
			TransactionID: "txn-1",
		}))
		deliveries, err := b.Read(ctx, 0, 10, 10*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.NotNil(t, deliveries[0].Command)
		assert.Equal(t, CommandPause, deliveries[0].Command.Type)
	})
	t.Run("Should ack malformed records and keep reading", func(t *testing.T) {
		b, _, client := newTestRedisBus(t, 1)
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
			Stream: "test:updates:0",
			Values: map[string]any{"payload": "{not json"},
		}).Err())
		require.NoError(t, b.PublishUpdate(ctx, &instance.TaskStatusUpdate{
			TransactionID: "txn-1", TaskID: "t-1", Status: instance.TaskInprogress,
		}))
		deliveries, err := b.Read(ctx, 0, 10, 10*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		assert.Equal(t, instance.TaskInprogress, deliveries[0].Update.Status)
	})
	t.Run("Should reject records carrying neither update nor command", func(t *testing.T) {
		b, _, client := newTestRedisBus(t, 1)
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
			Stream: "test:updates:0",
			Values: map[string]any{"payload": "{}"},
		}).Err())
		deliveries, err := b.Read(ctx, 0, 10, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, deliveries)
	})
}

func TestRedisBus_Dispatch(t *testing.T) {
	ctx := context.Background()
	t.Run("Should route dispatches to per-task-name streams", func(t *testing.T) {
		b, _, client := newTestRedisBus(t, 1)
		require.NoError(t, b.Dispatch(ctx, &Dispatch{
			TransactionID: "txn-1",
			Task:          &instance.TaskInstance{TaskID: "t-1", TaskName: "reserve"},
		}))
		length, err := client.XLen(ctx, "test:task:reserve").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), length)
	})
	t.Run("Should append events to the event stream", func(t *testing.T) {
		b, _, client := newTestRedisBus(t, 1)
		require.NoError(t, b.SendEvent(ctx, &Event{
			TransactionID: "txn-1",
			Type:          EventTransaction,
			Timestamp:     time.Now(),
		}))
		length, err := client.XLen(ctx, "test:events").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), length)
	})
}

func TestTimerPoller_Poll(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t.Run("Should republish due update timers on the owning partition", func(t *testing.T) {
		b, _, _ := newTestRedisBus(t, 2)
		require.NoError(t, b.SendTimer(ctx, &Timer{
			ScheduledAt: now.Add(-time.Second),
			Update: &instance.TaskStatusUpdate{
				TransactionID: "txn-1", TaskID: "t-1",
				Status: instance.TaskAckTimeOut, IsSystem: true,
			},
		}))
		poller := NewTimerPoller(b, time.Second, 100)
		require.NoError(t, poller.Poll(ctx, now))

		partition := PartitionFor("txn-1", 2)
		deliveries, err := b.Read(ctx, partition, 10, 10*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		assert.Equal(t, instance.TaskAckTimeOut, deliveries[0].Update.Status)
	})
	t.Run("Should leave future timers armed", func(t *testing.T) {
		b, _, client := newTestRedisBus(t, 1)
		require.NoError(t, b.SendTimer(ctx, &Timer{
			ScheduledAt: now.Add(time.Hour),
			Update: &instance.TaskStatusUpdate{
				TransactionID: "txn-1", TaskID: "t-1",
				Status: instance.TaskTimeout, IsSystem: true,
			},
		}))
		poller := NewTimerPoller(b, time.Second, 100)
		require.NoError(t, poller.Poll(ctx, now))
		count, err := client.ZCard(ctx, "test:timers").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
	t.Run("Should dispatch due dispatch timers", func(t *testing.T) {
		b, _, client := newTestRedisBus(t, 1)
		require.NoError(t, b.SendTimer(ctx, &Timer{
			ScheduledAt: now.Add(-time.Minute),
			Dispatch: &Dispatch{
				TransactionID: "txn-1",
				Task:          &instance.TaskInstance{TaskID: "t-1", TaskName: "charge"},
			},
		}))
		poller := NewTimerPoller(b, time.Second, 100)
		require.NoError(t, poller.Poll(ctx, now))
		length, err := client.XLen(ctx, "test:task:charge").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), length)
		count, err := client.ZCard(ctx, "test:timers").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}
