package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// TimerPoller turns due members of the timer sorted set back into task
// updates on the owning partition. ZREM arbitrates between concurrent
// pollers: only the instance that removes a member republishes it.
type TimerPoller struct {
	bus      *RedisBus
	interval time.Duration
	batch    int64
}

func NewTimerPoller(b *RedisBus, interval time.Duration, batch int64) *TimerPoller {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batch <= 0 {
		batch = 128
	}
	return &TimerPoller{bus: b, interval: interval, batch: batch}
}

// Run polls until the context is cancelled.
func (p *TimerPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx, time.Now()); err != nil {
				logger.FromContext(ctx).Error("timer poll failed", "error", err)
			}
		}
	}
}

// Poll fires every timer due at or before now.
func (p *TimerPoller) Poll(ctx context.Context, now time.Time) error {
	members, err := p.bus.client.ZRangeByScore(ctx, p.bus.timerSet(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: p.batch,
	}).Result()
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	for _, member := range members {
		removed, err := p.bus.client.ZRem(ctx, p.bus.timerSet(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another poller claimed it first.
			continue
		}
		var timer Timer
		if err := json.Unmarshal([]byte(member), &timer); err != nil {
			log.Error("dropping malformed timer", "error", err)
			continue
		}
		if err := p.fire(ctx, &timer); err != nil {
			// Re-arm so the timer is not lost; it will fire again on the
			// next poll.
			p.bus.client.ZAdd(ctx, p.bus.timerSet(), redis.Z{
				Score:  float64(timer.ScheduledAt.UnixMilli()),
				Member: member,
			})
			return err
		}
	}
	return nil
}

func (p *TimerPoller) fire(ctx context.Context, timer *Timer) error {
	if timer.Dispatch != nil {
		return p.bus.Dispatch(ctx, timer.Dispatch)
	}
	if timer.Update != nil {
		return p.bus.PublishUpdate(ctx, timer.Update)
	}
	logger.FromContext(ctx).Error("dropping timer with no payload")
	return nil
}
