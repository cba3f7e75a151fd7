package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// VelocityConfig tunes the sliding-window attempt tracker.
type VelocityConfig struct {
	KeyPrefix string
	Window    time.Duration
	Threshold int64
}

func (c VelocityConfig) withDefaults() VelocityConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "velocity"
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	return c
}

// Velocity tracks attempt frequency per key in Redis sorted sets. It flags
// bursts for fraud review, it never blocks on its own.
type Velocity struct {
	client *redis.Client
	cfg    VelocityConfig
	now    func() time.Time
}

// NewVelocity constructs a Velocity tracker.
func NewVelocity(client *redis.Client, cfg VelocityConfig) *Velocity {
	return &Velocity{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

func (v *Velocity) key(identifier string) string {
	return fmt.Sprintf("%s:%s", v.cfg.KeyPrefix, identifier)
}

// Observe records one attempt and returns the count within the current
// window plus whether the threshold was crossed. Entries older than the
// window are trimmed on each call.
func (v *Velocity) Observe(ctx context.Context, identifier string) (int64, bool, error) {
	if v == nil || v.client == nil {
		return 0, false, nil
	}
	now := v.now()
	key := v.key(identifier)
	cutoff := now.Add(-v.cfg.Window).UnixNano()

	pipe := v.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, v.cfg.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("billing: velocity observe: %w", err)
	}
	n := count.Val()
	return n, n > v.cfg.Threshold, nil
}

// Count returns the attempts inside the current window without recording.
func (v *Velocity) Count(ctx context.Context, identifier string) (int64, error) {
	if v == nil || v.client == nil {
		return 0, nil
	}
	now := v.now()
	min := strconv.FormatInt(now.Add(-v.cfg.Window).UnixNano(), 10)
	max := strconv.FormatInt(now.UnixNano(), 10)
	n, err := v.client.ZCount(ctx, v.key(identifier), min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("billing: velocity count: %w", err)
	}
	return n, nil
}
