package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestVelocity(t *testing.T, cfg VelocityConfig) (*Velocity, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v := NewVelocity(client, cfg)
	return v, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestVelocityFlagsAboveThreshold(t *testing.T) {
	v, cleanup := newTestVelocity(t, VelocityConfig{Window: time.Minute, Threshold: 3})
	defer cleanup()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		count, flagged, err := v.Observe(ctx, "login:email:a@b.c")
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
		if count != int64(i) {
			t.Fatalf("observe %d: expected count %d, got %d", i, i, count)
		}
		if flagged {
			t.Fatalf("observe %d: flagged below threshold", i)
		}
	}
	count, flagged, err := v.Observe(ctx, "login:email:a@b.c")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if count != 4 || !flagged {
		t.Fatalf("expected flag at count 4, got count=%d flagged=%v", count, flagged)
	}
}

func TestVelocityKeysAreIndependent(t *testing.T) {
	v, cleanup := newTestVelocity(t, VelocityConfig{Window: time.Minute, Threshold: 1})
	defer cleanup()

	ctx := context.Background()
	if _, _, err := v.Observe(ctx, "login:ip:1.2.3.4"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	count, flagged, err := v.Observe(ctx, "login:ip:5.6.7.8")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if count != 1 || flagged {
		t.Fatalf("keys must not share windows, got count=%d flagged=%v", count, flagged)
	}
}

func TestVelocityWindowSlides(t *testing.T) {
	v, cleanup := newTestVelocity(t, VelocityConfig{Window: time.Minute, Threshold: 10})
	defer cleanup()

	ctx := context.Background()
	base := time.Now()
	v.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		base = base.Add(time.Second)
		if _, _, err := v.Observe(ctx, "payment_failed:user:42"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	// Jump past the window: old entries are trimmed on the next call.
	base = base.Add(2 * time.Minute)
	count, _, err := v.Observe(ctx, "payment_failed:user:42")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected stale entries trimmed, got count %d", count)
	}

	n, err := v.Count(ctx, "payment_failed:user:42")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
}

func TestVelocityNilSafe(t *testing.T) {
	var v *Velocity
	count, flagged, err := v.Observe(context.Background(), "anything")
	if err != nil || count != 0 || flagged {
		t.Fatalf("nil tracker must be a no-op, got count=%d flagged=%v err=%v", count, flagged, err)
	}
}
