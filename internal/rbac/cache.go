package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved permission booleans in Redis. Entries are keyed by
// (principal, permission) under a per-principal version counter: bumping the
// version on an assignment change orphans every cached entry for that
// principal without scanning keys. Grant-level changes are not tracked per
// principal and instead age out with the TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) versionKey(principal PrincipalRef) string {
	return fmt.Sprintf("rbac:ver:%s:%d", principal.Kind, principal.ID)
}

func (c *Cache) version(ctx context.Context, principal PrincipalRef) (int64, error) {
	ver, err := c.client.Get(ctx, c.versionKey(principal)).Int64()
	if err == redis.Nil {
		// INCR on a missing counter yields 1, so the implicit version is 0.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *Cache) entryKey(ctx context.Context, principal PrincipalRef, permission string) (string, error) {
	ver, err := c.version(ctx, principal)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rbac:perm:%s:%d:v%d:%s", principal.Kind, principal.ID, ver, permission), nil
}

// Get returns the cached resolution and whether it was present. A nil cache
// or an unreachable Redis behaves as a miss.
func (c *Cache) Get(ctx context.Context, principal PrincipalRef, permission string) (allowed, ok bool) {
	if c == nil || c.client == nil {
		return false, false
	}
	key, err := c.entryKey(ctx, principal, permission)
	if err != nil {
		return false, false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return false, false
	}
	return val == "1", true
}

// Set stores a resolution with the configured TTL. Best effort.
func (c *Cache) Set(ctx context.Context, principal PrincipalRef, permission string, allowed bool) {
	if c == nil || c.client == nil {
		return
	}
	key, err := c.entryKey(ctx, principal, permission)
	if err != nil {
		return
	}
	val := "0"
	if allowed {
		val = "1"
	}
	_ = c.client.Set(ctx, key, val, c.ttl).Err()
}

// Invalidate drops every cached resolution for the principal by bumping its
// version counter.
func (c *Cache) Invalidate(ctx context.Context, principal PrincipalRef) error {
	if c == nil || c.client == nil {
		return nil
	}
	key := c.versionKey(principal)
	if err := c.client.Incr(ctx, key).Err(); err != nil {
		return err
	}
	// The counter outlives entries by one TTL so a version is never reused
	// while entries under it could still exist.
	return c.client.Expire(ctx, key, 2*c.ttl+time.Minute).Err()
}
