// Package queue holds the redis-backed plumbing shared by all instances:
// hourly rate limits, update de-duplication and the lifecycle job stream.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts events per scope in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	scope string
	limit int64
}

func NewRateLimiter(rdb *redis.Client, scope string, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, scope: scope, limit: limit}
}

func (r *RateLimiter) key(subject string, window time.Time) string {
	return fmt.Sprintf("clonehost:ratelimit:%s:%s:%s", r.scope, subject, window.Format("2006010215"))
}

// Allow records one event for subject and reports whether it fits in the
// current hour. A non-positive limit disables the check.
func (r *RateLimiter) Allow(ctx context.Context, subject string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	window := now.UTC().Truncate(time.Hour)
	resetAt = window.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, resetAt, nil
	}
	ttl := resetAt.Sub(now.UTC())
	if ttl < time.Second {
		ttl = time.Second
	}

	key := r.key(subject, window)
	var incr *redis.IntCmd
	_, err = r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit %s: %w", r.scope, err)
	}
	used = incr.Val()
	return used <= r.limit, used, resetAt, nil
}

// UpdateDeduplicator drops telegram updates already seen by one instance.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether this is the first delivery of updateID to the
// instance.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, instanceID string, updateID int64) (bool, error) {
	key := fmt.Sprintf("clonehost:update:%s:%d", instanceID, updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
