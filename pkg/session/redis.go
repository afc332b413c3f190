package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Accelerator is an optional cross-process read-through cache for the
// fatigue-guard sliding window (spec.md §4.K domain stack): when several
// cooperating gatekernel processes gate the same workspace, each
// process's in-memory window only sees its own approvals. An Accelerator
// lets CheckFatigueGuard fold in the count every other process has
// recorded, without ever becoming the source of truth — the in-memory
// window in State remains authoritative, and an Accelerator error never
// fails a fatigue-guard check.
type Accelerator interface {
	RecordApproval(ctx context.Context, sessionID string, at time.Time) error
	WindowCount(ctx context.Context, sessionID string, since time.Time) (int, error)
}

// RedisAccelerator implements Accelerator over a sorted set per session,
// scored by approval timestamp, mirroring the teacher's
// RedisLimiterStore use of Redis as a shared, TTL'd counter store rather
// than a new protocol of its own.
type RedisAccelerator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAccelerator connects to addr the same way the teacher's
// NewRedisLimiterStore does.
func NewRedisAccelerator(addr, password string, db int) *RedisAccelerator {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisAccelerator{client: client, ttl: 2 * time.Hour}
}

func (r *RedisAccelerator) key(sessionID string) string {
	return fmt.Sprintf("gatekernel:fatigue:%s", sessionID)
}

// RecordApproval adds one member to the session's sorted set, scored by
// at, and refreshes the key's expiry so an abandoned session's window
// does not linger in Redis forever.
func (r *RedisAccelerator) RecordApproval(ctx context.Context, sessionID string, at time.Time) error {
	key := r.key(sessionID)
	member := fmt.Sprintf("%d-%s", at.UnixNano(), uuid.NewString())
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(at.Unix()), Member: member}).Err(); err != nil {
		return fmt.Errorf("redis accelerator record approval: %w", err)
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

// WindowCount evicts members older than since and returns the count of
// what remains, so every cooperating process sees the same eviction
// semantics session.evictOld applies locally.
func (r *RedisAccelerator) WindowCount(ctx context.Context, sessionID string, since time.Time) (int, error) {
	key := r.key(sessionID)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", since.Unix())).Err(); err != nil {
		return 0, fmt.Errorf("redis accelerator evict: %w", err)
	}
	count, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis accelerator window count: %w", err)
	}
	return int(count), nil
}

// Close releases the underlying client.
func (r *RedisAccelerator) Close() error {
	return r.client.Close()
}
