package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "semaphore:snapshot:"
	redisTTL       = 24 * time.Hour
)

// RedisStore persists the latest snapshot per tenant in Redis so snapshot
// fallback survives service restarts. The bridge is the single writer per
// tenant, so monotonicity is enforced with a read-compare-write.
type RedisStore struct {
	client goredis.UniversalClient
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenantID string) string {
	return redisKeyPrefix + tenantID
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, snap *Snapshot) error {
	cur, err := r.Latest(ctx, snap.TenantID)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return err
	}
	if cur != nil && !snap.CapturedAt.After(cur.CapturedAt) {
		return nil
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(snap.TenantID), payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("store snapshot in redis: %w", err)
	}
	return nil
}

// Latest implements Store.
func (r *RedisStore) Latest(ctx context.Context, tenantID string) (*Snapshot, error) {
	payload, err := r.client.Get(ctx, redisKey(tenantID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot from redis: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
