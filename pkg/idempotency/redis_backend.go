package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBackend keeps idempotency records in Redis with a native TTL, for
// deployments where the universal store is remote and the extra round trips
// per mutating request matter. SET NX arbitrates concurrent reservations.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a Redis-backed idempotency backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(orgID, key, endpoint string) string {
	return "playbook:idem:" + orgID + ":" + endpoint + ":" + key
}

func (b *RedisBackend) Get(ctx context.Context, orgID, key, endpoint string) (*Record, error) {
	payload, err := b.client.Get(ctx, redisKey(orgID, key, endpoint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var record Record

	err = json.Unmarshal(payload, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}

	return &record, nil
}

func (b *RedisBackend) Reserve(ctx context.Context, orgID string, record *Record) (*Record, bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	created, err := b.client.SetNX(ctx, redisKey(orgID, record.Key, record.Endpoint), payload, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency record: %w", err)
	}

	if created {
		return record, true, nil
	}

	winner, err := b.Get(ctx, orgID, record.Key, record.Endpoint)
	if err != nil {
		return nil, false, err
	}

	if winner == nil {
		// Winner expired between SETNX and GET; treat as in-flight.
		return record, false, nil
	}

	return winner, false, nil
}

func (b *RedisBackend) Complete(ctx context.Context, orgID string, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	err = b.client.Set(ctx, redisKey(orgID, record.Key, record.Endpoint), payload, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to persist idempotency record: %w", err)
	}

	return nil
}

var _ Backend = (*RedisBackend)(nil)
