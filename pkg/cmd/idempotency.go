package cmd

import (
	"github.com/redis/go-redis/v9"

	"github.com/heraerp/playbook/pkg/idempotency"
	"github.com/heraerp/playbook/pkg/store"
)

// NewIdempotencyBackend selects where idempotency records live. A Redis URL
// keeps them in Redis with native TTL expiry; without one they share the
// universal store.
func NewIdempotencyBackend(redisURL string, st store.Store) idempotency.Backend {
	if redisURL == "" {
		return idempotency.NewStoreBackend(st)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic("invalid redis URL: " + err.Error())
	}

	return idempotency.NewRedisBackend(redis.NewClient(opts))
}
