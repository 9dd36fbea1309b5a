package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const lockPrefix = "lock:"

// Lock is a single-holder lease on a Redis key. Each instance carries its
// own owner token, so Release never drops a lease taken over by another node.
type Lock struct {
	client RedisClient
	owner  string
}

func NewLock(client RedisClient) *Lock {
	return &Lock{client: client, owner: uuid.NewString()}
}

// Acquire returns false without error when another holder has the key.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+key, l.owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (l *Lock) Release(ctx context.Context, key string) error {
	released, err := l.client.DelIfEqual(ctx, lockPrefix+key, l.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if !released {
		slog.Warn("lock already expired or taken over", "key", key)
	}
	return nil
}
