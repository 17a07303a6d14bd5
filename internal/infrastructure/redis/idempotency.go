package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
)

const idempotencyKeyPrefix = "provflow:idem:"

// IdempotencyStore keeps step results keyed by (workflow idempotency key,
// step name). Entries carry no TTL while the workflow is in flight; the
// executor bounds retention with ExpireAfter once the instance is terminal.
type IdempotencyStore struct {
	client *redis.Client
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func entryKey(key, stepName string) string {
	return idempotencyKeyPrefix + key + ":" + stepName
}

func (s *IdempotencyStore) Get(ctx context.Context, key, stepName string) (datatypes.JSON, bool, error) {
	raw, err := s.client.Get(ctx, entryKey(key, stepName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return datatypes.JSON(raw), true, nil
}

// Put records a result. SETNX keeps the first write: if a racing retry
// already stored the outcome of the external call, that one wins.
func (s *IdempotencyStore) Put(ctx context.Context, key, stepName string, result datatypes.JSON) error {
	if err := s.client.SetNX(ctx, entryKey(key, stepName), []byte(result), 0).Err(); err != nil {
		return fmt.Errorf("idempotency put: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) ExpireAfter(ctx context.Context, key string, stepNames []string, grace time.Duration) error {
	for _, name := range stepNames {
		if err := s.client.Expire(ctx, entryKey(key, name), grace).Err(); err != nil {
			return fmt.Errorf("idempotency expire: %w", err)
		}
	}
	return nil
}
