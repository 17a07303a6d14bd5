package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provflow/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "provflow:lock:subscriber:"

// releaseScript deletes the lock only if this instance still holds it, so a
// late release cannot drop a lock re-acquired by a newer workflow.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SubscriberLock serializes workflows per subscriber with SETNX. The lock
// value is the owning instance id, which makes acquisition re-entrant for a
// resumed instance after a crash.
type SubscriberLock struct {
	client *redis.Client

	// QueueOnConflict switches admission from fail-fast to bounded waiting.
	queueOnConflict bool
	maxWait         time.Duration
	pollInterval    time.Duration
	ttl             time.Duration
}

type LockOption func(*SubscriberLock)

// WithQueuedAdmission makes Acquire wait up to maxWait instead of failing
// fast on a held lock.
func WithQueuedAdmission(maxWait, pollInterval time.Duration) LockOption {
	return func(l *SubscriberLock) {
		l.queueOnConflict = true
		l.maxWait = maxWait
		l.pollInterval = pollInterval
	}
}

// WithLockTTL bounds how long an orphaned lock can linger if a process dies
// and its instance is never resumed. Zero means no expiry.
func WithLockTTL(ttl time.Duration) LockOption {
	return func(l *SubscriberLock) { l.ttl = ttl }
}

func NewSubscriberLock(client *redis.Client, opts ...LockOption) *SubscriberLock {
	l := &SubscriberLock{
		client:       client,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SubscriberLock) Acquire(ctx context.Context, subscriberID, instanceID uuid.UUID) error {
	key := lockKeyPrefix + subscriberID.String()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, key, instanceID.String(), l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire subscriber lock: %w", err)
		}
		if ok {
			return nil
		}

		// Re-entrant for the same instance: a resumed executor already owns it.
		holder, err := l.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("inspect subscriber lock: %w", err)
		}
		if holder == instanceID.String() {
			return nil
		}

		if !l.queueOnConflict || time.Now().After(deadline) {
			return domain.ErrConflictingOperation
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *SubscriberLock) Release(ctx context.Context, subscriberID, instanceID uuid.UUID) error {
	key := lockKeyPrefix + subscriberID.String()
	if err := releaseScript.Run(ctx, l.client, []string{key}, instanceID.String()).Err(); err != nil {
		return fmt.Errorf("release subscriber lock: %w", err)
	}
	return nil
}
