package shared

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another run already holds the lock.
var ErrLockHeld = errors.New("lock already held")

// RunLock guards batch critical sections with a Redis SETNX lease. Overlapping
// generation runs are the primary duplicate-invoice hazard, so both the cron
// and the manual trigger acquire this before iterating due templates.
type RunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRunLock constructs a lock around the given key.
func NewRunLock(client *redis.Client, key string, ttl time.Duration) *RunLock {
	return &RunLock{client: client, key: key, ttl: ttl}
}

// Acquire takes the lease, tagging it with the owner token.
func (l *RunLock) Acquire(ctx context.Context, owner string) error {
	if l == nil || l.client == nil {
		return nil
	}
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release drops the lease when still owned by the given token.
func (l *RunLock) Release(ctx context.Context, owner string) error {
	if l == nil || l.client == nil {
		return nil
	}
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	return l.client.Eval(ctx, script, []string{l.key}, owner).Err()
}

// BillingRunLockKey builds the redis key for the recurring generation run.
func BillingRunLockKey() string {
	return "billing:recurring:run:lock"
}
