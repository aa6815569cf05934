// Package lock provides a TTL-bound mutual-exclusion lock stored in Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrTimeout means the lock stayed held by someone else for the whole wait.
	ErrTimeout = errors.New("lock: timed out waiting for lock")
	// ErrNotHeld means the lease expired or was taken over before release.
	ErrNotHeld = errors.New("lock: lease no longer held")
)

const defaultPollInterval = 100 * time.Millisecond

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out leases on named keys.
type Locker struct {
	client       *redis.Client
	pollInterval time.Duration
	log          *zap.Logger
}

func NewLocker(client *redis.Client, log *zap.Logger) *Locker {
	return &Locker{
		client:       client,
		pollInterval: defaultPollInterval,
		log:          log.With(zap.String("component", "lock")),
	}
}

// Lease is a held lock. The holder must Release it; otherwise it expires after its TTL.
type Lease struct {
	locker *Locker
	name   string
	token  string
	ttl    time.Duration
}

func (l *Lease) Name() string { return l.name }

func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire tries to take name for ttl, polling until wait has elapsed.
// A zero wait makes a single attempt.
func (l *Locker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", name)
	}
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			l.log.Debug("lock acquired", zap.String("lock", name), zap.Duration("ttl", ttl), zap.Int("attempts", attempt))
			return &Lease{locker: l, name: name, token: token, ttl: ttl}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("acquire lock %s after %s: %w", name, wait, ErrTimeout)
		}
		timer := time.NewTimer(min(l.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release gives the lock back. It returns ErrNotHeld when the lease had already expired,
// in which case any newer holder keeps the lock.
func (l *Lease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.locker.client, []string{l.name}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	if deleted == 0 {
		return fmt.Errorf("release lock %s: %w", l.name, ErrNotHeld)
	}
	l.locker.log.Debug("lock released", zap.String("lock", l.name))
	return nil
}
