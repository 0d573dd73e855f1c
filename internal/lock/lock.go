// Package lock implements the distributed mutual exclusion that
// serializes capacity decisions per event occurrence.  A lock is an
// ordinary Redis key written with SET NX PX: the value identifies the
// holder, the expiry bounds how long a crashed holder can block other
// purchasers.  The TTL must exceed the worst-case critical section
// (payment call plus two store writes) with margin; expiry is the sole
// liveness guarantee, there is no explicit deadlock detection.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned by Acquire when the lock is still held by
// someone else after all retries.  Callers surface this as a
// retry-later condition, never as a hard failure.
var ErrLockBusy = errors.New("occurrence lock busy")

// ErrLockLost is returned by Renew when the stored holder no longer
// matches the token, meaning the lock expired and may have been
// re-acquired by another purchaser.
var ErrLockLost = errors.New("occurrence lock lost")

// Token is the proof of lock ownership returned by Acquire.  It is
// never persisted; it lives for the duration of one critical section.
type Token struct {
	Key        string        // redis key of the lock
	Holder     string        // random holder identity written as the key value
	AcquiredAt time.Time     // when the lock was granted
	TTL        time.Duration // expiry the lock was created with
}

// Key builds the lock key for an event occurrence.  The key is always
// scoped to (eventID, date) because the invariant being protected is
// per-occurrence capacity, not per-user state.
func Key(eventID uint64, date string) string {
	return fmt.Sprintf("lock:%d:%s", eventID, date)
}

// releaseScript deletes the lock only when the stored value still
// matches the caller's holder identity.  Deleting blindly could remove
// a lock that expired and was re-acquired by someone else.
var releaseScript = redis.NewScript(`
    if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("DEL", KEYS[1])
    end
    return 0
`)

// renewScript extends the expiry only while the caller still holds the
// lock.  Returns 1 on success and 0 when the lock is gone or foreign.
var renewScript = redis.NewScript(`
    if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return 0
`)

// Manager acquires and releases occurrence locks against a single
// Redis instance.
type Manager struct {
	rdb *redis.Client
}

// NewManager returns a Manager bound to the provided Redis client.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

// Acquire attempts an atomic set-if-absent with expiry.  On contention
// it retries up to maxRetries times with a jittered delay, then fails
// with ErrLockBusy.  The returned token must be passed back to Release
// once the critical section is done.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*Token, error) {
	holder := uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := m.rdb.SetNX(ctx, key, holder, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if ok {
			return &Token{
				Key:        key,
				Holder:     holder,
				AcquiredAt: time.Now().UTC(),
				TTL:        ttl,
			}, nil
		}
		if attempt >= maxRetries {
			return nil, ErrLockBusy
		}
		// Jitter up to half the base delay so contending purchasers do
		// not retry in lockstep.
		delay := retryDelay
		if retryDelay > 0 {
			delay += time.Duration(rand.Int63n(int64(retryDelay)/2 + 1))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Release removes the lock if the token still owns it.  Releasing a
// lock that already expired, or that has been re-acquired by another
// holder, is a no-op rather than an error: callers must not assume
// release implies exclusive ownership was still held.
func (m *Manager) Release(ctx context.Context, t *Token) error {
	if t == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.rdb, []string{t.Key}, t.Holder).Err(); err != nil {
		return fmt.Errorf("lock release %s: %w", t.Key, err)
	}
	return nil
}

// Renew extends the lock expiry for critical sections that may outlive
// the initial TTL.  It fails with ErrLockLost when the lock is no
// longer held by the token.
func (m *Manager) Renew(ctx context.Context, t *Token, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, m.rdb, []string{t.Key}, t.Holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock renew %s: %w", t.Key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	t.TTL = ttl
	return nil
}
