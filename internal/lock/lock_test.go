package lock

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live Redis; set REDIS_ADDR to run them.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func testKey(t *testing.T) string {
	return fmt.Sprintf("lock:test:%s:%d", t.Name(), time.Now().UnixNano())
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "lock:7:2026-09-01", Key(7, "2026-09-01"))
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager(testClient(t))
	ctx := context.Background()
	key := testKey(t)

	token, err := m.Acquire(ctx, key, 5*time.Second, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, key, token.Key)

	// A second acquirer is rejected while the lock is held.
	_, err = m.Acquire(ctx, key, 5*time.Second, 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, m.Release(ctx, token))

	// And succeeds once the lock is released.
	token2, err := m.Acquire(ctx, key, 5*time.Second, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, token2))
}

func TestReleaseForeignLockIsNoOp(t *testing.T) {
	rdb := testClient(t)
	m := NewManager(rdb)
	ctx := context.Background()
	key := testKey(t)

	token, err := m.Acquire(ctx, key, 5*time.Second, 0, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Release(ctx, token)) }()

	// A token with a different holder must not delete the lock.
	foreign := &Token{Key: key, Holder: "someone-else"}
	require.NoError(t, m.Release(ctx, foreign))

	held, err := rdb.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, token.Holder, held)
}

func TestExpiryFreesTheLock(t *testing.T) {
	m := NewManager(testClient(t))
	ctx := context.Background()
	key := testKey(t)

	_, err := m.Acquire(ctx, key, 100*time.Millisecond, 0, 0)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	token, err := m.Acquire(ctx, key, 5*time.Second, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, token))
}

func TestRenew(t *testing.T) {
	m := NewManager(testClient(t))
	ctx := context.Background()
	key := testKey(t)

	token, err := m.Acquire(ctx, key, time.Second, 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Renew(ctx, token, 5*time.Second))
	assert.Equal(t, 5*time.Second, token.TTL)
	require.NoError(t, m.Release(ctx, token))

	// Renewing after release reports the lock as lost.
	assert.ErrorIs(t, m.Renew(ctx, token, 5*time.Second), ErrLockLost)
}
