package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestLock_AcquireAndRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l := New(client, "test-key", DefaultConfig(), nil)

	ok, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.IsAcquired())

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.IsAcquired())
}

func TestLock_SecondAcquirerBlockedUntilReleased(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	cfg := DefaultConfig()
	l1 := New(client, "test-key", cfg, nil)
	l2 := New(client, "test-key", cfg, nil)

	ok1, err := l1.Acquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := l2.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok2)

	require.NoError(t, l1.Release(ctx))

	ok2, err = l2.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok2)
}

func TestLock_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	l := New(client, "test-key", DefaultConfig(), nil)
	assert.NoError(t, l.Release(context.Background()))
}

func TestLock_ReleaseDoesNotStealAnotherHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	cfg := DefaultConfig()
	l1 := New(client, "test-key", cfg, nil)
	ok, err := l1.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// l2 was never told it holds the lock; releasing it must not delete l1's key.
	l2 := New(client, "test-key", cfg, nil)
	assert.NoError(t, l2.Release(ctx))
	assert.True(t, mr.Exists("test-key"))
}

func TestLock_ExtendRenewsTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l := New(client, "test-key", DefaultConfig(), nil)
	ok, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, 10*time.Second))
}

func TestLock_ExtendWithoutAcquireFails(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	l := New(client, "test-key", DefaultConfig(), nil)
	err := l.Extend(context.Background(), 10*time.Second)
	assert.Error(t, err)
}

func TestMaxcsnKey_IncludesSubtree(t *testing.T) {
	assert.Contains(t, MaxcsnKey("dc=example,dc=com"), "dc=example,dc=com")
}

func TestTryAcquireMaxcsnLock_RunsFnUnderLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ran := false
	err := TryAcquireMaxcsnLock(context.Background(), client, "dc=example,dc=com", nil, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(MaxcsnKey("dc=example,dc=com")), "lock key should be released after fn returns")
}

func TestTryAcquireMaxcsnLock_PropagatesFnError(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	wantErr := assert.AnError
	err := TryAcquireMaxcsnLock(context.Background(), client, "dc=example,dc=com", nil, func() error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
