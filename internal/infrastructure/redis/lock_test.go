package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraredis "github.com/tablestack/payproc/internal/infrastructure/redis"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestDistributedLock_AcquireAndRelease(t *testing.T) {
	srv, client := testClient(t)
	ctx := context.Background()

	lock := infraredis.NewDistributedLock(client, "attempt:org-1:stub:pi-1", time.Second)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, srv.Exists("lock:attempt:org-1:stub:pi-1"))

	// A competing lock on the same key cannot get in.
	other := infraredis.NewDistributedLock(client, "attempt:org-1:stub:pi-1", time.Second)
	acquired, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, srv.Exists("lock:attempt:org-1:stub:pi-1"))
}

func TestDistributedLock_ReleaseOnlyByOwner(t *testing.T) {
	srv, client := testClient(t)
	ctx := context.Background()

	lock := infraredis.NewDistributedLock(client, "k", time.Second)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// Simulate the lock expiring and another owner taking it.
	srv.Set("lock:k", "someone-else")

	err = lock.Release(ctx)
	assert.Error(t, err)
	assert.True(t, srv.Exists("lock:k"))
}

func TestDistributedLock_Extend(t *testing.T) {
	srv, client := testClient(t)
	ctx := context.Background()

	lock := infraredis.NewDistributedLock(client, "k", time.Second)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, lock.Extend(ctx, 5*time.Second))
	assert.Equal(t, 5*time.Second, srv.TTL("lock:k"))

	// Extension fails once the key belongs to someone else.
	srv.Set("lock:k", "someone-else")
	assert.Error(t, lock.Extend(ctx, 5*time.Second))
}

func TestLocker_WithLockHoldsAcrossSlowSections(t *testing.T) {
	srv, client := testClient(t)
	locker := infraredis.NewLocker(client, 40*time.Millisecond)

	err := locker.WithLock(context.Background(), "attempt:k", func() error {
		// Longer than the TTL: the heartbeat must keep the lock alive.
		time.Sleep(120 * time.Millisecond)
		assert.True(t, srv.Exists("lock:attempt:k"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, srv.Exists("lock:attempt:k"))
}

func TestLocker_WithLockSerializesSameKey(t *testing.T) {
	_, client := testClient(t)
	locker := infraredis.NewLocker(client, time.Second)

	entered := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- locker.WithLock(context.Background(), "attempt:k", func() error {
			close(entered)
			<-releaseFirst
			return nil
		})
	}()
	<-entered

	secondEntered := false
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- locker.WithLock(context.Background(), "attempt:k", func() error {
			secondEntered = true
			return nil
		})
	}()

	// The second holder spins in acquire retries while the first is inside.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, secondEntered)

	close(releaseFirst)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	assert.True(t, secondEntered)
}
