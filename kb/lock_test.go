package kb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerialisesPerSite(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	lockCtx, release, err := locker.Lock(ctx, "acme")
	require.NoError(t, err)

	_, other, err := locker.Lock(ctx, "globex")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		_, again, err := locker.Lock(ctx, "acme")
		if err == nil {
			again()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, lockCtx.Err())
	release()
	release()
	assert.ErrorIs(t, lockCtx.Err(), context.Canceled)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over")
	}
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	_, release, err := locker.Lock(context.Background(), "acme")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = locker.Lock(ctx, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedisLocker(client, time.Minute)
	require.NoError(t, err)
	locker.retry = 5 * time.Millisecond
	return locker, server
}

func TestRedisLocker_LeaseLifecycle(t *testing.T) {
	locker, server := newTestRedisLocker(t)
	ctx := context.Background()

	_, release, err := locker.Lock(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, server.Exists(leaseKey("acme")))
	assert.Equal(t, time.Minute, server.TTL(leaseKey("acme")))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, _, err = locker.Lock(waitCtx, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, server.Exists(leaseKey("acme")))

	_, again, err := locker.Lock(ctx, "acme")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ReleaseKeepsForeignLease(t *testing.T) {
	locker, server := newTestRedisLocker(t)
	ctx := context.Background()

	_, release, err := locker.Lock(ctx, "acme")
	require.NoError(t, err)

	// The lease expired and another process took it over.
	require.NoError(t, server.Set(leaseKey("acme"), "someone-else"))
	release()

	value, err := server.Get(leaseKey("acme"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestRedisLocker_GivesUpAfterWait(t *testing.T) {
	locker, _ := newTestRedisLocker(t)
	locker.wait = 20 * time.Millisecond
	ctx := context.Background()

	_, release, err := locker.Lock(ctx, "acme")
	require.NoError(t, err)
	defer release()

	_, _, err = locker.Lock(ctx, "acme")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedisLocker_RenewsLeaseWhileHeld(t *testing.T) {
	locker, server := newTestRedisLocker(t)
	locker.renew = 5 * time.Millisecond
	ctx := context.Background()

	lockCtx, release, err := locker.Lock(ctx, "acme")
	require.NoError(t, err)
	defer release()

	for range 3 {
		server.FastForward(50 * time.Second)
		require.Eventually(t, func() bool {
			return server.TTL(leaseKey("acme")) > 30*time.Second
		}, time.Second, 5*time.Millisecond)
	}
	assert.True(t, server.Exists(leaseKey("acme")))
	assert.NoError(t, lockCtx.Err())

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, _, err = locker.Lock(waitCtx, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_LostLeaseCancelsContext(t *testing.T) {
	locker, server := newTestRedisLocker(t)
	locker.renew = 5 * time.Millisecond

	lockCtx, release, err := locker.Lock(context.Background(), "acme")
	require.NoError(t, err)
	defer release()

	require.NoError(t, server.Set(leaseKey("acme"), "someone-else"))
	require.Eventually(t, func() bool { return lockCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, context.Cause(lockCtx), ErrLeaseLost)
}

func TestProgressHub(t *testing.T) {
	hub := NewProgressHub()
	events, unsubscribe := hub.Subscribe("acme", 2)

	hub.Publish(ProgressEvent{SiteID: "globex", Stage: StageCrawl})
	hub.Publish(ProgressEvent{SiteID: "acme", Stage: StageCrawl})
	hub.Publish(ProgressEvent{SiteID: "acme", Stage: StageChunk})
	hub.Publish(ProgressEvent{SiteID: "acme", Stage: StageEmbed})

	first := <-events
	assert.Equal(t, StageCrawl, first.Stage)
	assert.False(t, first.At.IsZero())
	assert.Equal(t, StageChunk, (<-events).Stage)

	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)

	var nilHub *ProgressHub
	nilHub.Publish(ProgressEvent{SiteID: "acme"})
}
