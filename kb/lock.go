package kb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("kb: timed out waiting for site lock")
	ErrLeaseLost   = errors.New("kb: site lease lost")
)

// Locker serialises pipeline runs per site.
type Locker interface {
	// Lock blocks until the site lock is held or ctx is done. The returned context is
	// cancelled when the lock is released or lost; work under the lock must use it.
	Lock(ctx context.Context, siteID string) (context.Context, func(), error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(siteID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[siteID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[siteID] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, siteID string) (context.Context, func(), error) {
	ch := l.slot(siteID)
	select {
	case ch <- struct{}{}:
		lockCtx, cancel := context.WithCancel(ctx)
		var once sync.Once
		return lockCtx, func() {
			once.Do(func() {
				cancel()
				<-ch
			})
		}, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("kb: lock %s: %w", siteID, ctx.Err())
	}
}

const (
	defaultLeaseTTL   = 10 * time.Minute
	defaultLeaseRetry = 200 * time.Millisecond
	defaultLeaseWait  = 15 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds a SET NX PX lease per site so several processes share one pipeline
// slot. The lease is renewed every ttl/3 while held.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	renew  time.Duration
	retry  time.Duration
	wait   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("kb: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLocker{client: client, ttl: ttl, renew: ttl / 3, retry: defaultLeaseRetry, wait: defaultLeaseWait}, nil
}

func leaseKey(siteID string) string {
	return "kb:lock:" + siteID
}

func (l *RedisLocker) Lock(ctx context.Context, siteID string) (context.Context, func(), error) {
	token := uuid.NewString()
	key := leaseKey(siteID)
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("kb: acquire lease %s: %w", siteID, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, nil, ErrLockTimeout
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, fmt.Errorf("kb: lock %s: %w", siteID, ctx.Err())
		case <-timer.C:
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(leaseCtx, cancel, key, token, stop, stopped)

	var once sync.Once
	return leaseCtx, func() {
		once.Do(func() {
			close(stop)
			<-stopped
			cancel(context.Canceled)
			releaseCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// keepAlive extends the lease until stop is closed. A failed or refused renewal cancels
// the lease context with ErrLeaseLost.
func (l *RedisLocker) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, key, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	interval := l.renew
	if interval <= 0 {
		interval = l.ttl / 3
	}
	timeout := max(interval, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, done := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			renewed, err := renewScript.Run(renewCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			done()
			if err != nil {
				cancel(fmt.Errorf("%w: renew: %w", ErrLeaseLost, err))
				return
			}
			if renewed == 0 {
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}
