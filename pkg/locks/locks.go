// Package locks provides mutual exclusion for sync and refresh runs. A single
// process uses the in-memory implementation; deployments with multiple engine
// replicas configure Redis and get lease-based locks instead.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out exclusive, non-blocking locks keyed by name. TryAcquire
// never waits; callers that lose the race report a conflict to their caller
// instead of queueing.
type Locker interface {
	// TryAcquire attempts to take the named lock. It returns a release func on
	// success and ok=false when the lock is already held.
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// NewLocker returns a Redis-backed locker when a client is provided and an
// in-process locker otherwise.
func NewLocker(client *redis.Client, ttl time.Duration) Locker {
	if client != nil {
		return &redisLocker{client: client, ttl: ttl}
	}
	return NewMemoryLocker()
}

// memoryLocker serializes within one process with a keyed set of held names.
type memoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process Locker.
func NewMemoryLocker() Locker {
	return &memoryLocker{held: make(map[string]struct{})}
}

func (l *memoryLocker) TryAcquire(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[name]; taken {
		return nil, false, nil
	}
	l.held[name] = struct{}{}

	release := func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}
	return release, true, nil
}

// redisLocker takes a lease with SET NX PX. The lease value is a random token
// so release only deletes a lock this holder still owns; an expired lease that
// was re-acquired by another holder is left alone.
type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

func (l *redisLocker) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	token := uuid.NewString()
	key := "pipeflow:lock:" + name

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Best effort; the TTL reclaims the lease if this fails.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.client.Eval(ctx, releaseScript, []string{key}, token)
	}
	return release, true, nil
}
