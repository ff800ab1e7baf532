package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrLockTimeout means at least one lock could not be acquired within the
	// bounded wait. Nothing has been mutated yet, so the caller may retry.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Releaser is one held lock. LockSet keeps Releasers so test lock managers
// can participate without a redis server.
type Releaser interface {
	Unlock(ctx context.Context) error
}

// Manager acquires all locks needed by one transaction as a unit.
type Manager interface {
	// AcquireAll sorts keys, acquires each with the given TTL and returns a
	// LockSet holding all of them, or ErrLockTimeout with nothing held.
	AcquireAll(ctx context.Context, keys []string, ttl time.Duration) (*LockSet, error)
}

// LockSet is an all-or-nothing set of held locks, released in reverse
// acquisition order.
type LockSet struct {
	keys  []string
	locks []Releaser
}

// NewLockSet wraps already-held locks in acquisition order.
func NewLockSet(keys []string, locks []Releaser) *LockSet {
	return &LockSet{keys: keys, locks: locks}
}

func (s *LockSet) Keys() []string {
	return s.keys
}

// Release unlocks in reverse acquisition order. Individual release errors do
// not stop the rest; each lock also expires on its own TTL.
func (s *LockSet) Release(ctx context.Context) error {
	var firstErr error
	for i := len(s.locks) - 1; i >= 0; i-- {
		if err := s.locks[i].Unlock(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.locks = nil
	return firstErr
}

// DistributedLock is a single redis lock: SET key value NX EX ttl to acquire,
// a compare-and-delete Lua script to release so an expired holder can never
// delete a lock someone else now owns.
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock attempts a single non-blocking acquisition.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock at retryInterval up to maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockTimeout
}

// Unlock deletes the key only if this holder still owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}
