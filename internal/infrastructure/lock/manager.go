package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisManager implements Manager on redis. Keys are sorted before
// acquisition so two transactions touching overlapping balances always walk
// the keys in the same order and cannot deadlock (transfer A→B racing
// transfer B→A).
type RedisManager struct {
	client        *redis.Client
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisManager(client *redis.Client, retryInterval time.Duration, maxRetries int) *RedisManager {
	return &RedisManager{
		client:        client,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

func (m *RedisManager) AcquireAll(ctx context.Context, keys []string, ttl time.Duration) (*LockSet, error) {
	sorted := SortKeys(keys)

	// One token per set: a crash leaves each key to expire on its TTL and the
	// token makes the release compare-and-delete safe.
	token := uuid.NewString()

	set := &LockSet{keys: sorted}
	for _, key := range sorted {
		l := NewDistributedLock(m.client, key, token, ttl)
		if err := l.Lock(ctx, m.retryInterval, m.maxRetries); err != nil {
			// Roll back whatever was already acquired; no partial sets.
			_ = set.Release(ctx)
			if errors.Is(err, ErrLockTimeout) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, err
		}
		set.locks = append(set.locks, l)
	}
	return set, nil
}

// SortKeys returns the deduplicated keys in lexicographic order.
func SortKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	return sorted
}

// BalanceKey is the lock resource id for one (owner, currency) balance.
func BalanceKey(ownerID, currency string) string {
	return fmt.Sprintf("balance:%s:%s", ownerID, currency)
}

// ReferenceKey serializes concurrent submissions of the same idempotency
// reference.
func ReferenceKey(reference string) string {
	return fmt.Sprintf("txn:ref:%s", reference)
}
