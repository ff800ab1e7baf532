package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"qwallet/internal/config"
	"qwallet/internal/infrastructure/database"
	"qwallet/internal/infrastructure/lock"
	"qwallet/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// memoryLockManager mirrors the redis manager's contract for tests: sorted
// keys, per-key mutual exclusion, bounded wait, all-or-nothing acquisition.
type memoryLockManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMemoryLockManager() *memoryLockManager {
	return &memoryLockManager{held: make(map[string]struct{})}
}

func (m *memoryLockManager) tryAcquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return false
	}
	m.held[key] = struct{}{}
	return true
}

func (m *memoryLockManager) AcquireAll(ctx context.Context, keys []string, ttl time.Duration) (*lock.LockSet, error) {
	sorted := lock.SortKeys(keys)
	deadline := time.Now().Add(3 * time.Second)

	var locks []lock.Releaser
	for _, key := range sorted {
		acquired := false
		for time.Now().Before(deadline) {
			if m.tryAcquire(key) {
				acquired = true
				break
			}
			select {
			case <-ctx.Done():
				lock.NewLockSet(sorted, locks).Release(ctx)
				return nil, ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
		}
		if !acquired {
			lock.NewLockSet(sorted, locks).Release(ctx)
			return nil, lock.ErrLockTimeout
		}
		locks = append(locks, &memoryLock{manager: m, key: key})
	}
	return lock.NewLockSet(sorted, locks), nil
}

type memoryLock struct {
	manager *memoryLockManager
	key     string
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.manager.mu.Lock()
	delete(l.manager.held, l.key)
	l.manager.mu.Unlock()
	return nil
}

type testEnv struct {
	db        *gorm.DB
	processor *TransactionProcessor
	ledger    *BalanceService
	wallets   *WalletService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps concurrent test transactions serialized at
	// the pool instead of tripping sqlite table locks.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{}
	cfg.Business.CASMaxRetries = 50
	cfg.Business.LockTTLSeconds = 5
	cfg.Kafka.Topic.TransactionEvents = "wallet.transaction.events"

	ledger := NewBalanceService(db, cfg.Business.CASMaxRetries)
	wallets := NewWalletService(db)
	processor := NewTransactionProcessor(db, newMemoryLockManager(), ledger, NewAllowAllChecker(), cfg)

	return &testEnv{db: db, processor: processor, ledger: ledger, wallets: wallets}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (e *testEnv) createWallet(t *testing.T, ownerID, currency string) *model.Wallet {
	t.Helper()
	wallet, err := e.wallets.Create(context.Background(), ownerID, currency, model.WalletTypePersonal, "test wallet")
	require.NoError(t, err)
	return wallet
}

// fund credits a wallet through a generation transaction.
func (e *testEnv) fund(t *testing.T, wallet *model.Wallet, amount string) {
	t.Helper()
	result, err := e.processor.Submit(context.Background(), &SubmitRequest{
		Type:            model.TransactionTypeGeneration,
		SourceType:      model.EndpointTypeSystem,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   wallet.ID,
		OwnerID:         wallet.OwnerID,
		Amount:          dec(amount),
		Currency:        wallet.Currency,
	})
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusCompleted, result.Status)
}

func (e *testEnv) balance(t *testing.T, ownerID, currency string) *model.Balance {
	t.Helper()
	balance, err := e.ledger.Get(context.Background(), ownerID, currency)
	require.NoError(t, err)
	return balance
}

// assertInvariant checks total == available + locked with both components
// non-negative.
func (e *testEnv) assertInvariant(t *testing.T, ownerID, currency string) {
	t.Helper()
	b := e.balance(t, ownerID, currency)
	require.True(t, b.Total.Equal(b.Available.Add(b.Locked)),
		"total %s != available %s + locked %s", b.Total, b.Available, b.Locked)
	require.False(t, b.Available.IsNegative(), "available is negative: %s", b.Available)
	require.False(t, b.Locked.IsNegative(), "locked is negative: %s", b.Locked)
}

func (e *testEnv) transferRequest(source, destination *model.Wallet, amount, fee, reference string) *SubmitRequest {
	return &SubmitRequest{
		Type:            model.TransactionTypeTransfer,
		SourceType:      model.EndpointTypeWallet,
		SourceID:        source.ID,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   destination.ID,
		OwnerID:         source.OwnerID,
		Amount:          dec(amount),
		Fee:             dec(fee),
		Currency:        source.Currency,
		Reference:       reference,
	}
}

func (e *testEnv) cashOutRequest(source *model.Wallet, amount, fee, reference string) *SubmitRequest {
	return &SubmitRequest{
		Type:            model.TransactionTypeCashOut,
		SourceType:      model.EndpointTypeWallet,
		SourceID:        source.ID,
		DestinationType: model.EndpointTypeExternal,
		DestinationID:   "bank-account-1",
		OwnerID:         source.OwnerID,
		Amount:          dec(amount),
		Fee:             dec(fee),
		Currency:        source.Currency,
		Reference:       reference,
	}
}
