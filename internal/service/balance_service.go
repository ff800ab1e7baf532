package service

import (
	"context"
	"errors"
	"fmt"

	"qwallet/internal/model"
	"qwallet/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
)

// BalanceService is the ledger: the only way any caller mutates a balance.
// Each mutator reads (balance, version), computes the new available/locked
// pair and writes it conditionally on the version. Outside a database
// transaction a version conflict is retried from a fresh read up to
// maxRetries times; inside one (the processor path, already serialized by
// distributed locks) a conflict surfaces immediately so the whole transaction
// rolls back.
type BalanceService struct {
	db          *gorm.DB
	balanceRepo *repository.BalanceRepository
	maxRetries  int
}

func NewBalanceService(db *gorm.DB, maxRetries int) *BalanceService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &BalanceService{
		db:          db,
		balanceRepo: repository.NewBalanceRepository(db),
		maxRetries:  maxRetries,
	}
}

func (s *BalanceService) Get(ctx context.Context, ownerID, currency string) (*model.Balance, error) {
	return s.balanceRepo.GetOrCreate(ctx, ownerID, currency)
}

func (s *BalanceService) ListByOwner(ctx context.Context, ownerID string) ([]*model.Balance, error) {
	return s.balanceRepo.ListByOwner(ctx, ownerID)
}

// Credit adds amount to available.
func (s *BalanceService) Credit(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	return s.mutate(ctx, tx, ownerID, currency, amount, func(b *model.Balance) (decimal.Decimal, decimal.Decimal, error) {
		return b.Available.Add(amount), b.Locked, nil
	})
}

// Debit removes amount from available.
func (s *BalanceService) Debit(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	return s.mutate(ctx, tx, ownerID, currency, amount, func(b *model.Balance) (decimal.Decimal, decimal.Decimal, error) {
		if b.Available.LessThan(amount) {
			return decimal.Zero, decimal.Zero, repository.ErrInsufficientFunds
		}
		return b.Available.Sub(amount), b.Locked, nil
	})
}

// Lock moves amount from available to locked, reserving it for a debit-type
// transaction that has not yet settled.
func (s *BalanceService) Lock(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	return s.mutate(ctx, tx, ownerID, currency, amount, func(b *model.Balance) (decimal.Decimal, decimal.Decimal, error) {
		if b.Available.LessThan(amount) {
			return decimal.Zero, decimal.Zero, repository.ErrInsufficientFunds
		}
		return b.Available.Sub(amount), b.Locked.Add(amount), nil
	})
}

// Unlock moves amount from locked back to available, compensating a reserve
// that will not settle.
func (s *BalanceService) Unlock(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	return s.mutate(ctx, tx, ownerID, currency, amount, func(b *model.Balance) (decimal.Decimal, decimal.Decimal, error) {
		if b.Locked.LessThan(amount) {
			return decimal.Zero, decimal.Zero, repository.ErrInsufficientLocked
		}
		return b.Available.Add(amount), b.Locked.Sub(amount), nil
	})
}

// SettleLocked removes amount from locked permanently: the reserved funds
// actually left the wallet.
func (s *BalanceService) SettleLocked(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal) (*model.Balance, error) {
	return s.mutate(ctx, tx, ownerID, currency, amount, func(b *model.Balance) (decimal.Decimal, decimal.Decimal, error) {
		if b.Locked.LessThan(amount) {
			return decimal.Zero, decimal.Zero, repository.ErrInsufficientLocked
		}
		return b.Available, b.Locked.Sub(amount), nil
	})
}

type balanceEffect func(b *model.Balance) (available, locked decimal.Decimal, err error)

func (s *BalanceService) mutate(ctx context.Context, tx *gorm.DB, ownerID, currency string, amount decimal.Decimal, effect balanceEffect) (*model.Balance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	attempts := s.maxRetries
	if tx != nil {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		balance, err := s.readForUpdate(ctx, tx, ownerID, currency)
		if err != nil {
			return nil, err
		}

		available, locked, err := effect(balance)
		if err != nil {
			return nil, err
		}

		err = s.balanceRepo.UpdateCAS(ctx, tx, balance, available, locked)
		if err == nil {
			balance.Available = available
			balance.Locked = locked
			balance.Total = available.Add(locked)
			balance.Version++
			return balance, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *BalanceService) readForUpdate(ctx context.Context, tx *gorm.DB, ownerID, currency string) (*model.Balance, error) {
	if tx == nil {
		return s.balanceRepo.GetOrCreate(ctx, ownerID, currency)
	}
	balance, err := s.balanceRepo.GetTx(ctx, tx, ownerID, currency)
	if errors.Is(err, repository.ErrBalanceNotFound) {
		// Lazy creation also applies on the transactional path; the row is
		// provisioned outside the transaction before being read through it.
		if _, cerr := s.balanceRepo.GetOrCreate(ctx, ownerID, currency); cerr != nil {
			return nil, cerr
		}
		return s.balanceRepo.GetTx(ctx, tx, ownerID, currency)
	}
	return balance, err
}
