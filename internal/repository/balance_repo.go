package repository

import (
	"context"
	"errors"

	"qwallet/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound       = errors.New("balance not found")
	ErrInsufficientFunds     = errors.New("insufficient available funds")
	ErrInsufficientLocked    = errors.New("insufficient locked funds")
	ErrOptimisticLock        = errors.New("balance version conflict")
	ErrNegativeBalanceUpdate = errors.New("balance update would go negative")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Get(ctx context.Context, ownerID, currency string) (*model.Balance, error) {
	var balance model.Balance
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND currency = ?", ownerID, currency).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetTx reads through the given transaction handle so a CAS retry inside a
// database transaction sees that transaction's view.
func (r *BalanceRepository) GetTx(ctx context.Context, tx *gorm.DB, ownerID, currency string) (*model.Balance, error) {
	if tx == nil {
		tx = r.db
	}
	var balance model.Balance
	err := tx.WithContext(ctx).
		Where("owner_id = ? AND currency = ?", ownerID, currency).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreate lazily provisions a zeroed balance on first use. The insert
// races are absorbed by the unique (owner_id, currency) index plus
// OnConflict DoNothing.
func (r *BalanceRepository) GetOrCreate(ctx context.Context, ownerID, currency string) (*model.Balance, error) {
	balance, err := r.Get(ctx, ownerID, currency)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	zero := decimal.Zero
	newBalance := &model.Balance{
		OwnerID:   ownerID,
		Currency:  currency,
		Available: zero,
		Locked:    zero,
		Total:     zero,
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "currency"}},
			DoNothing: true,
		}).
		Create(newBalance).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, ownerID, currency)
}

func (r *BalanceRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Balance, error) {
	var balances []*model.Balance
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("currency ASC").
		Find(&balances).Error
	return balances, err
}

// UpdateCAS writes the new available/locked pair conditionally on the version
// the caller read. Total is always recomputed from the two components, so the
// total == available + locked invariant cannot drift. Zero rows affected
// means another writer got there first.
func (r *BalanceRepository) UpdateCAS(ctx context.Context, tx *gorm.DB, balance *model.Balance, available, locked decimal.Decimal) error {
	if available.IsNegative() || locked.IsNegative() {
		return ErrNegativeBalanceUpdate
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("owner_id = ? AND currency = ? AND version = ?",
			balance.OwnerID, balance.Currency, balance.Version).
		Updates(map[string]interface{}{
			"available": available,
			"locked":    locked,
			"total":     available.Add(locked),
			"version":   gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}
