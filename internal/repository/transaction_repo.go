package repository

import (
	"context"
	"errors"
	"time"

	"qwallet/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInvalidStatusTransition = errors.New("invalid transaction status transition")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// Reserve inserts the pending record for a reference. The unique index on
// reference makes the insert the atomic idempotency reservation: when two
// submissions race, exactly one insert wins and the loser gets the winner's
// record back.
func (r *TransactionRepository) Reserve(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	err := r.db.WithContext(ctx).Create(txn).Error
	if err == nil {
		return txn, nil
	}

	existing, lookupErr := r.GetByReference(ctx, txn.Reference)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if existing != nil {
		return existing, nil
	}
	return nil, err
}

// UpdateStatus transitions transaction status guarded by the transition table
// and the current status, mirroring the balance CAS: zero rows affected means
// someone else moved it first.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, transactionNo, fromStatus, toStatus string) error {
	return r.updateStatus(ctx, tx, transactionNo, fromStatus, toStatus, nil)
}

// MarkCompleted is the terminal success write, stamping completed_at.
func (r *TransactionRepository) MarkCompleted(ctx context.Context, tx *gorm.DB, transactionNo, fromStatus string) error {
	now := time.Now()
	return r.updateStatus(ctx, tx, transactionNo, fromStatus, model.TransactionStatusCompleted,
		map[string]interface{}{"completed_at": &now})
}

// MarkFailed is the terminal failure write, recording why.
func (r *TransactionRepository) MarkFailed(ctx context.Context, tx *gorm.DB, transactionNo, fromStatus, reason string) error {
	if len(reason) > 256 {
		reason = reason[:256]
	}
	return r.updateStatus(ctx, tx, transactionNo, fromStatus, model.TransactionStatusFailed,
		map[string]interface{}{"failure_reason": reason})
}

func (r *TransactionRepository) updateStatus(ctx context.Context, tx *gorm.DB, transactionNo, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrInvalidStatusTransition
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{"status": toStatus}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("transaction_no = ? AND status = ?", transactionNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidStatusTransition
	}
	return nil
}

// GetStaleProcessing finds transactions stuck in processing past the lock TTL
// horizon, for crash recovery.
func (r *TransactionRepository) GetStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.TransactionStatusProcessing, before).
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*model.Transaction, int64, error) {
	var txns []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("owner_id = ?", ownerID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error

	return txns, total, err
}
