package repository

import (
	"context"
	"errors"

	"qwallet/internal/model"

	"gorm.io/gorm"
)

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrDuplicateWallet = errors.New("active wallet already exists for owner, currency and type")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, wallet *model.Wallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}

func (r *WalletRepository) GetByID(ctx context.Context, walletID string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// FindActive returns the active wallet for (owner, currency, type), or nil.
func (r *WalletRepository) FindActive(ctx context.Context, ownerID, currency, walletType string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND currency = ? AND wallet_type = ? AND status = ?",
			ownerID, currency, walletType, model.WalletStatusActive).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Wallet, error) {
	var wallets []*model.Wallet
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&wallets).Error
	return wallets, err
}

// UpdateStatus moves a wallet between lifecycle states guarded on the state
// the caller observed, so concurrent status changes cannot silently overwrite
// each other.
func (r *WalletRepository) UpdateStatus(ctx context.Context, walletID, fromStatus, toStatus string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND status = ?", walletID, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (r *WalletRepository) UpdateName(ctx context.Context, walletID, name string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ?", walletID).
		Update("name", name)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}
