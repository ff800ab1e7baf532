package service

import (
	"context"
	"errors"
	"fmt"

	"qwallet/internal/model"
	"qwallet/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrWalletInactive          = errors.New("wallet is not active")
	ErrInvalidWalletType       = errors.New("invalid wallet type")
	ErrInvalidWalletTransition = errors.New("invalid wallet status transition")
)

// WalletService owns wallet identity and lifecycle. It never touches
// balances; money moves only through the ledger.
type WalletService struct {
	walletRepo *repository.WalletRepository
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{
		walletRepo: repository.NewWalletRepository(db),
	}
}

func (s *WalletService) Create(ctx context.Context, ownerID, currency, walletType, name string) (*model.Wallet, error) {
	if ownerID == "" || currency == "" {
		return nil, errors.New("owner_id and currency are required")
	}
	if !model.IsValidWalletType(walletType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWalletType, walletType)
	}

	existing, err := s.walletRepo.FindActive(ctx, ownerID, currency, walletType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, repository.ErrDuplicateWallet
	}

	wallet := &model.Wallet{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Currency:   currency,
		WalletType: walletType,
		Name:       name,
		Status:     model.WalletStatusActive,
	}
	if err := s.walletRepo.Create(ctx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *WalletService) Get(ctx context.Context, walletID string) (*model.Wallet, error) {
	return s.walletRepo.GetByID(ctx, walletID)
}

func (s *WalletService) ListByOwner(ctx context.Context, ownerID string) ([]*model.Wallet, error) {
	return s.walletRepo.ListByOwner(ctx, ownerID)
}

// SetStatus moves the wallet through its lifecycle. Closed is terminal;
// wallets are never deleted.
func (s *WalletService) SetStatus(ctx context.Context, walletID, status string) (*model.Wallet, error) {
	wallet, err := s.walletRepo.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.Status == status {
		return wallet, nil
	}
	if !model.WalletCanTransitionTo(wallet.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidWalletTransition, wallet.Status, status)
	}

	if err := s.walletRepo.UpdateStatus(ctx, walletID, wallet.Status, status); err != nil {
		return nil, err
	}
	wallet.Status = status
	return wallet, nil
}

func (s *WalletService) Rename(ctx context.Context, walletID, name string) (*model.Wallet, error) {
	if err := s.walletRepo.UpdateName(ctx, walletID, name); err != nil {
		return nil, err
	}
	return s.walletRepo.GetByID(ctx, walletID)
}
