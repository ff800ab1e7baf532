package model

import (
	"time"
)

const (
	WalletTypePersonal = "personal"
	WalletTypeBusiness = "business"
	WalletTypeSavings  = "savings"
)

const (
	WalletStatusActive    = "active"
	WalletStatusSuspended = "suspended"
	WalletStatusClosed    = "closed"
)

// ValidWalletStatusTransitions: closed is terminal, wallets are never deleted.
var ValidWalletStatusTransitions = map[string][]string{
	WalletStatusActive:    {WalletStatusSuspended, WalletStatusClosed},
	WalletStatusSuspended: {WalletStatusActive, WalletStatusClosed},
}

func WalletCanTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidWalletStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsValidWalletType(walletType string) bool {
	switch walletType {
	case WalletTypePersonal, WalletTypeBusiness, WalletTypeSavings:
		return true
	}
	return false
}

// Wallet holds identity and lifecycle only; money lives in Balance.
type Wallet struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID    string    `gorm:"type:varchar(64);index:idx_wallet_owner;not null" json:"owner_id"`
	Currency   string    `gorm:"type:varchar(8);not null" json:"currency"`
	WalletType string    `gorm:"type:varchar(16);not null" json:"wallet_type"`
	Name       string    `gorm:"type:varchar(128)" json:"name"`
	Status     string    `gorm:"type:varchar(16);index;not null" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

func (w *Wallet) IsActive() bool {
	return w.Status == WalletStatusActive
}
