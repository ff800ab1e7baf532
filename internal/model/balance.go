package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the single source of truth for an owner's funds in one currency.
// Invariant: Total == Available + Locked, both components non-negative.
//
// Version is the optimistic-concurrency guard: every mutation is a conditional
// UPDATE on the version read, so a lost distributed lock can never turn into a
// lost update.
type Balance struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID   string          `gorm:"type:varchar(64);uniqueIndex:idx_owner_currency;not null" json:"owner_id"`
	Currency  string          `gorm:"type:varchar(8);uniqueIndex:idx_owner_currency;not null" json:"currency"`
	Available decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"available"`
	Locked    decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"locked"`
	Total     decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"total"`
	Version   int             `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Balance) TableName() string {
	return "balance"
}
