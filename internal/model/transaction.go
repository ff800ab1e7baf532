package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TransactionTypeGeneration = "generation"
	TransactionTypeTransfer   = "transfer"
	TransactionTypeCashOut    = "cash_out"
	TransactionTypeRefund     = "refund"
)

const (
	EndpointTypeWallet   = "wallet"
	EndpointTypeSystem   = "system"
	EndpointTypeExternal = "external"
)

const (
	TransactionStatusPending    = "pending"
	TransactionStatusProcessing = "processing"
	TransactionStatusCompleted  = "completed"
	TransactionStatusFailed     = "failed"
	TransactionStatusCancelled  = "cancelled"
)

// ValidStatusTransitions: completed/failed/cancelled are terminal and the
// record is immutable once it reaches them.
var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending:    {TransactionStatusProcessing, TransactionStatusFailed, TransactionStatusCancelled},
	TransactionStatusProcessing: {TransactionStatusCompleted, TransactionStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidStatusTransitions[currentStatus]
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

func IsTerminalStatus(status string) bool {
	switch status {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// MetadataKeyOriginalTransaction links a refund to the completed transaction
// it reverses.
const MetadataKeyOriginalTransaction = "original_transaction_id"

// Transaction is the append-only audit record of one ledger operation.
// Reference carries the idempotency key and is unique across all records.
type Transaction struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	Reference       string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	Type            string          `gorm:"type:varchar(16);not null" json:"type"`
	SourceType      string          `gorm:"type:varchar(16);not null" json:"source_type"`
	SourceID        string          `gorm:"type:varchar(64)" json:"source_id"`
	DestinationType string          `gorm:"type:varchar(16);not null" json:"destination_type"`
	DestinationID   string          `gorm:"type:varchar(64)" json:"destination_id"`
	OwnerID         string          `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	Currency        string          `gorm:"type:varchar(8);not null" json:"currency"`
	Fee             decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"fee"`
	Status          string          `gorm:"type:varchar(16);index;not null" json:"status"`
	Metadata        string          `gorm:"type:text" json:"metadata,omitempty"`
	FailureReason   string          `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func (Transaction) TableName() string {
	return "transaction"
}

// MetadataMap decodes the free-form metadata column. An empty or malformed
// column decodes to an empty map.
func (t *Transaction) MetadataMap() map[string]string {
	m := map[string]string{}
	if t.Metadata == "" {
		return m
	}
	_ = json.Unmarshal([]byte(t.Metadata), &m)
	return m
}

func EncodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// DebitTotal is the full amount removed from the source balance: the
// transferred or cashed-out amount plus the burned fee.
func (t *Transaction) DebitTotal() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}
