package service

import (
	"context"

	"github.com/shopspring/decimal"
)

// ComplianceChecker screens debit-type transactions before any funds move.
// Real sanctions or fraud scoring lives outside this core; the processor only
// needs a yes/no before the mutation.
type ComplianceChecker interface {
	CheckDebit(ctx context.Context, ownerID string, amount decimal.Decimal, currency string) error
}

type allowAllChecker struct{}

// NewAllowAllChecker returns the default checker that approves everything.
func NewAllowAllChecker() ComplianceChecker {
	return allowAllChecker{}
}

func (allowAllChecker) CheckDebit(ctx context.Context, ownerID string, amount decimal.Decimal, currency string) error {
	return nil
}
