package service

import (
	"context"
	"fmt"
	"log"

	"qwallet/internal/infrastructure/lock"
	"qwallet/internal/infrastructure/mq"
	"qwallet/internal/model"

	"gorm.io/gorm"
)

// HandlePayoutResult consumes one payout confirmation from the external
// collaborator. At-least-once delivery means both branches must tolerate
// replays; a transaction already terminal is left alone.
func (p *TransactionProcessor) HandlePayoutResult(ctx context.Context, result mq.PayoutResult) error {
	switch result.Status {
	case mq.PayoutStatusCompleted:
		return p.SettleCashOut(ctx, result.TransactionNo)
	case mq.PayoutStatusFailed:
		reason := result.Reason
		if reason == "" {
			reason = "payout rejected by provider"
		}
		return p.FailCashOut(ctx, result.TransactionNo, reason)
	default:
		log.Printf("[TransactionProcessor] ignoring payout result with status %q for %s", result.Status, result.TransactionNo)
		return nil
	}
}

// SettleCashOut finishes a confirmed cash-out: the reserved funds leave the
// ledger for good and the transaction completes.
func (p *TransactionProcessor) SettleCashOut(ctx context.Context, transactionNo string) error {
	return p.finishCashOut(ctx, transactionNo, func(tx *gorm.DB, txn *model.Transaction, ownerID string) error {
		if _, err := p.ledger.SettleLocked(ctx, tx, ownerID, txn.Currency, txn.DebitTotal()); err != nil {
			return err
		}
		if err := p.txnRepo.MarkCompleted(ctx, tx, txn.TransactionNo, model.TransactionStatusProcessing); err != nil {
			return err
		}
		return p.writeEvent(ctx, tx, txn, model.EventCashOutCompleted)
	})
}

// FailCashOut compensates a bounced or timed-out cash-out: the reserved funds
// return to available and the transaction fails with the given reason.
func (p *TransactionProcessor) FailCashOut(ctx context.Context, transactionNo, reason string) error {
	return p.finishCashOut(ctx, transactionNo, func(tx *gorm.DB, txn *model.Transaction, ownerID string) error {
		if _, err := p.ledger.Unlock(ctx, tx, ownerID, txn.Currency, txn.DebitTotal()); err != nil {
			return err
		}
		if err := p.txnRepo.MarkFailed(ctx, tx, txn.TransactionNo, model.TransactionStatusProcessing, reason); err != nil {
			return err
		}
		txn.FailureReason = reason
		return p.writeEvent(ctx, tx, txn, model.EventCashOutFailed)
	})
}

func (p *TransactionProcessor) finishCashOut(ctx context.Context, transactionNo string, finish func(tx *gorm.DB, txn *model.Transaction, ownerID string) error) error {
	txn, err := p.txnRepo.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return err
	}
	if txn.Type != model.TransactionTypeCashOut {
		return fmt.Errorf("%w: %s is a %s", ErrInvalidShape, transactionNo, txn.Type)
	}
	if model.IsTerminalStatus(txn.Status) {
		// Replayed confirmation, or the reconciler already timed it out. The
		// latter needs the provider and ledger squared up by hand, so make it
		// visible.
		if txn.Status != model.TransactionStatusCompleted {
			log.Printf("[TransactionProcessor] payout result for %s arrived after terminal status %s", transactionNo, txn.Status)
		}
		return nil
	}

	wallet, err := p.walletRepo.GetByID(ctx, txn.SourceID)
	if err != nil {
		return err
	}

	keys := []string{
		lock.BalanceKey(wallet.OwnerID, txn.Currency),
		lock.ReferenceKey(txn.Reference),
	}
	set, err := p.locks.AcquireAll(ctx, keys, p.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := set.Release(ctx); rerr != nil {
			log.Printf("[TransactionProcessor] lock release failed for %s: %v", txn.Reference, rerr)
		}
	}()

	// Re-read under the lock; a racing settle/fail may have finished it.
	txn, err = p.txnRepo.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return err
	}
	if model.IsTerminalStatus(txn.Status) {
		return nil
	}

	return p.runEffect(func() error {
		return p.db.Transaction(func(tx *gorm.DB) error {
			return finish(tx, txn, wallet.OwnerID)
		})
	})
}

// ReconcileStale resolves a transaction stuck in processing past the lock TTL
// horizon, typically after a crash. Balance mutation and the completed write
// commit atomically, so a stale processing record means no effect was
// applied; the exception is a cash-out, whose reserved funds must be
// unlocked.
func (p *TransactionProcessor) ReconcileStale(ctx context.Context, txn *model.Transaction) error {
	if txn.Type == model.TransactionTypeCashOut {
		// The initiated event commits in the same database transaction as the
		// funds reservation, so its presence tells whether there is anything
		// to unlock.
		initiated, err := p.outboxRepo.HasEvent(ctx, txn.TransactionNo, model.EventCashOutInitiated)
		if err != nil {
			return err
		}
		if initiated {
			return p.FailCashOut(ctx, txn.TransactionNo, "payout confirmation timed out")
		}
	}
	return p.txnRepo.MarkFailed(ctx, nil, txn.TransactionNo, model.TransactionStatusProcessing, "processing interrupted, no funds were moved")
}
