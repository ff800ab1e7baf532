package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"qwallet/internal/config"
	"qwallet/internal/infrastructure/lock"
	"qwallet/internal/model"
	"qwallet/internal/repository"
	"qwallet/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidShape                = errors.New("invalid transaction shape")
	ErrInvalidFee                  = errors.New("fee must not be negative")
	ErrCurrencyMismatch            = errors.New("wallet currency does not match transaction currency")
	ErrReferenceConflict           = errors.New("reference already used with a different payload")
	ErrOriginalTransactionNotFound = errors.New("original transaction not found or not completed")
	ErrRefundExceedsOriginal       = errors.New("refund amount exceeds original transaction amount")
	ErrNotCancellable              = errors.New("only pending transactions can be cancelled")
)

// TransactionProcessor executes the four transaction types as all-or-nothing
// units: idempotency check by reference, ordered distributed locks over every
// balance touched, validation at mutation time, then the balance mutation,
// the terminal status write and the outbox event in a single database
// transaction.
type TransactionProcessor struct {
	db            *gorm.DB
	locks         lock.Manager
	ledger        *BalanceService
	compliance    ComplianceChecker
	walletRepo    *repository.WalletRepository
	txnRepo       *repository.TransactionRepository
	outboxRepo    *repository.OutboxRepository
	eventsTopic   string
	lockTTL       time.Duration
	effectRetries int
}

func NewTransactionProcessor(db *gorm.DB, locks lock.Manager, ledger *BalanceService, compliance ComplianceChecker, cfg *config.Config) *TransactionProcessor {
	if compliance == nil {
		compliance = NewAllowAllChecker()
	}
	effectRetries := cfg.Business.CASMaxRetries
	if effectRetries <= 0 {
		effectRetries = 3
	}
	return &TransactionProcessor{
		db:            db,
		locks:         locks,
		ledger:        ledger,
		compliance:    compliance,
		walletRepo:    repository.NewWalletRepository(db),
		txnRepo:       repository.NewTransactionRepository(db),
		outboxRepo:    repository.NewOutboxRepository(db),
		eventsTopic:   cfg.Kafka.Topic.TransactionEvents,
		lockTTL:       time.Duration(cfg.Business.LockTTLSeconds) * time.Second,
		effectRetries: effectRetries,
	}
}

// SubmitRequest is the payload contract consumed by the processor; field
// names follow the external API.
type SubmitRequest struct {
	Type            string            `json:"transactionType" binding:"required"`
	SourceType      string            `json:"sourceType" binding:"required"`
	SourceID        string            `json:"sourceId"`
	DestinationType string            `json:"destinationType" binding:"required"`
	DestinationID   string            `json:"destinationId"`
	OwnerID         string            `json:"ownerId" binding:"required"`
	Amount          decimal.Decimal   `json:"amount" binding:"required"`
	Currency        string            `json:"currency" binding:"required"`
	Fee             decimal.Decimal   `json:"fee"`
	Reference       string            `json:"reference"`
	Metadata        map[string]string `json:"metadata"`
}

type SubmitResult struct {
	TransactionNo string          `json:"transactionId"`
	Reference     string          `json:"reference"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Fee           decimal.Decimal `json:"fee"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func resultView(txn *model.Transaction) *SubmitResult {
	return &SubmitResult{
		TransactionNo: txn.TransactionNo,
		Reference:     txn.Reference,
		Type:          txn.Type,
		Status:        txn.Status,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Fee:           txn.Fee,
		CompletedAt:   txn.CompletedAt,
		FailureReason: txn.FailureReason,
	}
}

// requiredEndpoints maps each type to its allowed source/destination kinds.
// Refund admits any source kind, hence the empty source entry.
var requiredEndpoints = map[string]struct {
	source      []string
	destination []string
}{
	model.TransactionTypeGeneration: {
		source:      []string{model.EndpointTypeSystem},
		destination: []string{model.EndpointTypeWallet},
	},
	model.TransactionTypeTransfer: {
		source:      []string{model.EndpointTypeWallet},
		destination: []string{model.EndpointTypeWallet},
	},
	model.TransactionTypeCashOut: {
		source:      []string{model.EndpointTypeWallet},
		destination: []string{model.EndpointTypeExternal},
	},
	model.TransactionTypeRefund: {
		source:      []string{model.EndpointTypeWallet, model.EndpointTypeSystem, model.EndpointTypeExternal},
		destination: []string{model.EndpointTypeWallet},
	},
}

func validateShape(req *SubmitRequest) error {
	shape, ok := requiredEndpoints[req.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidShape, req.Type)
	}
	if !containsString(shape.source, req.SourceType) {
		return fmt.Errorf("%w: %s cannot have source type %q", ErrInvalidShape, req.Type, req.SourceType)
	}
	if !containsString(shape.destination, req.DestinationType) {
		return fmt.Errorf("%w: %s cannot have destination type %q", ErrInvalidShape, req.Type, req.DestinationType)
	}
	if req.SourceType == model.EndpointTypeWallet && req.SourceID == "" {
		return fmt.Errorf("%w: source wallet id is required", ErrInvalidShape)
	}
	if req.DestinationType == model.EndpointTypeWallet && req.DestinationID == "" {
		return fmt.Errorf("%w: destination wallet id is required", ErrInvalidShape)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if req.Fee.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidFee, req.Fee)
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// participants holds the wallets a transaction touches, resolved before lock
// acquisition so the lock keys are known.
type participants struct {
	source      *model.Wallet
	destination *model.Wallet
}

func (p *participants) wallets() []*model.Wallet {
	var ws []*model.Wallet
	if p.source != nil {
		ws = append(ws, p.source)
	}
	if p.destination != nil {
		ws = append(ws, p.destination)
	}
	return ws
}

func (p *participants) lockKeys() []string {
	var keys []string
	for _, w := range p.wallets() {
		keys = append(keys, lock.BalanceKey(w.OwnerID, w.Currency))
	}
	return keys
}

// Submit runs one transaction end to end and returns its final (or, for a
// cash-out awaiting payout confirmation, current) state.
func (p *TransactionProcessor) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if err := validateShape(req); err != nil {
		return nil, err
	}

	reference := req.Reference
	if reference == "" {
		// Generated references still dedupe at storage, but offer no
		// cross-request idempotency to the caller.
		reference = idgen.GenerateReference()
	}

	// Fast path: a known terminal or in-flight reference replays without
	// taking any locks.
	existing, err := p.txnRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != model.TransactionStatusPending {
		return p.replay(existing, req)
	}

	parts, err := p.resolveParticipants(ctx, req)
	if err != nil {
		return nil, err
	}

	keys := append(parts.lockKeys(), lock.ReferenceKey(reference))
	set, err := p.locks.AcquireAll(ctx, keys, p.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := set.Release(ctx); rerr != nil {
			log.Printf("[TransactionProcessor] lock release failed for %s: %v", reference, rerr)
		}
	}()

	// Re-check under the reference lock, then reserve. Between concurrent
	// submissions of one reference exactly one insert wins; the loser replays
	// the winner's record.
	txn, err := p.reserve(ctx, req, reference)
	if err != nil {
		return nil, err
	}
	if txn.Status != model.TransactionStatusPending {
		return p.replay(txn, req)
	}
	if mismatchesRequest(txn, req) {
		return nil, ErrReferenceConflict
	}

	return p.process(ctx, txn, parts)
}

// ListByOwner returns an owner's transactions, newest first.
func (p *TransactionProcessor) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*SubmitResult, int64, error) {
	txns, total, err := p.txnRepo.ListByOwner(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	results := make([]*SubmitResult, 0, len(txns))
	for _, txn := range txns {
		results = append(results, resultView(txn))
	}
	return results, total, nil
}

// GetByReference returns the stored state for a reference.
func (p *TransactionProcessor) GetByReference(ctx context.Context, reference string) (*SubmitResult, error) {
	txn, err := p.txnRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, repository.ErrTransactionNotFound
	}
	return resultView(txn), nil
}

// Cancel aborts a pending transaction that never acquired locks. Anything
// past pending either already mutated funds or is about to, and can only end
// completed or failed.
func (p *TransactionProcessor) Cancel(ctx context.Context, reference string) (*SubmitResult, error) {
	txn, err := p.txnRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, repository.ErrTransactionNotFound
	}
	if txn.Status != model.TransactionStatusPending {
		return nil, ErrNotCancellable
	}
	if err := p.txnRepo.UpdateStatus(ctx, nil, txn.TransactionNo, model.TransactionStatusPending, model.TransactionStatusCancelled); err != nil {
		return nil, err
	}
	txn.Status = model.TransactionStatusCancelled
	return resultView(txn), nil
}

func (p *TransactionProcessor) resolveParticipants(ctx context.Context, req *SubmitRequest) (*participants, error) {
	parts := &participants{}
	var err error
	if req.SourceType == model.EndpointTypeWallet {
		parts.source, err = p.walletRepo.GetByID(ctx, req.SourceID)
		if err != nil {
			return nil, err
		}
	}
	if req.DestinationType == model.EndpointTypeWallet {
		parts.destination, err = p.walletRepo.GetByID(ctx, req.DestinationID)
		if err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func (p *TransactionProcessor) reserve(ctx context.Context, req *SubmitRequest, reference string) (*model.Transaction, error) {
	txn := &model.Transaction{
		TransactionNo:   idgen.GenerateTransactionNo(),
		Reference:       reference,
		Type:            req.Type,
		SourceType:      req.SourceType,
		SourceID:        req.SourceID,
		DestinationType: req.DestinationType,
		DestinationID:   req.DestinationID,
		OwnerID:         req.OwnerID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Fee:             req.Fee,
		Status:          model.TransactionStatusPending,
		Metadata:        model.EncodeMetadata(req.Metadata),
	}
	return p.txnRepo.Reserve(ctx, txn)
}

// replay answers a duplicate submission: same payload gets the stored result
// unchanged, a conflicting payload is rejected.
func (p *TransactionProcessor) replay(existing *model.Transaction, req *SubmitRequest) (*SubmitResult, error) {
	if mismatchesRequest(existing, req) {
		return nil, ErrReferenceConflict
	}
	return resultView(existing), nil
}

func mismatchesRequest(existing *model.Transaction, req *SubmitRequest) bool {
	return existing.Type != req.Type ||
		existing.OwnerID != req.OwnerID ||
		existing.Currency != req.Currency ||
		!existing.Amount.Equal(req.Amount) ||
		!existing.Fee.Equal(req.Fee) ||
		existing.SourceID != req.SourceID ||
		existing.DestinationID != req.DestinationID ||
		existing.Metadata != model.EncodeMetadata(req.Metadata)
}

// process drives pending → processing → terminal with locks held. The only
// funds this path ever parks in locked state are a cash-out's, and those move
// inside the same database transaction that commits the initiated event, so a
// failure before commit leaves nothing to compensate.
func (p *TransactionProcessor) process(ctx context.Context, txn *model.Transaction, parts *participants) (*SubmitResult, error) {
	if err := p.txnRepo.UpdateStatus(ctx, nil, txn.TransactionNo, model.TransactionStatusPending, model.TransactionStatusProcessing); err != nil {
		return nil, err
	}
	txn.Status = model.TransactionStatusProcessing

	// Wallet lifecycle is re-read here, after locks: a wallet suspended
	// between request validation and this point must still fail the
	// transaction.
	if err := p.recheckWallets(ctx, txn, parts); err != nil {
		return nil, p.failTxn(ctx, txn, err)
	}

	// Provision balance rows outside the atomic step so the effect
	// transaction only ever updates existing rows.
	for _, w := range parts.wallets() {
		if _, err := p.ledger.Get(ctx, w.OwnerID, txn.Currency); err != nil {
			return nil, p.failTxn(ctx, txn, err)
		}
	}

	if txn.Type == model.TransactionTypeTransfer || txn.Type == model.TransactionTypeCashOut {
		if err := p.compliance.CheckDebit(ctx, txn.OwnerID, txn.DebitTotal(), txn.Currency); err != nil {
			return nil, p.failTxn(ctx, txn, err)
		}
	}

	effectErr := p.runEffect(func() error {
		switch txn.Type {
		case model.TransactionTypeGeneration:
			return p.applyGeneration(ctx, txn, parts)
		case model.TransactionTypeTransfer:
			return p.applyTransfer(ctx, txn, parts)
		case model.TransactionTypeCashOut:
			return p.applyCashOut(ctx, txn, parts)
		case model.TransactionTypeRefund:
			return p.applyRefund(ctx, txn, parts)
		default:
			return fmt.Errorf("%w: unknown type %q", ErrInvalidShape, txn.Type)
		}
	})
	if effectErr != nil {
		return nil, p.failTxn(ctx, txn, effectErr)
	}

	final, err := p.txnRepo.GetByTransactionNo(ctx, txn.TransactionNo)
	if err != nil {
		return nil, err
	}
	return resultView(final), nil
}

// runEffect retries the whole effect transaction on a balance version
// conflict. The distributed locks serialize processor traffic, but a direct
// balance operation can still bump a version between the transaction's read
// and its conditional update; that race is transient and must not end the
// transaction in terminal failed.
func (p *TransactionProcessor) runEffect(apply func() error) error {
	var err error
	for i := 0; i < p.effectRetries; i++ {
		err = apply()
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return err
		}
	}
	return err
}

func (p *TransactionProcessor) recheckWallets(ctx context.Context, txn *model.Transaction, parts *participants) error {
	for _, w := range parts.wallets() {
		fresh, err := p.walletRepo.GetByID(ctx, w.ID)
		if err != nil {
			return err
		}
		if !fresh.IsActive() {
			return fmt.Errorf("%w: wallet %s is %s", ErrWalletInactive, fresh.ID, fresh.Status)
		}
		if fresh.Currency != txn.Currency {
			return fmt.Errorf("%w: wallet %s holds %s", ErrCurrencyMismatch, fresh.ID, fresh.Currency)
		}
		// Keep the resolved owner in sync in case the read before locking was
		// stale.
		w.OwnerID = fresh.OwnerID
	}
	return nil
}

// applyGeneration mints amount into the destination wallet from the
// privileged system source. Nothing is debited anywhere.
func (p *TransactionProcessor) applyGeneration(ctx context.Context, txn *model.Transaction, parts *participants) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if _, err := p.ledger.Credit(ctx, tx, parts.destination.OwnerID, txn.Currency, txn.Amount); err != nil {
			return err
		}
		if err := p.txnRepo.MarkCompleted(ctx, tx, txn.TransactionNo, model.TransactionStatusProcessing); err != nil {
			return err
		}
		return p.writeEvent(ctx, tx, txn, model.EventTransactionCompleted)
	})
}

// applyTransfer debits amount+fee from the source and credits amount to the
// destination; the fee is burned, never credited anywhere.
func (p *TransactionProcessor) applyTransfer(ctx context.Context, txn *model.Transaction, parts *participants) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if _, err := p.ledger.Debit(ctx, tx, parts.source.OwnerID, txn.Currency, txn.DebitTotal()); err != nil {
			return err
		}
		if _, err := p.ledger.Credit(ctx, tx, parts.destination.OwnerID, txn.Currency, txn.Amount); err != nil {
			return err
		}
		if err := p.txnRepo.MarkCompleted(ctx, tx, txn.TransactionNo, model.TransactionStatusProcessing); err != nil {
			return err
		}
		return p.writeEvent(ctx, tx, txn, model.EventTransactionCompleted)
	})
}

// applyCashOut reserves amount+fee in locked state and announces the payout.
// The transaction stays processing until the external collaborator confirms;
// SettleCashOut or FailCashOut finishes it.
func (p *TransactionProcessor) applyCashOut(ctx context.Context, txn *model.Transaction, parts *participants) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if _, err := p.ledger.Lock(ctx, tx, parts.source.OwnerID, txn.Currency, txn.DebitTotal()); err != nil {
			return err
		}
		return p.writeEvent(ctx, tx, txn, model.EventCashOutInitiated)
	})
}

// applyRefund credits the destination with the refund amount after verifying
// the referenced original is a completed transaction and covers it.
func (p *TransactionProcessor) applyRefund(ctx context.Context, txn *model.Transaction, parts *participants) error {
	originalNo := txn.MetadataMap()[model.MetadataKeyOriginalTransaction]
	if originalNo == "" {
		return ErrOriginalTransactionNotFound
	}
	original, err := p.txnRepo.GetByTransactionNo(ctx, originalNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return ErrOriginalTransactionNotFound
		}
		return err
	}
	if original.Status != model.TransactionStatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrOriginalTransactionNotFound, originalNo, original.Status)
	}
	if original.Currency != txn.Currency {
		return fmt.Errorf("%w: original %s moved %s", ErrCurrencyMismatch, originalNo, original.Currency)
	}
	if txn.Amount.GreaterThan(original.Amount) {
		return ErrRefundExceedsOriginal
	}

	return p.db.Transaction(func(tx *gorm.DB) error {
		if _, err := p.ledger.Credit(ctx, tx, parts.destination.OwnerID, txn.Currency, txn.Amount); err != nil {
			return err
		}
		if err := p.txnRepo.MarkCompleted(ctx, tx, txn.TransactionNo, model.TransactionStatusProcessing); err != nil {
			return err
		}
		return p.writeEvent(ctx, tx, txn, model.EventTransactionCompleted)
	})
}

// failTxn finishes a transaction as failed with its cause and returns the
// cause for propagation. The effect transaction has already rolled back at
// this point, so no balance compensation is needed on this path.
func (p *TransactionProcessor) failTxn(ctx context.Context, txn *model.Transaction, cause error) error {
	if err := p.txnRepo.MarkFailed(ctx, nil, txn.TransactionNo, txn.Status, cause.Error()); err != nil {
		log.Printf("[TransactionProcessor] mark %s failed: %v", txn.TransactionNo, err)
		return cause
	}
	txn.Status = model.TransactionStatusFailed
	txn.FailureReason = cause.Error()
	if err := p.writeEvent(ctx, nil, txn, model.EventTransactionFailed); err != nil {
		log.Printf("[TransactionProcessor] outbox write for failed %s: %v", txn.TransactionNo, err)
	}
	return cause
}

func (p *TransactionProcessor) writeEvent(ctx context.Context, tx *gorm.DB, txn *model.Transaction, eventType string) error {
	payload := map[string]interface{}{
		"event":         eventType,
		"transactionId": txn.TransactionNo,
		"type":          txn.Type,
		"ownerId":       txn.OwnerID,
		"amount":        txn.Amount,
		"currency":      txn.Currency,
		"sourceId":      txn.SourceID,
		"destinationId": txn.DestinationID,
		"reference":     txn.Reference,
	}
	if txn.FailureReason != "" {
		payload["failureReason"] = txn.FailureReason
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: txn.TransactionNo,
		Topic:      p.eventsTopic,
		EventType:  eventType,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	})
}
