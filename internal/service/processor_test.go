package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"qwallet/internal/model"
	"qwallet/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationCreditsWallet(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.createWallet(t, "alice", "USD")

	result, err := env.processor.Submit(context.Background(), &SubmitRequest{
		Type:            model.TransactionTypeGeneration,
		SourceType:      model.EndpointTypeSystem,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   wallet.ID,
		OwnerID:         "alice",
		Amount:          dec("100"),
		Currency:        "USD",
	})
	require.NoError(t, err)

	assert.Equal(t, model.TransactionStatusCompleted, result.Status)
	assert.NotNil(t, result.CompletedAt)
	assert.NotEmpty(t, result.TransactionNo)
	assert.NotEmpty(t, result.Reference)

	b := env.balance(t, "alice", "USD")
	assert.True(t, b.Available.Equal(dec("100")), "available = %s", b.Available)
	env.assertInvariant(t, "alice", "USD")
}

func TestTransferConservation(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	result, err := env.processor.Submit(context.Background(), env.transferRequest(src, dst, "40", "2", "xfer-1"))
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusCompleted, result.Status)

	// Source loses amount+fee, destination gains exactly amount; the fee is
	// burned, not credited anywhere.
	srcBalance := env.balance(t, "alice", "USD")
	dstBalance := env.balance(t, "bob", "USD")
	assert.True(t, srcBalance.Available.Equal(dec("58")), "source available = %s", srcBalance.Available)
	assert.True(t, dstBalance.Available.Equal(dec("40")), "destination available = %s", dstBalance.Available)
	env.assertInvariant(t, "alice", "USD")
	env.assertInvariant(t, "bob", "USD")
}

func TestTransferInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "50")

	_, err := env.processor.Submit(context.Background(), env.transferRequest(src, dst, "100", "0", "xfer-too-big"))
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)

	// Nothing moved, and the transaction is a failed terminal record.
	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("50")))
	assert.True(t, env.balance(t, "bob", "USD").Available.Equal(dec("0")))

	stored, err := env.processor.GetByReference(context.Background(), "xfer-too-big")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.FailureReason)
}

func TestIdempotentResubmission(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	req := env.transferRequest(src, dst, "30", "0", "xfer-idem")

	first, err := env.processor.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := env.processor.Submit(context.Background(), req)
	require.NoError(t, err)

	// One transaction, one balance effect; the second caller sees the first
	// result unchanged.
	assert.Equal(t, first.TransactionNo, second.TransactionNo)
	assert.Equal(t, model.TransactionStatusCompleted, second.Status)
	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("70")))
	assert.True(t, env.balance(t, "bob", "USD").Available.Equal(dec("30")))
}

func TestConcurrentSameReference(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	req := env.transferRequest(src, dst, "30", "0", "xfer-race")

	const workers = 4
	results := make([]*SubmitResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.processor.Submit(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].TransactionNo, results[i].TransactionNo)
	}
	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("70")))
	assert.True(t, env.balance(t, "bob", "USD").Available.Equal(dec("30")))
}

func TestReferenceConflict(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	_, err := env.processor.Submit(context.Background(), env.transferRequest(src, dst, "30", "0", "xfer-conflict"))
	require.NoError(t, err)

	_, err = env.processor.Submit(context.Background(), env.transferRequest(src, dst, "99", "0", "xfer-conflict"))
	require.ErrorIs(t, err, ErrReferenceConflict)

	// Same amount with a different fee or metadata is still a different
	// payload.
	_, err = env.processor.Submit(context.Background(), env.transferRequest(src, dst, "30", "1", "xfer-conflict"))
	require.ErrorIs(t, err, ErrReferenceConflict)

	withMeta := env.transferRequest(src, dst, "30", "0", "xfer-conflict")
	withMeta.Metadata = map[string]string{"invoice": "INV-17"}
	_, err = env.processor.Submit(context.Background(), withMeta)
	require.ErrorIs(t, err, ErrReferenceConflict)
}

func TestConcurrentTransfersSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	// Two transfers of 60 against available=100: exactly one can complete.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := []string{"race-a", "race-b"}[i]
			_, errs[i] = env.processor.Submit(context.Background(), env.transferRequest(src, dst, "60", "0", ref))
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repository.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("40")))
	assert.True(t, env.balance(t, "bob", "USD").Available.Equal(dec("60")))
	env.assertInvariant(t, "alice", "USD")
}

func TestNoDoubleSpend(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	env.fund(t, src, "100")

	dst := env.createWallet(t, "bob", "USD")

	// Eight concurrent debits of 30 against available=100: at most three can
	// succeed in total.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.processor.Submit(context.Background(),
				env.transferRequest(src, dst, "30", "0", ""))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, repository.ErrInsufficientFunds)
		}
	}
	assert.LessOrEqual(t, succeeded*30, 100, "successful debits overdrew the wallet")
	assert.Equal(t, 3, succeeded)

	b := env.balance(t, "alice", "USD")
	assert.True(t, b.Available.Equal(dec("10")), "available = %s", b.Available)
	env.assertInvariant(t, "alice", "USD")
}

func TestRefundValidity(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	transfer, err := env.processor.Submit(context.Background(), env.transferRequest(src, dst, "40", "0", "xfer-refund"))
	require.NoError(t, err)

	refund := func(originalNo, amount, reference string) (*SubmitResult, error) {
		return env.processor.Submit(context.Background(), &SubmitRequest{
			Type:            model.TransactionTypeRefund,
			SourceType:      model.EndpointTypeSystem,
			DestinationType: model.EndpointTypeWallet,
			DestinationID:   src.ID,
			OwnerID:         "alice",
			Amount:          dec(amount),
			Currency:        "USD",
			Reference:       reference,
			Metadata:        map[string]string{model.MetadataKeyOriginalTransaction: originalNo},
		})
	}

	// Unknown original is rejected.
	_, err = refund("TXN00000000000000_00000000", "40", "refund-bad")
	require.ErrorIs(t, err, ErrOriginalTransactionNotFound)

	// Refund above the original amount is rejected.
	_, err = refund(transfer.TransactionNo, "41", "refund-too-big")
	require.ErrorIs(t, err, ErrRefundExceedsOriginal)

	// Valid refund credits exactly the requested amount.
	result, err := refund(transfer.TransactionNo, "40", "refund-ok")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCompleted, result.Status)
	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("100")))
}

func TestRefundCurrencyMustMatchOriginal(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "EUR")
	dst := env.createWallet(t, "bob", "EUR")
	usdWallet := env.createWallet(t, "alice", "USD")
	env.fund(t, src, "100")

	transfer, err := env.processor.Submit(context.Background(), env.transferRequest(src, dst, "40", "0", "xfer-eur"))
	require.NoError(t, err)

	// A USD refund of a EUR original must be rejected, not credited.
	_, err = env.processor.Submit(context.Background(), &SubmitRequest{
		Type:            model.TransactionTypeRefund,
		SourceType:      model.EndpointTypeSystem,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   usdWallet.ID,
		OwnerID:         "alice",
		Amount:          dec("40"),
		Currency:        "USD",
		Reference:       "refund-usd-of-eur",
		Metadata:        map[string]string{model.MetadataKeyOriginalTransaction: transfer.TransactionNo},
	})
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("0")))
	assert.True(t, env.balance(t, "alice", "EUR").Available.Equal(dec("60")))
}

func TestRefundWithoutOriginalMetadata(t *testing.T) {
	env := newTestEnv(t)
	dst := env.createWallet(t, "alice", "USD")

	_, err := env.processor.Submit(context.Background(), &SubmitRequest{
		Type:            model.TransactionTypeRefund,
		SourceType:      model.EndpointTypeSystem,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   dst.ID,
		OwnerID:         "alice",
		Amount:          dec("10"),
		Currency:        "USD",
	})
	require.ErrorIs(t, err, ErrOriginalTransactionNotFound)
}

func TestInvalidShapes(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.createWallet(t, "alice", "USD")

	cases := []struct {
		name string
		req  *SubmitRequest
	}{
		{"unknown type", &SubmitRequest{
			Type: "teleport", SourceType: model.EndpointTypeWallet, SourceID: wallet.ID,
			DestinationType: model.EndpointTypeWallet, DestinationID: wallet.ID,
			OwnerID: "alice", Amount: dec("1"), Currency: "USD",
		}},
		{"generation from wallet", &SubmitRequest{
			Type: model.TransactionTypeGeneration, SourceType: model.EndpointTypeWallet, SourceID: wallet.ID,
			DestinationType: model.EndpointTypeWallet, DestinationID: wallet.ID,
			OwnerID: "alice", Amount: dec("1"), Currency: "USD",
		}},
		{"transfer to external", &SubmitRequest{
			Type: model.TransactionTypeTransfer, SourceType: model.EndpointTypeWallet, SourceID: wallet.ID,
			DestinationType: model.EndpointTypeExternal, DestinationID: "bank",
			OwnerID: "alice", Amount: dec("1"), Currency: "USD",
		}},
		{"cash out to wallet", &SubmitRequest{
			Type: model.TransactionTypeCashOut, SourceType: model.EndpointTypeWallet, SourceID: wallet.ID,
			DestinationType: model.EndpointTypeWallet, DestinationID: wallet.ID,
			OwnerID: "alice", Amount: dec("1"), Currency: "USD",
		}},
		{"missing destination wallet id", &SubmitRequest{
			Type: model.TransactionTypeGeneration, SourceType: model.EndpointTypeSystem,
			DestinationType: model.EndpointTypeWallet,
			OwnerID:         "alice", Amount: dec("1"), Currency: "USD",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.processor.Submit(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrInvalidShape)
		})
	}

	_, err := env.processor.Submit(context.Background(), &SubmitRequest{
		Type: model.TransactionTypeGeneration, SourceType: model.EndpointTypeSystem,
		DestinationType: model.EndpointTypeWallet, DestinationID: wallet.ID,
		OwnerID: "alice", Amount: dec("-5"), Currency: "USD",
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.processor.Submit(context.Background(), &SubmitRequest{
		Type: model.TransactionTypeTransfer, SourceType: model.EndpointTypeWallet, SourceID: wallet.ID,
		DestinationType: model.EndpointTypeWallet, DestinationID: wallet.ID,
		OwnerID: "alice", Amount: dec("5"), Fee: dec("-1"), Currency: "USD",
	})
	assert.ErrorIs(t, err, ErrInvalidFee)
}

func TestSuspendedWalletFailsAtMutationTime(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	_, err := env.wallets.SetStatus(context.Background(), dst.ID, model.WalletStatusSuspended)
	require.NoError(t, err)

	_, err = env.processor.Submit(context.Background(), env.transferRequest(src, dst, "10", "0", "xfer-suspended"))
	require.ErrorIs(t, err, ErrWalletInactive)

	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("100")))

	stored, err := env.processor.GetByReference(context.Background(), "xfer-suspended")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusFailed, stored.Status)
}

func TestCurrencyMismatch(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "EUR")
	env.fund(t, src, "100")

	_, err := env.processor.Submit(context.Background(), &SubmitRequest{
		Type:            model.TransactionTypeTransfer,
		SourceType:      model.EndpointTypeWallet,
		SourceID:        src.ID,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   dst.ID,
		OwnerID:         "alice",
		Amount:          dec("10"),
		Currency:        "USD",
	})
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.True(t, env.balance(t, "alice", "USD").Available.Equal(dec("100")))
}

func TestWalletNotFound(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	env.fund(t, src, "100")

	_, err := env.processor.Submit(context.Background(), &SubmitRequest{
		Type:            model.TransactionTypeTransfer,
		SourceType:      model.EndpointTypeWallet,
		SourceID:        src.ID,
		DestinationType: model.EndpointTypeWallet,
		DestinationID:   "no-such-wallet",
		OwnerID:         "alice",
		Amount:          dec("10"),
		Currency:        "USD",
	})
	require.ErrorIs(t, err, repository.ErrWalletNotFound)
}

func TestEffectRetriesOnVersionConflict(t *testing.T) {
	env := newTestEnv(t)

	// A version conflict is transient and gets the whole effect re-applied.
	calls := 0
	err := env.processor.runEffect(func() error {
		calls++
		if calls < 3 {
			return repository.ErrOptimisticLock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// Any other error surfaces on the first attempt.
	calls = 0
	err = env.processor.runEffect(func() error {
		calls++
		return repository.ErrInsufficientFunds
	})
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)

	// A conflict that never resolves is bounded and surfaces.
	calls = 0
	err = env.processor.runEffect(func() error {
		calls++
		return repository.ErrOptimisticLock
	})
	require.ErrorIs(t, err, repository.ErrOptimisticLock)
	assert.Equal(t, env.processor.effectRetries, calls)
}

func TestCancelPendingOnly(t *testing.T) {
	env := newTestEnv(t)
	src := env.createWallet(t, "alice", "USD")
	dst := env.createWallet(t, "bob", "USD")
	env.fund(t, src, "100")

	result, err := env.processor.Submit(context.Background(), env.transferRequest(src, dst, "10", "0", "xfer-done"))
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusCompleted, result.Status)

	_, err = env.processor.Cancel(context.Background(), "xfer-done")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCompletedEventWrittenWithCommit(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.createWallet(t, "alice", "USD")
	env.fund(t, wallet, "100")

	var messages []model.OutboxMessage
	require.NoError(t, env.db.Where("event_type = ?", model.EventTransactionCompleted).Find(&messages).Error)
	require.Len(t, messages, 1)
	assert.Equal(t, model.OutboxStatusPending, messages[0].Status)
	assert.Contains(t, messages[0].Payload, `"reference"`)
	assert.Contains(t, messages[0].Payload, `"ownerId":"alice"`)
}
