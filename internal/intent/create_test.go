package intent

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/testutil"
)

func TestValidateIntent(t *testing.T) {
	valid := CreateIntentRequest{
		UserID:         uuid.New(),
		Bolt11:         "lnbc100u1p...",
		Amount:         1_000,
		IdempotencyKey: "key-1",
	}

	tests := []struct {
		name    string
		mutate  func(*CreateIntentRequest)
		wantErr error
	}{
		{"valid request", func(r *CreateIntentRequest) {}, nil},
		{"zero amount", func(r *CreateIntentRequest) { r.Amount = 0 }, domain.ErrInvalidAmount},
		{"negative amount", func(r *CreateIntentRequest) { r.Amount = -5 }, domain.ErrInvalidAmount},
		{"no destination or invoice", func(r *CreateIntentRequest) { r.Bolt11 = "" }, domain.ErrInvalidInvoice},
		{"malformed invoice", func(r *CreateIntentRequest) { r.Bolt11 = "bc1qxyz" }, domain.ErrInvalidInvoice},
		{"missing idempotency key", func(r *CreateIntentRequest) { r.IdempotencyKey = "" }, domain.ErrDuplicateIntent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := validateIntent(req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCreateIntentReservesBalance(t *testing.T) {
	tracker, _, db := setupTrackerTest(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	p, err := tracker.CreateIntent(ctx, CreateIntentRequest{
		UserID:         userID,
		Bolt11:         "lnbc100u1p...",
		Amount:         10_000,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusInitiated, p.Status)
	assert.Equal(t, int64(10_000), p.Amount)
	assert.Equal(t, int64(50), p.Fee) // estimated

	avail, err := tracker.ledger.AvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(89_950), avail)

	// Reporting balance is untouched until the attempt resolves.
	assert.Equal(t, int64(100_000), testutil.GetCompletedBalance(t, db, userID))
}

func TestCreateIntentIdempotentReplay(t *testing.T) {
	tracker, _, db := setupTrackerTest(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	req := CreateIntentRequest{
		UserID:         userID,
		Bolt11:         "lnbc100u1p...",
		Amount:         10_000,
		IdempotencyKey: "pay-1",
	}

	first, err := tracker.CreateIntent(ctx, req)
	require.NoError(t, err)

	second, err := tracker.CreateIntent(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Only one reservation on the chain: deposit + one withdrawal.
	assert.Equal(t, 2, testutil.CountTransactions(t, db, userID))
}

func TestCreateIntentKeyReuseWithDifferentRequest(t *testing.T) {
	tracker, _, db := setupTrackerTest(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	_, err := tracker.CreateIntent(ctx, CreateIntentRequest{
		UserID:         userID,
		Bolt11:         "lnbc100u1p...",
		Amount:         10_000,
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(r *CreateIntentRequest)
	}{
		{"different amount", func(r *CreateIntentRequest) { r.Amount = 20_000 }},
		{"different invoice", func(r *CreateIntentRequest) { r.Bolt11 = "lnbc200u1p..." }},
		{"different explicit fee", func(r *CreateIntentRequest) { r.Fee = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateIntentRequest{
				UserID:         userID,
				Bolt11:         "lnbc100u1p...",
				Amount:         10_000,
				IdempotencyKey: "pay-1",
			}
			tt.mutate(&req)
			_, err := tracker.CreateIntent(ctx, req)
			assert.ErrorIs(t, err, domain.ErrDuplicateIntent)
		})
	}
}

func TestCreateIntentInsufficientBalance(t *testing.T) {
	tracker, _, db := setupTrackerTest(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 5_000)

	_, err := tracker.CreateIntent(ctx, CreateIntentRequest{
		UserID:         userID,
		Bolt11:         "lnbc100u1p...",
		Amount:         10_000,
		IdempotencyKey: "pay-1",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, 1, testutil.CountTransactions(t, db, userID))
}

func TestConcurrentCreateIntentSameKey(t *testing.T) {
	tracker, gw, db := setupTrackerTest(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	req := CreateIntentRequest{
		UserID:         userID,
		Bolt11:         "lnbc100u1p...",
		Amount:         10_000,
		IdempotencyKey: "pay-1",
	}

	const callers = 4
	results := make([]*domain.Payment, callers)
	errs := make([]error, callers)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := range callers {
		go func() {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = tracker.CreateIntent(ctx, req)
		}()
	}
	start.Done()
	done.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}

	// One payment, one reservation, one gateway submit.
	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM payments WHERE idempotency_key = 'pay-1'`).Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, testutil.CountTransactions(t, db, userID))

	require.NoError(t, tracker.Submit(ctx, results[0].ID))
	assert.Equal(t, 1, gw.submitCount())
}

func TestConcurrentOverdraftOneWinner(t *testing.T) {
	tracker, _, db := setupTrackerTest(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	// Two intents that each fit alone but not together.
	const callers = 2
	errs := make([]error, callers)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := range callers {
		go func() {
			defer done.Done()
			start.Wait()
			_, errs[i] = tracker.CreateIntent(ctx, CreateIntentRequest{
				UserID:         userID,
				Bolt11:         "lnbc100u1p...",
				Amount:         60_000,
				IdempotencyKey: uuid.NewString(),
			})
		}()
	}
	start.Done()
	done.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			// Loser sees either the balance check or the chain CAS,
			// depending on timing; never a double-spend.
			assert.True(t, errorIsAny(err,
				domain.ErrInsufficientBalance, domain.ErrBalanceChainConflict),
				"unexpected error: %v", err)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	avail, err := tracker.ledger.AvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(39_950), avail)
}
