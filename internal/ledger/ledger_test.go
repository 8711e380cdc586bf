package ledger

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/repository"
	"github.com/orbitpay/lnledger/internal/testutil"
)

func setupLedgerTest(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	return NewService(repository.NewTransactionRepository(db), db), db
}

func TestRecordDepositAndBalances(t *testing.T) {
	svc, _ := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()

	tx, err := svc.RecordDeposit(ctx, DepositRequest{
		UserID: userID,
		Method: domain.PaymentMethodLightning,
		Amount: 100_000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.ChainSeq)
	assert.Equal(t, int64(0), tx.BalanceBefore)
	assert.Equal(t, int64(100_000), tx.BalanceAfter)

	current, err := svc.CurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), current)

	avail, err := svc.AvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), avail)
}

func TestBalancesForUnknownUserAreZero(t *testing.T) {
	svc, _ := setupLedgerTest(t)
	ctx := context.Background()

	current, err := svc.CurrentBalance(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)

	avail, err := svc.AvailableBalance(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail)
}

func TestRecordDepositRejectsInvalidRequests(t *testing.T) {
	svc, _ := setupLedgerTest(t)
	ctx := context.Background()

	_, err := svc.RecordDeposit(ctx, DepositRequest{UserID: uuid.New(), Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.RecordDeposit(ctx, DepositRequest{
		UserID: uuid.New(),
		Type:   domain.TxTypeWithdrawal,
		Amount: 100,
	})
	assert.Error(t, err)
}

func TestPendingReservationSplitsBalances(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	reservation := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          domain.TxTypeWithdrawal,
		Method:        domain.PaymentMethodLightning,
		Amount:        10_000,
		Fee:           50,
		Status:        domain.TxStatusPending,
		BalanceBefore: 100_000,
		BalanceAfter:  89_950,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, svc.Append(ctx, reservation))

	// Reporting balance still reflects the last completed transaction;
	// the reservation only narrows what is spendable.
	current, err := svc.CurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), current)

	avail, err := svc.AvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(89_950), avail)
}

func TestAppendRejectsStaleChainTip(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)
	testutil.SeedDeposit(t, db, userID, 50_000)

	// Built against the first deposit's tip, now stale.
	stale := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          domain.TxTypeWithdrawal,
		Method:        domain.PaymentMethodLightning,
		Amount:        1_000,
		Status:        domain.TxStatusPending,
		BalanceBefore: 100_000,
		BalanceAfter:  99_000,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	err := svc.Append(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrBalanceChainConflict)
}

func TestAppendRejectsWrongBalanceArithmetic(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	bad := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          domain.TxTypeWithdrawal,
		Method:        domain.PaymentMethodLightning,
		Amount:        10_000,
		Fee:           50,
		Status:        domain.TxStatusCompleted,
		BalanceBefore: 100_000,
		BalanceAfter:  90_000, // should be 89_950
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	err := svc.Append(ctx, bad)
	assert.Error(t, err)
}

func TestConcurrentAppendsOneWinner(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	// Both writers observed the same tip; the chain-seq unique index lets
	// exactly one through.
	makeTx := func() *domain.Transaction {
		now := time.Now().UTC()
		return &domain.Transaction{
			ID:            uuid.New(),
			UserID:        userID,
			Type:          domain.TxTypeWithdrawal,
			Method:        domain.PaymentMethodLightning,
			Amount:        60_000,
			Status:        domain.TxStatusPending,
			BalanceBefore: 100_000,
			BalanceAfter:  40_000,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	const writers = 2
	errs := make([]error, writers)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(writers)
	for i := range writers {
		go func() {
			defer done.Done()
			start.Wait()
			errs[i] = svc.Append(ctx, makeTx())
		}()
	}
	start.Done()
	done.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrBalanceChainConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)

	avail, err := svc.AvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), avail)
}

func TestCompleteIsSingleShot(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()
	testutil.SeedDeposit(t, db, userID, 100_000)

	reservation := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          domain.TxTypeWithdrawal,
		Method:        domain.PaymentMethodLightning,
		Amount:        10_000,
		Status:        domain.TxStatusPending,
		BalanceBefore: 100_000,
		BalanceAfter:  90_000,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, svc.Append(ctx, reservation))

	now := time.Now().UTC()
	dbtx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, dbtx, reservation.ID, now))
	require.NoError(t, dbtx.Commit())

	dbtx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer dbtx.Rollback()
	err = svc.Fail(ctx, dbtx, reservation.ID)
	assert.ErrorIs(t, err, domain.ErrTransactionFinal)
}

func TestTrackConfirmation(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()

	deposit, err := svc.RecordDeposit(ctx, DepositRequest{
		UserID:  userID,
		Method:  domain.PaymentMethodOnchain,
		Amount:  50_000,
		Related: domain.RelatedAddress("bc1qexample"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.TrackConfirmation(ctx, deposit.ID, "f4184fc5...", 3, 850_123))

	var confirmations int
	var txHash string
	require.NoError(t, db.QueryRow(
		`SELECT confirmations, tx_hash FROM transactions WHERE id = $1`, deposit.ID).
		Scan(&confirmations, &txHash))
	assert.Equal(t, 3, confirmations)
	assert.Equal(t, "f4184fc5...", txHash)

	// Depth tracking never moves the balance.
	current, err := svc.CurrentBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), current)

	err = svc.TrackConfirmation(ctx, uuid.New(), "f4184fc5...", 1, 850_124)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordDepositWithInvoiceRef(t *testing.T) {
	svc, _ := setupLedgerTest(t)
	ctx := context.Background()
	invoiceID := uuid.New()

	deposit, err := svc.RecordDeposit(ctx, DepositRequest{
		UserID:  uuid.New(),
		Type:    domain.TxTypeInternalReceive,
		Method:  domain.PaymentMethodInternal,
		Amount:  7_500,
		Related: domain.RelatedInvoice(invoiceID),
	})
	require.NoError(t, err)
	require.NotNil(t, deposit.Related)
	assert.Equal(t, domain.RelatedKindInvoice, deposit.Related.Kind)
	assert.Equal(t, invoiceID.String(), deposit.Related.ID)
}

func TestChainContinuityAfterMixedWorkload(t *testing.T) {
	svc, db := setupLedgerTest(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.RecordDeposit(ctx, DepositRequest{
		UserID: userID, Method: domain.PaymentMethodLightning, Amount: 100_000,
	})
	require.NoError(t, err)

	withdrawal := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          domain.TxTypeWithdrawal,
		Method:        domain.PaymentMethodLightning,
		Amount:        20_000,
		Fee:           100,
		Status:        domain.TxStatusCompleted,
		BalanceBefore: 100_000,
		BalanceAfter:  79_900,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	now := time.Now().UTC()
	withdrawal.CompletedAt = &now
	require.NoError(t, svc.Append(ctx, withdrawal))

	_, err = svc.RecordDeposit(ctx, DepositRequest{
		UserID: userID, Method: domain.PaymentMethodOnchain, Amount: 5_000,
	})
	require.NoError(t, err)

	// Every link's balance_before must equal its predecessor's
	// balance_after, gap-free from seq 1.
	rows, err := db.Query(
		`SELECT chain_seq, balance_before, balance_after FROM transactions
		 WHERE user_id = $1 ORDER BY chain_seq`, userID)
	require.NoError(t, err)
	defer rows.Close()

	var prevSeq, prevAfter int64
	for rows.Next() {
		var seq, before, after int64
		require.NoError(t, rows.Scan(&seq, &before, &after))
		assert.Equal(t, prevSeq+1, seq)
		assert.Equal(t, prevAfter, before)
		prevSeq, prevAfter = seq, after
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, int64(3), prevSeq)
	assert.Equal(t, int64(84_900), prevAfter)
}
