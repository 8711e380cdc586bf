package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
)

// SeedDeposit appends a completed deposit to the user's chain directly in
// SQL, continuing from the current tip. It is the standard way tests give
// a user spendable balance without going through the service layer.
func SeedDeposit(t *testing.T, db *sql.DB, userID uuid.UUID, amount int64) *domain.Transaction {
	t.Helper()

	seq, before := chainTip(t, db, userID)

	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		ChainSeq:      seq + 1,
		Type:          domain.TxTypeDeposit,
		Method:        domain.PaymentMethodLightning,
		Amount:        amount,
		Status:        domain.TxStatusCompleted,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}

	_, err := db.Exec(
		`INSERT INTO transactions (id, user_id, chain_seq, tx_type, method, amount, fee, status,
		 balance_before, balance_after, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10, $10)`,
		tx.ID, tx.UserID, tx.ChainSeq, tx.Type, tx.Method, tx.Amount, tx.Status,
		tx.BalanceBefore, tx.BalanceAfter, now,
	)
	if err != nil {
		t.Fatalf("seed deposit for %s: %v", userID, err)
	}
	return tx
}

func chainTip(t *testing.T, db *sql.DB, userID uuid.UUID) (seq, balanceAfter int64) {
	t.Helper()

	err := db.QueryRow(
		`SELECT chain_seq, balance_after FROM transactions
		 WHERE user_id = $1 ORDER BY chain_seq DESC LIMIT 1`,
		userID,
	).Scan(&seq, &balanceAfter)
	if err == sql.ErrNoRows {
		return 0, 0
	}
	if err != nil {
		t.Fatalf("read chain tip for %s: %v", userID, err)
	}
	return seq, balanceAfter
}

// GetCompletedBalance reads the balance the way the ledger reports it: the
// balance_after of the latest completed transaction.
func GetCompletedBalance(t *testing.T, db *sql.DB, userID uuid.UUID) int64 {
	t.Helper()

	var balance int64
	err := db.QueryRow(
		`SELECT balance_after FROM transactions
		 WHERE user_id = $1 AND status = 'completed'
		 ORDER BY chain_seq DESC LIMIT 1`,
		userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0
	}
	if err != nil {
		t.Fatalf("get completed balance for %s: %v", userID, err)
	}
	return balance
}

func CountTransactions(t *testing.T, db *sql.DB, userID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count transactions for %s: %v", userID, err)
	}
	return count
}

func GetPaymentStatus(t *testing.T, db *sql.DB, paymentID uuid.UUID) domain.PaymentStatus {
	t.Helper()

	var status domain.PaymentStatus
	err := db.QueryRow(
		`SELECT status FROM payments WHERE id = $1`, paymentID,
	).Scan(&status)
	if err != nil {
		t.Fatalf("get payment status %s: %v", paymentID, err)
	}
	return status
}

// BackdatePayment pushes a payment's timestamps into the past so it shows
// up as stale to the reconciler without the test sleeping.
func BackdatePayment(t *testing.T, db *sql.DB, paymentID uuid.UUID, age time.Duration) {
	t.Helper()

	then := time.Now().UTC().Add(-age)
	res, err := db.Exec(
		`UPDATE payments SET created_at = $2, updated_at = $2 WHERE id = $1`,
		paymentID, then,
	)
	if err != nil {
		t.Fatalf("backdate payment %s: %v", paymentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("backdate payment %s: no row updated", paymentID)
	}
}

func CountOpenAnomalies(t *testing.T, db *sql.DB, paymentID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM reconciliation_anomalies
		 WHERE payment_id = $1 AND resolved = false`,
		paymentID,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count open anomalies for %s: %v", paymentID, err)
	}
	return count
}
