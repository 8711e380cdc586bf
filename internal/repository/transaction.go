package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
)

const transactionColumns = `id, user_id, chain_seq, tx_type, method, amount, fee,
	status, related_kind, related_id, balance_before, balance_after,
	tx_hash, confirmations, block_height, metadata,
	created_at, updated_at, completed_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create appends one transaction. The (user_id, chain_seq) unique index is
// the concurrency-control primitive: a writer that raced ahead of the
// observed chain tip surfaces here as ErrBalanceChainConflict.
func (r *TransactionRepository) Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	meta, err := t.Metadata.Value()
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	var relatedKind, relatedID *string
	if t.Related != nil {
		k := string(t.Related.Kind)
		relatedKind = &k
		relatedID = &t.Related.ID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (
			id, user_id, chain_seq, tx_type, method, amount, fee,
			status, related_kind, related_id, balance_before, balance_after,
			tx_hash, confirmations, block_height, metadata,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)`,
		t.ID, t.UserID, t.ChainSeq, t.Type, t.Method, t.Amount, t.Fee,
		t.Status, relatedKind, relatedID, t.BalanceBefore, t.BalanceAfter,
		t.TxHash, t.Confirmations, t.BlockHeight, meta,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "transactions_user_id_chain_seq_key") {
			return fmt.Errorf("Create: %w", domain.ErrBalanceChainConflict)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return t, nil
}

// ChainTip returns the user's transaction with the highest chain_seq, or
// ErrNotFound for a user with no ledger history.
func (r *TransactionRepository) ChainTip(ctx context.Context, userID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1 ORDER BY chain_seq DESC LIMIT 1`,
		userID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ChainTip: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("ChainTip: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) LatestCompleted(ctx context.Context, userID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1 AND status = $2 ORDER BY chain_seq DESC LIMIT 1`,
		userID, domain.TxStatusCompleted,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("LatestCompleted: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("LatestCompleted: %w", err)
	}
	return t, nil
}

// PendingByPayment finds the reservation transaction created alongside a
// payment intent.
func (r *TransactionRepository) PendingByPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE related_kind = $1 AND related_id = $2 AND status = $3`,
		domain.RelatedKindPayment, paymentID.String(), domain.TxStatusPending,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("PendingByPayment: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("PendingByPayment: %w", err)
	}
	return t, nil
}

// SetStatus performs the single allowed transition out of pending. A row
// already final reports ErrTransactionFinal.
func (r *TransactionRepository) SetStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TxStatus, completedAt *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, completed_at = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		status, completedAt, id, domain.TxStatusPending,
	)
	if err != nil {
		return fmt.Errorf("SetStatus: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("SetStatus: %w", domain.ErrTransactionFinal)
	}
	return nil
}

// UpdateConfirmations tracks on-chain depth for a completed transaction.
// Confirmation counting is observational only and never changes balances.
func (r *TransactionRepository) UpdateConfirmations(ctx context.Context, id uuid.UUID, txHash string, confirmations int, blockHeight int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET tx_hash = $1, confirmations = $2, block_height = $3, updated_at = now()
		WHERE id = $4`,
		txHash, confirmations, blockHeight, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateConfirmations: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateConfirmations: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateConfirmations: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns one page of a user's transactions, newest first.
func (r *TransactionRepository) List(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter, limit, offset int) ([]domain.Transaction, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, tt := range filter.Types {
			args = append(args, tt)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "tx_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	args = append(args, limit)
	limitPos := len(args)
	args = append(args, offset)
	offsetPos := len(args)

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, chain_seq DESC
		LIMIT $` + fmt.Sprint(limitPos) + ` OFFSET $` + fmt.Sprint(offsetPos)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: rows: %w", err)
	}
	return txs, nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var relatedKind, relatedID *string
	var meta []byte

	err := s.Scan(
		&t.ID, &t.UserID, &t.ChainSeq, &t.Type, &t.Method, &t.Amount, &t.Fee,
		&t.Status, &relatedKind, &relatedID, &t.BalanceBefore, &t.BalanceAfter,
		&t.TxHash, &t.Confirmations, &t.BlockHeight, &meta,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if relatedKind != nil && relatedID != nil {
		t.Related = &domain.RelatedRef{Kind: domain.RelatedKind(*relatedKind), ID: *relatedID}
	}
	t.Metadata, err = domain.ParseMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
