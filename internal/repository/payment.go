package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orbitpay/lnledger/internal/domain"
)

const paymentColumns = `id, idempotency_key, user_id, payment_hash, destination,
	bolt11, method, amount, fee, status, preimage, failure_reason, is_recoverable,
	retry_count, routing_hints, gateway_ref, sweep_attempts, metadata,
	created_at, updated_at, succeeded_at, failed_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *sql.Tx, p *domain.Payment) error {
	meta, err := p.Metadata.Value()
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (
			id, idempotency_key, user_id, payment_hash, destination,
			bolt11, method, amount, fee, status, preimage, failure_reason, is_recoverable,
			retry_count, routing_hints, gateway_ref, sweep_attempts, metadata,
			created_at, updated_at, succeeded_at, failed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)`,
		p.ID, p.IdempotencyKey, p.UserID, p.PaymentHash, p.Destination,
		p.Bolt11, p.Method, p.Amount, p.Fee, p.Status, p.Preimage, p.FailureReason, p.IsRecoverable,
		p.RetryCount, pq.Array(p.RoutingHints), p.GatewayRef, p.SweepAttempts, meta,
		p.CreatedAt, p.UpdatedAt, p.SucceededAt, p.FailedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "payments_idempotency_key_key") {
			return fmt.Errorf("Create: %w", domain.ErrDuplicateIntent)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByIdempotencyKey: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByIdempotencyKey: %w", err)
	}
	return p, nil
}

// MarkInFlight moves an initiated payment to in_flight. The status guard
// makes a duplicate submit a no-op at the database, reported as
// ErrAlreadySubmitted.
func (r *PaymentRepository) MarkInFlight(ctx context.Context, id uuid.UUID, gatewayRef *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, gateway_ref = COALESCE($2, gateway_ref), updated_at = now()
		WHERE id = $3 AND status = $4`,
		domain.PaymentStatusInFlight, gatewayRef, id, domain.PaymentStatusInitiated,
	)
	if err != nil {
		return fmt.Errorf("MarkInFlight: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkInFlight: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("MarkInFlight: %w", domain.ErrAlreadySubmitted)
	}
	return nil
}

// MarkSucceeded is one of the two terminal transitions. The status guard
// ensures at most one caller wins when a live callback and the sweep race.
func (r *PaymentRepository) MarkSucceeded(ctx context.Context, tx *sql.Tx, id uuid.UUID, preimage string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, preimage = $2, succeeded_at = $3, updated_at = now()
		WHERE id = $4 AND status IN ($5, $6)`,
		domain.PaymentStatusSucceeded, preimage, at, id,
		domain.PaymentStatusInitiated, domain.PaymentStatusInFlight,
	)
	if err != nil {
		return fmt.Errorf("MarkSucceeded: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkSucceeded: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("MarkSucceeded: %w", domain.ErrPaymentTerminal)
	}
	return nil
}

func (r *PaymentRepository) MarkFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string, recoverable bool, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, failure_reason = $2, is_recoverable = $3, failed_at = $4, updated_at = now()
		WHERE id = $5 AND status IN ($6, $7)`,
		domain.PaymentStatusFailed, reason, recoverable, at, id,
		domain.PaymentStatusInitiated, domain.PaymentStatusInFlight,
	)
	if err != nil {
		return fmt.Errorf("MarkFailed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkFailed: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("MarkFailed: %w", domain.ErrPaymentTerminal)
	}
	return nil
}

// GetStale returns non-terminal payments not touched since cutoff, oldest
// first, for the reconciliation sweep.
func (r *PaymentRepository) GetStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at LIMIT $4`,
		domain.PaymentStatusInitiated, domain.PaymentStatusInFlight, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("GetStale: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("GetStale: scan: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetStale: rows: %w", err)
	}
	return payments, nil
}

// IncrementSweepAttempts bumps the sweep counter without touching
// updated_at, so the payment stays a sweep candidate.
func (r *PaymentRepository) IncrementSweepAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE payments SET sweep_attempts = sweep_attempts + 1
		WHERE id = $1 RETURNING sweep_attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("IncrementSweepAttempts: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("IncrementSweepAttempts: %w", err)
	}
	return attempts, nil
}

func (r *PaymentRepository) CountStale(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE status IN ($1, $2) AND updated_at < $3`,
		domain.PaymentStatusInitiated, domain.PaymentStatusInFlight, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountStale: %w", err)
	}
	return count, nil
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	var hints pq.StringArray
	var meta []byte

	err := s.Scan(
		&p.ID, &p.IdempotencyKey, &p.UserID, &p.PaymentHash, &p.Destination,
		&p.Bolt11, &p.Method, &p.Amount, &p.Fee, &p.Status, &p.Preimage, &p.FailureReason, &p.IsRecoverable,
		&p.RetryCount, &hints, &p.GatewayRef, &p.SweepAttempts, &meta,
		&p.CreatedAt, &p.UpdatedAt, &p.SucceededAt, &p.FailedAt,
	)
	if err != nil {
		return nil, err
	}

	p.RoutingHints = hints
	p.Metadata, err = domain.ParseMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
