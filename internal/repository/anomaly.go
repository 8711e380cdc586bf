package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
)

const anomalyColumns = `id, payment_id, kind, recorded_status, reported_status,
	preimage, detail, resolved, detected_at, resolved_at`

type AnomalyRepository struct {
	db *sql.DB
}

func NewAnomalyRepository(db *sql.DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

func (r *AnomalyRepository) Create(ctx context.Context, a *domain.ReconciliationAnomaly) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reconciliation_anomalies (
			id, payment_id, kind, recorded_status, reported_status,
			preimage, detail, resolved, detected_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PaymentID, a.Kind, a.RecordedStatus, a.ReportedStatus,
		a.Preimage, a.Detail, a.Resolved, a.DetectedAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *AnomalyRepository) ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationAnomaly, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM reconciliation_anomalies
		WHERE resolved = false ORDER BY detected_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListOpen: %w", err)
	}
	defer rows.Close()

	var anomalies []domain.ReconciliationAnomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOpen: scan: %w", err)
		}
		anomalies = append(anomalies, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListOpen: rows: %w", err)
	}
	return anomalies, nil
}

func (r *AnomalyRepository) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconciliation_anomalies WHERE resolved = false`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountOpen: %w", err)
	}
	return count, nil
}

// HasOpenForPayment guards against piling up duplicate anomalies for the
// same stuck payment across sweeps.
func (r *AnomalyRepository) HasOpenForPayment(ctx context.Context, paymentID uuid.UUID, kind domain.AnomalyKind) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM reconciliation_anomalies
			WHERE payment_id = $1 AND kind = $2 AND resolved = false
		)`,
		paymentID, kind,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("HasOpenForPayment: %w", err)
	}
	return exists, nil
}

func (r *AnomalyRepository) Resolve(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE reconciliation_anomalies SET resolved = true, resolved_at = now()
		WHERE id = $1 AND resolved = false`,
		id,
	)
	if err != nil {
		return fmt.Errorf("Resolve: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Resolve: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Resolve: %w", domain.ErrNotFound)
	}
	return nil
}

func scanAnomaly(s scanner) (*domain.ReconciliationAnomaly, error) {
	var a domain.ReconciliationAnomaly
	err := s.Scan(
		&a.ID, &a.PaymentID, &a.Kind, &a.RecordedStatus, &a.ReportedStatus,
		&a.Preimage, &a.Detail, &a.Resolved, &a.DetectedAt, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
