package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/logging"
)

// HandleGatewayResult is the only code path that moves a payment to a
// terminal state. Live callbacks and the reconciliation sweep both land
// here, so when they race, exactly one performs the transition and the
// other observes the stored terminal result.
//
// Replaying the outcome already recorded is a no-op returning the stored
// payment. A conflicting outcome for a terminal payment is never applied:
// it is written to the anomaly log and reported as ErrOutcomeConflict.
func (t *Tracker) HandleGatewayResult(ctx context.Context, paymentID uuid.UUID, outcome Outcome) (*domain.Payment, error) {
	ctx = logging.WithPayment(ctx, paymentID)

	p, err := t.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("HandleGatewayResult: %w", err)
	}

	if p.Status.IsTerminal() {
		return t.replayOrFlag(ctx, p, outcome)
	}

	switch outcome.Status {
	case GatewayStatusSucceeded:
		err = t.applySuccess(ctx, p, outcome)
	case GatewayStatusFailed:
		err = t.applyFailure(ctx, p, outcome)
	default:
		return nil, fmt.Errorf("HandleGatewayResult: %q is not a terminal outcome", outcome.Status)
	}

	if err != nil {
		if errors.Is(err, domain.ErrPaymentTerminal) {
			// Lost the transition race; defer to whoever won.
			fresh, getErr := t.payments.GetByID(ctx, paymentID)
			if getErr != nil {
				return nil, fmt.Errorf("HandleGatewayResult: %w", getErr)
			}
			return t.replayOrFlag(ctx, fresh, outcome)
		}
		return nil, fmt.Errorf("HandleGatewayResult: %w", err)
	}

	fresh, err := t.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("HandleGatewayResult: %w", err)
	}
	return fresh, nil
}

// replayOrFlag resolves an outcome delivered for an already-terminal
// payment: matching outcomes are an idempotent replay, conflicting ones
// are recorded for manual review and never applied.
func (t *Tracker) replayOrFlag(ctx context.Context, p *domain.Payment, outcome Outcome) (*domain.Payment, error) {
	log := logging.FromContext(ctx)

	matches := (p.Status == domain.PaymentStatusSucceeded && outcome.Status == GatewayStatusSucceeded) ||
		(p.Status == domain.PaymentStatusFailed && outcome.Status == GatewayStatusFailed)
	if matches {
		log.Info("gateway outcome replay, payment already terminal", "status", p.Status)
		return p, nil
	}

	var preimage *string
	if outcome.Preimage != "" {
		preimage = &outcome.Preimage
	}
	anomaly := &domain.ReconciliationAnomaly{
		ID:             uuid.New(),
		PaymentID:      p.ID,
		Kind:           domain.AnomalyKindLateOutcome,
		RecordedStatus: p.Status,
		ReportedStatus: string(outcome.Status),
		Preimage:       preimage,
		Detail:         fmt.Sprintf("gateway reported %s after payment was finalized as %s", outcome.Status, p.Status),
		DetectedAt:     time.Now().UTC(),
	}
	if err := t.anomalies.Create(ctx, anomaly); err != nil {
		return nil, fmt.Errorf("replayOrFlag: record anomaly: %w", err)
	}

	log.Warn("conflicting gateway outcome flagged for manual review",
		"recorded_status", p.Status,
		"reported_status", outcome.Status,
		"anomaly_id", anomaly.ID,
	)
	return p, fmt.Errorf("replayOrFlag: %w", domain.ErrOutcomeConflict)
}

// applySuccess finalizes payment and reservation together. The balance
// fields were precomputed at reservation time; nothing is recomputed.
func (t *Tracker) applySuccess(ctx context.Context, p *domain.Payment, outcome Outcome) error {
	log := logging.FromContext(ctx)

	reservation, err := t.txs.PendingByPayment(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The reservation is created with the payment, so a missing
			// pending row means a concurrent caller already finalized it.
			return fmt.Errorf("applySuccess: reservation finalized concurrently: %w", domain.ErrPaymentTerminal)
		}
		return fmt.Errorf("applySuccess: reservation: %w", err)
	}

	now := time.Now().UTC()
	dbtx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("applySuccess: begin tx: %w", err)
	}
	defer dbtx.Rollback()

	if err := t.payments.MarkSucceeded(ctx, dbtx, p.ID, outcome.Preimage, now); err != nil {
		return fmt.Errorf("applySuccess: %w", err)
	}
	if err := t.ledger.Complete(ctx, dbtx, reservation.ID, now); err != nil {
		return fmt.Errorf("applySuccess: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("applySuccess: commit: %w", err)
	}

	log.Info("payment succeeded",
		"amount", p.Amount,
		"fee", p.Fee,
	)
	return nil
}

// applyFailure finalizes payment and reservation, then appends the
// compensating credit that returns the reserved amount+fee to the chain
// tip. The failed reservation itself is never mutated.
func (t *Tracker) applyFailure(ctx context.Context, p *domain.Payment, outcome Outcome) error {
	log := logging.FromContext(ctx)

	reservation, err := t.txs.PendingByPayment(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("applyFailure: reservation finalized concurrently: %w", domain.ErrPaymentTerminal)
		}
		return fmt.Errorf("applyFailure: reservation: %w", err)
	}

	avail, err := t.ledger.AvailableBalance(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("applyFailure: %w", err)
	}

	now := time.Now().UTC()
	refund := reservation.Amount + reservation.Fee

	dbtx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("applyFailure: begin tx: %w", err)
	}
	defer dbtx.Rollback()

	if err := t.payments.MarkFailed(ctx, dbtx, p.ID, outcome.Reason, outcome.Recoverable, now); err != nil {
		return fmt.Errorf("applyFailure: %w", err)
	}

	// A reservation that never reached the gateway is cancelled; one the
	// gateway rejected or lost is failed.
	if p.Status == domain.PaymentStatusInitiated {
		if err := t.ledger.Cancel(ctx, dbtx, reservation.ID); err != nil {
			return fmt.Errorf("applyFailure: %w", err)
		}
	} else if err := t.ledger.Fail(ctx, dbtx, reservation.ID); err != nil {
		return fmt.Errorf("applyFailure: %w", err)
	}

	compensation := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        p.UserID,
		Type:          domain.TxTypeAdjustment,
		Method:        p.Method,
		Amount:        refund,
		Status:        domain.TxStatusCompleted,
		Related:       domain.RelatedPayment(p.ID),
		BalanceBefore: avail,
		BalanceAfter:  avail + refund,
		Metadata: domain.Metadata{
			"compensates": domain.MetaString(reservation.ID.String()),
		},
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	if err := t.ledger.AppendTx(ctx, dbtx, compensation); err != nil {
		return fmt.Errorf("applyFailure: compensate: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("applyFailure: commit: %w", err)
	}

	log.Info("payment failed, reservation reversed",
		"reason", outcome.Reason,
		"recoverable", outcome.Recoverable,
		"refund", refund,
	)
	return nil
}
