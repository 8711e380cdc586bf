package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/logging"
)

// Retry creates a fresh Payment and reservation for a recoverable
// failure, preserving the original payment hash and invoice so the
// attempts correlate. The retry budget counts from the first attempt.
func (t *Tracker) Retry(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	ctx = logging.WithPayment(ctx, paymentID)
	log := logging.FromContext(ctx)

	p, err := t.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("Retry: %w", err)
	}

	if p.Status != domain.PaymentStatusFailed || !p.IsRecoverable {
		return nil, fmt.Errorf("Retry: %w", domain.ErrPaymentNotRetryable)
	}
	if p.RetryCount >= t.maxRetries {
		return nil, fmt.Errorf("Retry: %w", domain.ErrRetriesExhausted)
	}

	var bolt11 string
	if p.Bolt11 != nil {
		bolt11 = *p.Bolt11
	}
	req := CreateIntentRequest{
		UserID:         p.UserID,
		Destination:    p.Destination,
		Bolt11:         bolt11,
		PaymentHash:    p.PaymentHash,
		Method:         p.Method,
		Amount:         p.Amount,
		Fee:            p.Fee,
		RoutingHints:   p.RoutingHints,
		IdempotencyKey: retryKey(p.IdempotencyKey, p.RetryCount+1),
		Metadata:       p.Metadata,
	}

	fresh, err := t.create(ctx, req, p.RetryCount+1)
	if err != nil {
		return nil, fmt.Errorf("Retry: %w", err)
	}

	log.Info("payment retry created",
		"retry_payment_id", fresh.ID,
		"retry_count", fresh.RetryCount,
	)
	return fresh, nil
}

// retryKey derives a deterministic key per retry attempt so retrying is
// itself idempotent.
func retryKey(key string, attempt int) string {
	base, _, _ := strings.Cut(key, "#r")
	return fmt.Sprintf("%s#r%d", base, attempt)
}
