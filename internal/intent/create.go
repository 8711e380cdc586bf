package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/logging"
)

type CreateIntentRequest struct {
	UserID         uuid.UUID
	Destination    string
	Bolt11         string
	PaymentHash    string
	Method         domain.PaymentMethod
	Amount         int64
	Fee            int64 // zero means estimate from the fee schedule
	RoutingHints   []string
	IdempotencyKey string
	Metadata       domain.Metadata
}

// CreateIntent atomically creates a Payment in initiated state and the
// pending Transaction that reserves amount+fee against the user's chain.
// The idempotency key is the deduplication boundary: a replay returns the
// original payment instead of reserving twice.
//
// Retry reuses the same path with a derived key and bumped retry count.
func (t *Tracker) CreateIntent(ctx context.Context, req CreateIntentRequest) (*domain.Payment, error) {
	p, err := t.create(ctx, req, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateIntent: %w", err)
	}
	return p, nil
}

func (t *Tracker) create(ctx context.Context, req CreateIntentRequest, retryCount int) (*domain.Payment, error) {
	log := logging.FromContext(ctx)

	if err := validateIntent(req); err != nil {
		return nil, err
	}

	existing, err := t.checkIdempotency(ctx, req)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("idempotent replay", "payment_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return existing, nil
	}

	p, err := t.executeIntent(ctx, req, retryCount)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateIntent) {
			// Lost the insert race to a concurrent caller holding the
			// same key; hand back whatever that caller created.
			existing, idemErr := t.checkIdempotency(ctx, req)
			if idemErr != nil {
				return nil, idemErr
			}
			if existing != nil {
				log.Info("idempotent replay (race)", "payment_id", existing.ID, "idempotency_key", req.IdempotencyKey)
				return existing, nil
			}
		}
		return nil, err
	}

	log.Info("payment intent created",
		"payment_id", p.ID,
		"user_id", req.UserID,
		"amount", p.Amount,
		"fee", p.Fee,
		"method", p.Method,
	)
	return p, nil
}

func validateIntent(req CreateIntentRequest) error {
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if req.Destination == "" && req.Bolt11 == "" {
		return fmt.Errorf("destination or invoice required: %w", domain.ErrInvalidInvoice)
	}
	if req.Bolt11 != "" && !strings.HasPrefix(strings.ToLower(req.Bolt11), "ln") {
		return domain.ErrInvalidInvoice
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key required: %w", domain.ErrDuplicateIntent)
	}
	return nil
}

// checkIdempotency returns the stored payment for a matching replay, nil
// when the key is unseen, and ErrDuplicateIntent when the key is reused
// with a different request.
func (t *Tracker) checkIdempotency(ctx context.Context, req CreateIntentRequest) (*domain.Payment, error) {
	existing, err := t.payments.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkIdempotency: %w", err)
	}

	var storedBolt11 string
	if existing.Bolt11 != nil {
		storedBolt11 = *existing.Bolt11
	}
	if existing.UserID == req.UserID &&
		existing.Amount == req.Amount &&
		existing.Destination == req.Destination &&
		storedBolt11 == req.Bolt11 &&
		// A zero fee means "estimate", so only a caller-supplied fee is
		// part of the replay identity.
		(req.Fee == 0 || existing.Fee == req.Fee) {
		return existing, nil
	}
	return nil, fmt.Errorf("checkIdempotency: %w", domain.ErrDuplicateIntent)
}

func (t *Tracker) executeIntent(ctx context.Context, req CreateIntentRequest, retryCount int) (*domain.Payment, error) {
	fee := req.Fee
	if fee == 0 && t.fees != nil {
		fee = t.fees.EstimateFee(req.Amount)
	}

	avail, err := t.ledger.AvailableBalance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("executeIntent: %w", err)
	}
	if avail < req.Amount+fee {
		return nil, fmt.Errorf("executeIntent: have %d, need %d: %w",
			avail, req.Amount+fee, domain.ErrInsufficientBalance)
	}

	now := time.Now().UTC()
	p := buildPayment(req, fee, retryCount, now)

	dbtx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("executeIntent: begin tx: %w", err)
	}
	defer dbtx.Rollback()

	if err := t.payments.Create(ctx, dbtx, p); err != nil {
		return nil, fmt.Errorf("executeIntent: create payment: %w", err)
	}

	reservation := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        req.UserID,
		Type:          domain.TxTypeWithdrawal,
		Method:        p.Method,
		Amount:        req.Amount,
		Fee:           fee,
		Status:        domain.TxStatusPending,
		Related:       domain.RelatedPayment(p.ID),
		BalanceBefore: avail,
		BalanceAfter:  avail - req.Amount - fee,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.ledger.AppendTx(ctx, dbtx, reservation); err != nil {
		return nil, fmt.Errorf("executeIntent: reserve: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("executeIntent: commit: %w", err)
	}
	return p, nil
}

func buildPayment(req CreateIntentRequest, fee int64, retryCount int, now time.Time) *domain.Payment {
	id := uuid.New()

	method := req.Method
	if method == "" {
		method = domain.PaymentMethodLightning
	}

	hash := req.PaymentHash
	if hash == "" {
		// No protocol hash supplied (e.g. keysend); derive a stable one so
		// retries of the same attempt correlate.
		sum := sha256.Sum256([]byte(req.IdempotencyKey))
		hash = hex.EncodeToString(sum[:])
	}

	var bolt11 *string
	if req.Bolt11 != "" {
		bolt11 = &req.Bolt11
	}

	return &domain.Payment{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		PaymentHash:    hash,
		Destination:    req.Destination,
		Bolt11:         bolt11,
		Method:         method,
		Amount:         req.Amount,
		Fee:            fee,
		Status:         domain.PaymentStatusInitiated,
		RetryCount:     retryCount,
		RoutingHints:   req.RoutingHints,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
