package intent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
)

// GatewayStatus is the external daemon's view of a payment attempt.
type GatewayStatus string

const (
	GatewayStatusPending   GatewayStatus = "pending"
	GatewayStatusSucceeded GatewayStatus = "succeeded"
	GatewayStatusFailed    GatewayStatus = "failed"
)

type SubmitRequest struct {
	PaymentID   uuid.UUID
	Bolt11      string
	Destination string
	Amount      int64
	FeeLimit    int64
}

type SubmitResult struct {
	GatewayRef string
	Status     GatewayStatus
}

type StatusResult struct {
	Status        GatewayStatus
	Preimage      string
	FailureReason string
	Recoverable   bool
}

// Gateway is the consumed capability of the external payment daemon. Both
// calls must respect ctx deadlines; transport failures surface as
// domain.ErrGatewayUnavailable and never mutate the ledger.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	QueryStatus(ctx context.Context, paymentID uuid.UUID) (*StatusResult, error)
}

// Outcome is a terminal result reported for a payment, either by a live
// gateway callback or by the reconciliation sweep.
type Outcome struct {
	Status      GatewayStatus // succeeded or failed
	Preimage    string
	Reason      string
	Recoverable bool
}

type paymentRepo interface {
	Create(ctx context.Context, tx *sql.Tx, p *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	MarkInFlight(ctx context.Context, id uuid.UUID, gatewayRef *string) error
	MarkSucceeded(ctx context.Context, tx *sql.Tx, id uuid.UUID, preimage string, at time.Time) error
	MarkFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string, recoverable bool, at time.Time) error
}

type transactionRepo interface {
	PendingByPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Transaction, error)
}

type ledgerService interface {
	AppendTx(ctx context.Context, dbtx *sql.Tx, t *domain.Transaction) error
	AvailableBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	Complete(ctx context.Context, dbtx *sql.Tx, id uuid.UUID, at time.Time) error
	Fail(ctx context.Context, dbtx *sql.Tx, id uuid.UUID) error
	Cancel(ctx context.Context, dbtx *sql.Tx, id uuid.UUID) error
}

type anomalyRepo interface {
	Create(ctx context.Context, a *domain.ReconciliationAnomaly) error
}

type feeEstimator interface {
	EstimateFee(amount int64) int64
}

// Tracker owns the lifecycle of outbound payment attempts: intent
// creation, gateway submission and the single terminal-transition path
// shared by live callbacks and the reconciliation sweep.
type Tracker struct {
	payments   paymentRepo
	txs        transactionRepo
	ledger     ledgerService
	anomalies  anomalyRepo
	gateway    Gateway
	fees       feeEstimator
	db         *sql.DB
	maxRetries int
}

func NewTracker(
	payments paymentRepo,
	txs transactionRepo,
	ledgerSvc ledgerService,
	anomalies anomalyRepo,
	gateway Gateway,
	fees feeEstimator,
	db *sql.DB,
	maxRetries int,
) *Tracker {
	return &Tracker{
		payments:   payments,
		txs:        txs,
		ledger:     ledgerSvc,
		anomalies:  anomalies,
		gateway:    gateway,
		fees:       fees,
		db:         db,
		maxRetries: maxRetries,
	}
}

func (t *Tracker) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := t.payments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetPayment: %w", err)
	}
	return p, nil
}
