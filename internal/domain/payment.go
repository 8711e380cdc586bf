package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusInFlight  PaymentStatus = "in_flight"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

type PaymentMethod string

const (
	PaymentMethodLightning PaymentMethod = "lightning"
	PaymentMethodOnchain   PaymentMethod = "onchain"
	PaymentMethodInternal  PaymentMethod = "internal"
)

// Payment is one outbound payment attempt. Rows are never deleted;
// status moves initiated -> in_flight -> {succeeded | failed}, and a
// row in a terminal state is never transitioned again.
type Payment struct {
	ID             uuid.UUID
	IdempotencyKey string
	UserID         uuid.UUID
	PaymentHash    string
	Destination    string
	Bolt11         *string
	Method         PaymentMethod
	Amount         int64
	Fee            int64
	Status         PaymentStatus
	Preimage       *string
	FailureReason  *string
	IsRecoverable  bool
	RetryCount     int
	RoutingHints   []string
	GatewayRef     *string
	SweepAttempts  int
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SucceededAt    *time.Time
	FailedAt       *time.Time
}
