package domain

import (
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	TxTypeDeposit         TxType = "deposit"
	TxTypeWithdrawal      TxType = "withdrawal"
	TxTypeInternalSend    TxType = "internal_send"
	TxTypeInternalReceive TxType = "internal_receive"
	TxTypeFee             TxType = "fee"
	TxTypeAdjustment      TxType = "adjustment"
)

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusCompleted TxStatus = "completed"
	TxStatusFailed    TxStatus = "failed"
	TxStatusCancelled TxStatus = "cancelled"
)

// IsFinal reports whether the transaction may no longer change status.
func (s TxStatus) IsFinal() bool {
	return s != TxStatusPending
}

// Transaction is one balance-affecting ledger entry. A user's balance is
// never stored anywhere else: it is always the BalanceAfter of the chain
// tip. ChainSeq is assigned at append time and is unique per user, which
// is what linearizes concurrent writers.
type Transaction struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	ChainSeq      int64
	Type          TxType
	Method        PaymentMethod
	Amount        int64
	Fee           int64
	Status        TxStatus
	Related       *RelatedRef
	BalanceBefore int64
	BalanceAfter  int64
	TxHash        *string
	Confirmations int
	BlockHeight   *int64
	Metadata      Metadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// HistoryFilter narrows a ledger history read. Zero values mean "no
// constraint".
type HistoryFilter struct {
	Types    []TxType
	Statuses []TxStatus
	From     *time.Time
	To       *time.Time
}

// SignedDelta is the balance effect of a completed transaction: negative
// for withdrawal, fee and internal_send, positive for deposit,
// internal_receive and adjustment credits.
func SignedDelta(t TxType, amount, fee int64) int64 {
	switch t {
	case TxTypeWithdrawal, TxTypeFee, TxTypeInternalSend:
		return -(amount + fee)
	case TxTypeDeposit, TxTypeInternalReceive, TxTypeAdjustment:
		return amount - fee
	default:
		return 0
	}
}
