package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/logging"
)

type transactionRepo interface {
	Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error
	ChainTip(ctx context.Context, userID uuid.UUID) (*domain.Transaction, error)
	LatestCompleted(ctx context.Context, userID uuid.UUID) (*domain.Transaction, error)
	SetStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TxStatus, completedAt *time.Time) error
	UpdateConfirmations(ctx context.Context, id uuid.UUID, txHash string, confirmations int, blockHeight int64) error
	List(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter, limit, offset int) ([]domain.Transaction, error)
}

// Service is the single write path to a user's balance chain. Nothing in
// the system stores a balance anywhere else; every mutation goes through
// AppendTx and the chain-seq unique index underneath it.
type Service struct {
	txs transactionRepo
	db  *sql.DB
}

func NewService(txs transactionRepo, db *sql.DB) *Service {
	return &Service{txs: txs, db: db}
}

// AppendTx appends t to its user's chain inside a caller-owned database
// transaction. The caller fills BalanceBefore/BalanceAfter from the tip it
// observed; a stale observation fails with ErrBalanceChainConflict, either
// here or at the unique index when two appends race.
func (s *Service) AppendTx(ctx context.Context, dbtx *sql.Tx, t *domain.Transaction) error {
	var tipSeq, tipAfter int64
	tip, err := s.txs.ChainTip(ctx, t.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("AppendTx: %w", err)
		}
	} else {
		tipSeq = tip.ChainSeq
		tipAfter = tip.BalanceAfter
	}

	if t.BalanceBefore != tipAfter {
		return fmt.Errorf("AppendTx: before %d does not extend tip %d: %w",
			t.BalanceBefore, tipAfter, domain.ErrBalanceChainConflict)
	}
	if t.Status == domain.TxStatusCompleted {
		if want := t.BalanceBefore + domain.SignedDelta(t.Type, t.Amount, t.Fee); t.BalanceAfter != want {
			return fmt.Errorf("AppendTx: after %d, want %d", t.BalanceAfter, want)
		}
	}

	t.ChainSeq = tipSeq + 1
	if err := s.txs.Create(ctx, dbtx, t); err != nil {
		return fmt.Errorf("AppendTx: %w", err)
	}
	return nil
}

// Append is AppendTx with its own short transaction, for callers outside
// a payment flow.
func (s *Service) Append(ctx context.Context, t *domain.Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Append: begin tx: %w", err)
	}
	defer dbtx.Rollback()

	if err := s.AppendTx(ctx, dbtx, t); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("Append: commit: %w", err)
	}
	return nil
}

// Complete finalizes a pending transaction. Balance fields were computed
// at reservation time and are not recomputed.
func (s *Service) Complete(ctx context.Context, dbtx *sql.Tx, id uuid.UUID, at time.Time) error {
	if err := s.txs.SetStatus(ctx, dbtx, id, domain.TxStatusCompleted, &at); err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return nil
}

func (s *Service) Fail(ctx context.Context, dbtx *sql.Tx, id uuid.UUID) error {
	if err := s.txs.SetStatus(ctx, dbtx, id, domain.TxStatusFailed, nil); err != nil {
		return fmt.Errorf("Fail: %w", err)
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, dbtx *sql.Tx, id uuid.UUID) error {
	if err := s.txs.SetStatus(ctx, dbtx, id, domain.TxStatusCancelled, nil); err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}
	return nil
}

// CurrentBalance is the reporting balance: BalanceAfter of the latest
// completed transaction, zero for a user with no history.
func (s *Service) CurrentBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	t, err := s.txs.LatestCompleted(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("CurrentBalance: %w", err)
	}
	return t.BalanceAfter, nil
}

// AvailableBalance is the chain tip's BalanceAfter: the reporting balance
// minus outstanding reservations. Reservation checks use this, not
// CurrentBalance, so a pending withdrawal cannot be double-spent.
func (s *Service) AvailableBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	t, err := s.txs.ChainTip(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("AvailableBalance: %w", err)
	}
	return t.BalanceAfter, nil
}

type DepositRequest struct {
	UserID   uuid.UUID
	Type     domain.TxType // deposit or internal_receive; defaults to deposit
	Method   domain.PaymentMethod
	Amount   int64
	Related  *domain.RelatedRef
	TxHash   *string
	Metadata domain.Metadata
}

// RecordDeposit appends a completed inbound transaction. On-chain deposits
// carry their tx hash; confirmation depth is tracked separately and never
// re-touches the balance.
func (s *Service) RecordDeposit(ctx context.Context, req DepositRequest) (*domain.Transaction, error) {
	log := logging.FromContext(ctx)

	if req.Amount <= 0 {
		return nil, fmt.Errorf("RecordDeposit: %w", domain.ErrInvalidAmount)
	}
	txType := req.Type
	if txType == "" {
		txType = domain.TxTypeDeposit
	}
	if txType != domain.TxTypeDeposit && txType != domain.TxTypeInternalReceive {
		return nil, fmt.Errorf("RecordDeposit: %s is not an inbound type", txType)
	}

	avail, err := s.AvailableBalance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("RecordDeposit: %w", err)
	}

	now := time.Now().UTC()
	t := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        req.UserID,
		Type:          txType,
		Method:        req.Method,
		Amount:        req.Amount,
		Status:        domain.TxStatusCompleted,
		Related:       req.Related,
		BalanceBefore: avail,
		BalanceAfter:  avail + req.Amount,
		TxHash:        req.TxHash,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}

	if err := s.Append(ctx, t); err != nil {
		return nil, fmt.Errorf("RecordDeposit: %w", err)
	}

	log.Info("deposit recorded",
		"transaction_id", t.ID,
		"user_id", req.UserID,
		"amount", req.Amount,
		"method", req.Method,
	)
	return t, nil
}

// TrackConfirmation records the observed on-chain depth of a deposit.
// Purely observational; the balance was final when the deposit was
// appended.
func (s *Service) TrackConfirmation(ctx context.Context, id uuid.UUID, txHash string, confirmations int, blockHeight int64) error {
	if err := s.txs.UpdateConfirmations(ctx, id, txHash, confirmations, blockHeight); err != nil {
		return fmt.Errorf("TrackConfirmation: %w", err)
	}
	return nil
}
