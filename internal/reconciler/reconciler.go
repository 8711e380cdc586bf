package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/intent"
)

type rcPaymentRepo interface {
	GetStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error)
	IncrementSweepAttempts(ctx context.Context, id uuid.UUID) (int, error)
	CountStale(ctx context.Context, cutoff time.Time) (int, error)
}

type rcAnomalyRepo interface {
	Create(ctx context.Context, a *domain.ReconciliationAnomaly) error
	HasOpenForPayment(ctx context.Context, paymentID uuid.UUID, kind domain.AnomalyKind) (bool, error)
	CountOpen(ctx context.Context) (int, error)
}

type resultHandler interface {
	HandleGatewayResult(ctx context.Context, paymentID uuid.UUID, outcome intent.Outcome) (*domain.Payment, error)
}

type statusQuerier interface {
	QueryStatus(ctx context.Context, paymentID uuid.UUID) (*intent.StatusResult, error)
}

type Config struct {
	StaleAfter       time.Duration
	HardTimeout      time.Duration
	SweepInterval    time.Duration
	BatchSize        int
	MaxSweepAttempts int
}

// Reconciler periodically sweeps payments stuck in flight and drives them
// to the same terminal transitions a live gateway callback would. It never
// mutates the ledger directly; every resolution goes through the tracker's
// HandleGatewayResult so the two paths cannot diverge.
type Reconciler struct {
	payments  rcPaymentRepo
	anomalies rcAnomalyRepo
	tracker   resultHandler
	gateway   statusQuerier
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	lastSweep SweepStats
}

// SweepStats summarizes the most recent completed sweep.
type SweepStats struct {
	StartedAt time.Time `json:"started_at"`
	Swept     int       `json:"swept"`
	Resolved  int       `json:"resolved"`
	TimedOut  int       `json:"timed_out"`
	Escalated int       `json:"escalated"`
	Errors    int       `json:"errors"`
}

func New(
	payments rcPaymentRepo,
	anomalies rcAnomalyRepo,
	tracker resultHandler,
	gateway statusQuerier,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		payments:  payments,
		anomalies: anomalies,
		tracker:   tracker,
		gateway:   gateway,
		cfg:       cfg,
		logger:    logger,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler started",
		"interval", r.cfg.SweepInterval,
		"stale_after", r.cfg.StaleAfter,
		"hard_timeout", r.cfg.HardTimeout,
	)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Exported so tests and operational
// tooling can trigger a pass without waiting for the ticker.
func (r *Reconciler) Sweep(ctx context.Context) SweepStats {
	stats := SweepStats{StartedAt: time.Now().UTC()}

	cutoff := stats.StartedAt.Add(-r.cfg.StaleAfter)
	stale, err := r.payments.GetStale(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to fetch stale payments", "error", err)
		stats.Errors++
		return r.record(stats)
	}

	for _, p := range stale {
		stats.Swept++
		if err := r.reconcile(ctx, p, stats.StartedAt, &stats); err != nil {
			stats.Errors++
			r.logger.Error("failed to reconcile payment",
				"payment_id", p.ID,
				"error", err,
			)
		}
	}

	if stats.Swept > 0 {
		r.logger.Info("sweep complete",
			"swept", stats.Swept,
			"resolved", stats.Resolved,
			"timed_out", stats.TimedOut,
			"escalated", stats.Escalated,
			"errors", stats.Errors,
		)
	}
	return r.record(stats)
}

func (r *Reconciler) reconcile(ctx context.Context, p domain.Payment, now time.Time, stats *SweepStats) error {
	// Initiated payments are queried too: a crash between gateway
	// acceptance and the in_flight status write leaves a payment that
	// looks unsubmitted but that the gateway may have delivered. Only
	// the gateway can tell the two apart.
	status, err := r.gateway.QueryStatus(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && p.Status == domain.PaymentStatusInitiated {
			// The gateway confirms it never saw this payment. Past the
			// hard timeout it is expired; before that it stays a submit
			// candidate for its owner.
			if now.Sub(p.CreatedAt) >= r.cfg.HardTimeout {
				return r.failTimedOut(ctx, p, "expired before gateway submission", stats)
			}
			_, err := r.payments.IncrementSweepAttempts(ctx, p.ID)
			return err
		}
		if errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, domain.ErrNotFound) {
			return r.deferOrEscalate(ctx, p, err, stats)
		}
		return fmt.Errorf("reconcile: %w", err)
	}

	switch status.Status {
	case intent.GatewayStatusSucceeded, intent.GatewayStatusFailed:
		outcome := intent.Outcome{
			Status:      status.Status,
			Preimage:    status.Preimage,
			Reason:      status.FailureReason,
			Recoverable: status.Recoverable,
		}
		if _, err := r.tracker.HandleGatewayResult(ctx, p.ID, outcome); err != nil {
			if errors.Is(err, domain.ErrOutcomeConflict) {
				// Already flagged for manual review by the tracker.
				r.logger.Warn("conflicting outcome during sweep", "payment_id", p.ID)
				return nil
			}
			return fmt.Errorf("reconcile: %w", err)
		}
		stats.Resolved++
		r.logger.Info("sweep resolved payment",
			"payment_id", p.ID,
			"outcome", status.Status,
		)
		return nil

	case intent.GatewayStatusPending:
		if now.Sub(p.CreatedAt) >= r.cfg.HardTimeout {
			return r.failTimedOut(ctx, p, "timeout: no gateway resolution within hard timeout", stats)
		}
		// Still in flight within the timeout window; leave it for the
		// next pass.
		_, err := r.payments.IncrementSweepAttempts(ctx, p.ID)
		return err

	default:
		return fmt.Errorf("reconcile: unknown gateway status %q", status.Status)
	}
}

// failTimedOut resolves a payment stuck past the hard timeout as failed.
// The failure is recoverable: if the gateway later reports success the
// tracker records a late-outcome anomaly instead of silently dropping it.
func (r *Reconciler) failTimedOut(ctx context.Context, p domain.Payment, reason string, stats *SweepStats) error {
	outcome := intent.Outcome{
		Status:      intent.GatewayStatusFailed,
		Reason:      reason,
		Recoverable: true,
	}
	if _, err := r.tracker.HandleGatewayResult(ctx, p.ID, outcome); err != nil {
		if errors.Is(err, domain.ErrOutcomeConflict) {
			return nil
		}
		return fmt.Errorf("failTimedOut: %w", err)
	}
	stats.TimedOut++
	r.logger.Warn("payment failed on hard timeout",
		"payment_id", p.ID,
		"created_at", p.CreatedAt,
	)
	return nil
}

// deferOrEscalate counts an unanswerable query against the payment's sweep
// budget and raises a manual-review anomaly once the budget is spent. The
// payment stays in flight either way; only an authoritative gateway answer
// or the hard timeout moves it.
func (r *Reconciler) deferOrEscalate(ctx context.Context, p domain.Payment, cause error, stats *SweepStats) error {
	attempts, err := r.payments.IncrementSweepAttempts(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("deferOrEscalate: %w", err)
	}

	if attempts < r.cfg.MaxSweepAttempts {
		r.logger.Warn("gateway unreachable for stale payment",
			"payment_id", p.ID,
			"sweep_attempts", attempts,
			"error", cause,
		)
		return nil
	}

	flagged, err := r.anomalies.HasOpenForPayment(ctx, p.ID, domain.AnomalyKindSweepExhausted)
	if err != nil {
		return fmt.Errorf("deferOrEscalate: %w", err)
	}
	if flagged {
		return nil
	}

	anomaly := &domain.ReconciliationAnomaly{
		ID:             uuid.New(),
		PaymentID:      p.ID,
		Kind:           domain.AnomalyKindSweepExhausted,
		RecordedStatus: p.Status,
		ReportedStatus: "unknown",
		Detail:         fmt.Sprintf("gateway unanswerable after %d sweep attempts: %v", attempts, cause),
		DetectedAt:     time.Now().UTC(),
	}
	if err := r.anomalies.Create(ctx, anomaly); err != nil {
		return fmt.Errorf("deferOrEscalate: create anomaly: %w", err)
	}

	stats.Escalated++
	r.logger.Error("payment escalated for manual review",
		"payment_id", p.ID,
		"sweep_attempts", attempts,
	)
	return nil
}

func (r *Reconciler) record(stats SweepStats) SweepStats {
	r.mu.Lock()
	r.lastSweep = stats
	r.mu.Unlock()
	return stats
}
