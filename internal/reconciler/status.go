package reconciler

import (
	"context"
	"fmt"
	"time"
)

// Status is an operational snapshot of the reconciliation loop.
type Status struct {
	StalePayments int        `json:"stale_payments"`
	OpenAnomalies int        `json:"open_anomalies"`
	LastSweep     SweepStats `json:"last_sweep"`
}

func (r *Reconciler) Status(ctx context.Context) (*Status, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stale, err := r.payments.CountStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}

	open, err := r.anomalies.CountOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}

	r.mu.Lock()
	last := r.lastSweep
	r.mu.Unlock()

	return &Status{
		StalePayments: stale,
		OpenAnomalies: open,
		LastSweep:     last,
	}, nil
}
