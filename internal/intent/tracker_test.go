package intent

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/ledger"
	"github.com/orbitpay/lnledger/internal/repository"
	"github.com/orbitpay/lnledger/internal/testutil"
)

// stubGateway is an in-memory Gateway that records submits and serves a
// scripted response.
type stubGateway struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	submitRes SubmitResult
	statusErr error
	statusRes StatusResult
}

func (g *stubGateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	g.submits++
	res := g.submitRes
	if res.GatewayRef == "" {
		res.GatewayRef = "gw-" + req.PaymentID.String()
	}
	if res.Status == "" {
		res.Status = GatewayStatusPending
	}
	return &res, nil
}

func (g *stubGateway) QueryStatus(ctx context.Context, paymentID uuid.UUID) (*StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	res := g.statusRes
	return &res, nil
}

func (g *stubGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

// fixedFees always estimates the same fee, keeping scenario arithmetic
// exact.
type fixedFees struct{ fee int64 }

func (f fixedFees) EstimateFee(amount int64) int64 { return f.fee }

func setupTrackerTest(t *testing.T, maxRetries int) (*Tracker, *stubGateway, *sql.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)

	payments := repository.NewPaymentRepository(db)
	txs := repository.NewTransactionRepository(db)
	anomalies := repository.NewAnomalyRepository(db)
	ledgerSvc := ledger.NewService(txs, db)

	gw := &stubGateway{}
	tracker := NewTracker(payments, txs, ledgerSvc, anomalies, gw, fixedFees{fee: 50}, db, maxRetries)
	return tracker, gw, db
}

func errorIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
