package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/config"
	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/gateway"
	"github.com/orbitpay/lnledger/internal/intent"
	"github.com/orbitpay/lnledger/internal/ledger"
	"github.com/orbitpay/lnledger/internal/logging"
	"github.com/orbitpay/lnledger/internal/reconciler"
	"github.com/orbitpay/lnledger/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("lnledger-api", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	payments := repository.NewPaymentRepository(db)
	txs := repository.NewTransactionRepository(db)
	anomalies := repository.NewAnomalyRepository(db)

	ledgerSvc := ledger.NewService(txs, db)
	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayCallbackURL, cfg.GatewayTimeout())
	fees := gateway.NewEstimator(cfg.FeeRatePPM, cfg.FeeBaseMsat)
	tracker := intent.NewTracker(payments, txs, ledgerSvc, anomalies, gw, fees, db, cfg.MaxRetries)

	rec := reconciler.New(payments, anomalies, tracker, gw, reconciler.Config{
		StaleAfter:       cfg.StaleAfter(),
		HardTimeout:      cfg.HardTimeout(),
		SweepInterval:    cfg.SweepInterval(),
		BatchSize:        cfg.SweepBatchSize,
		MaxSweepAttempts: cfg.MaxSweepAttempts,
	}, logger)

	recCtx, stopRec := context.WithCancel(context.Background())
	defer stopRec()
	go rec.Start(recCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/v1/reconciliation/status", handleReconciliationStatus(rec))
	mux.HandleFunc("GET /api/v1/reconciliation/anomalies", handleListAnomalies(anomalies))
	mux.HandleFunc("POST /api/v1/reconciliation/anomalies/{id}/resolve", handleResolveAnomaly(anomalies))
	mux.HandleFunc("POST /api/v1/gateway/events", handleGatewayEvent(tracker))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	stopRec()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

func handleReconciliationStatus(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := rec.Status(r.Context())
		if err != nil {
			slog.Error("failed to read reconciliation status", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Error("failed to write status response", "error", err)
		}
	}
}

func handleListAnomalies(anomalies *repository.AnomalyRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		open, err := anomalies.ListOpen(r.Context(), 100)
		if err != nil {
			slog.Error("failed to list anomalies", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"anomalies": open}); err != nil {
			slog.Error("failed to write anomalies response", "error", err)
		}
	}
}

func handleResolveAnomaly(anomalies *repository.AnomalyRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid anomaly id", http.StatusBadRequest)
			return
		}
		if err := anomalies.Resolve(r.Context(), id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.Error(w, "anomaly not found or already resolved", http.StatusNotFound)
				return
			}
			slog.Error("failed to resolve anomaly", "anomaly_id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type gatewayEventPayload struct {
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	Preimage      string `json:"preimage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Recoverable   bool   `json:"recoverable,omitempty"`
}

// handleGatewayEvent receives live terminal callbacks from the payment
// daemon and feeds them through the same path the sweep uses.
func handleGatewayEvent(tracker *intent.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload gatewayEventPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		paymentID, err := uuid.Parse(payload.PaymentID)
		if err != nil {
			http.Error(w, "invalid payment_id", http.StatusBadRequest)
			return
		}

		outcome := intent.Outcome{
			Status:      intent.GatewayStatus(payload.Status),
			Preimage:    payload.Preimage,
			Reason:      payload.FailureReason,
			Recoverable: payload.Recoverable,
		}

		if _, err := tracker.HandleGatewayResult(r.Context(), paymentID, outcome); err != nil {
			switch {
			case errors.Is(err, domain.ErrNotFound):
				http.Error(w, "unknown payment", http.StatusNotFound)
			case errors.Is(err, domain.ErrOutcomeConflict):
				// Flagged for manual review; acknowledge so the daemon
				// stops redelivering.
				w.WriteHeader(http.StatusOK)
			default:
				slog.Error("failed to apply gateway event",
					"payment_id", paymentID,
					"error", err,
				)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	ctx := context.Background()
	pool := repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	}

	var db *sql.DB
	var err error
	for i := range 30 {
		db, err = repository.NewPostgresDB(ctx, cfg.DatabaseURL, pool)
		if err == nil {
			return db, nil
		}
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", err)
}
