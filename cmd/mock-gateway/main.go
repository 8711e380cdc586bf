package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/orbitpay/lnledger/internal/logging"
)

// A stand-in for the Lightning daemon used in local runs: accepts payment
// submissions, settles them after a short delay and answers status
// queries. MOCK_OUTCOME picks the settlement (succeed, fail, pending),
// MOCK_SETTLE_DELAY_S the delay before it applies.

type mockPayment struct {
	Status        string `json:"status"`
	Preimage      string `json:"preimage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Recoverable   bool   `json:"recoverable,omitempty"`

	callbackURL string
}

type mockGateway struct {
	mu       sync.Mutex
	payments map[string]*mockPayment

	outcome     string
	settleDelay time.Duration
}

func main() {
	logging.Init("mock-gateway", "info", os.Getenv("APP_ENV"))

	delay := 2
	if v := os.Getenv("MOCK_SETTLE_DELAY_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			delay = n
		}
	}
	outcome := os.Getenv("MOCK_OUTCOME")
	if outcome == "" {
		outcome = "succeed"
	}

	gw := &mockGateway{
		payments:    make(map[string]*mockPayment),
		outcome:     outcome,
		settleDelay: time.Duration(delay) * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("POST /v1/payments", gw.handleSubmit)
	mux.HandleFunc("GET /v1/payments/{id}", gw.handleStatus)

	slog.Info("mock gateway started", "addr", ":8081", "outcome", outcome, "settle_delay", gw.settleDelay)
	if err := http.ListenAndServe(":8081", mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type submitPayload struct {
	PaymentID   string `json:"payment_id"`
	Bolt11      string `json:"bolt11"`
	Destination string `json:"destination"`
	AmountSat   int64  `json:"amount_sat"`
	CallbackURL string `json:"callback_url"`
}

func (g *mockGateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.PaymentID == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.AmountSat <= 0 {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.payments[payload.PaymentID] = &mockPayment{
		Status:      "pending",
		callbackURL: payload.CallbackURL,
	}
	g.mu.Unlock()

	slog.Info("payment accepted", "payment_id", payload.PaymentID, "amount_sat", payload.AmountSat)

	if g.outcome != "pending" {
		go g.settle(payload.PaymentID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"payment_ref": "mock-" + payload.PaymentID,
		"status":      "pending",
	}); err != nil {
		slog.Error("failed to write submit response", "error", err)
	}
}

func (g *mockGateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	g.mu.Lock()
	p, ok := g.payments[id]
	g.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to write status response", "error", err)
	}
}

func (g *mockGateway) settle(paymentID string) {
	time.Sleep(g.settleDelay)

	g.mu.Lock()
	p, ok := g.payments[paymentID]
	if !ok || p.Status != "pending" {
		g.mu.Unlock()
		return
	}

	if g.outcome == "fail" {
		p.Status = "failed"
		p.FailureReason = "no route"
		p.Recoverable = true
	} else {
		buf := make([]byte, 32)
		rand.Read(buf)
		p.Status = "succeeded"
		p.Preimage = hex.EncodeToString(buf)
	}
	snapshot := *p
	callbackURL := p.callbackURL
	g.mu.Unlock()

	slog.Info("payment settled", "payment_id", paymentID, "status", snapshot.Status)

	if callbackURL == "" {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"payment_id":     paymentID,
		"status":         snapshot.Status,
		"preimage":       snapshot.Preimage,
		"failure_reason": snapshot.FailureReason,
		"recoverable":    snapshot.Recoverable,
	})
	resp, err := http.Post(callbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("callback delivery failed", "payment_id", paymentID, "error", err)
		return
	}
	resp.Body.Close()
}
