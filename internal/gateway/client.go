package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/intent"
	"github.com/orbitpay/lnledger/internal/logging"
)

// Client talks to the external payment daemon over HTTP. Every call
// carries a bounded deadline via the underlying http.Client timeout and
// honors ctx cancellation; transport failures map to
// domain.ErrGatewayUnavailable so callers know no ledger effect occurred
// locally (the remote side may still have acted — that is the sweep's
// problem).
type Client struct {
	baseURL     string
	callbackURL string
	httpClient  *http.Client
}

func NewClient(baseURL, callbackURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:     baseURL,
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type submitPayload struct {
	PaymentID   string `json:"payment_id"`
	Bolt11      string `json:"bolt11,omitempty"`
	Destination string `json:"destination,omitempty"`
	AmountSat   int64  `json:"amount_sat"`
	FeeLimitSat int64  `json:"fee_limit_sat"`
	CallbackURL string `json:"callback_url"`
}

type submitResponse struct {
	PaymentRef string `json:"payment_ref"`
	Status     string `json:"status"`
}

func (c *Client) Submit(ctx context.Context, req intent.SubmitRequest) (*intent.SubmitResult, error) {
	log := logging.FromContext(ctx)

	payload := submitPayload{
		PaymentID:   req.PaymentID.String(),
		Bolt11:      req.Bolt11,
		Destination: req.Destination,
		AmountSat:   req.Amount,
		FeeLimitSat: req.FeeLimit,
		CallbackURL: c.callbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("Submit: marshal: %w", err)
	}

	url := c.baseURL + "/v1/payments"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Submit: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Submit: send: %w", domain.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	log.Info("gateway submit response",
		"payment_id", req.PaymentID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("Submit: rejected: %w", domain.ErrInvalidInvoice)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("Submit: status %d: %w", resp.StatusCode, domain.ErrGatewayUnavailable)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("Submit: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("Submit: decode: %w", err)
	}

	return &intent.SubmitResult{
		GatewayRef: sr.PaymentRef,
		Status:     intent.GatewayStatus(sr.Status),
	}, nil
}

type statusResponse struct {
	Status        string `json:"status"`
	Preimage      string `json:"preimage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Recoverable   bool   `json:"recoverable,omitempty"`
}

func (c *Client) QueryStatus(ctx context.Context, paymentID uuid.UUID) (*intent.StatusResult, error) {
	url := c.baseURL + "/v1/payments/" + paymentID.String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("QueryStatus: build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("QueryStatus: send: %w", domain.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("QueryStatus: %w", domain.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("QueryStatus: status %d: %w", resp.StatusCode, domain.ErrGatewayUnavailable)
	default:
		return nil, fmt.Errorf("QueryStatus: unexpected status %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("QueryStatus: decode: %w", err)
	}

	return &intent.StatusResult{
		Status:        intent.GatewayStatus(sr.Status),
		Preimage:      sr.Preimage,
		FailureReason: sr.FailureReason,
		Recoverable:   sr.Recoverable,
	}, nil
}
