package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidInvoice       = errors.New("invalid invoice")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBalanceChainConflict = errors.New("balance chain conflict")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrRetriesExhausted     = errors.New("retries exhausted")
	ErrPaymentNotRetryable  = errors.New("payment not retryable")
	ErrPaymentTerminal      = errors.New("payment already in terminal state")
	ErrAlreadySubmitted     = errors.New("payment already submitted")
	ErrTransactionFinal     = errors.New("transaction already final")
	ErrDuplicateIntent      = errors.New("idempotency key reused with different request")
	ErrOutcomeConflict      = errors.New("gateway outcome conflicts with recorded terminal state")
)
