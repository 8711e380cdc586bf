package domain

import (
	"time"

	"github.com/google/uuid"
)

type AnomalyKind string

const (
	// AnomalyKindLateOutcome is a gateway outcome arriving after the
	// payment was already finalized with a different result, e.g. a late
	// success confirmation after a timeout-triggered failure.
	AnomalyKindLateOutcome AnomalyKind = "late_outcome"
	// AnomalyKindSweepExhausted marks a stuck payment the sweep could not
	// resolve within the allowed number of attempts.
	AnomalyKindSweepExhausted AnomalyKind = "sweep_exhausted"
)

// ReconciliationAnomaly is the manual-review record. Anomalies are never
// auto-resolved; an operator flips Resolved after investigating.
type ReconciliationAnomaly struct {
	ID             uuid.UUID
	PaymentID      uuid.UUID
	Kind           AnomalyKind
	RecordedStatus PaymentStatus
	ReportedStatus string
	Preimage       *string
	Detail         string
	Resolved       bool
	DetectedAt     time.Time
	ResolvedAt     *time.Time
}
