package gateway

import (
	"github.com/shopspring/decimal"
)

// Estimator computes the fee reserved for an outbound payment before
// submission: a proportional part expressed in parts-per-million of the
// amount plus a flat base, both rounded up to whole satoshis. The reserve
// is an upper bound; the actual routing fee settles at or below it.
type Estimator struct {
	ratePPM  decimal.Decimal
	baseMsat decimal.Decimal
}

var (
	million  = decimal.NewFromInt(1_000_000)
	thousand = decimal.NewFromInt(1_000)
)

func NewEstimator(ratePPM, baseMsat int64) *Estimator {
	return &Estimator{
		ratePPM:  decimal.NewFromInt(ratePPM),
		baseMsat: decimal.NewFromInt(baseMsat),
	}
}

func (e *Estimator) EstimateFee(amount int64) int64 {
	proportional := decimal.NewFromInt(amount).Mul(e.ratePPM).Div(million)
	base := e.baseMsat.Div(thousand)
	return proportional.Add(base).Ceil().IntPart()
}
