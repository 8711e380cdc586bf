package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFee(t *testing.T) {
	tests := []struct {
		name     string
		ratePPM  int64
		baseMsat int64
		amount   int64
		want     int64
	}{
		{"5000 ppm plus 1 sat base", 5000, 1000, 10_000, 51},
		{"rounds partial sats up", 5000, 1000, 10_100, 52}, // 50.5 + 1
		{"sub-sat base rounds up", 0, 500, 1_000, 1},
		{"zero rate zero base", 0, 0, 1_000, 0},
		{"large amount", 5000, 1000, 1_000_000, 5001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEstimator(tt.ratePPM, tt.baseMsat)
			assert.Equal(t, tt.want, e.EstimateFee(tt.amount))
		})
	}
}
