package features

import "orderflow-pipeline/pkg/types"

// DivergenceTracker compares the direction of price movement against the
// direction of the fused flow score over a short lookback to flag
// divergence: price and flow disagreeing is often a reversal tell,
// whereas price and flow agreeing confirms the move.
type DivergenceTracker struct {
	lookback int

	prices []float64
	scores []float64
}

// NewDivergenceTracker creates a tracker comparing slope over the given
// number of trailing samples.
func NewDivergenceTracker(lookback int) *DivergenceTracker {
	if lookback < 2 {
		lookback = 2
	}
	return &DivergenceTracker{lookback: lookback}
}

// Update folds in the latest mid price and fusion score and returns the
// current divergence classification. Returns types.DivergenceNone until
// enough samples have accumulated to compute a slope.
func (d *DivergenceTracker) Update(mid, fusionScore float64) types.Divergence {
	d.prices = append(d.prices, mid)
	d.scores = append(d.scores, fusionScore)
	if len(d.prices) > d.lookback {
		d.prices = d.prices[len(d.prices)-d.lookback:]
		d.scores = d.scores[len(d.scores)-d.lookback:]
	}
	if len(d.prices) < d.lookback {
		return types.DivergenceNone
	}

	priceSlope := d.prices[len(d.prices)-1] - d.prices[0]
	scoreSlope := d.scores[len(d.scores)-1] - d.scores[0]

	const flat = 1e-9
	switch {
	case priceSlope > flat && scoreSlope < -flat:
		return types.DivergenceBearish
	case priceSlope < -flat && scoreSlope > flat:
		return types.DivergenceBullish
	default:
		return types.DivergenceNone
	}
}
