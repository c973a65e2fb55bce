package features

// CVD computes cumulative volume delta via the tick rule: a trade at a
// higher price than the previous trade is classified as buyer-initiated
// (+qty), a trade at a lower price as seller-initiated (-qty); a trade at
// an unchanged price inherits the previous trade's classification. That
// inherited classification only propagates for a bounded number of ticks
// and a bounded elapsed time since the last actual directional trade
// (config.Load defaults these to 50 ticks / 2000ms) —
// past either cap, an unchanged-price trade contributes nothing rather
// than keep extending a stale direction. Each trade's contribution is
// also capped in magnitude before accumulation so a single print can't
// dominate the running total.
type CVD struct {
	propagationCap       float64
	maxPropagationTicks  int
	maxPropagationTimeMs int64

	cumulative float64
	z          *rollingZScore

	prevPrice           float64
	prevSign            float64
	havePrevPrice       bool
	ticksSinceDirection int
	lastDirectionTsMs   int64
}

// NewCVD creates a CVD tracker. propagationCap bounds the per-trade
// contribution to the cumulative total; maxPropagationTicks and
// maxPropagationTimeMs bound how long an unchanged-price trade may keep
// inheriting the prior trade's direction (either cap reaching zero/
// non-positive disables that bound); zWindow is the rolling window used
// for z-score normalization.
func NewCVD(propagationCap float64, maxPropagationTicks int, maxPropagationTimeMs int64, zWindow int) *CVD {
	return &CVD{
		propagationCap:       propagationCap,
		maxPropagationTicks:  maxPropagationTicks,
		maxPropagationTimeMs: maxPropagationTimeMs,
		z:                    newRollingZScore(zWindow),
	}
}

// Update folds in one trade print at tsMs and returns the updated
// cumulative total and its rolling z-score.
func (c *CVD) Update(tsMs int64, price, qty float64) (cumulative, z float64) {
	sign := c.prevSign
	directional := !c.havePrevPrice

	if c.havePrevPrice {
		switch {
		case price > c.prevPrice:
			sign = 1
			directional = true
		case price < c.prevPrice:
			sign = -1
			directional = true
		}
	} else {
		sign = 1
	}

	if directional {
		c.ticksSinceDirection = 0
		c.lastDirectionTsMs = tsMs
	} else {
		c.ticksSinceDirection++
		exceededTicks := c.maxPropagationTicks > 0 && c.ticksSinceDirection > c.maxPropagationTicks
		exceededTime := c.maxPropagationTimeMs > 0 && tsMs-c.lastDirectionTsMs > c.maxPropagationTimeMs
		if exceededTicks || exceededTime {
			sign = 0
		}
	}

	contribution := sign * qty
	if c.propagationCap > 0 {
		if contribution > c.propagationCap {
			contribution = c.propagationCap
		} else if contribution < -c.propagationCap {
			contribution = -c.propagationCap
		}
	}

	c.cumulative += contribution
	c.prevPrice = price
	c.prevSign = sign
	c.havePrevPrice = true

	return c.cumulative, c.z.Update(c.cumulative)
}
