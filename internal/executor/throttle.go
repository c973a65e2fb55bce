package executor

import (
	"context"
	"sync"
	"time"

	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/pkg/types"
)

// marketActivityMultiplier scales throttler capacity by the current
// market regime: quiet halves it, active grows it by half.
func marketActivityMultiplier(regime types.Regime) float64 {
	switch regime {
	case types.RegimeActive:
		return 1.5
	case types.RegimeQuiet:
		return 0.5
	default:
		return 1.0
	}
}

// AdaptiveThrottler wraps an exchange.TokenBucket and narrows/widens its
// capacity based on the observed deny rate over a rolling window: a
// rising reject rate signals the exchange or
// risk layer is under stress, so capacity shrinks toward minCapacity once
// deny rate exceeds 50%; a clean window (deny rate below 10%) grows it
// back toward initialCapacity; between those two bounds capacity holds
// steady (dead zone), hard thresholds rather than a continuous
// interpolation. The result is additionally scaled by the current market
// activity regime.
type AdaptiveThrottler struct {
	bucket *exchange.TokenBucket

	mu              sync.Mutex
	initialCapacity float64
	minCapacity     float64
	maxCapacity     float64
	baseCapacity    float64 // last deny-rate-derived capacity, before the market-activity multiplier
	regime          types.Regime
	windowStart     time.Time
	windowDur       time.Duration
	allowed         int
	denied          int
}

// NewAdaptiveThrottler creates a throttler seeded at initialCapacity,
// measuring deny rate over window. Capacity is hard-bounded to
// [minCapacity, maxCapacity] even after the market-activity multiplier;
// a maxCapacity of zero defaults to 1.5x initialCapacity so an active
// regime can still burst above the base rate.
func NewAdaptiveThrottler(initialCapacity, minCapacity, maxCapacity, refillPerSec float64, window time.Duration, now time.Time) *AdaptiveThrottler {
	if maxCapacity <= 0 {
		maxCapacity = initialCapacity * 1.5
	}
	return &AdaptiveThrottler{
		bucket:          exchange.NewTokenBucket(initialCapacity, refillPerSec),
		initialCapacity: initialCapacity,
		minCapacity:     minCapacity,
		maxCapacity:     maxCapacity,
		baseCapacity:    initialCapacity,
		windowStart:     now,
		windowDur:       window,
	}
}

// Wait blocks until a submission token is available.
func (a *AdaptiveThrottler) Wait(ctx context.Context) error {
	return a.bucket.Wait(ctx)
}

// Capacity reports the bucket's current burst capacity.
func (a *AdaptiveThrottler) Capacity() float64 {
	return a.bucket.Capacity()
}

// SetRegime records the current market activity regime, used
// to scale capacity on the next deny-rate recompute. Callers update this
// from the regime carried on each OrderCtx/SignalRecord.
func (a *AdaptiveThrottler) SetRegime(regime types.Regime) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.regime == regime {
		return
	}
	a.regime = regime
	a.bucket.SetCapacity(a.scaledCapacity())
}

// Observe records one submission outcome and, once the rolling window
// elapses, recomputes capacity from the observed deny rate.
func (a *AdaptiveThrottler) Observe(now time.Time, denied bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if denied {
		a.denied++
	} else {
		a.allowed++
	}

	if now.Sub(a.windowStart) < a.windowDur {
		return
	}

	total := a.allowed + a.denied
	if total > 0 {
		denyRate := float64(a.denied) / float64(total)
		a.baseCapacity = a.capacityForDenyRate(denyRate)
		a.bucket.SetCapacity(a.scaledCapacity())
	}

	a.allowed, a.denied = 0, 0
	a.windowStart = now
}

// capacityForDenyRate implements the threshold behavior:
// deny_rate > 50% shrinks capacity, < 10% restores it, and the band in
// between ([10%, 50%]) is a dead zone that holds the last base capacity
// steady. Shrink/restore each move by a fixed step of the
// initial-to-minimum span so repeated bad windows monotonically approach
// minCapacity instead of jumping straight there.
func (a *AdaptiveThrottler) capacityForDenyRate(denyRate float64) float64 {
	span := a.initialCapacity - a.minCapacity
	step := span * 0.25

	switch {
	case denyRate > 0.5:
		target := a.baseCapacity - step
		if target < a.minCapacity {
			target = a.minCapacity
		}
		return target
	case denyRate < 0.1:
		target := a.baseCapacity + step
		if target > a.initialCapacity {
			target = a.initialCapacity
		}
		return target
	default:
		return a.baseCapacity
	}
}

// scaledCapacity applies the market-activity multiplier to the current
// deny-rate-derived base capacity, then clamps to [minCapacity,
// maxCapacity] so no combination of deny-rate adjustment and regime
// scaling takes the rate outside the configured bounds.
func (a *AdaptiveThrottler) scaledCapacity() float64 {
	scaled := a.baseCapacity * marketActivityMultiplier(a.regime)
	if scaled < a.minCapacity {
		scaled = a.minCapacity
	}
	if scaled > a.maxCapacity {
		scaled = a.maxCapacity
	}
	return scaled
}
