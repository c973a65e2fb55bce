package risk

import (
	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/errtax"
	"orderflow-pipeline/pkg/types"
)

// Exposure is the live notional-exposure bookkeeping the precheck reads
// and, on acceptance, the caller updates.
type Exposure struct {
	PerSymbolNotional map[string]float64
	GlobalNotional    float64
}

// guardReasonKinds maps a SignalRecord guard_reason to the
// errtax.Kind precheck rejects with, so the reject reason stays bound to
// its originating cause instead of collapsing to one generic kind.
var guardReasonKinds = map[string]errtax.Kind{
	"spread_too_wide":  errtax.KindSpreadTooWide,
	"lag_exceeds_cap":  errtax.KindLagExceedsCap,
	"market_inactive":  errtax.KindMarketInactive,
	"low_consistency":  errtax.KindLowConsistency,
}

// Outcome is the tagged result of a risk precheck. Exactly one of these
// holds for any Precheck call; Throttled is distinct from Rejected so a
// caller can defer and retry instead of discarding the order outright.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Throttled
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Precheck runs the ordered risk gate and
// returns the tagged Outcome alongside the order (with exchange-filter
// rounding applied on Accepted) and the classified reason for any
// non-accepted outcome. consistencyMin is the Signal Generator's
// consistency_min (internal/config.SignalGenConfig), threaded through
// separately to avoid a risk->signalgen import cycle. throttleThreshold
// is the consistency band above consistencyMin: below consistencyMin the
// order is rejected, inside the band it is throttled (deferred). It must
// be configured above consistencyMin or the throttle band is empty.
func Precheck(o types.OrderCtx, risk config.RiskConfig, consistencyMin, throttleThreshold float64, exposure Exposure) (Outcome, types.OrderCtx, error) {
	// 1. warmup / upstream guard reasons reject outright.
	if o.Warmup {
		return Rejected, o, errtax.New(errtax.KindWarmup, "order derives from a warmup-period signal")
	}
	if o.GuardReason != "" {
		kind, ok := guardReasonKinds[o.GuardReason]
		if !ok {
			kind = errtax.KindMarketInactive
		}
		return Rejected, o, errtax.New(kind, "upstream guard reason: "+o.GuardReason)
	}

	// 2. consistency: below consistency_min rejects outright; below
	// throttle_threshold defers instead of rejecting.
	if o.Consistency < consistencyMin {
		return Rejected, o, errtax.New(errtax.KindLowConsistency, "consistency below signalgen threshold at precheck")
	}
	if throttleThreshold > 0 && o.Consistency < throttleThreshold {
		return Throttled, o, errtax.New(errtax.KindLowConsistency, "consistency below throttle_threshold, deferring")
	}

	// 3. weak-signal throttle: defer rather than resize-and-submit.
	if o.WeakSignalThrottle {
		return Throttled, o, errtax.New(errtax.KindWeakSignalThrottle, "weak signal throttle, deferring")
	}

	// 4. position limits: per-symbol notional, aggregate notional, and the
	// independent single-order notional cap.
	notional := o.Qty * o.Price
	if o.OrderType == types.OrderMarket && o.Price == 0 {
		notional = 0 // market orders without a reference price skip notional sizing here; executor prices the fill.
	}
	perSymbol := exposure.PerSymbolNotional[o.Symbol] + notional
	if perSymbol > risk.MaxPositionPerSymbol {
		return Rejected, o, errtax.New(errtax.KindRiskLimitExceeded, "order would exceed max_position_per_symbol")
	}
	if exposure.GlobalNotional+notional > risk.MaxGlobalExposure {
		return Rejected, o, errtax.New(errtax.KindRiskLimitExceeded, "order would exceed max_global_exposure")
	}
	if risk.MaxSingleOrderNotional > 0 && notional > risk.MaxSingleOrderNotional {
		return Rejected, o, errtax.New(errtax.KindRiskLimitExceeded, "order notional exceeds max_single_order_notional")
	}

	// 5. exchange filters (tick_size / step_size / min_notional).
	rounded, err := ApplyFilters(o.Qty, o.Price, o.TickSize, o.StepSize, o.MinNotional)
	if err != nil {
		return Rejected, o, err
	}
	o.Qty = rounded.Qty
	o.Price = rounded.Price

	// 6. stop/slippage: cap limit price to tick_size and reject if the
	// precomputed cost hint already exceeds the configured bound.
	if o.OrderType == types.OrderLimit {
		o.Price = PriceCap(o.Price, o.TickSize)
	}
	if risk.MaxSlippageBps > 0 && o.CostsBps > risk.MaxSlippageBps {
		return Rejected, o, errtax.New(errtax.KindSlippageExceeded, "estimated cost exceeds max_slippage_bps")
	}

	return Accepted, o, nil
}
