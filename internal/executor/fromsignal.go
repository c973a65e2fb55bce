package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/pkg/types"
)

// FromSignal converts a confirmed SignalRecord into an OrderCtx, the bridge
// between the Signal Generator and the Strategy/Risk/Executor stack. row
// must be the CanonicalRow the signal was computed from, so
// the order can carry a concrete limit price (best_bid/best_ask per side)
// alongside the signal's own context fields.
//
// Callers should only convert signals with Confirm true; FromSignal itself
// does not re-check gating, since that is Risk Precheck's job once the
// order reaches the Strategy.
func FromSignal(sig types.SignalRecord, row types.CanonicalRow, filter config.SymbolFilter, baseQty float64) types.OrderCtx {
	price := limitPrice(sig.Side, row)
	qty := baseQty

	o := types.OrderCtx{
		ClientOrderID: clientOrderID(sig, qty, price),
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Qty:           qty,
		OrderType:     types.OrderLimit,
		Price:         price,
		TimeInForce:   types.TIFIOC,

		SignalRowID:        sig.SignalRowID,
		Regime:             sig.Regime,
		Scenario:           sig.Scenario,
		Warmup:             sig.Warmup,
		GuardReason:        sig.GuardReason,
		Consistency:        sig.Consistency,
		WeakSignalThrottle: sig.WeakSignalThrottle,

		TickSize:    filter.TickSize,
		StepSize:    filter.StepSize,
		MinNotional: filter.MinNotional,

		EventTsMs: sig.TsMs,
	}
	return o
}

// limitPrice picks the side of the book a resting limit order would cross:
// the best ask for a buy, the best bid for a sell, falling back to mid when
// the signal carries no side (shouldn't happen for a confirmed signal, but
// keeps the conversion total).
func limitPrice(side types.Side, row types.CanonicalRow) float64 {
	switch side {
	case types.Buy:
		if row.BestAsk > 0 {
			return row.BestAsk
		}
	case types.Sell:
		if row.BestBid > 0 {
			return row.BestBid
		}
	}
	return row.Mid
}

// clientOrderID derives a deterministic order id from signal_row_id, ts_ms,
// side, qty, and px, so re-submitting the same signal under the
// same sizing always produces the same id and the idempotency tracker can
// de-duplicate a retried submit.
func clientOrderID(sig types.SignalRecord, qty, price float64) string {
	raw := fmt.Sprintf("%s|%d|%s|%.8f|%.8f", sig.SignalRowID, sig.TsMs, sig.Side, qty, price)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:24]
}
