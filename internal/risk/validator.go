// Package risk implements the unified risk-and-execution layer's guard
// stack: a hard schema validator at ingress, the ordered
// precheck (warmup/guard -> consistency -> weak-signal -> position limits
// -> exchange filters -> stop/slippage), and exchange-filter rounding.
//
// Every rejection carries a low-cardinality errtax.Kind so it is safe to
// use directly as a metric label.
package risk

import (
	"orderflow-pipeline/internal/errtax"
	"orderflow-pipeline/pkg/types"
)

// ValidateSchema is the hard gate at OrderCtx ingress: malformed orders
// are rejected here before any risk or
// exchange-filter logic runs, with a bounded enum reject reason.
func ValidateSchema(o types.OrderCtx) error {
	if o.ClientOrderID == "" {
		return errtax.New(errtax.KindSchemaInvalid, "client_order_id is required")
	}
	if o.Symbol == "" {
		return errtax.New(errtax.KindSchemaInvalid, "symbol is required")
	}
	switch o.Side {
	case types.Buy, types.Sell:
	default:
		return errtax.New(errtax.KindSchemaInvalid, "side must be buy or sell")
	}
	if o.Qty <= 0 {
		return errtax.New(errtax.KindSchemaInvalid, "qty must be > 0")
	}
	switch o.OrderType {
	case types.OrderMarket:
	case types.OrderLimit:
		if o.Price <= 0 {
			return errtax.New(errtax.KindSchemaInvalid, "limit orders require price > 0")
		}
	default:
		return errtax.New(errtax.KindSchemaInvalid, "order_type must be market or limit")
	}
	switch o.TimeInForce {
	case types.TIFGTC, types.TIFIOC, types.TIFFOK:
	default:
		return errtax.New(errtax.KindSchemaInvalid, "time_in_force must be GTC, IOC, or FOK")
	}
	if o.TickSize < 0 || o.StepSize < 0 || o.MinNotional < 0 {
		return errtax.New(errtax.KindSchemaInvalid, "exchange constraint fields must be non-negative")
	}
	return nil
}
