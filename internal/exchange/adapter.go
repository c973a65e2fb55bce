// Package exchange implements the abstract exchange adapter: REST order
// submission/cancellation, WebSocket market/user streams, HMAC request
// signing, and rate limiting. It is the sole boundary between the
// pipeline and the outside exchange — every executor variant
// (testnet/live) talks to the exchange only through the Adapter
// interface, never directly through *Client or *WSFeed.
package exchange

import (
	"context"

	"orderflow-pipeline/pkg/types"
)

// SubmitRequest is the wire-level order submission request.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Qty           float64
	Price         float64
	OrderType     types.OrderType
	TimeInForce   types.TimeInForce
}

// SubmitAck is the synchronous acknowledgment returned by Submit, prior to
// any fill events arriving over the user stream.
type SubmitAck struct {
	ExchangeOrderID string
	AckTsMs         int64
	Rejected        bool
	RejectReason    string
}

// Position reports net exposure for one symbol.
type Position struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
	UnrealizedPnL float64
}

// Adapter is the abstract exchange contract. Concrete wiring (REST base
// URL, WS URL, request signing) is supplied by NewClient, NewMarketFeed
// and NewUserFeed;
// the executor package depends only on this interface so backtest/testnet/
// live executors can share identical risk/throttle/idempotency logic.
type Adapter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	Cancel(ctx context.Context, exchangeOrderID string) error
	CancelAll(ctx context.Context, symbol string) error
	Position(ctx context.Context, symbol string) (Position, error)
	NormalizeQuantity(symbol string, qty float64) float64
	Close() error
}
