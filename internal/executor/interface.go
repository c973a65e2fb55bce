// Package executor implements the unified execution layer:
// an adaptive throttler and idempotency tracker sit in front of a
// pluggable Executor (Backtest/Testnet/Live), optionally wrapped by a
// Shadow Executor that runs a secondary backend in parallel and tracks
// decision parity. Strategy wires Validator -> Precheck -> Idempotency ->
// Throttle -> Executor -> outbox sink into one Run loop.
package executor

import (
	"context"

	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/pkg/types"
)

// Executor is the capability-set interface every execution backend
// implements.
type Executor interface {
	// Submit dispatches one order and returns the ExecResult known when
	// the call completes; the backtest executor fills immediately and
	// returns StatusFilled. The interface has no separate fill or event
	// stream.
	Submit(ctx context.Context, o types.OrderCtx) (types.ExecResult, error)
	Cancel(ctx context.Context, exchangeOrderID string) error
	Position(ctx context.Context, symbol string) (exchange.Position, error)
	// Mode identifies the backend for logging/metrics ("backtest",
	// "testnet", "live").
	Mode() string
	Close() error
}
