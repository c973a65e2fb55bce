package executor

import (
	"context"
	"time"

	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/pkg/types"
)

// adapterExecutor executes orders against a live exchange.Adapter. It
// backs both NewTestnetExecutor and NewLiveExecutor: the two differ only
// in which base URL/credentials the caller wired into the Adapter, not in
// dispatch logic, so the three-variant split is expressed here as
// one implementation with a mode label rather than duplicated code.
type adapterExecutor struct {
	adapter exchange.Adapter
	mode    string
}

func newAdapterExecutor(adapter exchange.Adapter, mode string) *adapterExecutor {
	return &adapterExecutor{adapter: adapter, mode: mode}
}

// NewTestnetExecutor wraps an exchange.Adapter pointed at a testnet/sandbox endpoint.
func NewTestnetExecutor(adapter exchange.Adapter) Executor {
	return newAdapterExecutor(adapter, "testnet")
}

// NewLiveExecutor wraps an exchange.Adapter pointed at the production endpoint.
func NewLiveExecutor(adapter exchange.Adapter) Executor {
	return newAdapterExecutor(adapter, "live")
}

func (e *adapterExecutor) Mode() string { return e.mode }

func (e *adapterExecutor) Submit(ctx context.Context, o types.OrderCtx) (types.ExecResult, error) {
	sentTs := time.Now().UnixMilli()
	qty := e.adapter.NormalizeQuantity(o.Symbol, o.Qty)

	ack, err := e.adapter.Submit(ctx, exchange.SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           qty,
		Price:         o.Price,
		OrderType:     o.OrderType,
		TimeInForce:   o.TimeInForce,
	})
	if err != nil {
		return types.ExecResult{
			Status:        types.StatusRejected,
			ClientOrderID: o.ClientOrderID,
			RejectReason:  err.Error(),
			SentTsMs:      sentTs,
			LatencyMs:     time.Now().UnixMilli() - sentTs,
		}, err
	}

	status := types.StatusAccepted
	if ack.Rejected {
		status = types.StatusRejected
	}
	return types.ExecResult{
		Status:          status,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		RejectReason:    ack.RejectReason,
		SentTsMs:        sentTs,
		AckTsMs:         ack.AckTsMs,
		LatencyMs:       ack.AckTsMs - sentTs,
	}, nil
}

func (e *adapterExecutor) Cancel(ctx context.Context, exchangeOrderID string) error {
	return e.adapter.Cancel(ctx, exchangeOrderID)
}

func (e *adapterExecutor) Position(ctx context.Context, symbol string) (exchange.Position, error) {
	return e.adapter.Position(ctx, symbol)
}

func (e *adapterExecutor) Close() error {
	return e.adapter.Close()
}
