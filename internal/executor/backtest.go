package executor

import (
	"context"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

// BacktestExecutor fills every order immediately at its requested price
// (limit) or at a configured slippage offset from it (market), under the
// SimClock supplied to it — this is the Executor seam the Strategy Run
// loop submits through, sharing the exact wiring the Live/Testnet
// executors use so behavior off the order path never diverges from live.
// The fuller bar-by-bar fill simulator used for standalone replay lives
// in internal/backtest; this type covers in-process backtest mode for
// the strategy loop.
type BacktestExecutor struct {
	cfg      config.BacktestConfig
	clock    timeprovider.TimeProvider
	position map[string]exchange.Position
}

// NewBacktestExecutor creates a deterministic fill simulator driven by clock.
func NewBacktestExecutor(cfg config.BacktestConfig, clock timeprovider.TimeProvider) *BacktestExecutor {
	return &BacktestExecutor{cfg: cfg, clock: clock, position: make(map[string]exchange.Position)}
}

func (e *BacktestExecutor) Mode() string { return "backtest" }

func (e *BacktestExecutor) Submit(_ context.Context, o types.OrderCtx) (types.ExecResult, error) {
	sentTs := e.clock.NowMs()
	fillPrice := o.Price
	if o.OrderType == types.OrderMarket || fillPrice == 0 {
		fillPrice = o.Price + slippageOffset(o, e.cfg.SlippageBpsPerUnitSize)
	}

	pos := e.position[o.Symbol]
	signedQty := o.Qty
	if o.Side == types.Sell {
		signedQty = -o.Qty
	}
	newQty := pos.Qty + signedQty
	pos.Symbol = o.Symbol
	pos.AvgEntryPrice = weightedAvgEntry(pos, signedQty, fillPrice)
	pos.Qty = newQty
	e.position[o.Symbol] = pos

	return types.ExecResult{
		Status:        types.StatusFilled,
		ClientOrderID: o.ClientOrderID,
		SentTsMs:      sentTs,
		AckTsMs:       sentTs,
		FillTsMs:      sentTs,
		FilledQty:     o.Qty,
		AvgPrice:      fillPrice,
		FeeBps:        e.cfg.FeeBps,
		SlippageBps:   bpsDiff(o.Price, fillPrice),
	}, nil
}

func (e *BacktestExecutor) Cancel(_ context.Context, _ string) error { return nil }

func (e *BacktestExecutor) Position(_ context.Context, symbol string) (exchange.Position, error) {
	return e.position[symbol], nil
}

func (e *BacktestExecutor) Close() error { return nil }

// slippageOffset moves the fill price against the requester in
// proportion to order size: Price * bpsPerUnit * Qty / 10000, with no
// upper bound on the offset.
func slippageOffset(o types.OrderCtx, bpsPerUnit float64) float64 {
	offset := o.Price * bpsPerUnit * o.Qty / 10000
	if o.Side == types.Buy {
		return offset
	}
	return -offset
}

func bpsDiff(intent, actual float64) float64 {
	if intent == 0 {
		return 0
	}
	return (actual - intent) / intent * 10000
}

func weightedAvgEntry(pos exchange.Position, signedQty, price float64) float64 {
	newQty := pos.Qty + signedQty
	if newQty == 0 {
		return 0
	}
	if (pos.Qty >= 0) != (newQty >= 0) && pos.Qty != 0 {
		// position flipped sign: new average starts fresh at this fill.
		return price
	}
	if pos.Qty == 0 {
		return price
	}
	return (pos.AvgEntryPrice*pos.Qty + price*signedQty) / newQty
}
