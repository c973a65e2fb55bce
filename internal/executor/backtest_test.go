package executor

import (
	"context"
	"testing"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

func TestBacktestExecutorFillsLimitOrderAtRequestedPrice(t *testing.T) {
	clock := timeprovider.NewSimClock(time.Unix(1700000000, 0), 42)
	exec := NewBacktestExecutor(config.BacktestConfig{FeeBps: 5}, clock)

	res, err := exec.Submit(context.Background(), types.OrderCtx{
		ClientOrderID: "co-1", Symbol: "BTC-USD", Side: types.Buy,
		Qty: 1, Price: 100, OrderType: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != types.StatusFilled {
		t.Fatalf("expected filled, got %v", res.Status)
	}
	if res.AvgPrice != 100 {
		t.Fatalf("expected fill at requested price 100, got %v", res.AvgPrice)
	}
}

func TestBacktestExecutorAppliesSlippageOnMarketOrders(t *testing.T) {
	clock := timeprovider.NewSimClock(time.Unix(1700000000, 0), 42)
	exec := NewBacktestExecutor(config.BacktestConfig{SlippageBpsPerUnitSize: 10}, clock)

	res, err := exec.Submit(context.Background(), types.OrderCtx{
		ClientOrderID: "co-1", Symbol: "BTC-USD", Side: types.Buy,
		Qty: 1, Price: 100, OrderType: types.OrderMarket,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.AvgPrice <= 100 {
		t.Fatalf("expected buy slippage to push fill price above 100, got %v", res.AvgPrice)
	}
}

func TestBacktestExecutorTracksPosition(t *testing.T) {
	clock := timeprovider.NewSimClock(time.Unix(1700000000, 0), 42)
	exec := NewBacktestExecutor(config.BacktestConfig{}, clock)
	ctx := context.Background()

	exec.Submit(ctx, types.OrderCtx{ClientOrderID: "co-1", Symbol: "BTC-USD", Side: types.Buy, Qty: 2, Price: 100, OrderType: types.OrderLimit})
	exec.Submit(ctx, types.OrderCtx{ClientOrderID: "co-2", Symbol: "BTC-USD", Side: types.Sell, Qty: 1, Price: 110, OrderType: types.OrderLimit})

	pos, err := exec.Position(ctx, "BTC-USD")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos.Qty != 1 {
		t.Fatalf("expected net qty 1, got %v", pos.Qty)
	}
}

func TestBacktestExecutorDeterministicAcrossRuns(t *testing.T) {
	order := types.OrderCtx{ClientOrderID: "co-1", Symbol: "BTC-USD", Side: types.Buy, Qty: 1, Price: 100, OrderType: types.OrderLimit}

	clock1 := timeprovider.NewSimClock(time.Unix(1700000000, 0), 7)
	exec1 := NewBacktestExecutor(config.BacktestConfig{FeeBps: 5}, clock1)
	res1, _ := exec1.Submit(context.Background(), order)

	clock2 := timeprovider.NewSimClock(time.Unix(1700000000, 0), 7)
	exec2 := NewBacktestExecutor(config.BacktestConfig{FeeBps: 5}, clock2)
	res2, _ := exec2.Submit(context.Background(), order)

	if res1 != res2 {
		t.Fatalf("expected identical results across identical seeded runs: %+v vs %+v", res1, res2)
	}
}
