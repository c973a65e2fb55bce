package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShadowExecutorReturnsPrimaryResult(t *testing.T) {
	primary := NewBacktestExecutor(config.BacktestConfig{}, timeprovider.NewSimClock(time.Unix(1700000000, 0), 1))
	shadow := NewBacktestExecutor(config.BacktestConfig{}, timeprovider.NewSimClock(time.Unix(1700000000, 0), 2))
	se := NewShadowExecutor(primary, shadow, discardLogger())

	res, err := se.Submit(context.Background(), types.OrderCtx{ClientOrderID: "co-1", Symbol: "BTC-USD", Qty: 1, Price: 100, OrderType: types.OrderLimit})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != types.StatusFilled {
		t.Fatalf("expected primary's filled result, got %v", res.Status)
	}
}

func TestShadowExecutorParityRatioDefaultsToOne(t *testing.T) {
	primary := NewBacktestExecutor(config.BacktestConfig{}, timeprovider.NewSimClock(time.Unix(1700000000, 0), 1))
	shadow := NewBacktestExecutor(config.BacktestConfig{}, timeprovider.NewSimClock(time.Unix(1700000000, 0), 2))
	se := NewShadowExecutor(primary, shadow, discardLogger())

	if se.ParityRatio() != 1.0 {
		t.Fatalf("expected default parity ratio 1.0, got %v", se.ParityRatio())
	}
}
