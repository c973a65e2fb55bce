package backtest

import (
	"testing"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

func buyConfirm(tsMs int64, mid float64) (types.CanonicalRow, types.SignalRecord) {
	row := types.CanonicalRow{Symbol: "BTC-USD", Kind: types.KindFeature, TsMs: tsMs, Mid: mid}
	sig := types.SignalRecord{Side: types.Buy, Confirm: true, SignalType: types.SignalBuy}
	return row, sig
}

func noSignal(tsMs int64, mid float64) (types.CanonicalRow, types.SignalRecord) {
	row := types.CanonicalRow{Symbol: "BTC-USD", Kind: types.KindFeature, TsMs: tsMs, Mid: mid}
	return row, types.SignalRecord{Side: types.None, Confirm: false}
}

func TestSimulatorOpensAndClosesOnTakeProfit(t *testing.T) {
	cfg := config.BacktestConfig{TakeProfitBps: 50}
	sim := NewSimulator(cfg, timeprovider.NewSimClock(time.Unix(1700000000, 0), 1))

	row1, sig1 := buyConfirm(1000, 100)
	if tr := sim.Step(row1, sig1); tr != nil {
		t.Fatal("expected no trade on entry")
	}

	row2, sig2 := noSignal(2000, 100.6) // +60bps move
	tr := sim.Step(row2, sig2)
	if tr == nil {
		t.Fatal("expected take-profit exit")
	}
	if tr.ExitReason != ExitTakeProfit {
		t.Fatalf("expected take_profit exit, got %v", tr.ExitReason)
	}
	if tr.PnL <= 0 {
		t.Fatalf("expected positive PnL on take-profit exit, got %v", tr.PnL)
	}
}

func TestSimulatorClosesOnStopLoss(t *testing.T) {
	cfg := config.BacktestConfig{StopLossBps: 50}
	sim := NewSimulator(cfg, timeprovider.NewSimClock(time.Unix(1700000000, 0), 1))

	row1, sig1 := buyConfirm(1000, 100)
	sim.Step(row1, sig1)

	row2, sig2 := noSignal(2000, 99.4) // -60bps move
	tr := sim.Step(row2, sig2)
	if tr == nil || tr.ExitReason != ExitStopLoss {
		t.Fatalf("expected stop_loss exit, got %+v", tr)
	}
	if tr.PnL >= 0 {
		t.Fatalf("expected negative PnL on stop-loss exit, got %v", tr.PnL)
	}
}

func TestSimulatorClosesOnMaxHold(t *testing.T) {
	cfg := config.BacktestConfig{MaxHoldSeconds: 10}
	sim := NewSimulator(cfg, timeprovider.NewSimClock(time.Unix(1700000000, 0), 1))

	row1, sig1 := buyConfirm(0, 100)
	sim.Step(row1, sig1)

	row2, sig2 := noSignal(11_000, 100.01)
	tr := sim.Step(row2, sig2)
	if tr == nil || tr.ExitReason != ExitTimeNeutral {
		t.Fatalf("expected time_neutral exit, got %+v", tr)
	}
}

func TestSimulatorFlipsOnReverseSignal(t *testing.T) {
	cfg := config.BacktestConfig{}
	sim := NewSimulator(cfg, timeprovider.NewSimClock(time.Unix(1700000000, 0), 1))

	row1, sig1 := buyConfirm(0, 100)
	sim.Step(row1, sig1)

	row2 := types.CanonicalRow{Symbol: "BTC-USD", Kind: types.KindFeature, TsMs: 1000, Mid: 100}
	sig2 := types.SignalRecord{Side: types.Sell, Confirm: true, SignalType: types.SignalSell}
	tr := sim.Step(row2, sig2)
	if tr == nil || tr.ExitReason != ExitReverseSignal {
		t.Fatalf("expected reverse_signal exit, got %+v", tr)
	}
	if sim.OpenPositionCount() != 1 {
		t.Fatalf("expected a fresh short position opened on flip, got %d open", sim.OpenPositionCount())
	}
}

func TestSimulatorDeterministicAcrossIdenticalRuns(t *testing.T) {
	cfg := config.BacktestConfig{TakeProfitBps: 50, FeeBps: 5, SlippageBpsPerUnitSize: 2}
	run := func() []Trade {
		sim := NewSimulator(cfg, timeprovider.NewSimClock(time.Unix(1700000000, 0), 9))
		row1, sig1 := buyConfirm(0, 100)
		sim.Step(row1, sig1)
		row2, sig2 := noSignal(1000, 100.6)
		sim.Step(row2, sig2)
		return sim.Trades()
	}

	t1 := run()
	t2 := run()
	if len(t1) != 1 || len(t2) != 1 {
		t.Fatalf("expected 1 trade per run, got %d and %d", len(t1), len(t2))
	}
	if t1[0] != t2[0] {
		t.Fatalf("expected bit-identical trades across runs: %+v vs %+v", t1[0], t2[0])
	}
}
