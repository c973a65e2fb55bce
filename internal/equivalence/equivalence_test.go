// Package equivalence holds the cross-component determinism checks: a
// replayed backtest and a live-style decision loop over the same feature
// input must produce bit-identical signals, and repeated backtest runs
// must produce byte-identical artifacts.
package equivalence

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orderflow-pipeline/internal/backtest"
	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/signalgen"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

func equivalenceConfig() *config.Config {
	return &config.Config{
		SignalGen: config.SignalGenConfig{
			RulesVersion:         "v1",
			FeaturesVersion:      "v1",
			ScoreThreshold:       1.0,
			StrongScoreThreshold: 2.0,
			ConsistencyMin:       0.5,
			ConsecutiveConfirm:   1,
			WarmupRows:           5,
		},
		Backtest: config.BacktestConfig{
			FeeBps:         1,
			SeedRNG:        42,
			TakeProfitBps:  50,
			StopLossBps:    30,
			MaxHoldSeconds: 60,
		},
	}
}

// syntheticRows produces a deterministic feature stream with alternating
// runs of buy- and sell-side pressure so both entry directions and exits
// are exercised.
func syntheticRows(n int) []types.CanonicalRow {
	rows := make([]types.CanonicalRow, 0, n)
	for i := 0; i < n; i++ {
		phase := float64(i) * 0.35
		score := 2.2 * math.Sin(phase)
		mid := 100 + 0.5*math.Sin(phase*0.7)
		rows = append(rows, types.CanonicalRow{
			TsMs:        int64(1_000 + i*500),
			Symbol:      "BTC-USD",
			Kind:        types.KindFeature,
			Mid:         mid,
			BestBid:     mid - 0.05,
			BestAsk:     mid + 0.05,
			SpreadBps:   1.0,
			ZOFI:        score * 0.9,
			ZCVD:        score * 1.1,
			FusionScore: score,
			Consistency: 0.8,
			Scenario2x2: types.ScenarioActiveHigh,
		})
	}
	return rows
}

func writeFixture(t *testing.T, dir string, rows []types.CanonicalRow) {
	t.Helper()
	var buf []byte
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal row: %v", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "feature_BTC-USD_0001.jsonl"), buf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

// TestReplayRunsAreByteIdentical re-runs the backtest over the same window
// and asserts the artifact files agree byte for byte.
func TestReplayRunsAreByteIdentical(t *testing.T) {
	featuresDir := t.TempDir()
	writeFixture(t, featuresDir, syntheticRows(80))
	cfg := equivalenceConfig()

	out1, out2 := t.TempDir(), t.TempDir()
	if _, err := backtest.RunReplay(cfg, featuresDir, out1); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if _, err := backtest.RunReplay(cfg, featuresDir, out2); err != nil {
		t.Fatalf("second replay: %v", err)
	}

	for _, name := range []string{"trades.jsonl", "pnl_daily.jsonl", "metrics.json"} {
		a, err := os.ReadFile(filepath.Join(out1, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		b, err := os.ReadFile(filepath.Join(out2, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("%s differs between identical runs", name)
		}
	}
}

// TestLiveDecisionLoopMatchesReplay drives the same feature rows through
// the decision procedure the way the live generator does (fresh AlgoState,
// row by row) and through RunReplay, and asserts trade-level agreement:
// same trade count and entry/exit/PnL within 1e-8.
func TestLiveDecisionLoopMatchesReplay(t *testing.T) {
	featuresDir := t.TempDir()
	rows := syntheticRows(80)
	writeFixture(t, featuresDir, rows)
	cfg := equivalenceConfig()

	summary, err := backtest.RunReplay(cfg, featuresDir, "")
	if err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if len(summary.Trades) == 0 {
		t.Fatal("fixture produced no trades, equivalence check is vacuous")
	}

	// Live-style leg: the identical Decide call, state, and simulator the
	// replay uses, assembled by hand.
	clock := timeprovider.NewSimClock(time.UnixMilli(rows[0].TsMs), cfg.Backtest.SeedRNG)
	sim := backtest.NewSimulator(cfg.Backtest, clock)
	state := signalgen.NewAlgoState()
	configHash := signalgen.ConfigHash(cfg.SignalGen)

	var liveTrades []backtest.Trade
	for _, row := range rows {
		clock.AdvanceMs(row.TsMs)
		sig := signalgen.Decide(row, state, cfg.SignalGen, configHash)
		if trade := sim.Step(row, sig); trade != nil {
			state.NoteExit(trade.ExitTsMs)
			liveTrades = append(liveTrades, *trade)
		}
	}

	if len(liveTrades) != len(summary.Trades) {
		t.Fatalf("trade count: live=%d replay=%d", len(liveTrades), len(summary.Trades))
	}
	for i := range liveTrades {
		l, r := liveTrades[i], summary.Trades[i]
		if l.EntryTsMs != r.EntryTsMs || l.ExitTsMs != r.ExitTsMs || l.Side != r.Side {
			t.Fatalf("trade %d identity mismatch: live=%+v replay=%+v", i, l, r)
		}
		if math.Abs(l.PnL-r.PnL) > 1e-8 {
			t.Fatalf("trade %d pnl mismatch: live=%v replay=%v", i, l.PnL, r.PnL)
		}
		if math.Abs(l.EntryPrice-r.EntryPrice) > 1e-8 || math.Abs(l.ExitPrice-r.ExitPrice) > 1e-8 {
			t.Fatalf("trade %d price mismatch: live=%+v replay=%+v", i, l, r)
		}
	}
}

// TestDecisionsAreBitIdenticalAcrossRuns marshals every emitted
// SignalRecord from two independent passes over the same rows and
// compares the serialized bytes.
func TestDecisionsAreBitIdenticalAcrossRuns(t *testing.T) {
	rows := syntheticRows(40)
	cfg := equivalenceConfig()
	configHash := signalgen.ConfigHash(cfg.SignalGen)

	run := func() []byte {
		state := signalgen.NewAlgoState()
		var buf bytes.Buffer
		for _, row := range rows {
			sig := signalgen.Decide(row, state, cfg.SignalGen, configHash)
			data, err := json.Marshal(sig)
			if err != nil {
				t.Fatalf("marshal signal: %v", err)
			}
			buf.Write(data)
			buf.WriteByte('\n')
		}
		return buf.Bytes()
	}

	if !bytes.Equal(run(), run()) {
		t.Fatal("signal records differ between identical decision runs")
	}
}
