package backtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/pkg/types"
)

func writeFeatureFile(t *testing.T, dir, name string, rows []types.CanonicalRow) {
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
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func baseSignalGenConfig() config.SignalGenConfig {
	return config.SignalGenConfig{
		RulesVersion:        "v1",
		FeaturesVersion:     "v1",
		ScoreThreshold:      1.0,
		StrongScoreThreshold: 2.0,
		ConsistencyMin:      0.5,
		ConsecutiveConfirm:  1,
		WarmupRows:          0,
	}
}

func TestRunReplayProducesTradesAndArtifacts(t *testing.T) {
	featuresDir := t.TempDir()
	outDir := t.TempDir()

	rows := []types.CanonicalRow{
		{TsMs: 1_000, Symbol: "BTC-USD", Kind: types.KindFeature, Mid: 100, BestBid: 99.9, BestAsk: 100.1, FusionScore: 1.5, Consistency: 0.9, Scenario2x2: types.ScenarioActiveHigh},
		{TsMs: 2_000, Symbol: "BTC-USD", Kind: types.KindFeature, Mid: 101, BestBid: 100.9, BestAsk: 101.1, FusionScore: -1.5, Consistency: 0.9, Scenario2x2: types.ScenarioActiveHigh},
	}
	writeFeatureFile(t, featuresDir, "feature_BTC-USD_0001.jsonl", rows)

	cfg := &config.Config{
		SignalGen: baseSignalGenConfig(),
		Backtest: config.BacktestConfig{
			FeeBps:                 1,
			SlippageBpsPerUnitSize: 0,
		},
	}

	summary, err := RunReplay(cfg, featuresDir, outDir)
	if err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if summary.RowCount != 2 {
		t.Fatalf("expected 2 rows processed, got %d", summary.RowCount)
	}
	if len(summary.Trades) != 1 {
		t.Fatalf("expected 1 closed trade from buy-then-reverse, got %d: %+v", len(summary.Trades), summary.Trades)
	}
	if summary.Trades[0].Side != types.Buy {
		t.Fatalf("expected entry side buy, got %s", summary.Trades[0].Side)
	}

	for _, name := range []string{"trades.jsonl", "pnl_daily.jsonl", "metrics.json"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
	}
}

func TestRunReplayEmptyFeaturesDir(t *testing.T) {
	cfg := &config.Config{SignalGen: baseSignalGenConfig()}
	summary, err := RunReplay(cfg, t.TempDir(), "")
	if err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if summary.RowCount != 0 || len(summary.Trades) != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestRunReplayMultiSymbolIndependentState(t *testing.T) {
	featuresDir := t.TempDir()
	rows := []types.CanonicalRow{
		{TsMs: 1_000, Symbol: "BTC-USD", Kind: types.KindFeature, Mid: 100, FusionScore: 1.5, Consistency: 0.9},
		{TsMs: 1_000, Symbol: "ETH-USD", Kind: types.KindFeature, Mid: 50, FusionScore: -1.5, Consistency: 0.9},
	}
	writeFeatureFile(t, featuresDir, "feature_0001.jsonl", rows)

	cfg := &config.Config{SignalGen: baseSignalGenConfig(), Backtest: config.BacktestConfig{}}
	summary, err := RunReplay(cfg, featuresDir, "")
	if err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if summary.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", summary.RowCount)
	}
}
