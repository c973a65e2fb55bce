// Command backtest replays a previously-harvested feature store through
// the exact same Signal Generator decision procedure and a deterministic
// fill simulator, producing the trades/pnl_daily/metrics artifact set a
// live run's Strategy would have produced over the same input.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"orderflow-pipeline/internal/backtest"
	"orderflow-pipeline/internal/cmdutil"
	"orderflow-pipeline/internal/orchestrator"
	"orderflow-pipeline/internal/signalgen"
	"orderflow-pipeline/internal/store"
	"orderflow-pipeline/internal/timeprovider"
)

func main() {
	cfgPath := cmdutil.ConfigPath("configs/config.yaml")
	var (
		featuresDir = flag.String("features", "", "ready/ directory of feature row JSONL files to replay")
		outDir      = flag.String("out", "", "directory to write trades/pnl_daily/metrics artifacts to")
		runID       = flag.String("run-id", "", "identifier for the manifest this run produces (defaults to a generated id)")
	)
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	flag.Parse()

	cfg := cmdutil.LoadAndValidate(cfgPath)
	logger := cmdutil.NewLogger(cfg.Logging, "backtest")

	if *featuresDir == "" {
		*featuresDir = filepath.Join(cfg.Sink.OutDir, "canonical", "ready")
	}
	if *outDir == "" {
		*outDir = filepath.Join(cfg.Sink.OutDir, "backtest")
	}
	if *runID == "" {
		*runID = uuid.NewString()
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Error("failed to create output dir", "error", err)
		os.Exit(1)
	}

	summary, err := backtest.RunReplay(cfg, *featuresDir, *outDir)
	if err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.Sink.OutDir, "manifests"))
	if err != nil {
		logger.Error("failed to open manifest store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	clock := timeprovider.NewWallClock()
	configHash := signalgen.ConfigHash(cfg.SignalGen)
	componentVersions := map[string]string{"backtest": "v1", "signalgen": "v1"}

	builder := orchestrator.NewManifestBuilder(*runID, componentVersions, configHash, "", clock, st)
	if err := builder.Start(); err != nil {
		logger.Error("failed to persist initial manifest", "error", err)
		os.Exit(1)
	}
	builder.MergeSinkCounts(map[string]int64{"backtest_rows": int64(summary.RowCount), "backtest_trades": int64(len(summary.Trades))})

	manifest, err := builder.Finalize(len(summary.Trades) == 0)
	if err != nil {
		logger.Error("failed to finalize manifest", "error", err)
		os.Exit(1)
	}

	logger.Info("backtest complete",
		"run_id", manifest.RunID,
		"rows", summary.RowCount,
		"trades", len(summary.Trades),
		"net_pnl", summary.Metrics.NetPnL,
	)

	if err := printSummary(summary); err != nil {
		logger.Error("failed to print summary", "error", err)
		os.Exit(1)
	}
}

func printSummary(summary backtest.Summary) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		RowCount int              `json:"row_count"`
		Trades   int              `json:"trade_count"`
		Metrics  backtest.Metrics `json:"metrics"`
	}{
		RowCount: summary.RowCount,
		Trades:   len(summary.Trades),
		Metrics:  summary.Metrics,
	})
}

