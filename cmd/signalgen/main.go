// Command signalgen tails the Harvester's published feature rows for
// every configured symbol and runs each through the deterministic
// decision procedure (internal/signalgen), writing one SignalRecord per
// feature row to the signal dual sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"orderflow-pipeline/internal/cmdutil"
	"orderflow-pipeline/internal/signalgen"
	"orderflow-pipeline/internal/sink"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

func main() {
	cfgPath := cmdutil.ConfigPath("configs/config.yaml")
	var (
		input    = flag.String("input", "", "ready/ directory of feature row JSONL files (defaults to <out>/canonical/ready)")
		sinkMode = flag.String("sink", "", "sink mode override: jsonl, sqlite, or dual")
		outDir   = flag.String("out", "", "output directory (defaults to sink.out_dir)")
	)
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	flag.Parse()

	cfg := cmdutil.LoadAndValidate(cfgPath)
	if *sinkMode != "" {
		cfg.Sink.Mode = *sinkMode
	}
	if *outDir != "" {
		cfg.Sink.OutDir = *outDir
	}
	logger := cmdutil.NewLogger(cfg.Logging, "signalgen")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	featuresReadyDir := *input
	if featuresReadyDir == "" {
		featuresReadyDir = filepath.Join(cfg.Sink.OutDir, "canonical", "ready")
	}
	signalRoot := filepath.Join(cfg.Sink.OutDir, "signal")

	sqlitePath := filepath.Join(cfg.Sink.OutDir, "signals.db")
	sqliteSink, err := cmdutil.OpenSQLite(cfg.Sink, sqlitePath)
	if err != nil {
		logger.Error("failed to open sqlite sink", "error", err)
		os.Exit(1)
	}
	defer cmdutil.CloseSQLite(sqliteSink)

	clock := timeprovider.NewWallClock()
	policy := sink.RotationPolicy{
		MaxRows:  cfg.Sink.RotateMaxRows,
		MaxBytes: cfg.Sink.RotateMaxBytes,
		MaxAge:   cfg.Sink.RotateMaxAge,
	}
	configHash := signalgen.ConfigHash(cfg.SignalGen)

	rowChans := make(map[string]chan types.CanonicalRow, len(cfg.Symbols))
	g, gctx := errgroup.WithContext(ctx)

	for _, symbol := range cfg.Symbols {
		symbol := symbol
		signalSink, err := sink.NewSignalSink(signalRoot, symbol, sqliteSink, policy, cfg.Sink.FsyncEveryN, cfg.Sink.ParityCheckInterval, cfg.Sink.OutDir)
		if err != nil {
			logger.Error("failed to open signal sink", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		defer signalSink.Close()

		rowCh := make(chan types.CanonicalRow, 256)
		rowChans[symbol] = rowCh

		gen := signalgen.New(symbol, cfg.SignalGen, configHash, rowCh, clock, signalSink, logger)
		g.Go(func() error { return gen.Run(gctx) })
	}

	tailer := sink.NewTailer(featuresReadyDir, 0)
	g.Go(func() error { return tailer.Run(gctx) })
	g.Go(func() error { return routeFeatureRows(gctx, tailer, rowChans, logger) })

	if err := cmdutil.TouchReady(cmdutil.ReadySentinelPath("SIGNALGEN_READY_FILE")); err != nil {
		logger.Error("failed to write ready sentinel", "error", err)
	}
	logger.Info("signal generator started", "symbols", cfg.Symbols)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("signal generator exited with error", "error", err)
		os.Exit(1)
	}
	for _, ch := range rowChans {
		close(ch)
	}
	logger.Info("signal generator stopped")
}

// routeFeatureRows decodes each raw JSONL line from the Harvester's ready
// directory and forwards it to the rowCh belonging to its symbol, the
// inter-process analogue of harvester.Harvester's in-process feature-row
// channel. Lines for a symbol this process isn't configured for are
// silently dropped.
func routeFeatureRows(ctx context.Context, tailer *sink.Tailer, rowChans map[string]chan types.CanonicalRow, logger interface {
	Error(msg string, args ...any)
}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-tailer.Lines():
			if !ok {
				return nil
			}
			var row types.CanonicalRow
			if err := json.Unmarshal(line, &row); err != nil {
				logger.Error("unmarshal feature row failed", "error", err)
				continue
			}
			ch, ok := rowChans[row.Symbol]
			if !ok {
				continue
			}
			select {
			case ch <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
