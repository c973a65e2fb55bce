// Command strategy tails the Signal Generator's published decisions,
// converts confirmed signals into orders, and runs them through the
// Risk/Throttle/Idempotency/Executor stack (internal/executor), writing
// every lifecycle transition to the exec-log sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"orderflow-pipeline/internal/cmdutil"
	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/internal/executor"
	"orderflow-pipeline/internal/sink"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

func main() {
	cfgPath := cmdutil.ConfigPath("configs/config.yaml")
	var (
		mode       = flag.String("mode", "", "execution backend override: backtest, testnet, or live")
		signalsDir = flag.String("signals-dir", "", "ready/ directory of signal JSONL files (defaults to <out>/signal/ready)")
		sinkMode   = flag.String("sink", "", "sink mode override: jsonl, sqlite, or dual")
		outDir     = flag.String("out", "", "output directory (defaults to sink.out_dir)")
	)
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	flag.Parse()

	cfg := cmdutil.LoadAndValidate(cfgPath)
	if *mode != "" {
		cfg.Executor.Backend = *mode
	}
	if *sinkMode != "" {
		cfg.Sink.Mode = *sinkMode
	}
	if *outDir != "" {
		cfg.Sink.OutDir = *outDir
	}
	logger := cmdutil.NewLogger(cfg.Logging, "strategy")

	// Real-money execution is opt-in twice: backend "live" selected AND an
	// explicit confirmation env var.
	if cfg.Executor.Backend == "live" && os.Getenv("LIVE_CONFIRM") != "YES" {
		logger.Error("live backend requires LIVE_CONFIRM=YES in the environment")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	featuresReadyDir := filepath.Join(cfg.Sink.OutDir, "canonical", "ready")
	signalReadyDir := *signalsDir
	if signalReadyDir == "" {
		signalReadyDir = filepath.Join(cfg.Sink.OutDir, "signal", "ready")
	}
	execlogRoot := filepath.Join(cfg.Sink.OutDir, "execlog")

	sqlitePath := filepath.Join(cfg.Sink.OutDir, "exec_events.db")
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

	router := newSignalRouter()
	orderChans := make(map[string]chan types.OrderCtx, len(cfg.Symbols))
	g, gctx := errgroup.WithContext(ctx)

	for _, symbol := range cfg.Symbols {
		symbol := symbol
		execSink, err := sink.NewExecLogSink(execlogRoot, symbol, sqliteSink, policy, cfg.Sink.FsyncEveryN, cfg.Sink.ParityCheckInterval)
		if err != nil {
			logger.Error("failed to open execlog sink", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		defer execSink.Close()

		exec, err := buildExecutor(cfg, logger)
		if err != nil {
			logger.Error("failed to build executor", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		defer exec.Close()

		throttle := executor.NewAdaptiveThrottler(
			cfg.Executor.ThrottleInitialCapacity,
			cfg.Executor.ThrottleMinCapacity,
			cfg.Executor.ThrottleMaxCapacity,
			cfg.Executor.ThrottleRefillPerSec,
			cfg.Executor.ThrottleDenyRateWindow,
			clock.Now(),
		)
		idempotency := executor.NewIdempotencyTracker(cfg.Executor.IdempotencyCacheSize, cfg.Executor.IdempotencyTTL)

		strat := executor.NewStrategy(symbol, cfg.Risk, cfg.SignalGen.ConsistencyMin, cfg.Risk.ThrottleThreshold, throttle, idempotency, exec, execSink, clock, logger)

		orderCh := make(chan types.OrderCtx, 64)
		orderChans[symbol] = orderCh
		g.Go(func() error { return strat.Run(gctx, orderCh) })
	}

	featureTailer := sink.NewTailer(featuresReadyDir, 0)
	signalTailer := sink.NewTailer(signalReadyDir, 0)
	g.Go(func() error { return featureTailer.Run(gctx) })
	g.Go(func() error { return signalTailer.Run(gctx) })
	g.Go(func() error { return router.consumeFeatureRows(gctx, featureTailer, logger) })
	g.Go(func() error {
		return router.consumeSignals(gctx, signalTailer, cfg.Exchange.Filters, cfg.Executor.BaseOrderQty, orderChans, logger)
	})

	if err := cmdutil.TouchReady(cmdutil.ReadySentinelPath("STRATEGY_READY_FILE")); err != nil {
		logger.Error("failed to write ready sentinel", "error", err)
	}
	logger.Info("strategy started", "symbols", cfg.Symbols)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("strategy exited with error", "error", err)
		os.Exit(1)
	}
	for _, ch := range orderChans {
		close(ch)
	}
	logger.Info("strategy stopped")
}

// buildExecutor selects the Executor variant for cfg.Executor.Backend,
// optionally wrapping it in the shadow-parity executor when
// ShadowEnabled. The shadow leg always runs against the backtest simulator, since it
// exists purely to flag when live fills drift from the deterministic
// model, not to place a second real order.
func buildExecutor(cfg *config.Config, logger *slog.Logger) (executor.Executor, error) {
	primary, err := newBackendExecutor(cfg, logger, cfg.Executor.Backend)
	if err != nil {
		return nil, err
	}
	if !cfg.Executor.ShadowEnabled || cfg.Executor.Backend == "backtest" {
		return primary, nil
	}
	shadow, err := newBackendExecutor(cfg, logger, "backtest")
	if err != nil {
		return nil, err
	}
	return executor.NewShadowExecutor(primary, shadow, logger), nil
}

func newBackendExecutor(cfg *config.Config, logger *slog.Logger, backend string) (executor.Executor, error) {
	switch backend {
	case "testnet", "live":
		auth, err := exchange.NewAuth(*cfg)
		if err != nil {
			return nil, err
		}
		client := exchange.NewClient(*cfg, auth, logger)
		if backend == "testnet" {
			return executor.NewTestnetExecutor(client), nil
		}
		return executor.NewLiveExecutor(client), nil
	default:
		return executor.NewBacktestExecutor(cfg.Backtest, timeprovider.NewWallClock()), nil
	}
}

// signalRouter holds the latest feature row per symbol so a confirmed
// signal (which carries no price of its own) can be converted into an
// OrderCtx with a concrete limit price.
type signalRouter struct {
	mu      sync.Mutex
	lastRow map[string]types.CanonicalRow
}

func newSignalRouter() *signalRouter {
	return &signalRouter{lastRow: make(map[string]types.CanonicalRow)}
}

func (r *signalRouter) consumeFeatureRows(ctx context.Context, tailer *sink.Tailer, logger *slog.Logger) error {
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
			if row.Kind != types.KindFeature {
				continue
			}
			r.mu.Lock()
			r.lastRow[row.Symbol] = row
			r.mu.Unlock()
		}
	}
}

func (r *signalRouter) consumeSignals(
	ctx context.Context,
	tailer *sink.Tailer,
	filters map[string]config.SymbolFilter,
	baseQty float64,
	orderChans map[string]chan types.OrderCtx,
	logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-tailer.Lines():
			if !ok {
				return nil
			}
			var sig types.SignalRecord
			if err := json.Unmarshal(line, &sig); err != nil {
				logger.Error("unmarshal signal record failed", "error", err)
				continue
			}
			if !sig.Confirm {
				continue
			}
			orderCh, ok := orderChans[sig.Symbol]
			if !ok {
				continue
			}
			r.mu.Lock()
			row := r.lastRow[sig.Symbol]
			r.mu.Unlock()

			o := executor.FromSignal(sig, row, filters[sig.Symbol], baseQty)
			select {
			case orderCh <- o:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
