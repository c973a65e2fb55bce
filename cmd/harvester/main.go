// Command harvester ingests raw market data for every configured symbol,
// normalizes it into canonical rows, computes OFI/CVD/Fusion/Scenario
// features, and writes everything through the dual sink. One Harvester
// runs per symbol inside this process, each on its own goroutine.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"orderflow-pipeline/internal/cmdutil"
	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/internal/harvester"
	"orderflow-pipeline/internal/sink"
	"orderflow-pipeline/internal/timeprovider"
)

func main() {
	cfgPath := cmdutil.ConfigPath("configs/config.yaml")
	cfg := cmdutil.LoadAndValidate(cfgPath)
	logger := cmdutil.NewLogger(cfg.Logging, "harvester")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := filepath.Join(cfg.Sink.OutDir, "canonical")
	sqlitePath := cfg.Sink.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Sink.OutDir, "canonical.db")
	}
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

	// In replay mode there is no live stream to subscribe to; the backtest
	// reader feeds the same feature schema downstream instead, and the
	// harvester reports ready immediately so the orchestrator can proceed.
	if cfg.Harvester.ReplayMode {
		if err := cmdutil.TouchReady(cmdutil.ReadySentinelPath("HARVESTER_READY_FILE")); err != nil {
			logger.Error("failed to write ready sentinel", "error", err)
		}
		logger.Info("harvester in replay mode, no live streams opened")
		<-ctx.Done()
		return
	}

	marketFeed := exchange.NewMarketFeed(cfg.Exchange.WSURL, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return marketFeed.Run(gctx) })

	if err := marketFeed.Subscribe(gctx, cfg.Symbols); err != nil {
		logger.Error("failed to subscribe market feed", "error", err)
		os.Exit(1)
	}

	harvesters := make([]*harvester.Harvester, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		dualSink, err := sink.NewDualSink(root, symbol, sqliteSink, policy, cfg.Sink.FsyncEveryN, cfg.Sink.ParityCheckInterval, cfg.Sink.EnableParquet)
		if err != nil {
			logger.Error("failed to open dual sink", "symbol", symbol, "error", err)
			os.Exit(1)
		}
		defer dualSink.Close()

		depthCh, tradeCh := symbolFilteredChannels(gctx, symbol, marketFeed)
		h := harvester.New(symbol, cfg.Harvester, cfg.Features, depthCh, tradeCh, clock, dualSink, logger)
		harvesters = append(harvesters, h)
		g.Go(func() error { return h.Run(gctx) })
	}

	// Readiness means first rows have arrived for every symbol, not just
	// that the streams are open.
	go func() {
		for _, h := range harvesters {
			select {
			case <-h.FirstRow():
			case <-gctx.Done():
				return
			}
		}
		if err := cmdutil.TouchReady(cmdutil.ReadySentinelPath("HARVESTER_READY_FILE")); err != nil {
			logger.Error("failed to write ready sentinel", "error", err)
		}
		logger.Info("harvester ready", "symbols", cfg.Symbols)
	}()
	logger.Info("harvester started", "symbols", cfg.Symbols)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("harvester exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("harvester stopped")
}

// symbolFilteredChannels demultiplexes the shared market feed's depth/trade
// channels into per-symbol channels, since harvester.Harvester is scoped to
// one symbol but WSFeed multiplexes every subscribed symbol onto one pair
// of channels.
func symbolFilteredChannels(ctx context.Context, symbol string, feed *exchange.WSFeed) (<-chan exchange.DepthEvent, <-chan exchange.TradeEvent) {
	depthOut := make(chan exchange.DepthEvent, 256)
	tradeOut := make(chan exchange.TradeEvent, 64)

	go func() {
		defer close(depthOut)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-feed.DepthEvents():
				if !ok {
					return
				}
				if ev.Symbol != symbol {
					continue
				}
				select {
				case depthOut <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		defer close(tradeOut)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-feed.TradeEvents():
				if !ok {
					return
				}
				if ev.Symbol != symbol {
					continue
				}
				select {
				case tradeOut <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return depthOut, tradeOut
}
