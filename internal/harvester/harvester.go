// Package harvester ingests raw market data from the exchange adapter,
// normalizes it into CanonicalRow records, runs the data-quality gate,
// computes OFI/CVD/Fusion/Divergence/Scenario feature rows, and writes
// everything to the dual sink. One Harvester runs per symbol; the
// top-level binary fans out a goroutine per symbol.
package harvester

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/internal/harvester/features"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

// Sink is the subset of DualSink's surface the harvester needs, so tests
// can substitute a fake without spinning up real files/sqlite.
type Sink interface {
	WriteCanonicalRow(now time.Time, row types.CanonicalRow) error
	Flush() error
}

// Harvester ingests and normalizes one symbol's market data stream.
type Harvester struct {
	symbol string
	cfg    config.HarvesterConfig
	fcfg   config.FeaturesConfig

	depthCh <-chan exchange.DepthEvent
	tradeCh <-chan exchange.TradeEvent

	clock timeprovider.TimeProvider
	sink  Sink

	dq        *dqGate
	rowIDs    rowIDSeq
	ofi       *features.OFI
	cvd       *features.CVD
	fusion    *features.Fusion
	divTrack  *features.DivergenceTracker
	scenarios *features.ScenarioClassifier

	lastBids, lastAsks []types.PriceLevel
	lastZCVD           float64
	tradeTimestamps    []int64 // trailing trade times (ms) for trades-per-min

	warmupRemaining int

	firstRowOnce sync.Once
	firstRow     chan struct{}

	logger *slog.Logger
}

// New creates a Harvester for one symbol, wired to the given exchange
// event channels and output sink.
func New(
	symbol string,
	cfg config.HarvesterConfig,
	fcfg config.FeaturesConfig,
	depthCh <-chan exchange.DepthEvent,
	tradeCh <-chan exchange.TradeEvent,
	clock timeprovider.TimeProvider,
	out Sink,
	logger *slog.Logger,
) *Harvester {
	return &Harvester{
		symbol:          symbol,
		cfg:             cfg,
		fcfg:            fcfg,
		depthCh:         depthCh,
		tradeCh:         tradeCh,
		clock:           clock,
		sink:            out,
		dq:              newDQGate(cfg.StaleBookTimeout, cfg.MaxClockSkewMs, cfg.DuplicateWindow),
		ofi:             features.NewOFI(fcfg.OFIAlpha, fcfg.ZWindow),
		cvd:             features.NewCVD(fcfg.CVDPropagationCap, fcfg.CVDMaxPropagationTicks, fcfg.CVDMaxPropagationTimeMs, fcfg.ZWindow),
		fusion:          features.NewFusion(fcfg.FusionWeightOFI, fcfg.FusionWeightCVD, fcfg.ZWindow),
		divTrack:        features.NewDivergenceTracker(5),
		scenarios:       features.NewScenarioClassifier(fcfg.ActiveTradesPerMin, fcfg.HighVolSpreadBps),
		warmupRemaining: fcfg.WarmupRows,
		firstRow:        make(chan struct{}),
		logger:          logger.With("component", "harvester", "symbol", symbol),
	}
}

// FirstRow is closed once the first depth or trade event for this symbol
// has been consumed, the readiness condition for a live stream.
func (h *Harvester) FirstRow() <-chan struct{} { return h.firstRow }

func (h *Harvester) markFirstRow() {
	h.firstRowOnce.Do(func() { close(h.firstRow) })
}

// Run consumes depth and trade events until ctx is cancelled, normalizing
// and writing each one and periodically emitting a feature row on
// RefreshInterval. Blocks until ctx is done or both input channels close.
func (h *Harvester) Run(ctx context.Context) error {
	ticker := time.NewTicker(nonZeroDuration(h.fcfg.RefreshInterval, time.Second))
	defer ticker.Stop()

	h.logger.Info("harvester started")

	depthCh := h.depthCh
	tradeCh := h.tradeCh

	for {
		select {
		case <-ctx.Done():
			_ = h.sink.Flush()
			h.logger.Info("harvester stopped")
			return ctx.Err()

		case ev, ok := <-depthCh:
			if !ok {
				depthCh = nil
				continue
			}
			h.markFirstRow()
			h.handleDepth(ev)

		case ev, ok := <-tradeCh:
			if !ok {
				tradeCh = nil
				continue
			}
			h.markFirstRow()
			h.handleTrade(ev)

		case <-ticker.C:
			h.emitFeatureRow()
		}
	}
}

func (h *Harvester) handleDepth(ev exchange.DepthEvent) {
	now := h.clock.Now()
	recvTsMs := h.clock.NowMs()
	row := normalizeDepth(ev, recvTsMs, h.rowIDs.next(), h.cfg.DepthLevels)

	if err := h.dq.CheckRow(row.RowID, row.TsMs, row.RecvTsMs, now); err != nil {
		h.logger.Debug("depth row dropped by dq gate", "error", err)
		return
	}
	h.dq.NoteBookUpdate(now)
	h.lastBids, h.lastAsks = row.Bids, row.Asks

	if err := h.sink.WriteCanonicalRow(now, row); err != nil {
		h.logger.Error("write depth row failed", "error", err)
	}
}

func (h *Harvester) handleTrade(ev exchange.TradeEvent) {
	now := h.clock.Now()
	recvTsMs := h.clock.NowMs()
	row := normalizeTrade(ev, recvTsMs, h.rowIDs.next())

	if err := h.dq.CheckRow(row.RowID, row.TsMs, row.RecvTsMs, now); err != nil {
		h.logger.Debug("trade row dropped by dq gate", "error", err)
		return
	}

	_, h.lastZCVD = h.cvd.Update(ev.TsMs, ev.Price, ev.Qty)
	h.noteTradeTimestamp(ev.TsMs)

	if err := h.sink.WriteCanonicalRow(now, row); err != nil {
		h.logger.Error("write trade row failed", "error", err)
	}
}

// emitFeatureRow computes the current OFI/CVD/Fusion/Divergence/Scenario
// state from the last observed book and trade activity and writes a
// KindFeature row. Skipped entirely if no book snapshot has arrived yet.
func (h *Harvester) emitFeatureRow() {
	if len(h.lastBids) == 0 && len(h.lastAsks) == 0 {
		return
	}
	now := h.clock.Now()

	bestBid, bestBidQty, bestAsk, bestAskQty := bestBidAsk(h.lastBids, h.lastAsks)
	mid := (bestBid + bestAsk) / 2
	var spreadBps float64
	if mid > 0 {
		spreadBps = (bestAsk - bestBid) / mid * 10000
	}

	_, zOFI := h.ofi.Update(bestBidQty, bestAskQty)
	score, consistency := h.fusion.Update(zOFI, h.lastZCVD)
	divergence := h.divTrack.Update(mid, score)

	tradesPerMin := h.tradesPerMinute()
	_, scenario := h.scenarios.Classify(tradesPerMin, spreadBps)

	if h.warmupRemaining > 0 {
		h.warmupRemaining--
	}

	row := types.CanonicalRow{
		TsMs:             h.clock.NowMs(),
		RecvTsMs:         h.clock.NowMs(),
		Symbol:           h.symbol,
		Kind:             types.KindFeature,
		RowID:            h.rowIDs.next(),
		SchemaVersion:    "canonical/v1",
		Mid:              mid,
		BestBid:          bestBid,
		BestAsk:          bestAsk,
		SpreadBps:        spreadBps,
		ZOFI:             zOFI,
		ZCVD:             h.lastZCVD,
		FusionScore:      score,
		Consistency:      consistency,
		Scenario2x2:      scenario,
		TradesPerMin:     tradesPerMin,
		Divergence:       divergence,
		InputFingerprint: fingerprintDepth(h.lastBids, h.lastAsks),
	}

	if err := h.sink.WriteCanonicalRow(now, row); err != nil {
		h.logger.Error("write feature row failed", "error", err)
	}
}

func (h *Harvester) noteTradeTimestamp(tsMs int64) {
	h.tradeTimestamps = append(h.tradeTimestamps, tsMs)
	cutoff := tsMs - 60_000
	i := 0
	for ; i < len(h.tradeTimestamps); i++ {
		if h.tradeTimestamps[i] >= cutoff {
			break
		}
	}
	h.tradeTimestamps = h.tradeTimestamps[i:]
}

func (h *Harvester) tradesPerMinute() float64 {
	cutoff := h.clock.NowMs() - 60_000
	count := 0
	for _, ts := range h.tradeTimestamps {
		if ts >= cutoff {
			count++
		}
	}
	return float64(count)
}

// Warm reports whether the harvester has consumed enough rows to leave
// the warmup window, used by downstream signal generation to decide
// whether to gate on DecisionWarmup.
func (h *Harvester) Warm() bool { return h.warmupRemaining <= 0 }

func nonZeroDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
