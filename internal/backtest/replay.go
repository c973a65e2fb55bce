package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/signalgen"
	"orderflow-pipeline/internal/sink"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

// PnLBucket is one daily aggregate written to pnl_daily.jsonl.
type PnLBucket struct {
	DateUTC    string  `json:"date_utc"`
	TradeCount int     `json:"trade_count"`
	NetPnL     float64 `json:"net_pnl"`
}

// Summary is the full result of a replay run: trades, daily PnL,
// summary metrics, and whatever the caller folds into the run manifest.
type Summary struct {
	Trades    []Trade
	PnLDaily  []PnLBucket
	Metrics   Metrics
	RowCount  int
}

// RunReplay feeds every feature CanonicalRow in featuresDir through the
// exact same Signal Generator decision procedure used live
// (signalgen.Decide) and the deterministic fill Simulator, so a backtest
// over a previously-harvested feature store reproduces the identical
// decisions a live run made over the same input. Rows are
// grouped by symbol and replayed in per-symbol ts_ms order against a
// SimClock seeded from cfg.Backtest.SeedRNG, one AlgoState per symbol so
// concurrent symbols never share decision state; all symbols fill through
// one shared Simulator.
//
// featuresDir is a ready/ directory of feature-row JSONL files, the same
// shape the Harvester publishes to and the Strategy tails from live — so
// Backtest can replay either a recorded live run or a synthetic fixture.
func RunReplay(cfg *config.Config, featuresDir, outDir string) (Summary, error) {
	lines, err := sink.ReadReadyLines(featuresDir)
	if err != nil {
		return Summary{}, fmt.Errorf("read feature rows: %w", err)
	}

	rows := make([]types.CanonicalRow, 0, len(lines))
	for _, line := range lines {
		var row types.CanonicalRow
		if err := json.Unmarshal(line, &row); err != nil {
			return Summary{}, fmt.Errorf("unmarshal feature row: %w", err)
		}
		if row.Kind != types.KindFeature {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Symbol != rows[j].Symbol {
			return rows[i].Symbol < rows[j].Symbol
		}
		return rows[i].TsMs < rows[j].TsMs
	})
	if len(rows) == 0 {
		return Summary{}, nil
	}

	clock := timeprovider.NewSimClock(time.UnixMilli(rows[0].TsMs), cfg.Backtest.SeedRNG)
	sim := NewSimulator(cfg.Backtest, clock)
	configHash := signalgen.ConfigHash(cfg.SignalGen)

	states := make(map[string]*signalgen.AlgoState)
	var allTrades []Trade
	firstTsMs, lastTsMs := rows[0].TsMs, rows[0].TsMs

	for _, row := range rows {
		clock.AdvanceMs(row.TsMs)
		if row.TsMs < firstTsMs {
			firstTsMs = row.TsMs
		}
		if row.TsMs > lastTsMs {
			lastTsMs = row.TsMs
		}

		state, ok := states[row.Symbol]
		if !ok {
			state = signalgen.NewAlgoState()
			states[row.Symbol] = state
		}

		sig := signalgen.Decide(row, state, cfg.SignalGen, configHash)
		if trade := sim.Step(row, sig); trade != nil {
			state.NoteExit(trade.ExitTsMs)
			allTrades = append(allTrades, *trade)
		}
	}

	summary := Summary{
		Trades:   allTrades,
		PnLDaily: dailyPnL(allTrades),
		Metrics:  ComputeMetrics(allTrades, firstTsMs, lastTsMs),
		RowCount: len(rows),
	}

	if outDir != "" {
		if err := writeArtifacts(outDir, summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// dailyPnL buckets closed trades by their UTC exit date.
func dailyPnL(trades []Trade) []PnLBucket {
	byDate := make(map[string]*PnLBucket)
	var order []string
	for _, t := range trades {
		date := time.UnixMilli(t.ExitTsMs).UTC().Format("2006-01-02")
		b, ok := byDate[date]
		if !ok {
			b = &PnLBucket{DateUTC: date}
			byDate[date] = b
			order = append(order, date)
		}
		b.TradeCount++
		b.NetPnL += t.PnL
	}
	sort.Strings(order)
	out := make([]PnLBucket, 0, len(order))
	for _, d := range order {
		out = append(out, *byDate[d])
	}
	return out
}

// writeArtifacts writes trades.jsonl, pnl_daily.jsonl, and metrics.json to
// outDir, each via write-to-tmp-then-rename so a crash mid-write never
// leaves a partially-written artifact (same discipline as store.Store).
func writeArtifacts(outDir string, s Summary) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}
	if err := writeJSONLAtomic(filepath.Join(outDir, "trades.jsonl"), s.Trades); err != nil {
		return err
	}
	if err := writeJSONLAtomic(filepath.Join(outDir, "pnl_daily.jsonl"), s.PnLDaily); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(outDir, "metrics.json"), s.Metrics)
}

func writeJSONLAtomic[T any](path string, rows []T) error {
	var buf []byte
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return atomicWrite(path, buf)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
