package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow-pipeline/internal/errtax"
	"orderflow-pipeline/pkg/types"
)

// SignalSink fans every SignalRecord out to the JSONL ready stream
// (`<out>/ready/signal/<symbol>/signal_*.jsonl`) and the shared
// `signals.db`, with the same rolling-minute parity tracking as
// DualSink generalized from a single row count to a per-metric breakdown
// (total/buy_count/sell_count/strong_*/gating_breakdown),
// and periodically publishes a `parity_diff_<ts>.json` artifact under
// artifactsRoot/artifacts.
type SignalSink struct {
	mu              sync.Mutex
	jsonl           *JSONLWriter
	sqlite          *SQLiteSink
	symbol          string
	artifactsRoot   string
	lastParityCheck time.Time
	parityInterval  time.Duration
	parityOK        bool
	window          jsonlBreakdown
	windowStartMs   int64
	minuteHistory   []MinuteDiff
}

// NewSignalSink opens a JSONL writer rooted at root (signal_<symbol>_*
// files under root's spool/ and ready/) attached to
// the shared signals SQLite sink. artifactsRoot is the pipeline's top
// level output directory, used to publish
// the parity diff artifact; it is typically one directory up from root.
func NewSignalSink(root, symbol string, sqlite *SQLiteSink, policy RotationPolicy, fsyncEveryN int, parityInterval time.Duration, artifactsRoot string) (*SignalSink, error) {
	jw, err := NewJSONLWriter(root, "signal_"+symbol, policy, fsyncEveryN)
	if err != nil {
		return nil, fmt.Errorf("open signal jsonl sink for %s: %w", symbol, err)
	}
	return &SignalSink{
		jsonl:          jw,
		sqlite:         sqlite,
		symbol:         symbol,
		artifactsRoot:  artifactsRoot,
		parityInterval: parityInterval,
		parityOK:       true,
		window:         newJSONLBreakdown(),
	}, nil
}

// WriteSignalRecord writes rec to both sinks concurrently.
func (s *SignalSink) WriteSignalRecord(now time.Time, rec types.SignalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "marshal signal record", err)
	}

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return s.jsonl.WriteRow(now, rec)
	})
	if s.sqlite != nil {
		g.Go(func() error {
			return s.sqlite.InsertSignalRecord(rec.TsMs, rec.Symbol, rec.SignalRowID, rec.ConfigHash,
				string(rec.DecisionCode), string(rec.SignalType), rec.Gating, rec.Score, payload)
		})
	}
	if err := g.Wait(); err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "signal dual sink write", err)
	}

	s.mu.Lock()
	if s.windowStartMs == 0 {
		s.windowStartMs = rec.TsMs
	}
	s.window.total++
	switch rec.SignalType {
	case types.SignalBuy:
		s.window.buyCount++
	case types.SignalSell:
		s.window.sellCount++
	case types.SignalStrongBuy:
		s.window.strongBuyCount++
	case types.SignalStrongSell:
		s.window.strongSellCount++
	}
	if rec.Gating {
		s.window.gating[string(rec.DecisionCode)]++
	}
	s.mu.Unlock()

	return s.maybeCheckParity(now)
}

// maybeCheckParity runs a parity diff once per parityInterval, comparing
// the JSONL-accumulated metric breakdown for the trailing window against
// the SQLite-reported breakdown for the same window, then publishes the
// rolling history as a parity_diff_<ts>.json artifact.
func (s *SignalSink) maybeCheckParity(now time.Time) error {
	if s.sqlite == nil {
		return nil
	}
	s.mu.Lock()
	if s.lastParityCheck.IsZero() {
		s.lastParityCheck = now
		s.mu.Unlock()
		return nil
	}
	due := s.parityInterval > 0 && now.Sub(s.lastParityCheck) >= s.parityInterval
	if !due {
		s.mu.Unlock()
		return nil
	}
	s.lastParityCheck = now
	window := s.window
	windowStart := s.windowStartMs
	s.window = newJSONLBreakdown()
	s.windowStartMs = 0
	s.mu.Unlock()

	if windowStart == 0 {
		windowStart = now.Add(-s.parityInterval).UnixMilli()
	}
	windowEnd := now.UnixMilli() + 1

	sqliteBreakdown, err := s.sqlite.SignalBreakdownForWindow(s.symbol, windowStart, windowEnd)
	if err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "signal parity breakdown query", err)
	}

	metrics := diffMetrics(window, sqliteBreakdown)
	minute := buildMinuteDiff(windowStart, windowEnd, metrics)

	s.mu.Lock()
	s.parityOK = minute.Passed
	s.minuteHistory = append(s.minuteHistory, minute)
	if len(s.minuteHistory) > minuteHistoryLimit {
		s.minuteHistory = s.minuteHistory[len(s.minuteHistory)-minuteHistoryLimit:]
	}
	history := append([]MinuteDiff(nil), s.minuteHistory...)
	s.mu.Unlock()

	if s.artifactsRoot != "" {
		report := buildParityDiffReport(s.symbol, now.UnixMilli(), history)
		if werr := writeParityDiffArtifact(s.artifactsRoot, report); werr != nil {
			return errtax.Wrap(errtax.KindSinkWriteFailed, "write parity diff artifact", werr)
		}
	}

	if !minute.Passed {
		return errtax.New(errtax.KindParityMismatch, fmt.Sprintf(
			"signal sink parity mismatch for %s: max_diff_pct=%.4f", s.symbol, minute.MaxDiffPct))
	}
	return nil
}

// ParityOK reports the result of the most recent parity check.
func (s *SignalSink) ParityOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parityOK
}

// Flush publishes any pending JSONL spool data.
func (s *SignalSink) Flush() error { return s.jsonl.Flush() }

// Close flushes and releases the JSONL writer.
func (s *SignalSink) Close() error { return s.jsonl.Close() }

// parityWithinBand reports whether a and b agree within the given
// fractional tolerance of their max. Two zero counts are trivially
// within band. Retained for
// DualSink's plain row-count check.
func parityWithinBand(a, b int64, tolerance float64) bool {
	if a == 0 && b == 0 {
		return true
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	maxAB := a
	if b > maxAB {
		maxAB = b
	}
	return float64(diff)/float64(maxAB) <= tolerance
}
