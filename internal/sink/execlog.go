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

// ExecLogSink is the strategy's outbox: every order lifecycle
// transition is written through the same spool-then-ready JSONL
// discipline as the other sinks, mirrored into the shared
// `exec_events.db`, to `<out>/ready/execlog/<symbol>/exec_*.jsonl`.
type ExecLogSink struct {
	mu              sync.Mutex
	jsonl           *JSONLWriter
	sqlite          *SQLiteSink
	symbol          string
	lastParityCheck time.Time
	parityInterval  time.Duration
	parityOK        bool
	jsonlWindowCount int64
}

// NewExecLogSink opens a JSONL writer rooted at root (exec_<symbol>_*
// files under root's spool/ and ready/) attached to the shared exec_events SQLite sink.
func NewExecLogSink(root, symbol string, sqlite *SQLiteSink, policy RotationPolicy, fsyncEveryN int, parityInterval time.Duration) (*ExecLogSink, error) {
	jw, err := NewJSONLWriter(root, "exec_"+symbol, policy, fsyncEveryN)
	if err != nil {
		return nil, fmt.Errorf("open execlog jsonl sink for %s: %w", symbol, err)
	}
	return &ExecLogSink{
		jsonl:          jw,
		sqlite:         sqlite,
		symbol:         symbol,
		parityInterval: parityInterval,
		parityOK:       true,
	}, nil
}

// WriteExecLogEvent writes evt to both sinks concurrently. The byte-size
// cap that forces early publish is the caller's RotationPolicy.MaxBytes,
// same mechanism as every other sink.
func (s *ExecLogSink) WriteExecLogEvent(now time.Time, evt types.ExecLogEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "marshal exec log event", err)
	}

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return s.jsonl.WriteRow(now, evt)
	})
	if s.sqlite != nil {
		g.Go(func() error {
			return s.sqlite.InsertExecLogEvent(evt.TsMs, evt.Symbol, evt.ClientOrderID, string(evt.Event), payload)
		})
	}
	if err := g.Wait(); err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "execlog dual sink write", err)
	}

	s.mu.Lock()
	s.jsonlWindowCount++
	s.mu.Unlock()

	return s.maybeCheckParity(now)
}

func (s *ExecLogSink) maybeCheckParity(now time.Time) error {
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
	jsonlCount := s.jsonlWindowCount
	s.jsonlWindowCount = 0
	s.mu.Unlock()

	windowStart := now.Add(-s.parityInterval).UnixMilli()
	windowEnd := now.UnixMilli() + 1
	sqliteCount, err := s.sqlite.CountExecLogEvents(s.symbol, windowStart, windowEnd)
	if err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "execlog parity count query", err)
	}

	s.mu.Lock()
	s.parityOK = parityWithinBand(jsonlCount, sqliteCount, 0.05)
	s.mu.Unlock()

	if !s.parityOK {
		return errtax.New(errtax.KindParityMismatch, fmt.Sprintf(
			"execlog sink parity mismatch for %s: jsonl=%d sqlite=%d", s.symbol, jsonlCount, sqliteCount))
	}
	return nil
}

// ParityOK reports the result of the most recent parity check.
func (s *ExecLogSink) ParityOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parityOK
}

// Flush publishes any pending JSONL spool data.
func (s *ExecLogSink) Flush() error { return s.jsonl.Flush() }

// Close flushes and releases the JSONL writer.
func (s *ExecLogSink) Close() error { return s.jsonl.Close() }
