package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow-pipeline/internal/errtax"
	"orderflow-pipeline/pkg/types"
)

// DualSink fans every canonical row out to both the JSONL and SQLite
// sinks, and periodically diffs their row counts per symbol/minute to
// catch silent write failures in either backend. Writes to both
// backends run concurrently via errgroup so
// one slow sink doesn't serialize behind the other. When parquet mirroring
// is enabled, every row is also appended to a columnar RAW/PREVIEW file
// for offline analytics; that mirror is best-effort and never fails the
// write (it isn't part of the parity check).
type DualSink struct {
	mu       sync.Mutex
	jsonl    *JSONLWriter
	sqlite   *SQLiteSink
	parquet  *ParquetWriter
	symbol   string
	lastParityCheck time.Time
	parityInterval  time.Duration
	parityOK        bool
	jsonlWindowCount int64
}

// NewDualSink opens a JSONL writer rooted at root/canonical_<symbol> and
// attaches it to the given shared SQLite sink. A nil sqlite detaches the
// mirror leg (sink mode "jsonl"); parity checking is skipped in that case.
// If enableParquet is set, it also opens a sibling .parquet mirror at
// root/canonical_<symbol>.parquet.
func NewDualSink(root, symbol string, sqlite *SQLiteSink, policy RotationPolicy, fsyncEveryN int, parityInterval time.Duration, enableParquet bool) (*DualSink, error) {
	jw, err := NewJSONLWriter(root, "canonical_"+symbol, policy, fsyncEveryN)
	if err != nil {
		return nil, fmt.Errorf("open jsonl sink for %s: %w", symbol, err)
	}

	d := &DualSink{
		jsonl:          jw,
		sqlite:         sqlite,
		symbol:         symbol,
		parityInterval: parityInterval,
		parityOK:       true,
	}

	if enableParquet {
		pw, err := NewParquetWriter(filepath.Join(root, "canonical_"+symbol+".parquet"))
		if err != nil {
			return nil, fmt.Errorf("open parquet mirror for %s: %w", symbol, err)
		}
		d.parquet = pw
	}

	return d, nil
}

// WriteCanonicalRow writes row to both sinks concurrently. A failure in
// either sink is returned wrapped with errtax.KindSinkWriteFailed; the
// other sink's write is not rolled back, since each sink is independently
// durable and parity checking will surface the divergence.
func (d *DualSink) WriteCanonicalRow(now time.Time, row types.CanonicalRow) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "marshal canonical row", err)
	}

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return d.jsonl.WriteRow(now, row)
	})
	if d.sqlite != nil {
		g.Go(func() error {
			return d.sqlite.InsertCanonicalRow(row.TsMs, row.RecvTsMs, row.Symbol, string(row.Kind), row.RowID, row.SchemaVersion, payload)
		})
	}
	if err := g.Wait(); err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "dual sink write", err)
	}

	d.mu.Lock()
	d.jsonlWindowCount++
	if d.parquet != nil {
		_ = d.parquet.WriteRow(row)
	}
	d.mu.Unlock()

	return d.maybeCheckParity(now)
}

// maybeCheckParity runs a parity diff once per parityInterval, comparing
// the JSONL-observed row count for the trailing minute against the
// SQLite-reported count for the same window.
func (d *DualSink) maybeCheckParity(now time.Time) error {
	if d.sqlite == nil {
		return nil
	}
	d.mu.Lock()
	if d.lastParityCheck.IsZero() {
		d.lastParityCheck = now
		d.mu.Unlock()
		return nil
	}
	due := d.parityInterval > 0 && now.Sub(d.lastParityCheck) >= d.parityInterval
	if !due {
		d.mu.Unlock()
		return nil
	}
	d.lastParityCheck = now
	jsonlCount := d.jsonlWindowCount
	d.jsonlWindowCount = 0
	d.mu.Unlock()

	windowStart := now.Add(-d.parityInterval).UnixMilli()
	windowEnd := now.UnixMilli() + 1
	sqliteCount, err := d.sqlite.CountCanonicalRows(d.symbol, windowStart, windowEnd)
	if err != nil {
		return errtax.Wrap(errtax.KindSinkWriteFailed, "parity count query", err)
	}

	d.mu.Lock()
	d.parityOK = parityWithinBand(jsonlCount, sqliteCount, 0.05)
	d.mu.Unlock()

	if !d.parityOK {
		return errtax.New(errtax.KindParityMismatch, fmt.Sprintf(
			"sink parity mismatch for %s: jsonl=%d sqlite=%d", d.symbol, jsonlCount, sqliteCount))
	}
	return nil
}

// ParityOK reports the result of the most recent parity check.
func (d *DualSink) ParityOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parityOK
}

// Flush publishes any pending JSONL spool data. The shared SQLite sink's
// batch is committed by its own flush loop and by the owning process on
// close, not per DualSink.
func (d *DualSink) Flush() error {
	return d.jsonl.Flush()
}

// Close flushes and releases the JSONL writer and, if enabled, finalizes
// the parquet mirror's footer. The shared SQLite sink is owned by the
// caller and closed separately.
func (d *DualSink) Close() error {
	if d.parquet != nil {
		if err := d.parquet.Close(); err != nil {
			return err
		}
	}
	return d.jsonl.Close()
}
