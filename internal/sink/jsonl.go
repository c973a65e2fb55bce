package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// JSONLWriter serializes arbitrary JSON-marshalable rows, one per line,
// into a Rotator-managed spool/ready stream.
type JSONLWriter struct {
	mu      sync.Mutex
	rotator *Rotator
	count   int64
}

// NewJSONLWriter opens a JSONLWriter rooted at root/<prefix>.
func NewJSONLWriter(root, prefix string, policy RotationPolicy, fsyncEveryN int) (*JSONLWriter, error) {
	r, err := NewRotator(root, prefix, ".jsonl", policy, fsyncEveryN)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{rotator: r}, nil
}

// WriteRow marshals row to JSON and appends it as one line.
func (w *JSONLWriter) WriteRow(now time.Time, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(data)
	buf.WriteByte('\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotator.Write(now, buf.Bytes()); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of rows written since open.
func (w *JSONLWriter) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Flush publishes the active spool file regardless of rotation triggers.
func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotator.Flush()
}

// Close flushes and releases resources.
func (w *JSONLWriter) Close() error {
	return w.Flush()
}
