package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orderflow-pipeline/pkg/types"
)

func TestSignalSinkWritesBothBackends(t *testing.T) {
	dir := t.TempDir()
	sq, err := OpenSQLiteSink(filepath.Join(dir, "signals.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteSink: %v", err)
	}
	defer sq.Close()

	ss, err := NewSignalSink(dir, "BTC-USD", sq, RotationPolicy{}, 1, time.Minute, dir)
	if err != nil {
		t.Fatalf("NewSignalSink: %v", err)
	}
	defer ss.Close()

	now := time.Unix(1_700_000_000, 0)
	rec := types.SignalRecord{
		TsMs: now.UnixMilli(), Symbol: "BTC-USD", SignalRowID: "BTC-USD:1:1",
		ConfigHash: "abc123", DecisionCode: types.DecisionOK, SignalType: types.SignalBuy, Score: 1.5,
	}
	if err := ss.WriteSignalRecord(now, rec); err != nil {
		t.Fatalf("WriteSignalRecord: %v", err)
	}

	n, err := sq.CountSignalRecords("BTC-USD", 0, now.UnixMilli()+1)
	if err != nil {
		t.Fatalf("CountSignalRecords: %v", err)
	}
	if n != 1 {
		t.Fatalf("sqlite row count = %d, want 1", n)
	}
	if ss.jsonl.Count() != 1 {
		t.Fatalf("jsonl row count = %d, want 1", ss.jsonl.Count())
	}
	if !ss.ParityOK() {
		t.Fatal("expected parity OK before any check window elapses")
	}
}

func TestSignalSinkDedupesSignalRowID(t *testing.T) {
	dir := t.TempDir()
	sq, err := OpenSQLiteSink(filepath.Join(dir, "signals.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteSink: %v", err)
	}
	defer sq.Close()

	ss, err := NewSignalSink(dir, "BTC-USD", sq, RotationPolicy{}, 1, time.Minute, dir)
	if err != nil {
		t.Fatalf("NewSignalSink: %v", err)
	}
	defer ss.Close()

	now := time.Unix(1_700_000_000, 0)
	rec := types.SignalRecord{TsMs: now.UnixMilli(), Symbol: "BTC-USD", SignalRowID: "dup", Score: 1.0}
	if err := ss.WriteSignalRecord(now, rec); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := ss.WriteSignalRecord(now, rec); err != nil {
		t.Fatalf("duplicate write should not error: %v", err)
	}

	n, err := sq.CountSignalRecords("BTC-USD", 0, now.UnixMilli()+1)
	if err != nil {
		t.Fatalf("CountSignalRecords: %v", err)
	}
	if n != 1 {
		t.Fatalf("sqlite row count after duplicate = %d, want 1 (INSERT OR IGNORE)", n)
	}
}

func TestSignalSinkPublishesParityDiffArtifactWithBreakdown(t *testing.T) {
	dir := t.TempDir()
	sq, err := OpenSQLiteSink(filepath.Join(dir, "signals.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteSink: %v", err)
	}
	defer sq.Close()

	ss, err := NewSignalSink(dir, "BTC-USD", sq, RotationPolicy{}, 1, time.Minute, dir)
	if err != nil {
		t.Fatalf("NewSignalSink: %v", err)
	}
	defer ss.Close()

	base := time.Unix(1_700_000_000, 0)
	records := []types.SignalRecord{
		{TsMs: base.UnixMilli(), Symbol: "BTC-USD", SignalRowID: "r1", DecisionCode: types.DecisionOK, SignalType: types.SignalBuy, Score: 1},
		{TsMs: base.UnixMilli() + 1, Symbol: "BTC-USD", SignalRowID: "r2", DecisionCode: types.DecisionOK, SignalType: types.SignalStrongBuy, Score: 2},
		{TsMs: base.UnixMilli() + 2, Symbol: "BTC-USD", SignalRowID: "r3", DecisionCode: types.DecisionLowConsistency, SignalType: types.SignalNone, Gating: true, Score: 0},
	}
	for _, rec := range records {
		if err := ss.WriteSignalRecord(base, rec); err != nil {
			t.Fatalf("WriteSignalRecord: %v", err)
		}
	}

	after := base.Add(time.Minute + time.Second)
	lastRec := types.SignalRecord{TsMs: after.UnixMilli(), Symbol: "BTC-USD", SignalRowID: "r4", DecisionCode: types.DecisionOK, SignalType: types.SignalSell, Score: 1}
	if err := ss.WriteSignalRecord(after, lastRec); err != nil {
		t.Fatalf("WriteSignalRecord triggering parity check: %v", err)
	}

	if !ss.ParityOK() {
		t.Fatal("expected parity OK: JSONL and SQLite counts should agree since both sinks see the same writes")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("read artifacts dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 parity diff artifact, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, "artifacts", entries[0].Name()))
	if err != nil {
		t.Fatalf("read parity diff artifact: %v", err)
	}
	var report ParityDiffReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal parity diff artifact: %v", err)
	}
	if !report.OverallPassed {
		t.Fatalf("expected overall_passed=true, got report %+v", report)
	}
	if len(report.Minutes) != 1 {
		t.Fatalf("expected 1 minute recorded, got %d", len(report.Minutes))
	}
	foundGating := false
	for _, m := range report.Minutes[0].Metrics {
		if m.Name == "gating_breakdown."+string(types.DecisionLowConsistency) {
			foundGating = true
			if m.JSONLCount != 1 || m.SQLiteCount != 1 {
				t.Fatalf("expected gating_breakdown metric 1/1, got %+v", m)
			}
		}
	}
	if !foundGating {
		t.Fatalf("expected a gating_breakdown metric in report, got %+v", report.Minutes[0].Metrics)
	}
}
