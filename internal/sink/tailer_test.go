package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeJSONLFile(t *testing.T, dir, name string, lines []string) {
	t.Helper()
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestReadReadyLinesSortedAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeJSONLFile(t, dir, "signal_20260101_0001.jsonl", []string{`{"n":1}`, `{"n":2}`})
	writeJSONLFile(t, dir, "signal_20260101_0000.jsonl", []string{`{"n":0}`})

	lines, err := ReadReadyLines(dir)
	if err != nil {
		t.Fatalf("ReadReadyLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if string(lines[0]) != `{"n":0}` {
		t.Fatalf("expected file order by name, got first line %s", lines[0])
	}
}

func TestReadReadyLinesMissingDir(t *testing.T) {
	lines, err := ReadReadyLines(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if lines != nil {
		t.Fatalf("expected nil lines, got %v", lines)
	}
}

func TestTailerPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeJSONLFile(t, dir, "signal_0000.jsonl", []string{`{"n":1}`})

	tr := NewTailer(dir, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	var got []string
	timeout := time.After(1 * time.Second)
	for len(got) < 2 {
		select {
		case line, ok := <-tr.Lines():
			if !ok {
				break
			}
			got = append(got, string(line))
			if len(got) == 1 {
				writeJSONLFile(t, dir, "signal_0001.jsonl", []string{`{"n":2}`})
			}
		case <-timeout:
			t.Fatalf("timed out waiting for lines, got %v", got)
		}
	}
	cancel()
	<-done
}
