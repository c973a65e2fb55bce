package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ReadReadyLines reads every line of every *.jsonl file in dir, in
// filename-sorted order (file names embed a fixed-width timestamp, so
// sorted-filename order is chronological). Used for
// one-shot replay over a finalized ready/ directory, e.g. Backtest
// replaying a historical feature store.
func ReadReadyLines(dir string) ([][]byte, error) {
	names, err := sortedJSONLFiles(dir)
	if err != nil {
		return nil, err
	}
	var lines [][]byte
	for _, name := range names {
		fileLines, err := readLines(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		lines = append(lines, fileLines...)
	}
	return lines, nil
}

func sortedJSONLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Tailer continuously consumes newly-published files from a ready/
// directory, the reader-side counterpart to the Rotator/JSONLWriter
// spool-then-ready discipline: once a file lands in ready/ it is
// complete and immutable, so Tailer need only notice new filenames, never
// watch for appends to a file it has already read.
type Tailer struct {
	dir        string
	pollEvery  time.Duration
	seen       map[string]bool
	lineCh     chan []byte
	errCh      chan error
}

// NewTailer creates a Tailer over dir, polling for new *.jsonl files
// every pollEvery.
func NewTailer(dir string, pollEvery time.Duration) *Tailer {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &Tailer{
		dir:       dir,
		pollEvery: pollEvery,
		seen:      make(map[string]bool),
		lineCh:    make(chan []byte, 1024),
		errCh:     make(chan error, 1),
	}
}

// Lines returns the channel of raw JSON lines read from newly-published
// files, in file-then-line order.
func (t *Tailer) Lines() <-chan []byte { return t.lineCh }

// Run polls dir until ctx is cancelled, pushing every new line onto
// Lines(). Closes Lines() on return.
func (t *Tailer) Run(ctx context.Context) error {
	defer close(t.lineCh)
	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()

	if err := t.scanOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.scanOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *Tailer) scanOnce(ctx context.Context) error {
	names, err := sortedJSONLFiles(t.dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if t.seen[name] {
			continue
		}
		lines, err := readLines(filepath.Join(t.dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		for _, line := range lines {
			select {
			case t.lineCh <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		t.seen[name] = true
	}
	return nil
}
