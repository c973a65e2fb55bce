// Package store provides crash-safe persistence for per-run manifests and
// sink checkpoints, the durable state the Orchestrator needs to survive a
// restart mid-run without losing DQ/sink counters or re-emitting a
// finalized manifest.
//
// Each run's manifest is stored as a separate file: manifest_<run_id>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"orderflow-pipeline/pkg/types"
)

// Store persists run manifests to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveManifest atomically persists the run manifest. It writes to a .tmp
// file first, then renames over the target so the file is never left in
// a partial state (crash-safe), mirroring the spool-then-ready discipline
// used by the sink package.
func (s *Store) SaveManifest(m types.RunManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := s.manifestPath(m.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadManifest restores a run manifest from disk. Returns nil, nil if no
// saved manifest exists for runID (fresh run).
func (s *Store) LoadManifest(runID string) (*types.RunManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.manifestPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m types.RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

func (s *Store) manifestPath(runID string) string {
	return filepath.Join(s.dir, "manifest_"+runID+".json")
}

// Checkpoint is the per-worker sink-counter snapshot persisted between
// restarts so a supervised restart can resume DQ/sink accounting instead
// of silently resetting it to zero.
type Checkpoint struct {
	Worker     string           `json:"worker"`
	SinkCounts map[string]int64 `json:"sink_counts"`
	DQSummary  map[string]int64 `json:"dq_summary"`
}

// SaveCheckpoint atomically persists a worker's checkpoint.
func (s *Store) SaveCheckpoint(c Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := filepath.Join(s.dir, "checkpoint_"+c.Worker+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint restores a worker's checkpoint. Returns nil, nil if none
// exists yet.
func (s *Store) LoadCheckpoint(worker string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "checkpoint_"+worker+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &c, nil
}
