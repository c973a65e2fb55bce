// Package sink implements the dual-sink (JSONL + SQLite, optionally
// mirrored to Parquet) persistence layer shared by every writer in the
// pipeline. Every sink publishes files through the same spool-then-ready
// rotation discipline: writes land in a `.part` file under spool/, get
// fsynced periodically, and are published into ready/ via atomic rename
// only once a rotation trigger fires.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RotationPolicy controls when an active spool file is closed and
// published into the ready directory.
type RotationPolicy struct {
	MaxRows  int
	MaxBytes int64
	MaxAge   time.Duration
}

// shouldRotate reports whether the policy's triggers have fired.
func (p RotationPolicy) shouldRotate(rows int, bytes int64, opened time.Time, now time.Time) bool {
	if p.MaxRows > 0 && rows >= p.MaxRows {
		return true
	}
	if p.MaxBytes > 0 && bytes >= p.MaxBytes {
		return true
	}
	if p.MaxAge > 0 && now.Sub(opened) >= p.MaxAge {
		return true
	}
	return false
}

// Rotator manages one active spool file and publishes it into a ready
// directory on rotation: write-tmp-then-rename with row/byte/age
// triggers and periodic fsync.
type Rotator struct {
	spoolDir string
	readyDir string
	prefix   string
	ext      string
	policy   RotationPolicy
	fsyncN   int

	f        *os.File
	spoolPath string
	rows     int
	bytes    int64
	writesSinceSync int
	opened   time.Time
}

// NewRotator creates spool/ready directories under root and returns a
// Rotator ready to accept writes. prefix/ext name the published files,
// e.g. prefix="depth_BTC-USD" ext=".jsonl" -> depth_BTC-USD_20260731_120000.000000.jsonl.
func NewRotator(root, prefix, ext string, policy RotationPolicy, fsyncEveryN int) (*Rotator, error) {
	spoolDir := filepath.Join(root, "spool")
	readyDir := filepath.Join(root, "ready")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if err := os.MkdirAll(readyDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ready dir: %w", err)
	}
	if fsyncEveryN <= 0 {
		fsyncEveryN = 1
	}
	return &Rotator{
		spoolDir: spoolDir,
		readyDir: readyDir,
		prefix:   prefix,
		ext:      ext,
		policy:   policy,
		fsyncN:   fsyncEveryN,
	}, nil
}

// Write appends raw bytes to the active spool file, opening one if needed,
// and rotates afterward if the policy's triggers have fired.
func (r *Rotator) Write(now time.Time, data []byte) error {
	if r.f == nil {
		if err := r.openSpool(now); err != nil {
			return err
		}
	}
	n, err := r.f.Write(data)
	if err != nil {
		return fmt.Errorf("write spool %s: %w", r.spoolPath, err)
	}
	r.rows++
	r.bytes += int64(n)
	r.writesSinceSync++
	if r.writesSinceSync >= r.fsyncN {
		if err := r.f.Sync(); err != nil {
			return fmt.Errorf("fsync spool %s: %w", r.spoolPath, err)
		}
		r.writesSinceSync = 0
	}
	if r.policy.shouldRotate(r.rows, r.bytes, r.opened, now) {
		return r.rotate()
	}
	return nil
}

func (r *Rotator) openSpool(now time.Time) error {
	name := fmt.Sprintf("%s_%s.part", r.prefix, now.UTC().Format("20060102_150405.000000"))
	path := filepath.Join(r.spoolDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	r.f = f
	r.spoolPath = path
	r.rows = 0
	r.bytes = 0
	r.writesSinceSync = 0
	r.opened = now
	return nil
}

// rotate fsyncs and closes the active spool file, then publishes it into
// ready/ via atomic rename. On platforms where rename-over-existing fails
// (Windows), it falls back to remove-then-rename.
func (r *Rotator) rotate() error {
	if r.f == nil {
		return nil
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("fsync before rotate: %w", err)
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close spool before rotate: %w", err)
	}
	readyName := filepath.Base(r.spoolPath)
	readyName = readyName[:len(readyName)-len(".part")] + r.ext
	readyPath := filepath.Join(r.readyDir, readyName)

	if err := renameWithFallback(r.spoolPath, readyPath); err != nil {
		return fmt.Errorf("publish %s: %w", readyPath, err)
	}
	r.f = nil
	r.spoolPath = ""
	return nil
}

// renameWithFallback retries os.Rename after removing a pre-existing
// destination, with bounded exponential backoff, to tolerate the
// transient file-in-use errors rename can hit on Windows-like
// filesystems.
func renameWithFallback(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		_ = os.Remove(dst)
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// Flush forces rotation of the current spool file regardless of policy
// triggers, used on graceful shutdown so no data is left unpublished.
func (r *Rotator) Flush() error {
	return r.rotate()
}

// Close flushes any pending spool file.
func (r *Rotator) Close() error {
	return r.Flush()
}
