// Package cmdutil holds the small amount of bootstrap logic shared by
// every cmd/* worker binary: config-path resolution, logger construction,
// and ready-sentinel signaling. Each worker process still owns its own
// main; this package only factors out the parts that would otherwise be
// byte-for-byte duplicated five times.
package cmdutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/sink"
)

// ConfigPath resolves the config file path: ORDERFLOW_CONFIG env var if
// set, else the given default.
func ConfigPath(def string) string {
	if p := os.Getenv("ORDERFLOW_CONFIG"); p != "" {
		return p
	}
	return def
}

// LoadAndValidate loads and validates config from path, exiting the
// process on failure.
func LoadAndValidate(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", path)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	return cfg
}

// NewLogger builds the process-wide slog.Logger from LoggingConfig.
func NewLogger(cfg config.LoggingConfig, component string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("worker", component)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenSQLite opens the batched SQLite sink at path with cfg's batch size
// and flush interval. Returns nil (and no error) when the SQLite leg is
// detached (sink mode "jsonl"); the dual sinks treat a nil SQLiteSink as
// JSONL-only.
func OpenSQLite(cfg config.SinkConfig, path string) (*sink.SQLiteSink, error) {
	if !cfg.SQLiteEnabled() {
		return nil, nil
	}
	return sink.OpenSQLiteSinkBatched(path, cfg.SQLiteBatchN, cfg.SQLiteFlushInterval)
}

// CloseSQLite closes s if the SQLite leg is attached.
func CloseSQLite(s *sink.SQLiteSink) {
	if s != nil {
		s.Close()
	}
}

// ReadySentinelPath resolves the file path a worker touches once its
// setup completes, read by orchestrator.FileSentinelProbe on the
// supervising side. Set via <WORKER>_READY_FILE env var (e.g.
// HARVESTER_READY_FILE), since the orchestrator launches each child with
// a worker-specific path.
func ReadySentinelPath(envVar string) string {
	return os.Getenv(envVar)
}

// TouchReady creates an empty sentinel file at path, the signal
// orchestrator.FileSentinelProbe polls for. A no-op if path
// is empty, so a worker run standalone (outside the orchestrator) doesn't
// need one configured.
func TouchReady(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ready sentinel dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create ready sentinel: %w", err)
	}
	return f.Close()
}
