// Command orchestrator supervises the harvester, signalgen, and strategy
// binaries as separate OS processes, starting each in order,
// waiting on its readiness sentinel, polling its health probe, and
// restarting it on unexpected exit. It owns the per-run manifest: created
// before the first worker starts, finalized after the last one stops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"orderflow-pipeline/internal/cmdutil"
	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/orchestrator"
	"orderflow-pipeline/internal/signalgen"
	"orderflow-pipeline/internal/store"
	"orderflow-pipeline/internal/timeprovider"
)

func main() {
	cfgPath := cmdutil.ConfigPath("configs/config.yaml")
	var (
		enable   = flag.String("enable", "harvester,signalgen,strategy", "comma-separated list of workers to launch")
		sinkMode = flag.String("sink", "", "sink mode override: jsonl, sqlite, or dual")
		minutes  = flag.Int("minutes", 0, "stop the pipeline after N minutes (0 runs until interrupted)")
	)
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	flag.Parse()

	cfg := cmdutil.LoadAndValidate(cfgPath)
	if *sinkMode != "" {
		cfg.Sink.Mode = *sinkMode
	}
	logger := cmdutil.NewLogger(cfg.Logging, "orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *minutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*minutes)*time.Minute)
		defer cancel()
	}

	binDir := filepath.Dir(os.Args[0])
	readyDir := filepath.Join(cfg.Sink.OutDir, "ready")
	if err := os.MkdirAll(readyDir, 0o755); err != nil {
		logger.Error("failed to create ready sentinel dir", "error", err)
		os.Exit(1)
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	st, err := store.Open(filepath.Join(cfg.Sink.OutDir, "manifests"))
	if err != nil {
		logger.Error("failed to open manifest store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	clock := timeprovider.NewWallClock()
	componentVersions := map[string]string{
		"harvester": "v1", "signalgen": "v1", "strategy": "v1", "orchestrator": "v1",
	}
	builder := orchestrator.NewManifestBuilder(runID, componentVersions,
		signalgen.ConfigHash(cfg.SignalGen), gitHash(), clock, st)
	builder.SetEnvSnapshot(envSnapshot())
	if err := builder.Start(); err != nil {
		logger.Error("failed to persist initial manifest", "error", err)
		os.Exit(1)
	}

	enabled := make(map[string]bool)
	for _, name := range strings.Split(*enable, ",") {
		enabled[strings.TrimSpace(name)] = true
	}

	var workers []orchestrator.Worker
	for _, wd := range []struct {
		name       string
		healthGlob string
	}{
		{"harvester", filepath.Join(cfg.Sink.OutDir, "canonical", "ready", "*.jsonl")},
		{"signalgen", filepath.Join(cfg.Sink.OutDir, "signal", "ready", "*.jsonl")},
		{"strategy", filepath.Join(cfg.Sink.OutDir, "execlog", "ready", "*.jsonl")},
	} {
		if enabled[wd.name] {
			workers = append(workers, worker(cfg, wd.name, binDir, cfgPath, readyDir, wd.healthGlob))
		}
	}
	if len(workers) == 0 {
		logger.Error("no workers enabled", "enable", *enable)
		os.Exit(1)
	}

	runErr := orchestrator.New(cfg.Orchestrator, workers, logger).Run(ctx)

	noSignals := countGlob(filepath.Join(cfg.Sink.OutDir, "signal", "ready", "*.jsonl")) == 0
	manifest, ferr := builder.Finalize(noSignals)
	if ferr != nil {
		logger.Error("failed to finalize manifest", "error", ferr)
	}

	switch {
	case runErr != nil && ctx.Err() == nil:
		logger.Error("orchestrator exited with error", "error", runErr)
		os.Exit(1)
	case noSignals:
		logger.Warn("run produced no signal output", "run_id", manifest.RunID)
		os.Exit(2)
	}
	logger.Info("orchestrator stopped", "run_id", manifest.RunID)
}

// worker builds the orchestrator.Worker for one cmd/<name> binary,
// wiring its ready sentinel through a dedicated env var the same way
// cmdutil.TouchReady/ReadySentinelPath expect it on the child side. The
// health probe watches the worker's published ready/ files for growth.
func worker(cfg *config.Config, name, binDir, cfgPath, readyDir, healthGlob string) orchestrator.Worker {
	readyPath := filepath.Join(readyDir, name+".ready")
	binPath := filepath.Join(binDir, name)
	readyEnvVar := strings.ToUpper(name) + "_READY_FILE"

	return orchestrator.Worker{
		Name: name,
		Cmd: func(ctx context.Context) *exec.Cmd {
			_ = os.Remove(readyPath)
			cmd := exec.CommandContext(ctx, binPath)
			cmd.Env = append(os.Environ(),
				fmt.Sprintf("ORDERFLOW_CONFIG=%s", cfgPath),
				fmt.Sprintf("V13_SINK=%s", cfg.Sink.Mode),
				fmt.Sprintf("%s=%s", readyEnvVar, readyPath),
			)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd
		},
		Ready:  orchestrator.FileSentinelProbe{Path: readyPath, Interval: 200 * time.Millisecond},
		Health: &orchestrator.FileCountHealthProbe{Glob: healthGlob},
	}
}

func countGlob(pattern string) int {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	return len(matches)
}

// envSnapshot captures the recognized operational env vars for the run
// manifest; secrets are deliberately excluded.
func envSnapshot() map[string]string {
	snap := make(map[string]string)
	for _, name := range []string{
		"RUN_ID", "TIMEZONE", "V13_REPLAY_MODE", "V13_SINK",
		"FSYNC_EVERY_N", "SQLITE_BATCH_N", "SQLITE_FLUSH_MS",
	} {
		if v := os.Getenv(name); v != "" {
			snap[name] = v
		}
	}
	return snap
}

// gitHash returns the current commit hash for the run manifest's source
// snapshot, empty when git or a repository isn't available.
func gitHash() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
