// Package orchestrator supervises the pipeline's worker processes:
// harvester, signalgen, strategy, and backtest/report run as separate OS
// processes, one per cmd/* binary, launched and restarted via os/exec.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"orderflow-pipeline/internal/config"
)

// Worker describes one supervised child process.
type Worker struct {
	Name string
	Cmd  func(ctx context.Context) *exec.Cmd
	// Ready reports whether the worker has signaled readiness.
	Ready Probe
	// Health is polled periodically once Ready succeeds; a failing
	// Health probe triggers the restart policy.
	Health Probe
}

// Orchestrator launches workers in order, restarts them on unexpected
// exit per OrchestratorConfig, and shuts them down in reverse order on
// cancellation.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	workers []Worker
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// New creates an Orchestrator for workers, started in the order given by
// cfg.StartOrder (workers not named there are appended in slice order).
func New(cfg config.OrchestratorConfig, workers []Worker, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		workers: orderWorkers(cfg.StartOrder, workers),
		logger:  logger.With("component", "orchestrator"),
		running: make(map[string]*exec.Cmd),
	}
}

func orderWorkers(order []string, workers []Worker) []Worker {
	if len(order) == 0 {
		return workers
	}
	byName := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byName[w.Name] = w
	}
	ordered := make([]Worker, 0, len(workers))
	seen := make(map[string]bool, len(workers))
	for _, name := range order {
		if w, ok := byName[name]; ok {
			ordered = append(ordered, w)
			seen[name] = true
		}
	}
	for _, w := range workers {
		if !seen[w.Name] {
			ordered = append(ordered, w)
		}
	}
	return ordered
}

// Run starts every worker in order, waiting for each to become ready
// before starting the next, then supervises them (restart-on-failure)
// until ctx is cancelled, at which point it shuts them down in reverse
// start order.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan string, len(o.workers))
	for _, w := range o.workers {
		if err := o.startAndWaitReady(runCtx, w); err != nil {
			o.logger.Error("worker failed to become ready", "worker", w.Name, "error", err)
			cancel()
			o.shutdown()
			return fmt.Errorf("start %s: %w", w.Name, err)
		}
		go o.supervise(runCtx, w, failed)
	}

	select {
	case <-ctx.Done():
		o.logger.Info("shutdown signal received, stopping workers")
		o.shutdown()
		return ctx.Err()
	case name := <-failed:
		o.logger.Error("worker failed permanently, stopping pipeline", "worker", name)
		cancel()
		o.shutdown()
		return fmt.Errorf("worker %s failed permanently", name)
	}
}

func (o *Orchestrator) startAndWaitReady(ctx context.Context, w Worker) error {
	cmd := w.Cmd(ctx)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	o.mu.Lock()
	o.running[w.Name] = cmd
	o.mu.Unlock()
	o.logger.Info("worker started", "worker", w.Name, "pid", cmd.Process.Pid)

	if w.Ready == nil {
		return nil
	}
	readyCtx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()
	if err := w.Ready.Wait(readyCtx); err != nil {
		return fmt.Errorf("ready probe: %w", err)
	}
	o.logger.Info("worker ready", "worker", w.Name)
	return nil
}

// supervise restarts w up to RestartMaxAttempts times, with backoff,
// whenever its process exits while ctx is still live. A failing health
// probe terminates the process, which lands it on the same restart path.
func (o *Orchestrator) supervise(ctx context.Context, w Worker, failed chan<- string) {
	attempts := 0
	for {
		o.mu.Lock()
		cmd := o.running[w.Name]
		o.mu.Unlock()
		if cmd == nil {
			return
		}

		healthCtx, stopHealth := context.WithCancel(ctx)
		if w.Health != nil && o.cfg.HealthInterval > 0 {
			go o.pollHealth(healthCtx, w, cmd)
		}
		err := cmd.Wait()
		stopHealth()
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempts++
		o.logger.Warn("worker exited unexpectedly", "worker", w.Name, "error", err, "attempt", attempts)
		if attempts > o.cfg.RestartMaxAttempts {
			o.logger.Error("worker exceeded max restart attempts, giving up", "worker", w.Name)
			failed <- w.Name
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.RestartBackoff * time.Duration(attempts)):
		}

		if err := o.startAndWaitReady(ctx, w); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("worker restart failed", "worker", w.Name, "error", err)
			failed <- w.Name
			return
		}
	}
}

// pollHealth checks w.Health every HealthInterval and SIGTERMs the
// worker's process on a failing probe, handing it to the restart policy.
func (o *Orchestrator) pollHealth(ctx context.Context, w Worker, cmd *exec.Cmd) {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthInterval)
		err := w.Health.Wait(probeCtx)
		cancel()
		if err != nil && ctx.Err() == nil {
			o.logger.Warn("health probe failed, terminating worker", "worker", w.Name, "error", err)
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
			return
		}
	}
}

// shutdown stops every running worker in reverse start order, granting
// each ShutdownGrace to exit after SIGTERM before SIGKILL.
func (o *Orchestrator) shutdown() {
	for i := len(o.workers) - 1; i >= 0; i-- {
		w := o.workers[i]
		o.mu.Lock()
		cmd := o.running[w.Name]
		o.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			continue
		}
		o.logger.Info("stopping worker", "worker", w.Name)
		_ = cmd.Process.Signal(syscall.SIGTERM)

		stopped := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(o.cfg.ShutdownGrace):
			o.logger.Warn("worker did not exit in time, killing", "worker", w.Name)
			_ = cmd.Process.Kill()
		}
	}
}
