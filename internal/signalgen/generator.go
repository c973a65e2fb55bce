package signalgen

import (
	"context"
	"log/slog"
	"time"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/pkg/types"
)

// Sink is the subset of sink.SignalSink's surface the generator needs.
type Sink interface {
	WriteSignalRecord(now time.Time, rec types.SignalRecord) error
	Flush() error
}

// Clock is the subset of timeprovider.TimeProvider the generator needs.
type Clock interface {
	Now() time.Time
}

// Generator consumes feature rows for one symbol from rowCh and emits one
// SignalRecord per row through Sink. The run loop is a ticker-free
// channel select with flush-on-cancel.
type Generator struct {
	symbol     string
	cfg        config.SignalGenConfig
	configHash string
	state      *AlgoState
	rowCh      <-chan types.CanonicalRow
	clock      Clock
	sink       Sink
	logger     *slog.Logger
}

// New creates a Generator for one symbol. configHash is computed once at
// process start (ConfigHash(cfg)) and stamped onto every emitted record.
func New(symbol string, cfg config.SignalGenConfig, configHash string, rowCh <-chan types.CanonicalRow, clock Clock, out Sink, logger *slog.Logger) *Generator {
	return &Generator{
		symbol:     symbol,
		cfg:        cfg,
		configHash: configHash,
		state:      NewAlgoState(),
		rowCh:      rowCh,
		clock:      clock,
		sink:       out,
		logger:     logger.With("component", "signalgen", "symbol", symbol),
	}
}

// Run consumes feature rows until ctx is cancelled or rowCh closes,
// deciding and writing one SignalRecord per row.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("signal generator started")
	for {
		select {
		case <-ctx.Done():
			_ = g.sink.Flush()
			g.logger.Info("signal generator stopped")
			return ctx.Err()
		case row, ok := <-g.rowCh:
			if !ok {
				_ = g.sink.Flush()
				return nil
			}
			if row.Kind != types.KindFeature {
				continue
			}
			g.decideAndEmit(row)
		}
	}
}

func (g *Generator) decideAndEmit(row types.CanonicalRow) {
	rec := Decide(row, g.state, g.cfg, g.configHash)
	if err := g.sink.WriteSignalRecord(g.clock.Now(), rec); err != nil {
		g.logger.Error("write signal record failed", "error", err, "signal_row_id", rec.SignalRowID)
	}
}

// NoteExit forwards a position-exit notification to the underlying
// AlgoState, arming the post-exit cooldown/flip-rearm checks. Called by
// the executor layer once it observes a terminal fill
// or cancel for this symbol.
func (g *Generator) NoteExit(exitTsMs int64) {
	g.state.NoteExit(exitTsMs)
}
