// Package backtest implements the deterministic matching engine that
// replaces the Live executor during replay: it consumes the
// exact same Signal Generator output as live trading and fills orders
// against replayed feature rows using a fixed cost model, so Backtest and
// Live-dry-run decisions are bit-identical by construction —
// the only divergence allowed is in execution (simulated fill vs. real
// exchange ack), never in decision-making.
package backtest

import (
	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

// ExitReason enumerates why a simulated position was closed.
type ExitReason string

const (
	ExitTakeProfit    ExitReason = "take_profit"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTimeNeutral   ExitReason = "time_neutral"
	ExitReverseSignal ExitReason = "reverse_signal"
)

// Trade is one closed round-trip position, the unit written to trades.jsonl.
type Trade struct {
	Symbol      string     `json:"symbol"`
	Side        types.Side `json:"side"`
	EntryTsMs   int64      `json:"entry_ts_ms"`
	ExitTsMs    int64      `json:"exit_ts_ms"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   float64    `json:"exit_price"`
	Qty         float64    `json:"qty"`
	PnL         float64    `json:"pnl"`
	FeesBps     float64    `json:"fees_bps"`
	SlippageBps float64    `json:"slippage_bps"`
	ExitReason  ExitReason `json:"exit_reason"`
}

// openPosition is the in-flight state of a simulated entry awaiting exit.
type openPosition struct {
	side       types.Side
	entryTsMs  int64
	entryPrice float64
	qty        float64
}

// Simulator replays (CanonicalRow, SignalRecord) pairs in ts_ms order and
// emits a Trade each time a position closes. One Simulator instance
// tracks at most one open position per symbol — the signal generator's
// own cooldown/rearm logic (internal/signalgen) is what prevents pyramiding.
type Simulator struct {
	cfg   config.BacktestConfig
	clock *timeprovider.SimClock

	open   map[string]*openPosition
	trades []Trade
}

// NewSimulator creates a Simulator driven by clock, the same SimClock
// the replay driver advances as it feeds rows through the Signal Generator.
func NewSimulator(cfg config.BacktestConfig, clock *timeprovider.SimClock) *Simulator {
	return &Simulator{cfg: cfg, clock: clock, open: make(map[string]*openPosition)}
}

// Step processes one feature row and its corresponding signal decision.
// Returns the Trade if this step closed a position, or nil otherwise.
func (s *Simulator) Step(row types.CanonicalRow, sig types.SignalRecord) *Trade {
	if pos, ok := s.open[row.Symbol]; ok {
		if trade, closed := s.maybeExit(row, sig, pos); closed {
			delete(s.open, row.Symbol)
			s.trades = append(s.trades, trade)
			if sig.Confirm && sig.Side != types.None && sig.Side != pos.side {
				s.enter(row, sig)
			}
			return &trade
		}
		return nil
	}

	if sig.Confirm && sig.Side != types.None {
		s.enter(row, sig)
	}
	return nil
}

func (s *Simulator) enter(row types.CanonicalRow, sig types.SignalRecord) {
	fillPrice := s.fillPrice(row.Mid, sig.Side)
	s.open[row.Symbol] = &openPosition{
		side:       sig.Side,
		entryTsMs:  row.TsMs,
		entryPrice: fillPrice,
		qty:        1,
	}
}

func (s *Simulator) maybeExit(row types.CanonicalRow, sig types.SignalRecord, pos *openPosition) (Trade, bool) {
	reason, exit := s.exitCondition(row, sig, pos)
	if !exit {
		return Trade{}, false
	}

	exitSide := types.Sell
	if pos.side == types.Sell {
		exitSide = types.Buy
	}
	exitPrice := s.fillPrice(row.Mid, exitSide)

	sideSign := 1.0
	if pos.side == types.Sell {
		sideSign = -1.0
	}
	grossPnL := (exitPrice - pos.entryPrice) * pos.qty * sideSign
	fees := (pos.entryPrice + exitPrice) * pos.qty * s.cfg.FeeBps / 10000

	return Trade{
		Symbol:      row.Symbol,
		Side:        pos.side,
		EntryTsMs:   pos.entryTsMs,
		ExitTsMs:    row.TsMs,
		EntryPrice:  pos.entryPrice,
		ExitPrice:   exitPrice,
		Qty:         pos.qty,
		PnL:         grossPnL - fees,
		FeesBps:     s.cfg.FeeBps,
		SlippageBps: s.cfg.SlippageBpsPerUnitSize,
		ExitReason:  reason,
	}, true
}

func (s *Simulator) exitCondition(row types.CanonicalRow, sig types.SignalRecord, pos *openPosition) (ExitReason, bool) {
	sideSign := 1.0
	if pos.side == types.Sell {
		sideSign = -1.0
	}
	moveBps := (row.Mid - pos.entryPrice) / pos.entryPrice * 10000 * sideSign

	if s.cfg.TakeProfitBps > 0 && moveBps >= s.cfg.TakeProfitBps {
		return ExitTakeProfit, true
	}
	if s.cfg.StopLossBps > 0 && moveBps <= -s.cfg.StopLossBps {
		return ExitStopLoss, true
	}
	if s.cfg.MaxHoldSeconds > 0 && (row.TsMs-pos.entryTsMs) >= s.cfg.MaxHoldSeconds*1000 {
		return ExitTimeNeutral, true
	}
	if sig.Confirm && sig.Side != types.None && sig.Side != pos.side {
		return ExitReverseSignal, true
	}
	return "", false
}

// fillPrice applies the linear slippage model:
// buys fill above mid, sells fill below, proportional to configured bps.
func (s *Simulator) fillPrice(mid float64, side types.Side) float64 {
	offset := mid * s.cfg.SlippageBpsPerUnitSize / 10000
	if side == types.Buy {
		return mid + offset
	}
	return mid - offset
}

// Trades returns every closed trade recorded so far, in close order.
func (s *Simulator) Trades() []Trade {
	return s.trades
}

// OpenPositionCount reports how many symbols have a currently open
// simulated position.
func (s *Simulator) OpenPositionCount() int {
	return len(s.open)
}
