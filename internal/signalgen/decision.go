// Package signalgen implements the decision engine: a
// deterministic, fingerprinted transform from one feature CanonicalRow
// into one SignalRecord. The decision procedure is a pure function of
// (row, state, config) — no package-level mutable state — so that two
// runs over identical input with identical config produce bit-identical
// output.
package signalgen

import (
	"math"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/pkg/types"
)

// AlgoState is the explicit, per-symbol state threaded through every
// Decide call. It replaces the "global mutable singleton" pattern the
// source used for warmup counters, consecutive-direction tracking, and
// dedupe sets.
type AlgoState struct {
	RowsSeen int

	lastDirection    types.Side
	consecutiveCount int

	lastExitTsMs  int64
	scoreExtremum float64
	sinceExit     bool

	dedupe map[string]int64 // "symbol|signal_type" -> last emission ts_ms
}

// NewAlgoState creates an empty per-symbol decision state.
func NewAlgoState() *AlgoState {
	return &AlgoState{dedupe: make(map[string]int64)}
}

// NoteExit records that a position was closed at exitTsMs, arming the
// post-exit cooldown (step 7) and resetting the score-extremum tracker
// used by the flip-rearm-margin check.
func (s *AlgoState) NoteExit(exitTsMs int64) {
	s.lastExitTsMs = exitTsMs
	s.sinceExit = true
	s.scoreExtremum = 0
}

// Decide runs the ordered decision procedure against
// one feature row, mutating state in place and returning the resulting
// SignalRecord. cfg is the process-wide SignalGenConfig; configHash is the
// stable digest of the full algorithm-relevant config, computed once at
// startup via ConfigHash and threaded through every record.
func Decide(row types.CanonicalRow, state *AlgoState, cfg config.SignalGenConfig, configHash string) types.SignalRecord {
	state.RowsSeen++

	rec := types.SignalRecord{
		SchemaVersion: "signal/v2",
		TsMs:          row.TsMs,
		Symbol:        row.Symbol,
		SignalRowID:   types.NewSignalRowID(row.Symbol, row.TsMs, row.RowID),
		ConfigHash:    configHash,
		RulesVer:      cfg.RulesVersion,
		FeaturesVer:   cfg.FeaturesVersion,
		Score:         row.FusionScore,
		Side:          types.None,
		Strength:      types.StrengthNone,
		SignalType:    types.SignalNone,
		Regime:        regimeOf(row.Scenario2x2),
		Scenario:      row.Scenario2x2,
		Consistency:   row.Consistency,
	}

	// Step 1: warmup.
	if cfg.WarmupRows > 0 && state.RowsSeen <= cfg.WarmupRows {
		rec.Warmup = true
		rec.Confirm = false
		rec.DecisionCode = types.DecisionWarmup
		return rec
	}

	// Step 2: baseline guards, evaluated in a fixed order so
	// guard_reason always reports the first violated guard.
	switch {
	case cfg.MaxLagMs > 0 && int64(row.LagMsToTrade) > cfg.MaxLagMs:
		rec.Gating = true
		rec.GuardReason = "lag_exceeds_cap"
		rec.DecisionCode = types.DecisionLagExceedsCap
		return rec
	case cfg.SpreadCapBps > 0 && row.SpreadBps > cfg.SpreadCapBps:
		rec.Gating = true
		rec.GuardReason = "spread_too_wide"
		rec.DecisionCode = types.DecisionSpreadTooWide
		return rec
	case cfg.ActivityMinTradesPerMin > 0 && row.TradesPerMin < cfg.ActivityMinTradesPerMin:
		rec.Gating = true
		rec.GuardReason = "market_inactive"
		rec.DecisionCode = types.DecisionMarketInactive
		return rec
	}

	// Step 3: scenario thresholds.
	buyThreshold, sellThreshold := scenarioThresholds(cfg, row.Scenario2x2)

	side := types.None
	switch {
	case rec.Score >= buyThreshold:
		side = types.Buy
	case rec.Score <= sellThreshold:
		side = types.Sell
	}
	rec.Side = side

	// Step 4: weak-signal throttle.
	if cfg.WeakSignalThreshold > 0 && math.Abs(rec.Score) < cfg.WeakSignalThreshold {
		rec.WeakSignalThrottle = true
	}

	// Step 5: consistency gate.
	if row.Consistency < cfg.ConsistencyMin {
		rec.Confirm = false
		rec.DecisionCode = types.DecisionLowConsistency
		updateDirectionTracking(state, side, rec.Score)
		return rec
	}

	// Step 6: consecutive-direction confirmation.
	confirmedRun := updateDirectionTracking(state, side, rec.Score) && state.consecutiveCount >= max(1, cfg.ConsecutiveConfirm)
	if side == types.None || !confirmedRun {
		rec.Confirm = false
		rec.DecisionCode = types.DecisionInsufficientConsecutive
		return rec
	}

	// Step 7: reverse rearm / post-exit cooldown.
	if state.sinceExit {
		withinCooldown := cfg.ReverseCooldown > 0 && row.TsMs-state.lastExitTsMs < cfg.ReverseCooldown.Milliseconds()
		reversing := isOpposite(side, state.lastDirection)
		if withinCooldown && reversing {
			rec.Confirm = false
			rec.DecisionCode = types.DecisionCooldownAfterExit
			rec.Gating = true
			rec.GuardReason = "cooldown_after_exit"
			return rec
		}
		withinFlipMargin := cfg.FlipRearmMargin > 0 && math.Abs(rec.Score-state.scoreExtremum) < cfg.FlipRearmMargin
		if reversing && withinFlipMargin {
			rec.Confirm = false
			rec.DecisionCode = types.DecisionFlipRearmMargin
			rec.Gating = true
			rec.GuardReason = "flip_rearm_margin"
			return rec
		}
	}

	rec.Strength, rec.SignalType = classify(side, rec.Score, cfg.StrongScoreThreshold)

	// Step 8: dedupe.
	key := row.Symbol + "|" + string(rec.SignalType)
	if lastTs, ok := state.dedupe[key]; ok && cfg.DedupeWindow > 0 && row.TsMs-lastTs < cfg.DedupeWindow.Milliseconds() {
		rec.Confirm = false
		rec.DecisionCode = types.DecisionDeduped
		return rec
	}
	state.dedupe[key] = row.TsMs
	pruneDedupe(state, row.TsMs, cfg.DedupeWindow)

	rec.Confirm = true
	rec.DecisionCode = types.DecisionOK
	return rec
}

// updateDirectionTracking folds the current side into the consecutive-
// same-direction counter and returns false for a None side, true
// otherwise; the caller compares the count against cfg.ConsecutiveConfirm.
// A None side or a direction flip resets the run.
func updateDirectionTracking(state *AlgoState, side types.Side, score float64) bool {
	if side == types.None || side != state.lastDirection {
		state.lastDirection = side
		state.consecutiveCount = 0
	}
	if side == types.None {
		return false
	}
	state.consecutiveCount++
	if math.Abs(score) > math.Abs(state.scoreExtremum) {
		state.scoreExtremum = score
	}
	return true
}

func isOpposite(a, b types.Side) bool {
	return (a == types.Buy && b == types.Sell) || (a == types.Sell && b == types.Buy)
}

func pruneDedupe(state *AlgoState, nowTsMs int64, window interface{ Milliseconds() int64 }) {
	w := window.Milliseconds()
	if w <= 0 {
		return
	}
	for k, ts := range state.dedupe {
		if nowTsMs-ts > w {
			delete(state.dedupe, k)
		}
	}
}

// scenarioThresholds returns the buy/sell score thresholds for the active
// scenario bucket, applying any configured per-bucket offset.
func scenarioThresholds(cfg config.SignalGenConfig, scenario types.Scenario) (buy, sell float64) {
	buy = cfg.ScoreThreshold
	sell = -cfg.ScoreThreshold
	if offset, ok := cfg.ScenarioOverrides[string(scenario)]; ok {
		buy += offset
		sell -= offset
	}
	return buy, sell
}

// classify buckets a confirmed signal's strength/type from |score|.
func classify(side types.Side, score, strongThreshold float64) (types.Strength, types.SignalType) {
	strong := strongThreshold > 0 && math.Abs(score) >= strongThreshold
	switch {
	case side == types.Buy && strong:
		return types.StrengthStrong, types.SignalStrongBuy
	case side == types.Buy:
		return types.StrengthNormal, types.SignalBuy
	case side == types.Sell && strong:
		return types.StrengthStrong, types.SignalStrongSell
	case side == types.Sell:
		return types.StrengthNormal, types.SignalSell
	default:
		return types.StrengthNone, types.SignalNone
	}
}

func regimeOf(scenario types.Scenario) types.Regime {
	switch scenario {
	case types.ScenarioActiveHigh, types.ScenarioActiveLow:
		return types.RegimeActive
	default:
		return types.RegimeQuiet
	}
}
