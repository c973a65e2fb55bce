package harvester

import (
	"time"

	"orderflow-pipeline/internal/errtax"
)

// dqGate enforces the ingestion-time data-quality checks: stale book
// detection, clock skew, and duplicate-row suppression, one instance per
// symbol. Flagged rows are still counted (for the run manifest's
// DQSummary) but are never written to the sinks.
type dqGate struct {
	staleBookTimeout time.Duration
	maxClockSkewMs   int64
	duplicateWindow  time.Duration

	lastBookUpdate time.Time
	seenRowIDs     map[int64]time.Time

	counts map[errtax.Kind]int64
}

func newDQGate(staleBookTimeout time.Duration, maxClockSkewMs int64, duplicateWindow time.Duration) *dqGate {
	return &dqGate{
		staleBookTimeout: staleBookTimeout,
		maxClockSkewMs:   maxClockSkewMs,
		duplicateWindow:  duplicateWindow,
		seenRowIDs:       make(map[int64]time.Time),
		counts:           make(map[errtax.Kind]int64),
	}
}

// CheckRow runs the duplicate and clock-skew checks for an incoming row
// identified by rowID, tsMs (exchange-reported) and recvTsMs (local
// receive time). now is the current wall/sim time used for duplicate
// eviction. Returns nil if the row passes, or a classified *errtax.Error
// otherwise.
func (g *dqGate) CheckRow(rowID, tsMs, recvTsMs int64, now time.Time) error {
	g.evictExpired(now)

	if seenAt, ok := g.seenRowIDs[rowID]; ok && now.Sub(seenAt) <= g.duplicateWindow {
		g.record(errtax.KindDuplicateRow)
		return errtax.New(errtax.KindDuplicateRow, "duplicate row id within window")
	}
	g.seenRowIDs[rowID] = now

	skew := recvTsMs - tsMs
	if skew < 0 {
		skew = -skew
	}
	if g.maxClockSkewMs > 0 && skew > g.maxClockSkewMs {
		g.record(errtax.KindClockSkew)
		return errtax.New(errtax.KindClockSkew, "recv_ts_ms/ts_ms skew exceeds max_clock_skew_ms")
	}

	return nil
}

// NoteBookUpdate records that a fresh order-book update arrived at now,
// resetting the staleness clock.
func (g *dqGate) NoteBookUpdate(now time.Time) {
	g.lastBookUpdate = now
}

// IsBookStale reports whether now is farther than staleBookTimeout past
// the last observed book update.
func (g *dqGate) IsBookStale(now time.Time) bool {
	if g.lastBookUpdate.IsZero() {
		return false
	}
	stale := now.Sub(g.lastBookUpdate) > g.staleBookTimeout
	if stale {
		g.record(errtax.KindStaleData)
	}
	return stale
}

// Counts returns a snapshot of the accumulated DQ kind counters for the
// run manifest's DQSummary.
func (g *dqGate) Counts() map[errtax.Kind]int64 {
	out := make(map[errtax.Kind]int64, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}

func (g *dqGate) record(kind errtax.Kind) {
	g.counts[kind]++
}

func (g *dqGate) evictExpired(now time.Time) {
	if g.duplicateWindow <= 0 {
		return
	}
	for id, seenAt := range g.seenRowIDs {
		if now.Sub(seenAt) > g.duplicateWindow {
			delete(g.seenRowIDs, id)
		}
	}
}
