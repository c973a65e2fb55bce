// Package timeprovider is the sole source of time and randomness in the
// pipeline. Every component threads time through this interface instead of
// calling time.Now() directly, so a backtest run can replay historical data
// under a simulated clock with deterministic, seeded randomness.
package timeprovider

import (
	"math/rand/v2"
	"sync"
	"time"
)

// TimeProvider abstracts wall-clock time so live and backtest components
// share the same code path.
type TimeProvider interface {
	Now() time.Time
	NowMs() int64
	Sleep(d time.Duration)
	Rand() *rand.Rand
}

// WallClock is the live/testnet TimeProvider: it delegates to the real
// clock and a process-seeded RNG.
type WallClock struct {
	rng *rand.Rand
}

// NewWallClock returns a WallClock seeded from the current time.
func NewWallClock() *WallClock {
	now := time.Now()
	src := rand.NewPCG(uint64(now.UnixNano()), uint64(now.Unix()))
	return &WallClock{rng: rand.New(src)}
}

func (w *WallClock) Now() time.Time          { return time.Now() }
func (w *WallClock) NowMs() int64            { return time.Now().UnixMilli() }
func (w *WallClock) Sleep(d time.Duration)   { time.Sleep(d) }
func (w *WallClock) Rand() *rand.Rand        { return w.rng }

// SimClock is the backtest TimeProvider: its clock advances only when
// Advance is called (driven by the next replayed row's timestamp), and its
// RNG is deterministically seeded so repeated runs of the same input and
// config produce byte-identical output.
type SimClock struct {
	mu  sync.Mutex
	now time.Time
	rng *rand.Rand
}

// NewSimClock creates a SimClock starting at start and seeded with seed.
func NewSimClock(start time.Time, seed int64) *SimClock {
	src := rand.NewPCG(uint64(seed), uint64(seed>>32)|1)
	return &SimClock{now: start, rng: rand.New(src)}
}

func (s *SimClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *SimClock) NowMs() int64 {
	return s.Now().UnixMilli()
}

// Sleep is a no-op under simulated time: the clock only advances via
// Advance, driven by the replay loop.
func (s *SimClock) Sleep(d time.Duration) {}

func (s *SimClock) Rand() *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng
}

// Advance moves the simulated clock forward to t. Advance is a no-op if t
// is before the current simulated time, since replayed rows are expected
// to arrive in non-decreasing timestamp order.
func (s *SimClock) Advance(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.now) {
		s.now = t
	}
}

// AdvanceMs is a convenience wrapper around Advance for epoch-millisecond
// timestamps, the unit used throughout CanonicalRow/SignalRecord.
func (s *SimClock) AdvanceMs(tsMs int64) {
	s.Advance(time.UnixMilli(tsMs))
}
