package timeprovider

import (
	"testing"
	"time"
)

func TestSimClockAdvanceMonotonic(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	c := NewSimClock(start, 42)
	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	c.AdvanceMs(1_700_000_001_000)
	if c.NowMs() != 1_700_000_001_000 {
		t.Fatalf("NowMs() = %d, want 1_700_000_001_000", c.NowMs())
	}
	// Advancing backwards must not move the clock.
	c.AdvanceMs(1_700_000_000_500)
	if c.NowMs() != 1_700_000_001_000 {
		t.Fatalf("clock moved backwards: NowMs() = %d", c.NowMs())
	}
}

func TestSimClockDeterministicSeed(t *testing.T) {
	start := time.UnixMilli(0)
	a := NewSimClock(start, 7)
	b := NewSimClock(start, 7)
	seqA := []uint64{a.Rand().Uint64(), a.Rand().Uint64(), a.Rand().Uint64()}
	seqB := []uint64{b.Rand().Uint64(), b.Rand().Uint64(), b.Rand().Uint64()}
	for i := range seqA {
		if seqA[i] != seqB[i] {
			t.Fatalf("seed %d diverged at index %d: %d != %d", 7, i, seqA[i], seqB[i])
		}
	}
}

func TestWallClockNowAdvances(t *testing.T) {
	w := NewWallClock()
	t1 := w.NowMs()
	time.Sleep(2 * time.Millisecond)
	t2 := w.NowMs()
	if t2 < t1 {
		t.Fatalf("wall clock went backwards: %d -> %d", t1, t2)
	}
}
