package signalgen

import (
	"testing"
)

func TestConfigHashStableAndOrderIndependent(t *testing.T) {
	cfg1 := baseCfg()
	cfg1.ScenarioOverrides = map[string]float64{"A_H": 0.1, "Q_L": -0.2}

	cfg2 := baseCfg()
	cfg2.ScenarioOverrides = map[string]float64{"Q_L": -0.2, "A_H": 0.1}

	h1 := ConfigHash(cfg1)
	h2 := ConfigHash(cfg2)
	if h1 != h2 {
		t.Fatalf("hash should be independent of map insertion order: %s != %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-char hash prefix, got %d chars", len(h1))
	}
}

func TestConfigHashChangesWithConfig(t *testing.T) {
	cfg1 := baseCfg()
	cfg2 := baseCfg()
	cfg2.ScoreThreshold = 5.0

	if ConfigHash(cfg1) == ConfigHash(cfg2) {
		t.Fatal("different configs should hash differently")
	}
}
