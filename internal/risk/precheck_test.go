package risk

import (
	"testing"

	"orderflow-pipeline/internal/config"
	"orderflow-pipeline/internal/errtax"
)

func baseRiskCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPerSymbol: 10000,
		MaxGlobalExposure:    50000,
		MaxSlippageBps:       20,
	}
}

// consistencyMin/throttleThreshold used throughout: below 0.5 rejects,
// [0.5, 0.7) throttles (defers), 0.7+ clears the consistency gate.
const (
	testConsistencyMin    = 0.5
	testThrottleThreshold = 0.7
)

func TestPrecheckRejectsWarmup(t *testing.T) {
	o := baseOrder()
	o.Warmup = true
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindWarmup {
		t.Fatalf("expected KindWarmup, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckRejectsGuardReason(t *testing.T) {
	o := baseOrder()
	o.GuardReason = "spread_too_wide"
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindSpreadTooWide {
		t.Fatalf("expected KindSpreadTooWide, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckRejectsLowConsistency(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.1
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindLowConsistency {
		t.Fatalf("expected KindLowConsistency, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckThrottlesConsistencyBelowThrottleThreshold(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.6 // between consistencyMin(0.5) and throttleThreshold(0.7)
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Throttled {
		t.Fatalf("expected Throttled, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindLowConsistency {
		t.Fatalf("expected KindLowConsistency, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckThrottlesWeakSignalWithoutResizing(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.9
	o.Qty = 2
	o.WeakSignalThrottle = true
	outcome, out, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Throttled {
		t.Fatalf("expected Throttled, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindWeakSignalThrottle {
		t.Fatalf("expected KindWeakSignalThrottle, got %v", errtax.KindOf(err))
	}
	if out.Qty != 2 {
		t.Fatalf("expected qty left untouched at 2 on throttle, got %v", out.Qty)
	}
}

func TestPrecheckRejectsOverPerSymbolLimit(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.9
	o.Qty = 1000
	o.Price = 100
	exposure := Exposure{PerSymbolNotional: map[string]float64{"BTC-USD": 9500}}
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, exposure)
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindRiskLimitExceeded {
		t.Fatalf("expected KindRiskLimitExceeded, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckRejectsOverSingleOrderNotional(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.9
	o.Qty = 60
	o.Price = 100
	cfg := baseRiskCfg()
	cfg.MaxSingleOrderNotional = 5000
	outcome, _, err := Precheck(o, cfg, testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindRiskLimitExceeded {
		t.Fatalf("expected KindRiskLimitExceeded, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckRejectsOverGlobalExposure(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.9
	o.Qty = 10
	o.Price = 100
	exposure := Exposure{PerSymbolNotional: map[string]float64{}, GlobalNotional: 49500}
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, exposure)
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindRiskLimitExceeded {
		t.Fatalf("expected KindRiskLimitExceeded, got %v", errtax.KindOf(err))
	}
}

func TestPrecheckRoundsAndCapsLimitPrice(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.9
	o.Qty = 1.2345
	o.Price = 100.037
	outcome, out, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}
	if err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if out.Qty != 1.234 {
		t.Fatalf("expected qty rounded to 1.234, got %v", out.Qty)
	}
	if out.Price != 100.04 {
		t.Fatalf("expected price capped to 100.04, got %v", out.Price)
	}
}

func TestPrecheckRejectsSlippageExceeded(t *testing.T) {
	o := baseOrder()
	o.Consistency = 0.9
	o.CostsBps = 30
	outcome, _, err := Precheck(o, baseRiskCfg(), testConsistencyMin, testThrottleThreshold, Exposure{PerSymbolNotional: map[string]float64{}})
	if outcome != Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
	if errtax.KindOf(err) != errtax.KindSlippageExceeded {
		t.Fatalf("expected KindSlippageExceeded, got %v", errtax.KindOf(err))
	}
}
