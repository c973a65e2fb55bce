package signalgen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"orderflow-pipeline/internal/config"
)

// ConfigHash computes the stable digest embedded as config_hash in every
// SignalRecord: a canonicalized (sorted-key) JSON encoding
// of every algorithm-relevant config field, SHA-256 hashed and truncated
// to a 16-character (8-byte) hex prefix. Two processes started from the same config
// values — regardless of map iteration order — produce the same hash.
func ConfigHash(cfg config.SignalGenConfig) string {
	canonical := canonicalize(map[string]any{
		"rules_version":              cfg.RulesVersion,
		"features_version":           cfg.FeaturesVersion,
		"score_threshold":            cfg.ScoreThreshold,
		"strong_score_threshold":     cfg.StrongScoreThreshold,
		"consistency_min":            cfg.ConsistencyMin,
		"consecutive_confirm":        cfg.ConsecutiveConfirm,
		"reverse_cooldown_ms":        cfg.ReverseCooldown.Milliseconds(),
		"weak_signal_threshold":      cfg.WeakSignalThreshold,
		"dedupe_window_ms":           cfg.DedupeWindow.Milliseconds(),
		"max_lag_ms":                 cfg.MaxLagMs,
		"spread_cap_bps":             cfg.SpreadCapBps,
		"activity_min_trades_per_min": cfg.ActivityMinTradesPerMin,
		"warmup_rows":                cfg.WarmupRows,
		"scenario_overrides":         cfg.ScenarioOverrides,
		"flip_rearm_margin":          cfg.FlipRearmMargin,
	})

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize re-marshals v through an ordered-map pass so struct/map key
// order never affects the resulting bytes: encoding/json already sorts
// map[string]any keys, so a single Marshal is sufficient here as long as
// every nested value is itself a map/slice/primitive (true for the flat
// config snapshot above).
func canonicalize(v map[string]any) []byte {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v[k])
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return ordered
}
