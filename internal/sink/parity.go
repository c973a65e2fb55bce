package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// topDifferingMinutes bounds how many worst-windows ride along in the
// parity artifact.
const topDifferingMinutes = 5

// minuteHistoryLimit bounds the in-memory rolling window history kept per
// sink so long-running processes don't grow this list unbounded.
const minuteHistoryLimit = 120

// MetricDiff is the per-metric comparison between the JSONL- and
// SQLite-observed counts for one parity window.
type MetricDiff struct {
	Name        string  `json:"name"`
	JSONLCount  int64   `json:"jsonl_count"`
	SQLiteCount int64   `json:"sqlite_count"`
	DiffPct     float64 `json:"diff_pct"`
	Tolerance   float64 `json:"tolerance"`
	Passed      bool    `json:"passed"`
}

// MinuteDiff records one rolling window's per-metric diffs.
type MinuteDiff struct {
	WindowStartMs int64        `json:"window_start_ms"`
	WindowEndMs   int64        `json:"window_end_ms"`
	Metrics       []MetricDiff `json:"metrics"`
	MaxDiffPct    float64      `json:"max_diff_pct"`
	Passed        bool         `json:"passed"`
}

// ParityDiffReport is the artifact written to
// `<root>/artifacts/parity_diff_<ts>.json`: per-metric diff, the overlap
// window it covers, the
// worst-N differing minutes, and an overall pass/fail.
type ParityDiffReport struct {
	Symbol              string       `json:"symbol"`
	GeneratedAtMs       int64        `json:"generated_at_ms"`
	OverlapStartMs      int64        `json:"overlap_start_ms"`
	OverlapEndMs        int64        `json:"overlap_end_ms"`
	Minutes             []MinuteDiff `json:"minutes"`
	TopDifferingMinutes []MinuteDiff `json:"top_differing_minutes"`
	OverallPassed       bool         `json:"overall_passed"`
}

// jsonlBreakdown is the JSONL-side accumulator mirroring SignalBreakdown,
// built incrementally as records are written between parity checks.
type jsonlBreakdown struct {
	total           int64
	buyCount        int64
	sellCount       int64
	strongBuyCount  int64
	strongSellCount int64
	gating          map[string]int64
}

func newJSONLBreakdown() jsonlBreakdown {
	return jsonlBreakdown{gating: make(map[string]int64)}
}

// diffMetrics compares the JSONL and SQLite breakdowns for one window,
// applying the 5% counter tolerance to every metric,
// including each gating_breakdown decision code.
func diffMetrics(jsonl jsonlBreakdown, sqlite SignalBreakdown) []MetricDiff {
	const counterTolerance = 0.05

	metric := func(name string, j, s int64) MetricDiff {
		diff := j - s
		if diff < 0 {
			diff = -diff
		}
		maxJS := j
		if s > maxJS {
			maxJS = s
		}
		diffPct := 0.0
		if maxJS > 0 {
			diffPct = float64(diff) / float64(maxJS)
		}
		return MetricDiff{
			Name:        name,
			JSONLCount:  j,
			SQLiteCount: s,
			DiffPct:     diffPct,
			Tolerance:   counterTolerance,
			Passed:      diffPct <= counterTolerance,
		}
	}

	metrics := []MetricDiff{
		metric("total", jsonl.total, sqlite.Total),
		metric("buy_count", jsonl.buyCount, sqlite.BuyCount),
		metric("sell_count", jsonl.sellCount, sqlite.SellCount),
		metric("strong_buy_count", jsonl.strongBuyCount, sqlite.StrongBuyCount),
		metric("strong_sell_count", jsonl.strongSellCount, sqlite.StrongSellCount),
	}

	codes := make(map[string]struct{})
	for code := range jsonl.gating {
		codes[code] = struct{}{}
	}
	for code := range sqlite.GatingBreakdown {
		codes[code] = struct{}{}
	}
	sortedCodes := make([]string, 0, len(codes))
	for code := range codes {
		sortedCodes = append(sortedCodes, code)
	}
	sort.Strings(sortedCodes)
	for _, code := range sortedCodes {
		metrics = append(metrics, metric("gating_breakdown."+code, jsonl.gating[code], sqlite.GatingBreakdown[code]))
	}

	return metrics
}

func buildMinuteDiff(windowStartMs, windowEndMs int64, metrics []MetricDiff) MinuteDiff {
	m := MinuteDiff{WindowStartMs: windowStartMs, WindowEndMs: windowEndMs, Metrics: metrics, Passed: true}
	for _, md := range metrics {
		if md.DiffPct > m.MaxDiffPct {
			m.MaxDiffPct = md.DiffPct
		}
		if !md.Passed {
			m.Passed = false
		}
	}
	return m
}

// buildParityDiffReport assembles the full report from the rolling
// minute history, selecting the worst topDifferingMinutes windows.
func buildParityDiffReport(symbol string, nowMs int64, minutes []MinuteDiff) ParityDiffReport {
	report := ParityDiffReport{
		Symbol:        symbol,
		GeneratedAtMs: nowMs,
		Minutes:       minutes,
		OverallPassed: true,
	}
	if len(minutes) > 0 {
		report.OverlapStartMs = minutes[0].WindowStartMs
		report.OverlapEndMs = minutes[len(minutes)-1].WindowEndMs
	}
	for _, m := range minutes {
		if !m.Passed {
			report.OverallPassed = false
		}
	}

	ranked := append([]MinuteDiff(nil), minutes...)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].MaxDiffPct > ranked[j].MaxDiffPct })
	if len(ranked) > topDifferingMinutes {
		ranked = ranked[:topDifferingMinutes]
	}
	report.TopDifferingMinutes = ranked

	return report
}

// writeParityDiffArtifact atomically publishes report to
// `<root>/artifacts/parity_diff_<ts>.json` (write-tmp-then-rename,
// mirroring internal/store.Store.SaveManifest's crash-safe publish).
func writeParityDiffArtifact(root string, report ParityDiffReport) error {
	dir := filepath.Join(root, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal parity diff report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("parity_diff_%d.json", report.GeneratedAtMs))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write parity diff artifact: %w", err)
	}
	return os.Rename(tmp, path)
}
