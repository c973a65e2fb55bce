// Package config defines all configuration for the order-flow pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ORDERFLOW_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	RunID      string           `mapstructure:"run_id"`
	Mode       string           `mapstructure:"mode"`
	Symbols    []string         `mapstructure:"symbols"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Harvester  HarvesterConfig  `mapstructure:"harvester"`
	Features   FeaturesConfig   `mapstructure:"features"`
	SignalGen  SignalGenConfig  `mapstructure:"signalgen"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ExchangeConfig holds connection endpoints and API credentials. The
// credentials are used as configured: exchange.NewAuth returns an error
// when APIKey or Secret is empty and does not derive them.
type ExchangeConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	APIKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
	// Filters holds per-symbol exchange quantization rules, keyed by symbol.
	// Populated from static config rather than a live instruments endpoint
	// since no such endpoint is in scope.
	Filters map[string]SymbolFilter `mapstructure:"filters"`
}

// SymbolFilter is the per-symbol order quantization rule applied when
// converting a signal into an order.
type SymbolFilter struct {
	TickSize    float64 `mapstructure:"tick_size"`
	StepSize    float64 `mapstructure:"step_size"`
	MinNotional float64 `mapstructure:"min_notional"`
}

// HarvesterConfig tunes ingestion, normalization, and the data-quality gate.
//
//   - StaleBookTimeout: drop/flag rows if no book update within this window.
//   - MaxClockSkewMs: max allowed |recv_ts_ms - ts_ms| before a row is flagged.
//   - DuplicateWindow: window used to dedupe repeated exchange messages.
type HarvesterConfig struct {
	StaleBookTimeout time.Duration `mapstructure:"stale_book_timeout"`
	MaxClockSkewMs   int64         `mapstructure:"max_clock_skew_ms"`
	DuplicateWindow  time.Duration `mapstructure:"duplicate_window"`
	DepthLevels      int           `mapstructure:"depth_levels"`
	// ReplayMode makes the harvester report readiness immediately instead
	// of waiting for first rows per (symbol, kind), since a replay source
	// produces rows on demand rather than from a live stream. Overridable
	// via V13_REPLAY_MODE=1.
	ReplayMode bool `mapstructure:"replay_mode"`
}

// FeaturesConfig tunes OFI/CVD/Fusion/Scenario computation.
//
//   - OFIAlpha: EMA decay for order-flow imbalance.
//   - ZWindow: rolling window size for z-score normalization.
//   - CVDPropagationCap: max CVD contribution per trade.
//   - CVDMaxPropagationTicks / CVDMaxPropagationTimeMs: the tick-count and
//     elapsed-time bounds on how long an unchanged-price trade keeps
//     inheriting the prior trade's direction (default 50 ticks / 2000ms).
//   - FusionWeightOFI / FusionWeightCVD: weighted-sum fusion coefficients;
//     must sum to 1.0 (checked by Validate).
//   - ActiveTradesPerMin: trades/min threshold separating active vs quiet regime.
//   - HighVolSpreadBps: spread threshold separating high vs low volatility scenario.
type FeaturesConfig struct {
	OFIAlpha                float64       `mapstructure:"ofi_alpha"`
	ZWindow                 int           `mapstructure:"z_window"`
	CVDPropagationCap       float64       `mapstructure:"cvd_propagation_cap"`
	CVDMaxPropagationTicks  int           `mapstructure:"cvd_max_propagation_ticks"`
	CVDMaxPropagationTimeMs int64         `mapstructure:"cvd_max_propagation_time_ms"`
	FusionWeightOFI         float64       `mapstructure:"fusion_weight_ofi"`
	FusionWeightCVD         float64       `mapstructure:"fusion_weight_cvd"`
	ActiveTradesPerMin      float64       `mapstructure:"active_trades_per_min"`
	HighVolSpreadBps        float64       `mapstructure:"high_vol_spread_bps"`
	WarmupRows              int           `mapstructure:"warmup_rows"`
	RefreshInterval         time.Duration `mapstructure:"refresh_interval"`
}

// SignalGenConfig tunes the decision engine.
//
//   - ScoreThreshold / StrongScoreThreshold: score buckets for normal vs strong signal.
//   - ConsistencyMin: minimum OFI/CVD agreement to confirm a signal.
//   - ConsecutiveConfirm: number of same-direction rows required before confirm.
//   - ReverseCooldown: lockout after a reversal before re-arming.
//   - WeakSignalThreshold: |score| floor below which a confirmed signal is
//     still emitted but flagged for downstream throttling.
//   - DedupeWindow: window within which a repeat signal with the same
//     (symbol, signal_type) is suppressed.
type SignalGenConfig struct {
	RulesVersion          string        `mapstructure:"rules_version"`
	FeaturesVersion       string        `mapstructure:"features_version"`
	ScoreThreshold        float64       `mapstructure:"score_threshold"`
	StrongScoreThreshold  float64       `mapstructure:"strong_score_threshold"`
	ConsistencyMin        float64       `mapstructure:"consistency_min"`
	ConsecutiveConfirm    int           `mapstructure:"consecutive_confirm"`
	ReverseCooldown       time.Duration `mapstructure:"reverse_cooldown"`
	WeakSignalThreshold   float64       `mapstructure:"weak_signal_threshold"`
	DedupeWindow          time.Duration `mapstructure:"dedupe_window"`
	MaxLagMs              int64         `mapstructure:"max_lag_ms"`
	SpreadCapBps          float64       `mapstructure:"spread_cap_bps"`
	ActivityMinTradesPerMin float64     `mapstructure:"activity_min_trades_per_min"`
	WarmupRows            int           `mapstructure:"warmup_rows"`
	// ScenarioOverrides adds a per-bucket offset to the base buy/sell score
	// threshold, keyed by the Scenario string value (e.g. "A_H").
	ScenarioOverrides     map[string]float64 `mapstructure:"scenario_overrides"`
	FlipRearmMargin       float64       `mapstructure:"flip_rearm_margin"`
}

// RiskConfig sets hard limits enforced at order precheck.
//
//   - MaxPositionPerSymbol: max USD exposure in any single symbol.
//   - MaxGlobalExposure: max USD exposure across ALL active symbols combined.
//   - MaxSingleOrderNotional: max USD notional of any one order, checked
//     independently of accumulated exposure; zero disables.
//   - MaxOrdersPerMinute: global order-submission rate cap.
//   - MaxSlippageBps: reject if estimated slippage exceeds this.
//   - KillSwitchDropPct / KillSwitchWindowSec: rapid price-movement kill switch.
//   - MaxDailyLoss: max combined (realized + unrealized) loss before kill switch.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
//   - ThrottleThreshold: consistency band above ConsistencyMin below
//     which an order is deferred rather than
//     rejected outright; must be set above SignalGen.ConsistencyMin.
type RiskConfig struct {
	MaxPositionPerSymbol   float64       `mapstructure:"max_position_per_symbol"`
	MaxGlobalExposure      float64       `mapstructure:"max_global_exposure"`
	MaxSingleOrderNotional float64       `mapstructure:"max_single_order_notional"`
	MaxOrdersPerMinute     int           `mapstructure:"max_orders_per_minute"`
	MaxSlippageBps         float64       `mapstructure:"max_slippage_bps"`
	KillSwitchDropPct      float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec    int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss           float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill      time.Duration `mapstructure:"cooldown_after_kill"`
	ThrottleThreshold      float64       `mapstructure:"throttle_threshold"`
}

// ExecutorConfig selects and tunes the execution backend.
//
//   - Backend: one of "backtest", "testnet", "live".
//   - ShadowEnabled: run a parallel shadow executor and compute parity.
//   - ThrottleInitialCapacity / ThrottleMinCapacity / ThrottleMaxCapacity:
//     adaptive throttler base rate and its hard floor/ceiling; the
//     market-activity multiplier never takes capacity outside
//     [ThrottleMinCapacity, ThrottleMaxCapacity].
//   - ThrottleDenyRateWindow: window used to measure deny rate for capacity adjustment.
//   - IdempotencyTTL: how long client_order_ids are remembered to suppress duplicate submits.
type ExecutorConfig struct {
	Backend                 string        `mapstructure:"backend"`
	ShadowEnabled           bool          `mapstructure:"shadow_enabled"`
	ThrottleInitialCapacity float64       `mapstructure:"throttle_initial_capacity"`
	ThrottleMinCapacity     float64       `mapstructure:"throttle_min_capacity"`
	ThrottleMaxCapacity     float64       `mapstructure:"throttle_max_capacity"`
	ThrottleRefillPerSec    float64       `mapstructure:"throttle_refill_per_sec"`
	ThrottleDenyRateWindow  time.Duration `mapstructure:"throttle_deny_rate_window"`
	IdempotencyTTL          time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyCacheSize    int           `mapstructure:"idempotency_cache_size"`
	SubmitTimeout           time.Duration `mapstructure:"submit_timeout"`
	// BaseOrderQty is the fixed order size used when converting a signal
	// into an order, before exchange-filter rounding. A fixed size keeps
	// the mapping from score to
	// qty simple and auditable; a volatility-scaled sizing model is out of
	// scope for now.
	BaseOrderQty            float64       `mapstructure:"base_order_qty"`
}

// BacktestConfig tunes the deterministic fill simulator and cost model.
//
//   - FeeBps: maker/taker fee in basis points applied to every fill.
//   - SlippageBpsPerUnitSize: linear slippage model, bps of price per unit
//     of order size (book depth is not taken into account).
//   - SeedRNG: deterministic seed for any randomized tie-breaking.
type BacktestConfig struct {
	FeeBps                 float64 `mapstructure:"fee_bps"`
	SlippageBpsPerUnitSize  float64 `mapstructure:"slippage_bps_per_unit_size"`
	SeedRNG                 int64   `mapstructure:"seed_rng"`
	TakeProfitBps           float64 `mapstructure:"take_profit_bps"`
	StopLossBps             float64 `mapstructure:"stop_loss_bps"`
	MaxHoldSeconds          int64   `mapstructure:"max_hold_seconds"`
}

// SinkConfig controls dual-sink (JSONL+SQLite) output and rotation.
//
//   - OutDir: root output directory; spool/ready/execlog live under it.
//   - RotateMaxRows / RotateMaxBytes / RotateMaxAge: rotation triggers.
//   - FsyncEveryN: fsync the spool file every N writes before rename.
//   - ParityCheckInterval: interval for JSONL/SQLite row-count parity diffing.
//   - EnableParquet: also mirror RAW/PREVIEW rows to columnar parquet files.
//   - Mode: "dual" (default) writes both legs; "jsonl" detaches the SQLite
//     mirror. "sqlite" is accepted as an alias for dual since the JSONL
//     ready/ stream doubles as the inter-process hand-off between workers
//     and cannot be turned off. Overridable via V13_SINK.
//   - SQLiteBatchN / SQLiteFlushInterval: batch size and max latency for
//     the SQLite writer; batch size <= 1 commits every insert immediately.
//     Overridable via SQLITE_BATCH_N / SQLITE_FLUSH_MS.
type SinkConfig struct {
	OutDir              string        `mapstructure:"out_dir"`
	Mode                string        `mapstructure:"mode"`
	RotateMaxRows       int           `mapstructure:"rotate_max_rows"`
	RotateMaxBytes      int64         `mapstructure:"rotate_max_bytes"`
	RotateMaxAge        time.Duration `mapstructure:"rotate_max_age"`
	FsyncEveryN         int           `mapstructure:"fsync_every_n"`
	ParityCheckInterval time.Duration `mapstructure:"parity_check_interval"`
	EnableParquet       bool          `mapstructure:"enable_parquet"`
	SQLitePath          string        `mapstructure:"sqlite_path"`
	SQLiteBatchN        int           `mapstructure:"sqlite_batch_n"`
	SQLiteFlushInterval time.Duration `mapstructure:"sqlite_flush_interval"`
}

// SQLiteEnabled reports whether the SQLite leg of the dual sink is attached.
func (s SinkConfig) SQLiteEnabled() bool {
	return s.Mode != "jsonl"
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OrchestratorConfig controls process supervision of the cmd/* workers.
//
//   - StartOrder: the order in which child workers are launched.
//   - ReadyTimeout: max time to wait for a worker's readiness probe.
//   - RestartMaxAttempts / RestartBackoff: restart policy on unexpected exit.
//   - HealthInterval: how often each ready worker's health probe is polled;
//     a failing probe terminates the worker so the restart policy applies.
//     Zero disables health polling.
type OrchestratorConfig struct {
	StartOrder         []string      `mapstructure:"start_order"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout"`
	RestartMaxAttempts int           `mapstructure:"restart_max_attempts"`
	RestartBackoff     time.Duration `mapstructure:"restart_backoff"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ORDERFLOW_API_KEY, ORDERFLOW_API_SECRET,
// ORDERFLOW_PASSPHRASE. Operational overrides: RUN_ID, V13_SINK,
// V13_REPLAY_MODE, FSYNC_EVERY_N, SQLITE_BATCH_N, SQLITE_FLUSH_MS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("features.cvd_max_propagation_ticks", 50)
	v.SetDefault("features.cvd_max_propagation_time_ms", 2000)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ORDERFLOW_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("ORDERFLOW_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("ORDERFLOW_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if mode := os.Getenv("ORDERFLOW_MODE"); mode != "" {
		cfg.Mode = mode
	}
	if runID := os.Getenv("RUN_ID"); runID != "" {
		cfg.RunID = runID
	}
	if sinkMode := os.Getenv("V13_SINK"); sinkMode != "" {
		cfg.Sink.Mode = sinkMode
	}
	if replay := os.Getenv("V13_REPLAY_MODE"); replay != "" {
		cfg.Harvester.ReplayMode = replay == "1"
	}
	if n, ok := envInt("FSYNC_EVERY_N"); ok {
		cfg.Sink.FsyncEveryN = n
	}
	if n, ok := envInt("SQLITE_BATCH_N"); ok {
		cfg.Sink.SQLiteBatchN = n
	}
	if ms, ok := envInt("SQLITE_FLUSH_MS"); ok {
		cfg.Sink.SQLiteFlushInterval = time.Duration(ms) * time.Millisecond
	}

	return &cfg, nil
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must contain at least one entry")
	}
	switch c.Mode {
	case "backtest", "testnet", "live":
	default:
		return fmt.Errorf("mode must be one of: backtest, testnet, live")
	}
	if c.Mode != "backtest" && c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required for mode %q", c.Mode)
	}
	if c.Features.ZWindow <= 0 {
		return fmt.Errorf("features.z_window must be > 0")
	}
	if sum := c.Features.FusionWeightOFI + c.Features.FusionWeightCVD; math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("features.fusion_weight_ofi + features.fusion_weight_cvd must sum to 1.0, got %v", sum)
	}
	if c.SignalGen.ConsistencyMin < 0 || c.SignalGen.ConsistencyMin > 1 {
		return fmt.Errorf("signalgen.consistency_min must be in [0,1]")
	}
	if c.SignalGen.ConsecutiveConfirm <= 0 {
		return fmt.Errorf("signalgen.consecutive_confirm must be > 0")
	}
	if c.Risk.MaxPositionPerSymbol <= 0 {
		return fmt.Errorf("risk.max_position_per_symbol must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.ThrottleThreshold != 0 && c.Risk.ThrottleThreshold <= c.SignalGen.ConsistencyMin {
		return fmt.Errorf("risk.throttle_threshold must be greater than signalgen.consistency_min")
	}
	switch c.Executor.Backend {
	case "backtest", "testnet", "live":
	default:
		return fmt.Errorf("executor.backend must be one of: backtest, testnet, live")
	}
	if c.Sink.OutDir == "" {
		return fmt.Errorf("sink.out_dir is required")
	}
	switch c.Sink.Mode {
	case "", "jsonl", "sqlite", "dual":
	default:
		return fmt.Errorf("sink.mode must be one of: jsonl, sqlite, dual")
	}
	return nil
}
