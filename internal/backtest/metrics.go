package backtest

// Metrics is the canonical key set for metrics.json.
// net_pnl, avg_pnl_per_trade, and win_rate_trades are canonical;
// pnl_net/pnl_per_trade are deprecated aliases mapped at this struct
// boundary for consumers still reading the old keys.
type Metrics struct {
	TradeCount     int     `json:"trade_count"`
	WinRate        float64 `json:"win_rate_trades"`
	NetPnL         float64 `json:"net_pnl"`
	AvgPnLPerTrade float64 `json:"avg_pnl_per_trade"`
	TradesPerHour  float64 `json:"trades_per_hour"`
	CostBps        float64 `json:"cost_bps"`

	// Deprecated: use NetPnL / AvgPnLPerTrade. Kept for consumers still
	// reading the pre-canonicalization key names.
	PnLNet      float64 `json:"pnl_net"`
	PnLPerTrade float64 `json:"pnl_per_trade"`
}

// ComputeMetrics summarizes a closed-trade set over the wall-clock span
// [firstTsMs, lastTsMs] (inclusive), in milliseconds.
func ComputeMetrics(trades []Trade, firstTsMs, lastTsMs int64) Metrics {
	if len(trades) == 0 {
		return Metrics{}
	}

	var netPnL, turnover, costBps float64
	wins := 0
	for _, t := range trades {
		netPnL += t.PnL
		notional := t.EntryPrice*t.Qty + t.ExitPrice*t.Qty
		turnover += notional
		costBps += (t.FeesBps + t.SlippageBps) * notional
		if t.PnL > 0 {
			wins++
		}
	}

	spanHours := float64(lastTsMs-firstTsMs) / 1000 / 3600
	tradesPerHour := 0.0
	if spanHours > 0 {
		tradesPerHour = float64(len(trades)) / spanHours
	}

	avgCostBps := 0.0
	if turnover > 0 {
		avgCostBps = costBps / turnover
	}

	avgPnLPerTrade := netPnL / float64(len(trades))

	return Metrics{
		TradeCount:     len(trades),
		WinRate:        float64(wins) / float64(len(trades)),
		NetPnL:         netPnL,
		AvgPnLPerTrade: avgPnLPerTrade,
		TradesPerHour:  tradesPerHour,
		CostBps:        avgCostBps,
		PnLNet:         netPnL,
		PnLPerTrade:    avgPnLPerTrade,
	}
}
