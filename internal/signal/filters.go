package signal

import (
	"fmt"

	"scenario-trading-bot/internal/indicator"
	"scenario-trading-bot/internal/market"
	"scenario-trading-bot/internal/portfolio"
)

// EventPhase positions the current time relative to a configured market
// event (CPI print, FOMC, large unlock).
type EventPhase string

const (
	EventNone   EventPhase = ""
	EventPre    EventPhase = "pre"
	EventDuring EventPhase = "during"
	EventPost   EventPhase = "post"
)

// FilterContext carries the non-snapshot inputs the open filters inspect.
type FilterContext struct {
	// TrendKlines is the higher-timeframe series for the MTF filter; nil
	// skips the filter.
	TrendKlines []market.Kline
	TrendMAShort int
	TrendMALong  int

	// CandidateKlines is the entry symbol's own series; HeldKlines maps
	// held symbols to theirs. Both feed the correlation filter.
	CandidateKlines []market.Kline
	HeldKlines      map[string][]market.Kline

	EmergencyHalt bool

	EventPhase EventPhase
	// EventScale multiplies the position ratio during pre/post phases.
	EventScale float64
}

// MTFTrendFilter rejects entries against the higher-timeframe trend: a buy
// when the higher timeframe EMAs are bearish, a short when bullish. Missing
// trend data passes the filter.
func MTFTrendFilter(sigType Type, ctx *FilterContext) (bool, string) {
	if len(ctx.TrendKlines) == 0 || ctx.TrendMALong <= 0 {
		return true, ""
	}
	if len(ctx.TrendKlines) < ctx.TrendMALong {
		return true, ""
	}
	short := indicator.EMA(ctx.TrendKlines, ctx.TrendMAShort)
	long := indicator.EMA(ctx.TrendKlines, ctx.TrendMALong)

	if sigType == TypeBuy && short < long {
		return false, "mtf_trend_bearish"
	}
	if sigType == TypeShort && short > long {
		return false, "mtf_trend_bullish"
	}
	return true, ""
}

// RiskRewardFilter rejects entries whose reward-to-risk is below minRR.
func RiskRewardFilter(entry, stopLoss, takeProfit, minRR float64, isShort bool) (bool, string) {
	if minRR <= 0 {
		return true, ""
	}
	var risk, reward float64
	if isShort {
		risk = stopLoss - entry
		reward = entry - takeProfit
	} else {
		risk = entry - stopLoss
		reward = takeProfit - entry
	}
	if risk <= 0 {
		return false, "invalid_stop_distance"
	}
	if reward/risk < minRR {
		return false, fmt.Sprintf("risk_reward_below_min (%.2f < %.2f)", reward/risk, minRR)
	}
	return true, ""
}

// CorrelationFilter rejects an entry whose log-return correlation with any
// held symbol exceeds the threshold over the lookback window.
func CorrelationFilter(candidate []market.Kline, ctx *FilterContext, threshold float64, lookback int) (bool, string) {
	if threshold <= 0 || len(ctx.HeldKlines) == 0 {
		return true, ""
	}
	candReturns := portfolio.LogReturns(tail(candidate, lookback+1))
	if len(candReturns) == 0 {
		return true, ""
	}
	for symbol, klines := range ctx.HeldKlines {
		heldReturns := portfolio.LogReturns(tail(klines, lookback+1))
		if len(heldReturns) == 0 {
			continue
		}
		if r := portfolio.Correlation(candReturns, heldReturns); r > threshold {
			return false, fmt.Sprintf("correlated_with_%s (%.2f)", symbol, r)
		}
	}
	return true, ""
}

// EmergencyHaltFilter rejects all opens while the halt flag is set. Exits
// are never blocked by this filter; it is only consulted on the open path.
func EmergencyHaltFilter(ctx *FilterContext) (bool, string) {
	if ctx.EmergencyHalt {
		return false, "emergency_halt"
	}
	return true, ""
}

// EventWindowFilter blocks opens during an event and returns a position
// scale for the pre/post phases (multiplicative on the current ratio).
func EventWindowFilter(ctx *FilterContext) (bool, float64, string) {
	switch ctx.EventPhase {
	case EventDuring:
		return false, 0, "event_window"
	case EventPre, EventPost:
		scale := ctx.EventScale
		if scale <= 0 || scale > 1 {
			scale = 0.5
		}
		return true, scale, ""
	default:
		return true, 1, ""
	}
}

func tail(klines []market.Kline, n int) []market.Kline {
	if n <= 0 || len(klines) <= n {
		return klines
	}
	return klines[len(klines)-n:]
}
