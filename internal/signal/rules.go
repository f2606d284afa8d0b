package signal

import (
	"math"

	"scenario-trading-bot/internal/indicator"
)

// Thresholds are the strategy parameters the atomic rules evaluate against.
type Thresholds struct {
	RSIOversold       float64
	RSIOverbought     float64
	RSIOverboughtExit float64 // default 75
	VolumeSurgeRatio  float64
	VolumeLowRatio    float64
	FundingExtreme    float64 // absolute funding rate considered extreme
}

// RuleContext is everything an atomic rule may look at. Rules are pure; a
// rule that needs data the context does not carry evaluates to false.
type RuleContext struct {
	Snap       *indicator.Snapshot
	Thresholds Thresholds

	FundingRate float64
	HasFunding  bool

	// BtcDominanceChange is the recent change in BTC dominance percentage
	// points; positive means dominance is rising.
	BtcDominanceChange float64
	HasBtcDominance    bool
}

// Rule is a pure predicate over the rule context.
type Rule func(*RuleContext) bool

// ruleRegistry is the closed table of known rule identifiers. Unknown
// identifiers evaluate to false, never panic: a typo in a config must not
// silently invert a compound condition.
var ruleRegistry = map[string]Rule{
	// Trend
	"ma_bullish": func(c *RuleContext) bool {
		return c.Snap.MAShort > c.Snap.MALong
	},
	"ma_bearish": func(c *RuleContext) bool {
		return c.Snap.MAShort < c.Snap.MALong
	},
	"ma_golden_cross": func(c *RuleContext) bool {
		return c.Snap.PrevMAShort <= c.Snap.PrevMALong && c.Snap.MAShort > c.Snap.MALong
	},
	"ma_death_cross": func(c *RuleContext) bool {
		return c.Snap.PrevMAShort >= c.Snap.PrevMALong && c.Snap.MAShort < c.Snap.MALong
	},

	// Momentum
	"rsi_oversold": func(c *RuleContext) bool {
		return c.Snap.RSI < c.Thresholds.RSIOversold
	},
	"rsi_overbought": func(c *RuleContext) bool {
		return c.Snap.RSI > c.Thresholds.RSIOverbought
	},
	"rsi_not_overbought": func(c *RuleContext) bool {
		return c.Snap.RSI <= c.Thresholds.RSIOverbought
	},
	"rsi_not_oversold": func(c *RuleContext) bool {
		return c.Snap.RSI >= c.Thresholds.RSIOversold
	},
	"rsi_bullish_zone": func(c *RuleContext) bool {
		return c.Snap.RSI >= 40 && c.Snap.RSI < c.Thresholds.RSIOverbought
	},
	"rsi_overbought_exit": func(c *RuleContext) bool {
		threshold := c.Thresholds.RSIOverboughtExit
		if threshold == 0 {
			threshold = 75
		}
		return c.Snap.RSI > threshold
	},

	// MACD
	"macd_bullish": func(c *RuleContext) bool {
		m := c.Snap.MACD
		return m != nil && m.MACD > m.Signal
	},
	"macd_bearish": func(c *RuleContext) bool {
		m := c.Snap.MACD
		return m != nil && m.MACD < m.Signal
	},
	"macd_golden_cross": func(c *RuleContext) bool {
		m := c.Snap.MACD
		return m != nil && m.HistoryLen >= 2 && m.PrevMACD <= m.PrevSignal && m.MACD > m.Signal
	},
	"macd_death_cross": func(c *RuleContext) bool {
		m := c.Snap.MACD
		return m != nil && m.HistoryLen >= 2 && m.PrevMACD >= m.PrevSignal && m.MACD < m.Signal
	},
	"macd_histogram_shrinking": func(c *RuleContext) bool {
		m := c.Snap.MACD
		if m == nil || m.HistoryLen < 2 {
			return false
		}
		// Three consecutive decreasing absolute histograms, falling back to
		// two when only two bars are available.
		if m.HistoryLen >= 3 {
			return math.Abs(m.Histogram) < math.Abs(m.PrevHistogram) &&
				math.Abs(m.PrevHistogram) < math.Abs(m.PrevPrevHistogram)
		}
		return math.Abs(m.Histogram) < math.Abs(m.PrevHistogram)
	},

	// Volume / order flow
	"volume_surge": func(c *RuleContext) bool {
		return c.Snap.AvgVolume > 0 && c.Snap.Volume >= c.Snap.AvgVolume*c.Thresholds.VolumeSurgeRatio
	},
	"volume_low": func(c *RuleContext) bool {
		return c.Snap.AvgVolume > 0 && c.Snap.Volume <= c.Snap.AvgVolume*c.Thresholds.VolumeLowRatio
	},
	"cvd_bullish": func(c *RuleContext) bool {
		return c.Snap.HasCvd && c.Snap.Cvd > 0
	},
	"cvd_bearish": func(c *RuleContext) bool {
		return c.Snap.HasCvd && c.Snap.Cvd < 0
	},

	// Context
	"price_above_vwap": func(c *RuleContext) bool {
		return c.Snap.VWAP != nil && c.Snap.Price > c.Snap.VWAP.VWAP
	},
	"price_below_vwap": func(c *RuleContext) bool {
		return c.Snap.VWAP != nil && c.Snap.Price < c.Snap.VWAP.VWAP
	},
	"price_below_vwap_lower": func(c *RuleContext) bool {
		return c.Snap.VWAP != nil && c.Snap.Price < c.Snap.VWAP.Lower
	},
	"price_above_vwap_upper": func(c *RuleContext) bool {
		return c.Snap.VWAP != nil && c.Snap.Price > c.Snap.VWAP.Upper
	},
	"funding_extreme_negative": func(c *RuleContext) bool {
		return c.HasFunding && c.Thresholds.FundingExtreme > 0 && c.FundingRate <= -c.Thresholds.FundingExtreme
	},
	"funding_extreme_positive": func(c *RuleContext) bool {
		return c.HasFunding && c.Thresholds.FundingExtreme > 0 && c.FundingRate >= c.Thresholds.FundingExtreme
	},
	"btc_dominance_rising": func(c *RuleContext) bool {
		return c.HasBtcDominance && c.BtcDominanceChange > 0
	},
	"btc_dominance_falling": func(c *RuleContext) bool {
		return c.HasBtcDominance && c.BtcDominanceChange < 0
	},
}

// EvalRules evaluates the boolean AND of the named rules. An empty rule
// list never fires. Returns whether all rules passed and the matched ids.
func EvalRules(ids []string, ctx *RuleContext) (bool, []string) {
	if len(ids) == 0 || ctx.Snap == nil {
		return false, nil
	}
	matched := make([]string, 0, len(ids))
	for _, id := range ids {
		rule, known := ruleRegistry[id]
		if !known || !rule(ctx) {
			return false, nil
		}
		matched = append(matched, id)
	}
	return true, matched
}
