package portfolio

import (
	"math"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

// HeatDecision is the verdict on a prospective entry's correlation load.
type HeatDecision string

const (
	DecisionApprove HeatDecision = "approve"
	DecisionScale   HeatDecision = "scale"
	DecisionBlock   HeatDecision = "block"
)

// HeatResult is the correlation-heat assessment for a prospective entry.
type HeatResult struct {
	Heat          float64 // weighted average |correlation| with held symbols, [0,1]
	Decision      HeatDecision
	AdjustedRatio float64
}

// Exposure summarizes open risk against equity.
type Exposure struct {
	NotionalBySymbol map[string]float64
	TotalNotional    float64
	Leverage         float64 // total notional / equity
}

// LogReturns converts a kline series into log close-to-close returns.
func LogReturns(klines []market.Kline) []float64 {
	if len(klines) < 2 {
		return nil
	}
	out := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		prev, cur := klines[i-1].Close, klines[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// Correlation computes the Pearson correlation of two equal-length return
// series, truncating to the shorter one. Returns 0 when either series is
// degenerate; random-walk inputs must never produce NaN downstream.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	r := cov / math.Sqrt(varA*varB)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// CorrelationHeat assesses a prospective entry against the held positions.
// heldReturns maps held symbols to their log-return series, weights to each
// position's notional. ceiling is the portfolio's configured maximum heat.
func CorrelationHeat(candidate []float64, heldReturns map[string][]float64, weights map[string]float64, baseRatio, ceiling float64) HeatResult {
	if len(heldReturns) == 0 {
		return HeatResult{Decision: DecisionApprove, AdjustedRatio: baseRatio}
	}

	var weighted, totalWeight float64
	for symbol, returns := range heldReturns {
		w := weights[symbol]
		if w <= 0 {
			w = 1
		}
		weighted += math.Abs(Correlation(candidate, returns)) * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return HeatResult{Decision: DecisionApprove, AdjustedRatio: baseRatio}
	}

	heat := weighted / totalWeight
	if heat > 1 {
		heat = 1
	}

	switch {
	case ceiling > 0 && heat >= ceiling:
		return HeatResult{Heat: heat, Decision: DecisionBlock, AdjustedRatio: 0}
	case heat > 0.5:
		// Continuous scaler: full size at heat 0.5, linearly down to 25%
		// at heat 1.0.
		scale := 1 - 1.5*(heat-0.5)
		if scale < 0.25 {
			scale = 0.25
		}
		return HeatResult{Heat: heat, Decision: DecisionScale, AdjustedRatio: baseRatio * scale}
	default:
		return HeatResult{Heat: heat, Decision: DecisionApprove, AdjustedRatio: baseRatio}
	}
}

// KellyRatio derives a position ratio from closed-trade P&L percentages.
// Fractional (half) Kelly, clamped to [minRatio, maxRatio]. Fewer than
// minSamples results falls back to fallbackRatio.
func KellyRatio(pnlPercents []float64, minSamples int, minRatio, maxRatio, fallbackRatio float64) float64 {
	if len(pnlPercents) < minSamples {
		return fallbackRatio
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, p := range pnlPercents {
		if p > 0 {
			wins++
			winSum += p
		} else if p < 0 {
			losses++
			lossSum += -p
		}
	}
	if wins == 0 || losses == 0 {
		return fallbackRatio
	}

	winRate := float64(wins) / float64(wins+losses)
	payoff := (winSum / float64(wins)) / (lossSum / float64(losses))
	if payoff <= 0 {
		return fallbackRatio
	}

	kelly := winRate - (1-winRate)/payoff
	if kelly < 0 {
		kelly = 0
	}
	kelly /= 2 // half-Kelly

	if kelly < minRatio {
		return minRatio
	}
	if kelly > maxRatio {
		return maxRatio
	}
	return kelly
}

// CalcExposure values open positions at current prices (entry price
// fallback) and relates the total to equity.
func CalcExposure(acct *account.Account, prices map[string]float64) Exposure {
	exp := Exposure{NotionalBySymbol: make(map[string]float64)}
	for symbol, pos := range acct.Positions {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		notional := pos.Quantity * price
		exp.NotionalBySymbol[symbol] = notional
		exp.TotalNotional += notional
	}
	if equity := account.CalcTotalEquity(acct, prices); equity > 0 {
		exp.Leverage = exp.TotalNotional / equity
	}
	return exp
}
