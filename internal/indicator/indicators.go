package indicator

import (
	"math"

	"scenario-trading-bot/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple moving average of the last period closes.
func SMA(klines []market.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average for every index from
// period-1 onward, seeded with the SMA of the first period closes. Indexes
// below period-1 are zero.
func EMASeries(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	out := make([]float64, len(closes))
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	ema := seed
	for i := period; i < len(closes); i++ {
		ema = closes[i]*k + ema*(1-k)
		out[i] = ema
	}
	return out
}

// EMA returns the latest exponential moving average of the closes.
func EMA(klines []market.Kline, period int) float64 {
	series := EMASeries(closes(klines), period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// ============================================================================
// RSI (Wilder smoothing)
// ============================================================================

// RSI computes the relative strength index with Wilder's smoothing over the
// full kline history. Returns 50 when there is not enough data.
func RSI(klines []market.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the last two MACD evaluations so cross and histogram
// rules can compare against the previous bar.
type MACDResult struct {
	MACD          float64
	Signal        float64
	Histogram     float64
	PrevMACD      float64
	PrevSignal    float64
	PrevHistogram float64
	// PrevPrevHistogram enables the three-bar shrinking-histogram rule.
	PrevPrevHistogram float64
	HistoryLen        int
}

// MACD computes MACD = EMA(fast) - EMA(slow) with a true signal line
// (EMA of the MACD series over signalPeriod). Returns nil when there is not
// enough history for a signal value.
func MACD(klines []market.Kline, fast, slow, signal int) *MACDResult {
	cs := closes(klines)
	if len(cs) < slow+signal {
		return nil
	}

	fastEMA := EMASeries(cs, fast)
	slowEMA := EMASeries(cs, slow)

	// MACD series starts where the slow EMA is defined.
	macdSeries := make([]float64, 0, len(cs)-slow+1)
	for i := slow - 1; i < len(cs); i++ {
		macdSeries = append(macdSeries, fastEMA[i]-slowEMA[i])
	}

	signalSeries := EMASeries(macdSeries, signal)
	if len(signalSeries) == 0 {
		return nil
	}

	last := len(macdSeries) - 1
	res := &MACDResult{
		MACD:       macdSeries[last],
		Signal:     signalSeries[last],
		Histogram:  macdSeries[last] - signalSeries[last],
		HistoryLen: 1,
	}
	if last >= 1 && signalSeries[last-1] != 0 {
		res.PrevMACD = macdSeries[last-1]
		res.PrevSignal = signalSeries[last-1]
		res.PrevHistogram = macdSeries[last-1] - signalSeries[last-1]
		res.HistoryLen = 2
	}
	if last >= 2 && signalSeries[last-2] != 0 {
		res.PrevPrevHistogram = macdSeries[last-2] - signalSeries[last-2]
		res.HistoryLen = 3
	}
	return res
}

// ============================================================================
// ATR
// ============================================================================

// ATR computes the average true range over period bars.
func ATR(klines []market.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}

// ============================================================================
// VWAP
// ============================================================================

// VWAPResult is the volume-weighted average price with a one-sigma band.
type VWAPResult struct {
	VWAP  float64
	Upper float64
	Lower float64
}

// VWAP computes volume-weighted average price over the last period bars
// using the typical price (H+L+C)/3, with a standard deviation band.
func VWAP(klines []market.Kline, period int) *VWAPResult {
	if period <= 0 || len(klines) < period {
		return nil
	}
	var pv, vol float64
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		pv += typical * klines[i].Volume
		vol += klines[i].Volume
	}
	if vol == 0 {
		return nil
	}
	vwap := pv / vol

	var variance float64
	for i := start; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		variance += (typical - vwap) * (typical - vwap) * klines[i].Volume
	}
	sigma := math.Sqrt(variance / vol)

	return &VWAPResult{VWAP: vwap, Upper: vwap + sigma, Lower: vwap - sigma}
}

// ============================================================================
// VOLUME
// ============================================================================

// AvgVolume averages volume over the last period completed bars, excluding
// the final (possibly still forming) candle.
func AvgVolume(klines []market.Kline, period int) float64 {
	if len(klines) < 2 {
		return 0
	}
	completed := klines[:len(klines)-1]
	if period <= 0 || len(completed) < period {
		period = len(completed)
	}
	sum := 0.0
	for i := len(completed) - period; i < len(completed); i++ {
		sum += completed[i].Volume
	}
	return sum / float64(period)
}

func closes(klines []market.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}
