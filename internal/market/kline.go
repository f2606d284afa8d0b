package market

// Kline represents a single candlestick for a (symbol, timeframe) pair.
// Timestamps are milliseconds since epoch.
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// IsValid reports whether the candle satisfies the basic OHLC ordering
// invariants. Malformed candles are dropped at the ingestion boundary so
// downstream indicator code never has to re-check.
func (k Kline) IsValid() bool {
	if k.OpenTime >= k.CloseTime {
		return false
	}
	lo, hi := k.Open, k.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return k.Low <= lo && hi <= k.High && k.Low > 0
}

// LastClose returns the close of the final candle, or 0 for an empty slice.
func LastClose(klines []Kline) float64 {
	if len(klines) == 0 {
		return 0
	}
	return klines[len(klines)-1].Close
}
