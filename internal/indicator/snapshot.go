package indicator

import (
	"scenario-trading-bot/internal/market"
)

// warmupBuffer pads the largest indicator warmup so the leading EMA seed
// noise has settled before signals fire.
const warmupBuffer = 5

// Params selects which indicators a snapshot computes and their periods.
type Params struct {
	MAShort     int
	MALong      int
	RSIPeriod   int
	MACDEnabled bool
	MACDFast    int
	MACDSlow    int
	MACDSignal  int
	ATRPeriod   int // 0 disables
	VWAPPeriod  int // 0 disables
	VolPeriod   int
}

// Snapshot is a pure derivation of a kline suffix. It is recomputed every
// tick and never mutated.
type Snapshot struct {
	Symbol      string
	Price       float64
	Volume      float64
	AvgVolume   float64
	MAShort     float64
	MALong      float64
	PrevMAShort float64
	PrevMALong  float64
	RSI         float64
	MACD        *MACDResult
	ATR         float64
	VWAP        *VWAPResult
	Cvd         float64
	HasCvd      bool
}

// Warmup returns the minimum number of klines required before a snapshot is
// meaningful for these parameters.
func (p Params) Warmup() int {
	warmup := p.MALong
	if p.RSIPeriod > warmup {
		warmup = p.RSIPeriod
	}
	if p.MACDEnabled && p.MACDSlow+p.MACDSignal+1 > warmup {
		warmup = p.MACDSlow + p.MACDSignal + 1
	}
	return warmup + warmupBuffer
}

// Compute builds a snapshot from the kline suffix. Returns nil when the
// kline count is below the warmup; consumers skip the symbol for the tick.
func Compute(symbol string, klines []market.Kline, p Params) *Snapshot {
	if len(klines) < p.Warmup() {
		return nil
	}

	last := klines[len(klines)-1]
	prev := klines[:len(klines)-1]

	volPeriod := p.VolPeriod
	if volPeriod <= 0 {
		volPeriod = 20
	}

	snap := &Snapshot{
		Symbol:      symbol,
		Price:       last.Close,
		Volume:      last.Volume,
		AvgVolume:   AvgVolume(klines, volPeriod),
		MAShort:     EMA(klines, p.MAShort),
		MALong:      EMA(klines, p.MALong),
		PrevMAShort: EMA(prev, p.MAShort),
		PrevMALong:  EMA(prev, p.MALong),
		RSI:         RSI(klines, p.RSIPeriod),
	}

	if p.MACDEnabled {
		snap.MACD = MACD(klines, p.MACDFast, p.MACDSlow, p.MACDSignal)
	}
	if p.ATRPeriod > 0 {
		snap.ATR = ATR(klines, p.ATRPeriod)
	}
	if p.VWAPPeriod > 0 {
		snap.VWAP = VWAP(klines, p.VWAPPeriod)
	}

	return snap
}

// WithCvd returns a copy of the snapshot carrying a CVD reading.
func (s *Snapshot) WithCvd(cvd float64) *Snapshot {
	cp := *s
	cp.Cvd = cvd
	cp.HasCvd = true
	return &cp
}
