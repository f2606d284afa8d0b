package signal

import (
	"math"

	"scenario-trading-bot/internal/indicator"
)

// Regime classifies the market state for one symbol. A regime may override
// a subset of the risk parameters before sizing and exits run.
type Regime string

const (
	RegimeTrendingBull Regime = "trending_bull"
	RegimeTrendingBear Regime = "trending_bear"
	RegimeRangingTight Regime = "ranging_tight"
	RegimeBreakout     Regime = "breakout"
	RegimeContraction  Regime = "contraction"
)

// RegimeOverrides adjust risk parameters per regime. Zero values leave the
// base config untouched.
type RegimeOverrides struct {
	StopLossPercent   float64
	TakeProfitPercent float64
	MinimalROI        map[int]float64
	PositionRatioMult float64
}

// DetectRegime classifies the market from an indicator snapshot.
//
// The order matters: a volume-backed range expansion is a breakout even when
// the EMAs have not separated yet; a tight EMA spread with shrinking range
// is contraction; otherwise the EMA relationship decides trend vs range.
func DetectRegime(snap *indicator.Snapshot) Regime {
	if snap == nil || snap.MALong <= 0 || snap.Price <= 0 {
		return RegimeRangingTight
	}

	emaSpread := (snap.MAShort - snap.MALong) / snap.MALong
	atrRatio := 0.0
	if snap.ATR > 0 {
		atrRatio = snap.ATR / snap.Price
	}
	volumeSurge := snap.AvgVolume > 0 && snap.Volume >= snap.AvgVolume*2

	if volumeSurge && atrRatio > 0.02 {
		return RegimeBreakout
	}
	if math.Abs(emaSpread) < 0.002 {
		if atrRatio > 0 && atrRatio < 0.005 {
			return RegimeContraction
		}
		return RegimeRangingTight
	}
	if emaSpread > 0 {
		return RegimeTrendingBull
	}
	return RegimeTrendingBear
}

// OverridesFor returns the regime-specific risk adjustments from the
// configured table, or nil when the regime has no entry.
func OverridesFor(regime Regime, table map[Regime]RegimeOverrides) *RegimeOverrides {
	if table == nil {
		return nil
	}
	if o, ok := table[regime]; ok {
		return &o
	}
	return nil
}
