package signal

import (
	"scenario-trading-bot/internal/portfolio"
)

// SizingConfig selects how the base position ratio is derived and bounded.
type SizingConfig struct {
	PositionRatio float64 // base fraction of equity per entry

	KellyEnabled  bool
	KellyMinRatio float64
	KellyMaxRatio float64
	// KellyMinSamples guards against sizing off noise; below it the base
	// ratio is used unchanged.
	KellyMinSamples int

	AtrEnabled          bool
	AtrRiskPerTrade     float64 // fraction of equity risked per trade
	AtrMultiplier       float64
	AtrMaxPositionRatio float64
}

// SizingInputs are the per-entry observations sizing consumes.
type SizingInputs struct {
	Equity      float64
	Price       float64
	ATR         float64
	ClosedPnls  []float64 // closed-signal P&L percentages, oldest first
	HeatScale   float64   // correlation-heat multiplier, 1 = none
	GateScale   float64   // sentiment gate multiplier, 1 = none
	EventScale  float64   // event window multiplier, 1 = none
	RegimeScale float64   // regime position multiplier, 0/1 = none
}

// SizeResult is the final ratio and the USDT amount it implies.
type SizeResult struct {
	Ratio      float64
	UsdtAmount float64
	StopOffset float64 // ATR-derived stop distance, 0 when ATR sizing is off
}

// CalcPositionSize resolves the position ratio pipeline: base ratio,
// optional Kelly, optional ATR risk sizing, then the multiplicative
// adjustments (regime, correlation heat, sentiment, event window). Scales
// compound; each stage works from the previous stage's output.
func CalcPositionSize(cfg SizingConfig, in SizingInputs) SizeResult {
	ratio := cfg.PositionRatio

	if cfg.KellyEnabled {
		minSamples := cfg.KellyMinSamples
		if minSamples <= 0 {
			minSamples = 10
		}
		ratio = portfolio.KellyRatio(in.ClosedPnls, minSamples, cfg.KellyMinRatio, cfg.KellyMaxRatio, cfg.PositionRatio)
	}

	var stopOffset float64
	if cfg.AtrEnabled && in.ATR > 0 && in.Price > 0 && in.Equity > 0 {
		stopOffset = in.ATR * cfg.AtrMultiplier
		if stopOffset > 0 {
			qty := in.Equity * cfg.AtrRiskPerTrade / stopOffset
			atrRatio := qty * in.Price / in.Equity
			if cfg.AtrMaxPositionRatio > 0 && atrRatio > cfg.AtrMaxPositionRatio {
				atrRatio = cfg.AtrMaxPositionRatio
			}
			if atrRatio > 0 {
				ratio = atrRatio
			}
		}
	}

	for _, scale := range []float64{in.RegimeScale, in.HeatScale, in.GateScale, in.EventScale} {
		if scale > 0 && scale != 1 {
			ratio *= scale
		}
	}

	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	return SizeResult{
		Ratio:      ratio,
		UsdtAmount: in.Equity * ratio,
		StopOffset: stopOffset,
	}
}
