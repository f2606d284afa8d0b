package scenario

import (
	"strconv"

	"scenario-trading-bot/config"
	"scenario-trading-bot/internal/execution"
	"scenario-trading-bot/internal/exit"
	"scenario-trading-bot/internal/indicator"
	"scenario-trading-bot/internal/signal"
)

// The config files speak in whole percents; the engines speak in fractions.
func pct(v float64) float64 { return v / 100 }

func indicatorParams(s *config.Strategy) indicator.Params {
	p := indicator.Params{
		MAShort:   s.Strategy.MA.Short,
		MALong:    s.Strategy.MA.Long,
		RSIPeriod: s.Strategy.RSI.Period,
		VolPeriod: 20,
	}
	if s.Strategy.MACD.Enabled {
		p.MACDEnabled = true
		p.MACDFast = s.Strategy.MACD.Fast
		p.MACDSlow = s.Strategy.MACD.Slow
		p.MACDSignal = s.Strategy.MACD.Signal
	}
	if s.Risk.AtrPosition.Enabled {
		p.ATRPeriod = 14
	}
	return p
}

func signalConfig(s *config.Strategy, market string) signal.Config {
	allowShort := s.AllowShort && market != config.MarketSpot

	return signal.Config{
		Rules: signal.Rules{
			Buy:   s.Signals.Buy,
			Sell:  s.Signals.Sell,
			Short: s.Signals.Short,
			Cover: s.Signals.Cover,
		},
		Thresholds: signal.Thresholds{
			RSIOversold:       s.Strategy.RSI.Oversold,
			RSIOverbought:     s.Strategy.RSI.Overbought,
			RSIOverboughtExit: s.Strategy.RSI.OverboughtExit,
			VolumeSurgeRatio:  s.Strategy.Volume.SurgeRatio,
			VolumeLowRatio:    s.Strategy.Volume.LowRatio,
		},
		AllowShort:           allowShort,
		MinRiskReward:        s.Risk.MinRiskReward,
		CorrelationEnabled:   s.Risk.CorrelationFilter.Enabled,
		CorrelationThreshold: s.Risk.CorrelationFilter.Threshold,
		CorrelationLookback:  s.Risk.CorrelationFilter.Lookback,
		StopLossPercent:      pct(s.Risk.StopLossPercent),
		TakeProfitPercent:    pct(s.Risk.TakeProfitPercent),
		RegimeOverrides:      regimeOverrides(s),
		Sizing: signal.SizingConfig{
			PositionRatio:       s.Risk.PositionRatio,
			KellyEnabled:        s.Risk.PositionSizing == "kelly",
			KellyMinRatio:       s.Risk.KellyMinRatio,
			KellyMaxRatio:       s.Risk.KellyMaxRatio,
			KellyMinSamples:     s.Risk.KellyMinSamples,
			AtrEnabled:          s.Risk.AtrPosition.Enabled,
			AtrRiskPerTrade:     pct(s.Risk.AtrPosition.RiskPerTradePercent),
			AtrMultiplier:       s.Risk.AtrPosition.AtrMultiplier,
			AtrMaxPositionRatio: s.Risk.AtrPosition.MaxPositionRatio,
		},
	}
}

// regimeOverrides translates the per-regime risk table. Percent distances
// become fractions; ROI keys parse from minutes like the base ROI table.
func regimeOverrides(s *config.Strategy) map[signal.Regime]signal.RegimeOverrides {
	if len(s.Risk.RegimeOverrides) == 0 {
		return nil
	}
	out := make(map[signal.Regime]signal.RegimeOverrides, len(s.Risk.RegimeOverrides))
	for name, o := range s.Risk.RegimeOverrides {
		ro := signal.RegimeOverrides{
			StopLossPercent:   pct(o.StopLossPercent),
			TakeProfitPercent: pct(o.TakeProfitPercent),
			PositionRatioMult: o.PositionRatioMult,
		}
		if len(o.MinimalROI) > 0 {
			ro.MinimalROI = make(map[int]float64, len(o.MinimalROI))
			for k, v := range o.MinimalROI {
				minutes, err := strconv.Atoi(k)
				if err != nil {
					continue
				}
				ro.MinimalROI[minutes] = v
			}
		}
		out[signal.Regime(name)] = ro
	}
	return out
}

func exitConfig(s *config.Strategy) exit.Config {
	cfg := exit.Config{
		StopLossPercent:   pct(s.Risk.StopLossPercent),
		TakeProfitPercent: pct(s.Risk.TakeProfitPercent),

		TrailingEnabled:    s.Risk.TrailingStop.Enabled,
		TrailingActivation: pct(s.Risk.TrailingStop.ActivationPercent),
		TrailingCallback:   pct(s.Risk.TrailingStop.CallbackPercent),

		BreakEvenProfit: pct(s.Risk.BreakEvenProfit),
		BreakEvenStop:   pct(s.Risk.BreakEvenStop),

		TimeStopHours: s.Risk.TimeStopHours,
		Intracandle:   true,
	}

	if len(s.Risk.MinimalROI) > 0 {
		cfg.MinimalROI = make(map[int]float64, len(s.Risk.MinimalROI))
		for k, v := range s.Risk.MinimalROI {
			minutes, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			cfg.MinimalROI[minutes] = v
		}
	}
	for _, st := range s.Risk.TakeProfitStages {
		cfg.TakeProfitStages = append(cfg.TakeProfitStages, exit.Stage{
			AtPercent:  st.AtPercent,
			CloseRatio: st.CloseRatio,
		})
	}
	return cfg
}

// ExecutionConfig translates a resolved strategy plus scenario economics into
// the executor's config. Exported so main can build executors before the
// runtime exists.
func ExecutionConfig(s *config.Strategy, sc *config.Scenario) execution.Config {
	return execution.Config{
		FeeRate:                  sc.FeeRate,
		Slippage:                 pct(sc.SlippagePercent),
		MinOrderUsdt:             s.Execution.MinOrderUsdt,
		MaxPositions:             s.Risk.MaxPositions,
		MaxPositionPerSymbolUsdt: float64(s.Risk.MaxPositionPerSymbol),
		DailyLossLimitPercent:    pct(s.Risk.DailyLossLimitPercent),
		MaxEntrySlippagePercent:  pct(s.Execution.MaxEntrySlippage),
		OrderTimeoutMs:           int64(s.Execution.OrderTimeoutSeconds) * 1000,
		UseExchangeStopLoss:      s.Execution.UseExchangeStopLoss,
	}
}
