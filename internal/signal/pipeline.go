package signal

import (
	"time"

	"scenario-trading-bot/internal/indicator"
)

// Type tags a signal. None is the absorbing element: every stage maps it to
// itself.
type Type string

const (
	TypeBuy   Type = "buy"
	TypeSell  Type = "sell"
	TypeShort Type = "short"
	TypeCover Type = "cover"
	TypeNone  Type = "none"
)

// IsOpen reports whether the signal opens a position.
func (t Type) IsOpen() bool {
	return t == TypeBuy || t == TypeShort
}

// Signal is a pipeline emission ready for execution.
type Signal struct {
	Symbol     string               `json:"symbol"`
	Type       Type                 `json:"type"`
	Price      float64              `json:"price"`
	Reasons    []string             `json:"reason"`
	Timestamp  time.Time            `json:"timestamp"`
	Indicators *indicator.Snapshot  `json:"-"`
}

// Rejection explains why the pipeline produced no signal this tick.
type Rejection struct {
	Stage  string
	Reason string
}

// Rules are the configured rule-id lists per signal direction.
type Rules struct {
	Buy   []string
	Sell  []string
	Short []string
	Cover []string
}

// Config is the full pipeline configuration for one scenario+symbol.
type Config struct {
	Rules      Rules
	Thresholds Thresholds

	// AllowShort enables the short/cover engine (futures and margin
	// markets only; spot scenarios never short).
	AllowShort bool

	MinRiskReward float64

	CorrelationEnabled   bool
	CorrelationThreshold float64
	CorrelationLookback  int

	StopLossPercent   float64
	TakeProfitPercent float64

	RegimeOverrides map[Regime]RegimeOverrides

	Sizing SizingConfig
}

// Result is the pipeline output: either a signal with sizing attached, or a
// rejection naming the stage that vetoed.
type Result struct {
	Signal    *Signal
	Rejection *Rejection
	Regime    Regime
	Overrides *RegimeOverrides
	Gate      GateResult
	Size      SizeResult

	// Candidate is the rule-gated signal type, set as soon as the rules
	// match and kept even when a later filter rejects. Callers use it to
	// consume per-symbol signal windows regardless of the filter outcome.
	Candidate Type
}

// Inputs bundles the per-tick evaluation context.
type Inputs struct {
	Snapshot     *indicator.Snapshot
	PositionSide string // "", "long", "short"
	RuleCtx      RuleContext
	FilterCtx    FilterContext
	Sentiment    SentimentContext
	Sizing       SizingInputs
	Strategy     *Strategy
	Now          time.Time
}

// Evaluate runs the full pipeline for one symbol: position-aware rule
// gating, regime detection, open filters, sentiment gate, sizing. Exits
// (sell/cover) skip the open filters and sizing; the emergency halt never
// blocks them.
func Evaluate(symbol string, cfg Config, in Inputs) Result {
	if in.Snapshot == nil {
		return Result{Rejection: &Rejection{Stage: "data", Reason: "insufficient_klines"}}
	}
	in.RuleCtx.Snap = in.Snapshot

	var sigType Type
	var matched []string
	if in.Strategy != nil && in.Strategy.PopulateSignal != nil {
		custom := in.Strategy.PopulateSignal(symbol, in.Snapshot, in.PositionSide)
		if custom == nil || custom.Type == TypeNone || custom.Type == "" {
			return Result{Rejection: &Rejection{Stage: "strategy", Reason: "no_signal"}}
		}
		sigType, matched = custom.Type, custom.Reasons
	} else {
		sigType, matched = gate(cfg, &in)
	}
	if sigType == TypeNone {
		return Result{Rejection: &Rejection{Stage: "rules", Reason: "no_rule_matched"}}
	}

	regime := DetectRegime(in.Snapshot)
	overrides := OverridesFor(regime, cfg.RegimeOverrides)

	sig := &Signal{
		Symbol:     symbol,
		Type:       sigType,
		Price:      in.Snapshot.Price,
		Reasons:    matched,
		Timestamp:  in.Now,
		Indicators: in.Snapshot,
	}

	if !sigType.IsOpen() {
		// Sentiment may warn on exits; it never blocks them.
		gateRes := SentimentGate(sigType, in.Sentiment)
		return Result{Signal: sig, Regime: regime, Overrides: overrides, Gate: gateRes, Candidate: sigType}
	}

	// --- Open filters, in order, short-circuit on the first veto. ---

	if ok, reason := MTFTrendFilter(sigType, &in.FilterCtx); !ok {
		return Result{Rejection: &Rejection{Stage: "mtf", Reason: reason}, Regime: regime, Candidate: sigType}
	}

	slPct, tpPct := cfg.StopLossPercent, cfg.TakeProfitPercent
	if overrides != nil {
		if overrides.StopLossPercent > 0 {
			slPct = overrides.StopLossPercent
		}
		if overrides.TakeProfitPercent > 0 {
			tpPct = overrides.TakeProfitPercent
		}
	}
	entry := in.Snapshot.Price
	var sl, tp float64
	if sigType == TypeShort {
		sl, tp = entry*(1+slPct), entry*(1-tpPct)
	} else {
		sl, tp = entry*(1-slPct), entry*(1+tpPct)
	}
	if ok, reason := RiskRewardFilter(entry, sl, tp, cfg.MinRiskReward, sigType == TypeShort); !ok {
		return Result{Rejection: &Rejection{Stage: "risk_reward", Reason: reason}, Regime: regime, Candidate: sigType}
	}

	if cfg.CorrelationEnabled {
		ok, reason := CorrelationFilter(in.FilterCtx.CandidateKlines, &in.FilterCtx, cfg.CorrelationThreshold, cfg.CorrelationLookback)
		if !ok {
			return Result{Rejection: &Rejection{Stage: "correlation", Reason: reason}, Regime: regime, Candidate: sigType}
		}
	}

	if ok, reason := EmergencyHaltFilter(&in.FilterCtx); !ok {
		return Result{Rejection: &Rejection{Stage: "emergency", Reason: reason}, Regime: regime, Candidate: sigType}
	}

	eventOK, eventScale, reason := EventWindowFilter(&in.FilterCtx)
	if !eventOK {
		return Result{Rejection: &Rejection{Stage: "event", Reason: reason}, Regime: regime, Candidate: sigType}
	}

	// --- Sentiment gate. ---
	gateRes := SentimentGate(sigType, in.Sentiment)
	if gateRes.Outcome == GateSkip {
		return Result{Rejection: &Rejection{Stage: "sentiment", Reason: gateRes.Reason}, Regime: regime, Gate: gateRes, Candidate: sigType}
	}

	// --- Sizing: base → kelly/atr → regime → heat → gate → event. ---
	in.Sizing.GateScale = gateRes.RatioScale
	in.Sizing.EventScale = eventScale
	if overrides != nil && overrides.PositionRatioMult > 0 {
		in.Sizing.RegimeScale = overrides.PositionRatioMult
	}
	size := CalcPositionSize(cfg.Sizing, in.Sizing)
	if in.Strategy != nil && in.Strategy.AdjustPosition != nil {
		size.Ratio = in.Strategy.AdjustPosition(symbol, in.Snapshot, size.Ratio)
		if size.Ratio < 0 {
			size.Ratio = 0
		}
		if size.Ratio > 1 {
			size.Ratio = 1
		}
		size.UsdtAmount = in.Sizing.Equity * size.Ratio
	}

	return Result{Signal: sig, Regime: regime, Overrides: overrides, Gate: gateRes, Size: size, Candidate: sigType}
}

// gate implements position-aware signal gating. With no position, buy and
// short are evaluated exclusively and buy wins ties; with a long only sell
// is considered, with a short only cover. This stops opposite-direction
// rules from masking each other.
func gate(cfg Config, in *Inputs) (Type, []string) {
	switch in.PositionSide {
	case "long":
		if ok, matched := EvalRules(cfg.Rules.Sell, &in.RuleCtx); ok {
			return TypeSell, matched
		}
	case "short":
		if ok, matched := EvalRules(cfg.Rules.Cover, &in.RuleCtx); ok {
			return TypeCover, matched
		}
	default:
		if ok, matched := EvalRules(cfg.Rules.Buy, &in.RuleCtx); ok {
			return TypeBuy, matched
		}
		if cfg.AllowShort {
			if ok, matched := EvalRules(cfg.Rules.Short, &in.RuleCtx); ok {
				return TypeShort, matched
			}
		}
	}
	return TypeNone, nil
}
