package signal

// GateOutcome is the sentiment gate's verdict on a signal.
type GateOutcome string

const (
	GateExecute GateOutcome = "execute"
	GateReduce  GateOutcome = "reduce"
	GateWarn    GateOutcome = "warn"
	GateSkip    GateOutcome = "skip"
)

// SentimentContext is the external sentiment snapshot the gate consumes.
// All inputs are optional; absent data never blocks execution.
type SentimentContext struct {
	FearGreed    int
	HasFearGreed bool
	// FearGreedDelta is the recent index change; a sharply dropping index
	// while an alert is active skips buys, a rapid rise warns on sells.
	FearGreedDelta float64
	FearGreedAlert bool

	KeywordScore     int // aggregated news keyword score, negative = bearish
	HasKeywordScore  bool
	ImportantNews    int
	BearishSentiment bool
}

// GateResult is the outcome plus the ratio multiplier to apply. Reductions
// multiply the already-adjusted ratio, so successive reductions compound.
type GateResult struct {
	Outcome    GateOutcome
	RatioScale float64
	Reason     string
}

// SentimentGate applies the sentiment rules to an open signal.
//
// Skip beats reduce beats warn. Buys are skipped into extreme greed or a
// deeply negative news score; sells get a warning (but still execute) into
// extreme fear, where capitulation exits tend to be mistimed.
func SentimentGate(sigType Type, ctx SentimentContext) GateResult {
	isOpen := sigType == TypeBuy || sigType == TypeShort

	if isOpen && sigType == TypeBuy {
		if ctx.HasFearGreed && ctx.FearGreed > 80 {
			return GateResult{Outcome: GateSkip, Reason: "extreme_greed"}
		}
		if ctx.HasKeywordScore && ctx.KeywordScore <= -4 {
			return GateResult{Outcome: GateSkip, Reason: "bearish_news_score"}
		}
		if ctx.FearGreedAlert && ctx.FearGreedDelta < 0 {
			return GateResult{Outcome: GateSkip, Reason: "fear_greed_dropping"}
		}
	}

	if isOpen && (ctx.BearishSentiment || ctx.ImportantNews >= 5) {
		return GateResult{Outcome: GateReduce, RatioScale: 0.5, Reason: "sentiment_reduce"}
	}

	if sigType == TypeSell || sigType == TypeCover {
		if ctx.HasFearGreed && ctx.FearGreed < 10 {
			return GateResult{Outcome: GateWarn, RatioScale: 1, Reason: "extreme_fear_exit"}
		}
		if ctx.FearGreedAlert && ctx.FearGreedDelta > 0 {
			return GateResult{Outcome: GateWarn, RatioScale: 1, Reason: "fear_greed_rising"}
		}
	}

	return GateResult{Outcome: GateExecute, RatioScale: 1}
}
