package signal

import (
	"testing"

	"scenario-trading-bot/internal/indicator"
)

func TestDetectRegime(t *testing.T) {
	cases := []struct {
		name string
		snap *indicator.Snapshot
		want Regime
	}{
		{
			name: "trending bull",
			snap: &indicator.Snapshot{Price: 100, MAShort: 102, MALong: 100, ATR: 1, Volume: 10, AvgVolume: 10},
			want: RegimeTrendingBull,
		},
		{
			name: "trending bear",
			snap: &indicator.Snapshot{Price: 100, MAShort: 98, MALong: 100, ATR: 1, Volume: 10, AvgVolume: 10},
			want: RegimeTrendingBear,
		},
		{
			name: "breakout beats trend on volume and range expansion",
			snap: &indicator.Snapshot{Price: 100, MAShort: 102, MALong: 100, ATR: 3, Volume: 30, AvgVolume: 10},
			want: RegimeBreakout,
		},
		{
			name: "contraction on flat EMAs and shrinking range",
			snap: &indicator.Snapshot{Price: 100, MAShort: 100.1, MALong: 100, ATR: 0.3, Volume: 10, AvgVolume: 10},
			want: RegimeContraction,
		},
		{
			name: "ranging tight on flat EMAs with normal range",
			snap: &indicator.Snapshot{Price: 100, MAShort: 100.1, MALong: 100, ATR: 1, Volume: 10, AvgVolume: 10},
			want: RegimeRangingTight,
		},
		{
			name: "nil snapshot defaults to ranging",
			snap: nil,
			want: RegimeRangingTight,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectRegime(tc.snap); got != tc.want {
				t.Fatalf("regime = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOverridesFor(t *testing.T) {
	table := map[Regime]RegimeOverrides{
		RegimeBreakout: {StopLossPercent: 0.05, PositionRatioMult: 1.2},
	}

	if o := OverridesFor(RegimeBreakout, table); o == nil || o.StopLossPercent != 0.05 {
		t.Fatalf("expected breakout overrides, got %+v", o)
	}
	if o := OverridesFor(RegimeTrendingBull, table); o != nil {
		t.Fatalf("regime without an entry must return nil, got %+v", o)
	}
	if o := OverridesFor(RegimeBreakout, nil); o != nil {
		t.Fatalf("nil table must return nil, got %+v", o)
	}
}
