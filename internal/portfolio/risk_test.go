package portfolio

import (
	"math"
	"testing"

	"scenario-trading-bot/internal/market"
)

func TestCorrelationBounds(t *testing.T) {
	a := []float64{0.01, -0.02, 0.03, -0.01, 0.02}
	if r := Correlation(a, a); math.Abs(r-1) > 1e-9 {
		t.Fatalf("self correlation = %v, want 1", r)
	}

	inv := make([]float64, len(a))
	for i, v := range a {
		inv[i] = -v
	}
	if r := Correlation(a, inv); math.Abs(r+1) > 1e-9 {
		t.Fatalf("inverse correlation = %v, want -1", r)
	}
}

func TestCorrelationDegenerateSeriesIsZero(t *testing.T) {
	flat := []float64{0.01, 0.01, 0.01}
	moving := []float64{0.02, -0.01, 0.03}
	if r := Correlation(flat, moving); r != 0 {
		t.Fatalf("zero-variance series must yield 0, got %v", r)
	}
	if r := Correlation(nil, moving); r != 0 {
		t.Fatalf("empty series must yield 0, got %v", r)
	}
}

func TestLogReturnsSkipsBadPrices(t *testing.T) {
	klines := []market.Kline{
		{Close: 100}, {Close: 110}, {Close: 0}, {Close: 105},
	}
	returns := LogReturns(klines)
	// 100->110 is the only clean pair; transitions through the zero print
	// are dropped on both sides.
	if len(returns) != 1 {
		t.Fatalf("returns = %v, want a single clean return", returns)
	}
	if math.Abs(returns[0]-math.Log(1.1)) > 1e-12 {
		t.Fatalf("return = %v, want ln(1.1)", returns[0])
	}
}

func TestCorrelationHeatDecisions(t *testing.T) {
	up := []float64{0.01, 0.02, -0.01, 0.03, 0.01, -0.02, 0.02}
	down := make([]float64, len(up))
	for i, v := range up {
		down[i] = -v
	}

	// Perfectly correlated held book with a ceiling below 1 blocks.
	res := CorrelationHeat(up, map[string][]float64{"ETHUSDT": up}, nil, 0.2, 0.9)
	if res.Decision != DecisionBlock || res.AdjustedRatio != 0 {
		t.Fatalf("got %+v, want block", res)
	}

	// |corr| = 1 with no ceiling scales down to the 25% floor.
	res = CorrelationHeat(up, map[string][]float64{"ETHUSDT": down}, nil, 0.2, 0)
	if res.Decision != DecisionScale {
		t.Fatalf("got %+v, want scale", res)
	}
	if math.Abs(res.AdjustedRatio-0.05) > 1e-12 {
		t.Fatalf("adjusted = %v, want 0.05", res.AdjustedRatio)
	}

	// Empty book approves at the base ratio.
	res = CorrelationHeat(up, nil, nil, 0.2, 0.9)
	if res.Decision != DecisionApprove || res.AdjustedRatio != 0.2 {
		t.Fatalf("got %+v, want approve", res)
	}
}

func TestKellyRatio(t *testing.T) {
	// 60% wins at +2%, 40% losses at -1%: kelly = 0.6 - 0.4/2 = 0.4, half = 0.2.
	pnls := []float64{2, 2, 2, 2, 2, 2, -1, -1, -1, -1}
	got := KellyRatio(pnls, 10, 0.05, 0.5, 0.1)
	if math.Abs(got-0.2) > 1e-12 {
		t.Fatalf("kelly = %v, want 0.2", got)
	}

	if got := KellyRatio(pnls[:5], 10, 0.05, 0.5, 0.1); got != 0.1 {
		t.Fatalf("below min samples = %v, want fallback", got)
	}

	allWins := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	if got := KellyRatio(allWins, 10, 0.05, 0.5, 0.1); got != 0.1 {
		t.Fatalf("one-sided history = %v, want fallback", got)
	}
}
