package exit

import (
	"testing"
	"time"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

func bar(high, low, close float64) market.Kline {
	return market.Kline{
		OpenTime:  1000,
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    100,
		CloseTime: 2000,
	}
}

func longPos(entry, sl, tp float64) *account.Position {
	return &account.Position{
		Symbol:     "BTCUSDT",
		Side:       account.SideLong,
		Quantity:   1,
		EntryPrice: entry,
		EntryTime:  time.Now().Add(-time.Hour).UnixMilli(),
		StopLoss:   sl,
		TakeProfit: tp,
	}
}

func shortPos(entry, sl, tp float64) *account.Position {
	p := longPos(entry, sl, tp)
	p.Side = account.SideShort
	return p
}

func TestIntracandlePrecedence(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		pos        *account.Position
		kline      market.Kline
		intra      bool
		wantAction Action
		wantPrice  float64
	}{
		{
			name:       "long stop loss on bar low",
			pos:        longPos(101, 95.95, 111.1),
			kline:      bar(100, 94, 98),
			intra:      true,
			wantAction: ActionStopLoss,
			wantPrice:  95.95,
		},
		{
			name:       "long take profit on bar high",
			pos:        longPos(101, 95.95, 111.1),
			kline:      bar(115, 96, 97),
			intra:      true,
			wantAction: ActionTakeProfit,
			wantPrice:  111.1,
		},
		{
			name:       "stop loss wins when both levels are inside the bar",
			pos:        longPos(101, 95.95, 111.1),
			kline:      bar(115, 94, 105),
			intra:      true,
			wantAction: ActionStopLoss,
			wantPrice:  95.95,
		},
		{
			name:       "close mode ignores the bar low",
			pos:        longPos(101, 95.95, 111.1),
			kline:      bar(100, 94, 98),
			intra:      false,
			wantAction: ActionNone,
		},
		{
			name:       "short stop loss on bar high",
			pos:        shortPos(99, 103.95, 89.1),
			kline:      bar(105, 98, 101),
			intra:      true,
			wantAction: ActionStopLoss,
			wantPrice:  103.95,
		},
		{
			name:       "short stop loss wins over take profit",
			pos:        shortPos(99, 103.95, 89.1),
			kline:      bar(106, 87, 105),
			intra:      true,
			wantAction: ActionStopLoss,
			wantPrice:  103.95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				StopLossPercent:   0.05,
				TakeProfitPercent: 0.10,
				Intracandle:       tt.intra,
			}
			d := Evaluate(tt.pos, tt.kline, tt.kline.Close, cfg, now)
			if d.Action != tt.wantAction {
				t.Fatalf("action = %s, want %s", d.Action, tt.wantAction)
			}
			if tt.wantPrice != 0 && d.Price != tt.wantPrice {
				t.Fatalf("price = %v, want %v", d.Price, tt.wantPrice)
			}
		})
	}
}

func TestTrailingStopActivatesAndFires(t *testing.T) {
	// Entry 101, activation 5%, callback 3%. Bar high 108 activates the
	// trail and sets the stop at 108*0.97 = 104.76; the bar low 103 crosses
	// it in the same bar.
	pos := longPos(101, 90, 200)
	cfg := Config{
		StopLossPercent:    0.05,
		TrailingEnabled:    true,
		TrailingActivation: 0.05,
		TrailingCallback:   0.03,
		Intracandle:        true,
	}

	d := Evaluate(pos, bar(108, 103, 97), 97, cfg, time.Now())
	if d.Action != ActionTrailingStop {
		t.Fatalf("action = %s, want trailing_stop", d.Action)
	}
	want := 108 * 0.97
	if d.Price < want-1e-9 || d.Price > want+1e-9 {
		t.Fatalf("trailing stop price = %v, want %v", d.Price, want)
	}
}

func TestTrailingStopNotActivatedBelowThreshold(t *testing.T) {
	pos := longPos(101, 90, 200)
	cfg := Config{
		TrailingEnabled:    true,
		TrailingActivation: 0.05,
		TrailingCallback:   0.03,
		Intracandle:        true,
	}

	// High of 104 is under 5% profit; nothing fires, peak is recorded.
	d := Evaluate(pos, bar(104, 100, 103), 103, cfg, time.Now())
	if d.Action != ActionNone {
		t.Fatalf("action = %s, want none", d.Action)
	}
	if pos.Trailing == nil || pos.Trailing.Peak != 104 {
		t.Fatalf("peak not recorded: %+v", pos.Trailing)
	}
	if pos.Trailing.Active {
		t.Fatal("trailing should not be active below activation threshold")
	}
}

func TestCalcBreakEvenStopMonotone(t *testing.T) {
	// Long: a stop already above the break-even target never moves back.
	if got := CalcBreakEvenStop(account.SideLong, 1000, 1001, 0.05, 0.03, 0.001); got != nil {
		t.Fatalf("expected nil, got %v", *got)
	}
	got := CalcBreakEvenStop(account.SideLong, 1000, 950, 0.05, 0.03, 0.001)
	if got == nil || *got != 1001 {
		t.Fatalf("expected 1001, got %v", got)
	}

	// Short: symmetric, target entry*(1-bump) = 999.
	if got := CalcBreakEvenStop(account.SideShort, 1000, 999, 0.05, 0.03, 0.001); got != nil {
		t.Fatalf("expected nil, got %v", *got)
	}
	got = CalcBreakEvenStop(account.SideShort, 1000, 1050, 0.05, 0.03, 0.001)
	if got == nil || *got != 999 {
		t.Fatalf("expected 999, got %v", got)
	}

	// Below the profit threshold nothing moves.
	if got := CalcBreakEvenStop(account.SideLong, 1000, 950, 0.01, 0.03, 0.001); got != nil {
		t.Fatalf("expected nil below threshold, got %v", *got)
	}
}

func TestBreakEvenMoveIsInPlace(t *testing.T) {
	pos := longPos(100, 95, 200)
	cfg := Config{
		StopLossPercent: 0.05,
		BreakEvenProfit: 0.03,
		BreakEvenStop:   0.001,
		Intracandle:     true,
	}

	d := Evaluate(pos, bar(105, 99, 104), 104, cfg, time.Now())
	if d.Action != ActionNone || !d.StopMoved {
		t.Fatalf("expected in-place stop move, got %+v", d)
	}
	if pos.StopLoss != 100*(1+0.001) {
		t.Fatalf("stop = %v, want %v", pos.StopLoss, 100*1.001)
	}

	// Re-evaluating does not move the stop again.
	d = Evaluate(pos, bar(105, 101, 104), 104, cfg, time.Now())
	if d.StopMoved {
		t.Fatal("stop moved twice for the same threshold")
	}
}

func TestCustomStopClampedToFloor(t *testing.T) {
	pos := longPos(100, 96, 200)
	cfg := Config{
		StopLossPercent: 0.05,
		Intracandle:     true,
		CustomStop: func(p *account.Position, price float64) (float64, bool) {
			return 80, true // far below the hard floor
		},
	}

	// Clamped value (95) does not tighten the current 96 stop: no update.
	d := Evaluate(pos, bar(101, 97, 100), 100, cfg, time.Now())
	if d.StopMoved {
		t.Fatalf("loosening custom stop applied: %+v", d)
	}
	if pos.StopLoss != 96 {
		t.Fatalf("stop changed to %v", pos.StopLoss)
	}

	cfg.CustomStop = func(p *account.Position, price float64) (float64, bool) {
		return 98, true
	}
	d = Evaluate(pos, bar(101, 99, 100), 100, cfg, time.Now())
	if !d.StopMoved || pos.StopLoss != 98 {
		t.Fatalf("custom stop not applied: %+v stop=%v", d, pos.StopLoss)
	}
}

func TestRoiTableUsesLargestApplicableRow(t *testing.T) {
	pos := longPos(100, 90, 300)
	pos.EntryTime = time.Now().Add(-90 * time.Minute).UnixMilli()
	cfg := Config{
		Intracandle: true,
		MinimalROI:  map[int]float64{0: 0.10, 60: 0.03, 240: 0.0},
	}

	// 90 minutes in, the 60-minute row (3%) applies; 4% profit exits.
	d := Evaluate(pos, bar(104.5, 103, 104), 104, cfg, time.Now())
	if d.Action != ActionRoiExit {
		t.Fatalf("action = %s, want roi_exit", d.Action)
	}

	// 2% profit does not.
	pos2 := longPos(100, 90, 300)
	pos2.EntryTime = time.Now().Add(-90 * time.Minute).UnixMilli()
	d = Evaluate(pos2, bar(102.5, 101, 102), 102, cfg, time.Now())
	if d.Action != ActionNone {
		t.Fatalf("action = %s, want none", d.Action)
	}
}

func TestTimeStopOnlyWhenNotProfitable(t *testing.T) {
	cfg := Config{Intracandle: true, TimeStopHours: 4}

	pos := longPos(100, 80, 300)
	pos.EntryTime = time.Now().Add(-5 * time.Hour).UnixMilli()
	d := Evaluate(pos, bar(99.5, 98, 99), 99, cfg, time.Now())
	if d.Action != ActionTimeStop {
		t.Fatalf("action = %s, want time_stop", d.Action)
	}

	// Profitable positions are not time-stopped.
	pos2 := longPos(100, 80, 300)
	pos2.EntryTime = time.Now().Add(-5 * time.Hour).UnixMilli()
	d = Evaluate(pos2, bar(103, 101, 102), 102, cfg, time.Now())
	if d.Action != ActionNone {
		t.Fatalf("action = %s, want none", d.Action)
	}
}

func TestStagedTakeProfit(t *testing.T) {
	pos := longPos(100, 90, 300)
	cfg := Config{
		Intracandle:      true,
		TakeProfitStages: []Stage{{AtPercent: 3, CloseRatio: 0.5}, {AtPercent: 6, CloseRatio: 0.5}},
	}

	d := Evaluate(pos, bar(104.5, 102, 104), 104, cfg, time.Now())
	if d.Action != ActionStagedProfit || d.PartialRatio != 0.5 {
		t.Fatalf("expected first stage, got %+v", d)
	}

	// After the first stage is taken, 4% does not trigger the 6% stage.
	pos.StagesTaken = 1
	d = Evaluate(pos, bar(104.5, 102, 104), 104, cfg, time.Now())
	if d.Action != ActionNone {
		t.Fatalf("expected none, got %+v", d)
	}
}
