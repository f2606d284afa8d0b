package exit

import (
	"sort"
	"time"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

// Action identifies what the engine decided for a position this bar.
type Action string

const (
	ActionNone          Action = "none"
	ActionStopLoss      Action = "stop_loss"
	ActionTakeProfit    Action = "take_profit"
	ActionStagedProfit  Action = "staged_take_profit"
	ActionTrailingStop  Action = "trailing_stop"
	ActionRoiExit       Action = "roi_exit"
	ActionTimeStop      Action = "time_stop"
)

// Decision is the evaluation result. StopMoved means the stop-loss was
// tightened in place (break-even or custom stop) without exiting.
type Decision struct {
	Action       Action
	Price        float64
	Reason       string
	StopMoved    bool
	NewStop      float64
	PartialRatio float64 // fraction of the position to close for staged TP
}

// Stage is one staged take-profit level.
type Stage struct {
	AtPercent  float64 // profit percent that arms the stage
	CloseRatio float64 // fraction of the remaining position to close
}

// CustomStopFunc is the strategy hook for a custom stop-loss price. The
// returned price is clamped to the hard stop floor and must tighten the
// current stop to take effect.
type CustomStopFunc func(pos *account.Position, price float64) (float64, bool)

// Config carries the risk parameters the engine evaluates against. Regime
// overrides are applied by the caller before evaluation.
type Config struct {
	StopLossPercent   float64
	TakeProfitPercent float64

	TrailingEnabled    bool
	TrailingActivation float64 // fractional, e.g. 0.05
	TrailingCallback   float64 // fractional, e.g. 0.03

	BreakEvenProfit float64 // 0 disables
	BreakEvenStop   float64

	// MinimalROI maps hold minutes to the minimum profit ratio that exits.
	MinimalROI map[int]float64

	TimeStopHours float64 // 0 disables

	TakeProfitStages []Stage

	// Intracandle evaluates stops against bar extremes; when false the bar
	// close substitutes for both extremes (legacy close mode).
	Intracandle bool

	CustomStop CustomStopFunc
}

// Evaluate runs the exit precedence for one open position against the
// latest bar. Precedence: stop-loss, take-profit, staged take-profit,
// trailing stop, break-even move, ROI table, time stop. Stop-loss wins ties
// with take-profit inside the same bar.
func Evaluate(pos *account.Position, kline market.Kline, price float64, cfg Config, now time.Time) Decision {
	high, low := kline.High, kline.Low
	if !cfg.Intracandle {
		high, low = kline.Close, kline.Close
	}

	// 1. Stop-loss on the bar extreme. Conservative: assume the stop was
	// touched before any take-profit in the same bar.
	if pos.StopLoss > 0 {
		if !pos.IsShort() && low <= pos.StopLoss {
			return Decision{Action: ActionStopLoss, Price: pos.StopLoss, Reason: "stop_loss"}
		}
		if pos.IsShort() && high >= pos.StopLoss {
			return Decision{Action: ActionStopLoss, Price: pos.StopLoss, Reason: "stop_loss"}
		}
	}

	// 2. Take-profit on the opposite extreme.
	if pos.TakeProfit > 0 {
		if !pos.IsShort() && high >= pos.TakeProfit {
			return Decision{Action: ActionTakeProfit, Price: pos.TakeProfit, Reason: "take_profit"}
		}
		if pos.IsShort() && low <= pos.TakeProfit {
			return Decision{Action: ActionTakeProfit, Price: pos.TakeProfit, Reason: "take_profit"}
		}
	}

	profitRatio := pos.ProfitRatio(price)

	// 3. Staged partial take-profits.
	if len(cfg.TakeProfitStages) > 0 && pos.StagesTaken < len(cfg.TakeProfitStages) {
		stage := cfg.TakeProfitStages[pos.StagesTaken]
		if profitRatio*100 >= stage.AtPercent {
			return Decision{
				Action:       ActionStagedProfit,
				Price:        price,
				Reason:       "staged_take_profit",
				PartialRatio: stage.CloseRatio,
			}
		}
	}

	// 4. Trailing stop: update the watermark from this bar's extreme, then
	// check activation and trigger.
	if cfg.TrailingEnabled {
		if d, fired := evalTrailing(pos, high, low, cfg); fired {
			return d
		}
	}

	// 5. Break-even / custom stop move. In-place tightening, never an exit
	// by itself and never a loosening. Evaluation continues so a later rule
	// can still exit this bar.
	newStop, stopMoved := nextStop(pos, price, profitRatio, cfg)

	// 6. ROI table: the applicable row is the largest hold-minutes key not
	// exceeding the current hold.
	if len(cfg.MinimalROI) > 0 {
		if minProfit, ok := roiRow(cfg.MinimalROI, pos.HoldMinutes(now)); ok && profitRatio >= minProfit {
			return Decision{Action: ActionRoiExit, Price: price, Reason: "roi_exit", StopMoved: stopMoved, NewStop: newStop}
		}
	}

	// 7. Time stop: flat-or-losing positions past the hold budget.
	if cfg.TimeStopHours > 0 && profitRatio <= 0 {
		if pos.HoldMinutes(now) >= cfg.TimeStopHours*60 {
			return Decision{Action: ActionTimeStop, Price: price, Reason: "time_stop"}
		}
	}

	return Decision{Action: ActionNone, StopMoved: stopMoved, NewStop: newStop}
}

func evalTrailing(pos *account.Position, high, low float64, cfg Config) (Decision, bool) {
	if pos.Trailing == nil {
		pos.Trailing = &account.TrailingState{Peak: pos.EntryPrice}
	}
	t := pos.Trailing

	if pos.IsShort() {
		if t.Peak == 0 || low < t.Peak {
			t.Peak = low
		}
		if !t.Active && (pos.EntryPrice-t.Peak)/pos.EntryPrice >= cfg.TrailingActivation {
			t.Active = true
		}
		if t.Active {
			t.StopPrice = t.Peak * (1 + cfg.TrailingCallback)
			if high >= t.StopPrice {
				return Decision{Action: ActionTrailingStop, Price: t.StopPrice, Reason: "trailing_stop"}, true
			}
		}
		return Decision{}, false
	}

	if high > t.Peak {
		t.Peak = high
	}
	if !t.Active && (t.Peak-pos.EntryPrice)/pos.EntryPrice >= cfg.TrailingActivation {
		t.Active = true
	}
	if t.Active {
		t.StopPrice = t.Peak * (1 - cfg.TrailingCallback)
		if low <= t.StopPrice {
			return Decision{Action: ActionTrailingStop, Price: t.StopPrice, Reason: "trailing_stop"}, true
		}
	}
	return Decision{}, false
}

// nextStop computes the tightened stop, if any, from the custom stop hook
// and the break-even rule. Custom stop takes priority, clamped to the hard
// floor derived from stop_loss_percent.
func nextStop(pos *account.Position, price, profitRatio float64, cfg Config) (float64, bool) {
	if cfg.CustomStop != nil {
		if custom, ok := cfg.CustomStop(pos, price); ok {
			clamped := clampToFloor(pos, custom, cfg.StopLossPercent)
			if tightens(pos, clamped) {
				pos.StopLoss = clamped
				return clamped, true
			}
			return 0, false
		}
	}

	if cfg.BreakEvenProfit <= 0 || profitRatio < cfg.BreakEvenProfit {
		return 0, false
	}
	be := CalcBreakEvenStop(pos.Side, pos.EntryPrice, pos.StopLoss, profitRatio, cfg.BreakEvenProfit, cfg.BreakEvenStop)
	if be == nil {
		return 0, false
	}
	pos.StopLoss = *be
	return *be, true
}

// CalcBreakEvenStop returns the new stop for a position whose profit has
// reached the break-even threshold, or nil when the move would loosen the
// stop. bump is the fractional offset beyond entry (entry*(1±bump)).
func CalcBreakEvenStop(side string, entry, currentSL, profit, threshold, bump float64) *float64 {
	if profit < threshold || entry <= 0 {
		return nil
	}
	if side == account.SideShort {
		target := entry * (1 - bump)
		if currentSL > 0 && target >= currentSL {
			return nil
		}
		return &target
	}
	target := entry * (1 + bump)
	if target <= currentSL {
		return nil
	}
	return &target
}

func clampToFloor(pos *account.Position, stop, stopLossPercent float64) float64 {
	if pos.IsShort() {
		ceiling := pos.EntryPrice * (1 + stopLossPercent)
		if stop > ceiling {
			return ceiling
		}
		return stop
	}
	floor := pos.EntryPrice * (1 - stopLossPercent)
	if stop < floor {
		return floor
	}
	return stop
}

func tightens(pos *account.Position, stop float64) bool {
	if pos.StopLoss <= 0 {
		return stop > 0
	}
	if pos.IsShort() {
		return stop < pos.StopLoss
	}
	return stop > pos.StopLoss
}

func roiRow(table map[int]float64, holdMinutes float64) (float64, bool) {
	keys := make([]int, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	found := false
	value := 0.0
	for _, k := range keys {
		if float64(k) <= holdMinutes {
			value = table[k]
			found = true
		}
	}
	return value, found
}
