// Package execution turns approved signals into account mutations, either
// simulated (paper) or against the exchange (live). Pre-trade checks are
// shared; only the fill path differs.
package execution

import (
	"errors"
	"time"

	"scenario-trading-bot/internal/account"
)

// Pre-trade rejection reasons, in check order.
var (
	ErrMaxPositions         = errors.New("max_positions")
	ErrAlreadyHolding       = errors.New("already_holding")
	ErrMaxPositionPerSymbol = errors.New("max_position_per_symbol")
	ErrDailyLossLimit       = errors.New("daily_loss_limit")
	ErrBelowMinOrder        = errors.New("below_min_order")
	ErrSlippageGuard        = errors.New("entry_slippage_guard")
)

// Config carries the execution parameters shared by paper and live.
type Config struct {
	FeeRate  float64
	Slippage float64

	MinOrderUsdt float64
	MaxPositions int

	// MaxPositionPerSymbolUsdt caps the notional committed to any single
	// symbol; 0 disables. With at most one position per symbol this bounds
	// the entry size, not a position count.
	MaxPositionPerSymbolUsdt float64

	// DailyLossLimitPercent caps realized losses per UTC day as a fraction
	// of current equity; 0 disables.
	DailyLossLimitPercent float64

	// MaxEntrySlippagePercent aborts a live entry when the live price has
	// drifted this far from the signal price; 0 disables.
	MaxEntrySlippagePercent float64

	OrderTimeoutMs int64

	// UseExchangeStopLoss places a native stop order after a live entry.
	UseExchangeStopLoss bool
}

// OpenRequest is an approved entry ready for execution.
type OpenRequest struct {
	Symbol     string
	Short      bool
	UsdtAmount float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Reason     string
}

// Executor is the contract the scenario runtime drives. Open creates a
// position, Close destroys one, ClosePartial takes a staged profit. All
// three mutate the supplied account; the caller persists.
type Executor interface {
	Open(acct *account.Account, req OpenRequest, now time.Time) (*account.Trade, error)
	Close(acct *account.Account, symbol string, price float64, reason string, now time.Time) (*account.Trade, error)
	ClosePartial(acct *account.Account, symbol string, ratio, price float64, reason string, now time.Time) (*account.Trade, error)
}

// PreTradeCheck runs the ordered entry gate. equity is current total equity;
// the daily-loss comparison is against equity, not starting balance, so the
// cap tightens as the account draws down.
func PreTradeCheck(cfg Config, acct *account.Account, symbol string, usdtAmount, equity float64, now time.Time) error {
	if cfg.MaxPositions > 0 && len(acct.Positions) >= cfg.MaxPositions {
		return ErrMaxPositions
	}
	if _, held := acct.Positions[symbol]; held {
		return ErrAlreadyHolding
	}
	if cfg.MaxPositionPerSymbolUsdt > 0 && usdtAmount > cfg.MaxPositionPerSymbolUsdt {
		return ErrMaxPositionPerSymbol
	}
	if cfg.DailyLossLimitPercent > 0 && equity > 0 {
		if acct.DayLoss(now) >= equity*cfg.DailyLossLimitPercent {
			return ErrDailyLossLimit
		}
	}
	if cfg.MinOrderUsdt > 0 && usdtAmount < cfg.MinOrderUsdt {
		return ErrBelowMinOrder
	}
	return nil
}
