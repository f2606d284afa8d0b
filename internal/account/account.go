package account

import (
	"time"
)

// Position side values.
const (
	SideLong  = "long"
	SideShort = "short"
)

// TrailingState tracks a position's trailing stop.
type TrailingState struct {
	Active    bool    `json:"active"`
	Peak      float64 `json:"peak"`      // highest price for longs, lowest for shorts
	StopPrice float64 `json:"stopPrice"`
}

// Position is one open holding. A scenario holds at most one position per
// symbol.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side,omitempty"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entryPrice"`
	EntryTime  int64   `json:"entryTime"` // ms since epoch
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`

	Trailing *TrailingState `json:"trailing,omitempty"`

	// Margin locked for shorts (futures/margin markets only).
	MarginUsdt float64 `json:"marginUsdt,omitempty"`

	// Exchange order bookkeeping.
	EntryOrderID      int64   `json:"entryOrderId,omitempty"`
	ExchangeSlOrderID int64   `json:"exchangeSlOrderId,omitempty"`
	ExchangeSlPrice   float64 `json:"exchangeSlPrice,omitempty"`
	TakeProfitOrderID int64   `json:"takeProfitOrderId,omitempty"`

	// Consecutive exit-order timeouts; 3 escalates to forced exit.
	ExitTimeoutCount int `json:"exitTimeoutCount,omitempty"`

	// Number of staged take-profit levels already executed.
	StagesTaken int `json:"stagesTaken,omitempty"`
}

// IsShort reports whether this is a short position. Legacy records may lack
// a side; they default to long.
func (p *Position) IsShort() bool {
	return p.Side == SideShort
}

// HoldMinutes returns how long the position has been open as of now.
func (p *Position) HoldMinutes(now time.Time) float64 {
	return now.Sub(time.UnixMilli(p.EntryTime)).Minutes()
}

// ProfitRatio returns the signed fractional profit at the given price.
func (p *Position) ProfitRatio(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.IsShort() {
		return (p.EntryPrice - price) / p.EntryPrice
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// Trade is an append-only execution record. Exit trades carry PnL; entries
// do not.
type Trade struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // buy, sell, short, cover
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	UsdtAmount float64 `json:"usdtAmount"`
	Fee        float64 `json:"fee"`
	Slippage   float64 `json:"slippage"`
	Timestamp  int64   `json:"timestamp"`
	Reason     string  `json:"reason"`

	Pnl        *float64 `json:"pnl,omitempty"`
	PnlPercent *float64 `json:"pnlPercent,omitempty"`
}

// PendingOrder is an order the engine is still awaiting a terminal state
// for. Present in Account.OpenOrders iff non-terminal.
type PendingOrder struct {
	OrderID      int64   `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	PlacedAt     int64   `json:"placedAt"` // ms since epoch
	RequestedQty float64 `json:"requestedQty"`
	FilledQty    float64 `json:"filledQty"`
	TimeoutMs    int64   `json:"timeoutMs"`
	IsExit       bool    `json:"isExit,omitempty"`
}

// Deadline returns the absolute timeout deadline.
func (o *PendingOrder) Deadline() time.Time {
	return time.UnixMilli(o.PlacedAt + o.TimeoutMs)
}

// DailyLoss is the rolling loss ledger for one UTC day.
type DailyLoss struct {
	Date string  `json:"date"` // YYYY-MM-DD, UTC
	Loss float64 `json:"loss"`
}

// Account is the durable state of one scenario.
type Account struct {
	InitialUsdt float64                  `json:"initialUsdt"`
	Usdt        float64                  `json:"usdt"`
	Positions   map[string]*Position     `json:"positions"`
	Trades      []Trade                  `json:"trades"`
	OpenOrders  map[string]*PendingOrder `json:"openOrders,omitempty"` // keyed by order id string
	DailyLoss   DailyLoss                `json:"dailyLoss"`
	CreatedAt   int64                    `json:"createdAt"`
	UpdatedAt   int64                    `json:"updatedAt"`
}

// normalize repairs records written by older engine versions: absent
// position sides default to long, nil maps become empty.
func (a *Account) normalize() {
	if a.Positions == nil {
		a.Positions = make(map[string]*Position)
	}
	if a.OpenOrders == nil {
		a.OpenOrders = make(map[string]*PendingOrder)
	}
	for _, pos := range a.Positions {
		if pos.Side == "" {
			pos.Side = SideLong
		}
	}
}

// ClampCash forces USDT cash to be non-negative. No operation may leave the
// account with negative cash; callers clamp instead of erroring so a bad
// fee/slippage combination can never wedge a scenario.
func (a *Account) ClampCash() {
	if a.Usdt < 0 {
		a.Usdt = 0
	}
}

// AddLoss books a realized loss (positive magnitude) into the daily ledger,
// resetting it first if the UTC day rolled over.
func (a *Account) AddLoss(loss float64, now time.Time) {
	if loss <= 0 {
		return
	}
	today := now.UTC().Format("2006-01-02")
	if a.DailyLoss.Date != today {
		a.DailyLoss = DailyLoss{Date: today}
	}
	a.DailyLoss.Loss += loss
}

// DayLoss returns today's accumulated loss, treating a stale ledger date as
// zero.
func (a *Account) DayLoss(now time.Time) float64 {
	if a.DailyLoss.Date != now.UTC().Format("2006-01-02") {
		return 0
	}
	return a.DailyLoss.Loss
}
