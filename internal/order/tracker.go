package order

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

// forcedExitThreshold is how many consecutive exit-order timeouts escalate
// to a forced market exit.
const forcedExitThreshold = 3

// partialFillWarnRatio is the executed/requested quantity below which a fill
// confirmation logs a partial-fill warning.
const partialFillWarnRatio = 0.95

// Outcome is how a pending order was resolved.
type Outcome string

const (
	OutcomeFilled     Outcome = "filled"
	OutcomeCanceled   Outcome = "canceled"
	OutcomeDropped    Outcome = "dropped"
	OutcomeForcedExit Outcome = "forced_exit"
)

// Resolution describes what happened to one pending order during a timeout
// or startup scan. ForcedExit resolutions carry the symbol whose position
// must be closed at market by the caller.
type Resolution struct {
	Order    *account.PendingOrder
	Outcome  Outcome
	Exchange *market.Order
}

// StopFill is an exchange-side stop-loss that filled while the engine was
// not looking. The close has already been booked into the account.
type StopFill struct {
	Symbol string
	Price  float64
	Pnl    float64
	Trade  account.Trade
}

// Tracker owns the pending-order lifecycle: registration, fill confirmation,
// timeout escalation and the exchange stop-loss sync. It mutates the account
// it is handed; persistence stays with the caller.
type Tracker struct {
	mu     sync.Mutex
	client market.ExchangeClient
	logger zerolog.Logger
}

func NewTracker(client market.ExchangeClient, logger zerolog.Logger) *Tracker {
	return &Tracker{
		client: client,
		logger: logger.With().Str("component", "OrderTracker").Logger(),
	}
}

// Register starts tracking a freshly placed order.
func (t *Tracker) Register(acct *account.Account, o *account.PendingOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if acct.OpenOrders == nil {
		acct.OpenOrders = make(map[string]*account.PendingOrder)
	}
	acct.OpenOrders[orderKey(o.OrderID)] = o
	t.logger.Debug().
		Int64("order_id", o.OrderID).
		Str("symbol", o.Symbol).
		Str("side", o.Side).
		Bool("is_exit", o.IsExit).
		Msg("Tracking pending order")
}

// Confirm resolves a pending order against its exchange state and stops
// tracking it. A fill below the partial threshold is logged but still
// confirmed at the executed quantity; the position books what actually
// traded, never the requested amount.
func (t *Tracker) Confirm(acct *account.Account, exch *market.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmLocked(acct, exch)
}

func (t *Tracker) confirmLocked(acct *account.Account, exch *market.Order) {
	key := orderKey(exch.OrderID)
	pending, ok := acct.OpenOrders[key]
	if !ok {
		return
	}

	if pending.RequestedQty > 0 {
		ratio := exch.ExecutedQty / pending.RequestedQty
		if ratio < partialFillWarnRatio {
			t.logger.Warn().
				Int64("order_id", exch.OrderID).
				Str("symbol", exch.Symbol).
				Float64("requested", pending.RequestedQty).
				Float64("executed", exch.ExecutedQty).
				Msg("Partial fill below threshold")
		}
	}

	// A completed exit clears the timeout escalation counter.
	if pending.IsExit {
		if pos, held := acct.Positions[pending.Symbol]; held {
			pos.ExitTimeoutCount = 0
		}
	}
	delete(acct.OpenOrders, key)
}

// CheckTimeouts walks the pending orders whose deadline has passed, queries
// the exchange for their real state and resolves them:
//
//	FILLED / PARTIALLY_FILLED  confirm at the executed quantity
//	NEW                        cancel; exit orders escalate the timeout count
//	CANCELED/EXPIRED/REJECTED  drop the tracking entry
//
// Three consecutive exit timeouts on one position escalate to a forced exit
// resolution; the caller closes the position at market.
func (t *Tracker) CheckTimeouts(acct *account.Account, now time.Time) []Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Resolution
	for key, pending := range acct.OpenOrders {
		// TimeoutMs 0 marks a resting order (native stop); those never time
		// out, the stop-loss sync owns them.
		if pending.TimeoutMs <= 0 || now.Before(pending.Deadline()) {
			continue
		}

		exch, err := t.client.GetOrder(pending.Symbol, pending.OrderID)
		if err != nil {
			t.logger.Error().Err(err).
				Int64("order_id", pending.OrderID).
				Str("symbol", pending.Symbol).
				Msg("Order status query failed, retrying next tick")
			continue
		}

		switch exch.Status {
		case market.OrderStatusFilled, market.OrderStatusPartiallyFilled:
			t.confirmLocked(acct, exch)
			out = append(out, Resolution{Order: pending, Outcome: OutcomeFilled, Exchange: exch})

		case market.OrderStatusNew:
			if err := t.client.CancelOrder(pending.Symbol, pending.OrderID); err != nil {
				t.logger.Error().Err(err).
					Int64("order_id", pending.OrderID).
					Msg("Cancel of timed-out order failed, retrying next tick")
				continue
			}
			delete(acct.OpenOrders, key)

			outcome := OutcomeCanceled
			if pending.IsExit {
				if pos, held := acct.Positions[pending.Symbol]; held {
					pos.ExitTimeoutCount++
					if pos.ExitTimeoutCount >= forcedExitThreshold {
						outcome = OutcomeForcedExit
						t.logger.Warn().
							Str("symbol", pending.Symbol).
							Int("timeouts", pos.ExitTimeoutCount).
							Msg("Exit order timed out repeatedly, forcing market exit")
					}
				}
			}
			out = append(out, Resolution{Order: pending, Outcome: outcome, Exchange: exch})

		case market.OrderStatusCanceled, market.OrderStatusExpired, market.OrderStatusRejected:
			delete(acct.OpenOrders, key)
			out = append(out, Resolution{Order: pending, Outcome: OutcomeDropped, Exchange: exch})

		default:
			t.logger.Warn().
				Str("status", exch.Status).
				Int64("order_id", pending.OrderID).
				Msg("Unknown order status, keeping order pending")
		}
	}
	return out
}

// ScanOpenOrders reconciles orders left pending across a restart. Terminal
// and filled orders resolve immediately; orders still NEW stay tracked and
// fall to the regular timeout path.
func (t *Tracker) ScanOpenOrders(acct *account.Account) []Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Resolution
	for key, pending := range acct.OpenOrders {
		exch, err := t.client.GetOrder(pending.Symbol, pending.OrderID)
		if err != nil {
			t.logger.Error().Err(err).
				Int64("order_id", pending.OrderID).
				Msg("Startup order scan query failed")
			continue
		}

		switch exch.Status {
		case market.OrderStatusFilled, market.OrderStatusPartiallyFilled:
			t.confirmLocked(acct, exch)
			out = append(out, Resolution{Order: pending, Outcome: OutcomeFilled, Exchange: exch})
		case market.OrderStatusCanceled, market.OrderStatusExpired, market.OrderStatusRejected:
			delete(acct.OpenOrders, key)
			out = append(out, Resolution{Order: pending, Outcome: OutcomeDropped, Exchange: exch})
		}
	}
	if len(out) > 0 {
		t.logger.Info().Int("resolved", len(out)).Msg("Startup order scan resolved orphaned orders")
	}
	return out
}

// SyncExchangeStopLosses detects exchange-native stop-loss orders that
// filled while the engine was between ticks, books the close into the
// account (P&L from the actual fills, not the stop price) and drops the
// position. The companion take-profit order, if any, is canceled.
func (t *Tracker) SyncExchangeStopLosses(acct *account.Account, now time.Time) []StopFill {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fills []StopFill
	for symbol, pos := range acct.Positions {
		if pos.ExchangeSlOrderID == 0 {
			continue
		}
		exch, err := t.client.GetOrder(symbol, pos.ExchangeSlOrderID)
		if err != nil {
			t.logger.Error().Err(err).
				Str("symbol", symbol).
				Int64("order_id", pos.ExchangeSlOrderID).
				Msg("Stop-loss sync query failed")
			continue
		}
		if exch.Status != market.OrderStatusFilled {
			continue
		}

		exitPrice := exch.AvgFillPrice()
		fill := t.bookStopFill(acct, symbol, pos, exitPrice, now)
		fills = append(fills, fill)

		if pos.TakeProfitOrderID != 0 {
			if err := t.client.CancelOrder(symbol, pos.TakeProfitOrderID); err != nil {
				t.logger.Warn().Err(err).
					Str("symbol", symbol).
					Int64("order_id", pos.TakeProfitOrderID).
					Msg("Cancel of companion take-profit failed")
			}
		}
		delete(acct.Positions, symbol)
	}
	return fills
}

func (t *Tracker) bookStopFill(acct *account.Account, symbol string, pos *account.Position, exitPrice float64, now time.Time) StopFill {
	var pnl, proceeds float64
	side := "sell"
	if pos.IsShort() {
		side = "cover"
		pnl = (pos.EntryPrice - exitPrice) * pos.Quantity
		proceeds = pos.MarginUsdt + pnl
		if proceeds < 0 {
			proceeds = 0
		}
	} else {
		pnl = (exitPrice - pos.EntryPrice) * pos.Quantity
		proceeds = pos.Quantity * exitPrice
	}
	acct.Usdt += proceeds
	acct.ClampCash()
	if pnl < 0 {
		acct.AddLoss(-pnl, now)
	}

	pnlPercent := 0.0
	if cost := pos.EntryPrice * pos.Quantity; cost > 0 {
		pnlPercent = pnl / cost * 100
	}
	trade := account.Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   pos.Quantity,
		Price:      exitPrice,
		UsdtAmount: proceeds,
		Timestamp:  now.UnixMilli(),
		Reason:     "exchange_stop_loss",
		Pnl:        &pnl,
		PnlPercent: &pnlPercent,
	}
	acct.Trades = append(acct.Trades, trade)

	t.logger.Info().
		Str("symbol", symbol).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("Exchange stop-loss filled, position closed")

	return StopFill{Symbol: symbol, Price: exitPrice, Pnl: pnl, Trade: trade}
}

func orderKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
