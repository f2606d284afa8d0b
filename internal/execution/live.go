package execution

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
	"scenario-trading-bot/internal/order"
)

// LiveExecutor places real orders. Entries carry a slippage guard against
// the signal price; exits cancel the native stop order first so the close
// can never race it.
type LiveExecutor struct {
	cfg     Config
	client  market.ExchangeClient
	tracker *order.Tracker
	logger  zerolog.Logger
}

func NewLiveExecutor(cfg Config, client market.ExchangeClient, tracker *order.Tracker, logger zerolog.Logger) *LiveExecutor {
	return &LiveExecutor{
		cfg:     cfg,
		client:  client,
		tracker: tracker,
		logger:  logger.With().Str("component", "LiveExecutor").Logger(),
	}
}

func (e *LiveExecutor) Open(acct *account.Account, req OpenRequest, now time.Time) (*account.Trade, error) {
	if _, held := acct.Positions[req.Symbol]; held {
		return nil, ErrAlreadyHolding
	}

	live, err := e.client.GetPrice(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("live price for %s: %w", req.Symbol, err)
	}
	if e.cfg.MaxEntrySlippagePercent > 0 && req.Price > 0 {
		drift := math.Abs(live-req.Price) / req.Price
		if drift > e.cfg.MaxEntrySlippagePercent {
			e.logger.Warn().
				Str("symbol", req.Symbol).
				Float64("signal_price", req.Price).
				Float64("live_price", live).
				Msg("Entry aborted, price drifted past the slippage guard")
			return nil, ErrSlippageGuard
		}
	}

	var exch *market.Order
	if req.Short {
		qty, qerr := e.roundQty(req.Symbol, req.UsdtAmount/live)
		if qerr != nil {
			return nil, qerr
		}
		exch, err = e.client.MarketSell(req.Symbol, qty)
	} else {
		exch, err = e.client.MarketBuy(req.Symbol, req.UsdtAmount)
	}
	if err != nil {
		return nil, fmt.Errorf("entry order for %s: %w", req.Symbol, err)
	}
	e.trackOrder(acct, exch, false, now)

	fillPrice := exch.AvgFillPrice()
	qty := exch.ExecutedQty
	if qty <= 0 || fillPrice <= 0 {
		return nil, fmt.Errorf("entry order %d for %s reported no fill", exch.OrderID, req.Symbol)
	}

	pos := &account.Position{
		Symbol:       req.Symbol,
		Side:         account.SideLong,
		Quantity:     qty,
		EntryPrice:   fillPrice,
		EntryTime:    now.UnixMilli(),
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		EntryOrderID: exch.OrderID,
	}
	tradeSide := "buy"
	spend := req.UsdtAmount
	if req.Short {
		pos.Side = account.SideShort
		pos.MarginUsdt = req.UsdtAmount
		tradeSide = "short"
	}
	acct.Usdt -= spend
	acct.ClampCash()
	acct.Positions[req.Symbol] = pos

	if e.cfg.UseExchangeStopLoss && req.StopLoss > 0 {
		e.placeNativeStop(acct, pos, now)
	}

	trade := account.Trade{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       tradeSide,
		Quantity:   qty,
		Price:      fillPrice,
		UsdtAmount: spend,
		Timestamp:  now.UnixMilli(),
		Reason:     req.Reason,
	}
	acct.Trades = append(acct.Trades, trade)

	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", tradeSide).
		Float64("fill_price", fillPrice).
		Float64("qty", qty).
		Int64("order_id", exch.OrderID).
		Msg("Live entry filled")
	return &trade, nil
}

// trackOrder registers a placed order under the configured timeout and
// confirms it right away when the exchange already reports it filled. An
// order that did not fill synchronously stays pending; the timeout sweep
// resolves it, and a timed-out exit escalates toward a forced market close.
func (e *LiveExecutor) trackOrder(acct *account.Account, exch *market.Order, isExit bool, now time.Time) {
	requested := exch.OrigQty
	if requested <= 0 {
		requested = exch.ExecutedQty
	}
	e.tracker.Register(acct, &account.PendingOrder{
		OrderID:      exch.OrderID,
		Symbol:       exch.Symbol,
		Side:         exch.Side,
		PlacedAt:     now.UnixMilli(),
		RequestedQty: requested,
		FilledQty:    exch.ExecutedQty,
		TimeoutMs:    e.cfg.OrderTimeoutMs,
		IsExit:       isExit,
	})
	if exch.Status == market.OrderStatusFilled {
		e.tracker.Confirm(acct, exch)
	}
}

// placeNativeStop parks a stop order on the exchange so the position is
// protected between ticks. Failure is logged, not fatal; the engine's own
// stop evaluation still covers the position.
func (e *LiveExecutor) placeNativeStop(acct *account.Account, pos *account.Position, now time.Time) {
	side := "SELL"
	if pos.IsShort() {
		side = "BUY"
	}
	qty, err := e.roundQty(pos.Symbol, pos.Quantity)
	if err == nil {
		var slOrder *market.Order
		slOrder, err = e.client.PlaceStopLossOrder(pos.Symbol, side, qty, pos.StopLoss)
		if err == nil {
			pos.ExchangeSlOrderID = slOrder.OrderID
			pos.ExchangeSlPrice = pos.StopLoss
			e.tracker.Register(acct, &account.PendingOrder{
				OrderID:      slOrder.OrderID,
				Symbol:       pos.Symbol,
				Side:         side,
				PlacedAt:     now.UnixMilli(),
				RequestedQty: qty,
				TimeoutMs:    0, // stop orders rest until filled or replaced
				IsExit:       true,
			})
			return
		}
	}
	e.logger.Error().Err(err).
		Str("symbol", pos.Symbol).
		Msg("Native stop-loss placement failed, engine-side stop remains")
}

func (e *LiveExecutor) Close(acct *account.Account, symbol string, price float64, reason string, now time.Time) (*account.Trade, error) {
	pos, held := acct.Positions[symbol]
	if !held {
		return nil, account.ErrNoPosition
	}

	// Cancel the resting stop first. A cancel failure is tolerated: the
	// order may already be gone, and GetOrder-based sync handles the case
	// where it filled in the meantime.
	if pos.ExchangeSlOrderID != 0 {
		if err := e.client.CancelOrder(symbol, pos.ExchangeSlOrderID); err != nil {
			e.logger.Warn().Err(err).
				Str("symbol", symbol).
				Int64("order_id", pos.ExchangeSlOrderID).
				Msg("Stop cancel before close failed, proceeding")
		}
		delete(acct.OpenOrders, fmt.Sprintf("%d", pos.ExchangeSlOrderID))
		pos.ExchangeSlOrderID = 0
	}

	qty, err := e.roundQty(symbol, pos.Quantity)
	if err != nil {
		return nil, err
	}

	var exch *market.Order
	tradeSide := "sell"
	if pos.IsShort() {
		tradeSide = "cover"
		exch, err = e.client.MarketBuyByQty(symbol, qty)
	} else {
		exch, err = e.client.MarketSell(symbol, qty)
	}
	if err != nil {
		return nil, fmt.Errorf("exit order for %s: %w", symbol, err)
	}
	e.trackOrder(acct, exch, true, now)

	fillPrice := exch.AvgFillPrice()
	var pnl, proceeds float64
	if pos.IsShort() {
		pnl = (pos.EntryPrice - fillPrice) * pos.Quantity
		proceeds = pos.MarginUsdt + pnl
		if proceeds < 0 {
			proceeds = 0
		}
	} else {
		pnl = (fillPrice - pos.EntryPrice) * pos.Quantity
		proceeds = pos.Quantity * fillPrice
	}
	acct.Usdt += proceeds
	acct.ClampCash()
	delete(acct.Positions, symbol)
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
		Side:       tradeSide,
		Quantity:   pos.Quantity,
		Price:      fillPrice,
		UsdtAmount: proceeds,
		Timestamp:  now.UnixMilli(),
		Reason:     reason,
		Pnl:        &pnl,
		PnlPercent: &pnlPercent,
	}
	acct.Trades = append(acct.Trades, trade)

	e.logger.Info().
		Str("symbol", symbol).
		Str("side", tradeSide).
		Float64("fill_price", fillPrice).
		Float64("pnl", pnl).
		Str("reason", reason).
		Msg("Live exit filled")
	return &trade, nil
}

func (e *LiveExecutor) ClosePartial(acct *account.Account, symbol string, ratio, price float64, reason string, now time.Time) (*account.Trade, error) {
	pos, held := acct.Positions[symbol]
	if !held {
		return nil, account.ErrNoPosition
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, account.ErrInvalidPrice
	}

	qty, err := e.roundQty(symbol, pos.Quantity*ratio)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, ErrBelowMinOrder
	}

	var exch *market.Order
	tradeSide := "sell"
	if pos.IsShort() {
		tradeSide = "cover"
		exch, err = e.client.MarketBuyByQty(symbol, qty)
	} else {
		exch, err = e.client.MarketSell(symbol, qty)
	}
	if err != nil {
		return nil, fmt.Errorf("partial exit for %s: %w", symbol, err)
	}
	e.trackOrder(acct, exch, true, now)

	fillPrice := exch.AvgFillPrice()
	var pnl, proceeds float64
	if pos.IsShort() {
		pnl = (pos.EntryPrice - fillPrice) * qty
		released := pos.MarginUsdt * (qty / pos.Quantity)
		proceeds = released + pnl
		if proceeds < 0 {
			proceeds = 0
		}
		pos.MarginUsdt -= released
	} else {
		pnl = (fillPrice - pos.EntryPrice) * qty
		proceeds = qty * fillPrice
	}
	acct.Usdt += proceeds
	acct.ClampCash()
	pos.Quantity -= qty
	if pnl < 0 {
		acct.AddLoss(-pnl, now)
	}

	pnlPercent := 0.0
	if cost := pos.EntryPrice * qty; cost > 0 {
		pnlPercent = pnl / cost * 100
	}
	trade := account.Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       tradeSide,
		Quantity:   qty,
		Price:      fillPrice,
		UsdtAmount: proceeds,
		Timestamp:  now.UnixMilli(),
		Reason:     reason,
		Pnl:        &pnl,
		PnlPercent: &pnlPercent,
	}
	acct.Trades = append(acct.Trades, trade)
	return &trade, nil
}

// roundQty floors a quantity to the symbol's lot step. Binance rejects
// quantities off the step grid; float math alone drifts, so the rounding
// goes through decimals.
func (e *LiveExecutor) roundQty(symbol string, qty float64) (float64, error) {
	info, err := e.client.GetSymbolInfo(symbol)
	if err != nil {
		return 0, fmt.Errorf("symbol info for %s: %w", symbol, err)
	}
	step, err := decimal.NewFromString(info.StepSize)
	if err != nil || step.IsZero() {
		return qty, nil
	}
	d := decimal.NewFromFloat(qty)
	floored := d.Div(step).Floor().Mul(step)
	return floored.InexactFloat64(), nil
}

var _ Executor = (*LiveExecutor)(nil)
var _ Executor = (*PaperExecutor)(nil)
