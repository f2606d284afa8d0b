package account

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Rejection reasons for simulated fills. The executor reports these as skip
// reasons; none of them mutate the account.
var (
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrAlreadyHolding    = errors.New("already_holding")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrNoPosition        = errors.New("no_position")
)

func validPrice(price float64) bool {
	return price > 0 && !math.IsNaN(price) && !math.IsInf(price, 0)
}

// PaperBuy simulates a long entry: fill at price*(1+slippage), fee deducted
// from the spent amount. Returns the entry trade, or a rejection with no
// state mutation.
func PaperBuy(acct *Account, symbol string, usdtAmount, price, feeRate, slippage float64, stopLoss, takeProfit float64, reason string, now time.Time) (*Trade, error) {
	if !validPrice(price) {
		return nil, ErrInvalidPrice
	}
	if _, held := acct.Positions[symbol]; held {
		return nil, ErrAlreadyHolding
	}
	if usdtAmount <= 0 || usdtAmount > acct.Usdt {
		return nil, ErrInsufficientFunds
	}

	fillPrice := price * (1 + slippage)
	fee := usdtAmount * feeRate
	qty := (usdtAmount - fee) / fillPrice

	acct.Usdt -= usdtAmount
	acct.ClampCash()
	acct.Positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       SideLong,
		Quantity:   qty,
		EntryPrice: fillPrice,
		EntryTime:  now.UnixMilli(),
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}

	trade := Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       "buy",
		Quantity:   qty,
		Price:      fillPrice,
		UsdtAmount: usdtAmount,
		Fee:        fee,
		Slippage:   slippage,
		Timestamp:  now.UnixMilli(),
		Reason:     reason,
	}
	acct.Trades = append(acct.Trades, trade)
	return &trade, nil
}

// PaperSell simulates a long exit: fill at price*(1-slippage), fee deducted
// from the proceeds. The position is destroyed atomically with the trade
// append; losing exits feed the daily-loss ledger.
func PaperSell(acct *Account, symbol string, price, feeRate, slippage float64, reason string, now time.Time) (*Trade, error) {
	if !validPrice(price) {
		return nil, ErrInvalidPrice
	}
	pos, held := acct.Positions[symbol]
	if !held || pos.IsShort() {
		return nil, ErrNoPosition
	}

	fillPrice := price * (1 - slippage)
	gross := pos.Quantity * fillPrice
	fee := gross * feeRate
	proceeds := gross - fee

	cost := pos.Quantity * pos.EntryPrice
	pnl := proceeds - cost
	pnlPercent := 0.0
	if cost > 0 {
		pnlPercent = pnl / cost * 100
	}

	acct.Usdt += proceeds
	acct.ClampCash()
	delete(acct.Positions, symbol)
	if pnl < 0 {
		acct.AddLoss(-pnl, now)
	}

	trade := Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       "sell",
		Quantity:   pos.Quantity,
		Price:      fillPrice,
		UsdtAmount: proceeds,
		Fee:        fee,
		Slippage:   slippage,
		Timestamp:  now.UnixMilli(),
		Reason:     reason,
		Pnl:        &pnl,
		PnlPercent: &pnlPercent,
	}
	acct.Trades = append(acct.Trades, trade)
	return &trade, nil
}

// PaperClosePartial closes a fraction of a position at the simulated fill
// price, for staged take-profits. Longs sell part of the quantity; shorts
// buy back part and release the proportional margin. The remainder keeps its
// stop, target and entry time.
func PaperClosePartial(acct *Account, symbol string, ratio, price, feeRate, slippage float64, reason string, now time.Time) (*Trade, error) {
	if !validPrice(price) {
		return nil, ErrInvalidPrice
	}
	pos, held := acct.Positions[symbol]
	if !held {
		return nil, ErrNoPosition
	}
	if ratio <= 0 || ratio >= 1 {
		// A full-ratio close goes through PaperSell/PaperCoverShort so the
		// position teardown stays in one place.
		return nil, ErrInvalidPrice
	}

	closeQty := pos.Quantity * ratio
	var trade Trade
	if pos.IsShort() {
		fillPrice := price * (1 + slippage)
		pnl := (pos.EntryPrice - fillPrice) * closeQty
		fee := closeQty * fillPrice * feeRate
		pnl -= fee
		releasedMargin := pos.MarginUsdt * ratio
		returned := releasedMargin + pnl
		if returned < 0 {
			returned = 0
		}
		acct.Usdt += returned
		pos.Quantity -= closeQty
		pos.MarginUsdt -= releasedMargin
		if pnl < 0 {
			acct.AddLoss(-pnl, now)
		}
		pnlPercent := 0.0
		if cost := closeQty * pos.EntryPrice; cost > 0 {
			pnlPercent = pnl / cost * 100
		}
		trade = Trade{
			ID: uuid.NewString(), Symbol: symbol, Side: "cover",
			Quantity: closeQty, Price: fillPrice, UsdtAmount: returned,
			Fee: fee, Slippage: slippage, Timestamp: now.UnixMilli(),
			Reason: reason, Pnl: &pnl, PnlPercent: &pnlPercent,
		}
	} else {
		fillPrice := price * (1 - slippage)
		gross := closeQty * fillPrice
		fee := gross * feeRate
		proceeds := gross - fee
		cost := closeQty * pos.EntryPrice
		pnl := proceeds - cost
		acct.Usdt += proceeds
		pos.Quantity -= closeQty
		if pnl < 0 {
			acct.AddLoss(-pnl, now)
		}
		pnlPercent := 0.0
		if cost > 0 {
			pnlPercent = pnl / cost * 100
		}
		trade = Trade{
			ID: uuid.NewString(), Symbol: symbol, Side: "sell",
			Quantity: closeQty, Price: fillPrice, UsdtAmount: proceeds,
			Fee: fee, Slippage: slippage, Timestamp: now.UnixMilli(),
			Reason: reason, Pnl: &pnl, PnlPercent: &pnlPercent,
		}
	}
	acct.ClampCash()
	acct.Trades = append(acct.Trades, trade)
	return &trade, nil
}

// PaperOpenShort simulates a short entry on a margin market: margin is
// locked from cash, fill at price*(1-slippage).
func PaperOpenShort(acct *Account, symbol string, marginUsdt, price, feeRate, slippage float64, stopLoss, takeProfit float64, reason string, now time.Time) (*Trade, error) {
	if !validPrice(price) {
		return nil, ErrInvalidPrice
	}
	if _, held := acct.Positions[symbol]; held {
		return nil, ErrAlreadyHolding
	}
	if marginUsdt <= 0 || marginUsdt > acct.Usdt {
		return nil, ErrInsufficientFunds
	}

	fillPrice := price * (1 - slippage)
	fee := marginUsdt * feeRate
	qty := (marginUsdt - fee) / fillPrice

	acct.Usdt -= marginUsdt
	acct.ClampCash()
	acct.Positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       SideShort,
		Quantity:   qty,
		EntryPrice: fillPrice,
		EntryTime:  now.UnixMilli(),
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		MarginUsdt: marginUsdt,
	}

	trade := Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       "short",
		Quantity:   qty,
		Price:      fillPrice,
		UsdtAmount: marginUsdt,
		Fee:        fee,
		Slippage:   slippage,
		Timestamp:  now.UnixMilli(),
		Reason:     reason,
	}
	acct.Trades = append(acct.Trades, trade)
	return &trade, nil
}

// PaperCoverShort simulates buying back a short: fill at price*(1+slippage);
// margin plus short P&L minus fee is returned to cash, clamped at zero.
func PaperCoverShort(acct *Account, symbol string, price, feeRate, slippage float64, reason string, now time.Time) (*Trade, error) {
	if !validPrice(price) {
		return nil, ErrInvalidPrice
	}
	pos, held := acct.Positions[symbol]
	if !held || !pos.IsShort() {
		return nil, ErrNoPosition
	}

	fillPrice := price * (1 + slippage)
	pnl := (pos.EntryPrice - fillPrice) * pos.Quantity
	fee := pos.Quantity * fillPrice * feeRate
	pnl -= fee

	returned := pos.MarginUsdt + pnl
	if returned < 0 {
		// Liquidation: the margin is gone but cash never goes negative.
		returned = 0
	}

	cost := pos.Quantity * pos.EntryPrice
	pnlPercent := 0.0
	if cost > 0 {
		pnlPercent = pnl / cost * 100
	}

	acct.Usdt += returned
	acct.ClampCash()
	delete(acct.Positions, symbol)
	if pnl < 0 {
		acct.AddLoss(-pnl, now)
	}

	trade := Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       "cover",
		Quantity:   pos.Quantity,
		Price:      fillPrice,
		UsdtAmount: returned,
		Fee:        fee,
		Slippage:   slippage,
		Timestamp:  now.UnixMilli(),
		Reason:     reason,
		Pnl:        &pnl,
		PnlPercent: &pnlPercent,
	}
	acct.Trades = append(acct.Trades, trade)
	return &trade, nil
}
