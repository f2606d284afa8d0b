package account

import (
	"math"
	"testing"
	"time"
)

func newTestAccount(usdt float64) *Account {
	return &Account{
		InitialUsdt: usdt,
		Usdt:        usdt,
		Positions:   make(map[string]*Position),
		OpenOrders:  make(map[string]*PendingOrder),
	}
}

func TestPaperBuyThenSellRoundTrip(t *testing.T) {
	acct := newTestAccount(1000)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	buy, err := PaperBuy(acct, "BTCUSDT", 300, 100, 0.001, 0.0005, 97, 106, "signal_buy", now)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Usdt != 700 {
		t.Fatalf("cash after buy = %v, want 700", acct.Usdt)
	}
	pos := acct.Positions["BTCUSDT"]
	if pos == nil || pos.Side != SideLong {
		t.Fatalf("position = %+v, want long", pos)
	}
	wantFill := 100 * 1.0005
	if math.Abs(pos.EntryPrice-wantFill) > 1e-9 {
		t.Fatalf("entry price = %v, want %v", pos.EntryPrice, wantFill)
	}
	wantQty := (300 - 300*0.001) / wantFill
	if math.Abs(buy.Quantity-wantQty) > 1e-9 {
		t.Fatalf("quantity = %v, want %v", buy.Quantity, wantQty)
	}
	if pos.StopLoss != 97 || pos.TakeProfit != 106 {
		t.Fatalf("protective levels = %v/%v", pos.StopLoss, pos.TakeProfit)
	}

	sell, err := PaperSell(acct, "BTCUSDT", 110, 0.001, 0.0005, "take_profit", now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, held := acct.Positions["BTCUSDT"]; held {
		t.Fatal("position must be removed after sell")
	}
	if sell.Pnl == nil || *sell.Pnl <= 0 {
		t.Fatalf("winning exit pnl = %v, want positive", sell.Pnl)
	}
	if acct.Usdt <= 1000 {
		t.Fatalf("cash after winning round trip = %v, want > 1000", acct.Usdt)
	}
	if got := acct.DayLoss(now.Add(time.Hour)); got != 0 {
		t.Fatalf("day loss after a win = %v, want 0", got)
	}
}

func TestPaperSellBooksDailyLoss(t *testing.T) {
	acct := newTestAccount(1000)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	if _, err := PaperBuy(acct, "ETHUSDT", 400, 200, 0.001, 0, 190, 220, "signal_buy", now); err != nil {
		t.Fatal(err)
	}
	sell, err := PaperSell(acct, "ETHUSDT", 180, 0.001, 0, "stop_loss", now)
	if err != nil {
		t.Fatal(err)
	}
	if sell.Pnl == nil || *sell.Pnl >= 0 {
		t.Fatalf("losing exit pnl = %v, want negative", sell.Pnl)
	}
	if got := acct.DayLoss(now); math.Abs(got-(-*sell.Pnl)) > 1e-9 {
		t.Fatalf("day loss = %v, want %v", got, -*sell.Pnl)
	}
	// The ledger resets with the UTC day.
	if got := acct.DayLoss(now.Add(24 * time.Hour)); got != 0 {
		t.Fatalf("next-day loss = %v, want 0", got)
	}
}

func TestPaperBuyRejections(t *testing.T) {
	acct := newTestAccount(100)
	now := time.Now()

	if _, err := PaperBuy(acct, "BTCUSDT", 50, 0, 0, 0, 0, 0, "x", now); err != ErrInvalidPrice {
		t.Fatalf("zero price: err = %v, want ErrInvalidPrice", err)
	}
	if _, err := PaperBuy(acct, "BTCUSDT", 50, math.NaN(), 0, 0, 0, 0, "x", now); err != ErrInvalidPrice {
		t.Fatalf("NaN price: err = %v, want ErrInvalidPrice", err)
	}
	if _, err := PaperBuy(acct, "BTCUSDT", 200, 100, 0, 0, 0, 0, "x", now); err != ErrInsufficientFunds {
		t.Fatalf("oversized order: err = %v, want ErrInsufficientFunds", err)
	}
	if _, err := PaperBuy(acct, "BTCUSDT", 50, 100, 0, 0, 0, 0, "x", now); err != nil {
		t.Fatal(err)
	}
	if _, err := PaperBuy(acct, "BTCUSDT", 20, 100, 0, 0, 0, 0, "x", now); err != ErrAlreadyHolding {
		t.Fatalf("duplicate entry: err = %v, want ErrAlreadyHolding", err)
	}
	if _, err := PaperSell(acct, "ETHUSDT", 100, 0, 0, "x", now); err != ErrNoPosition {
		t.Fatalf("sell without position: err = %v, want ErrNoPosition", err)
	}
	// Rejections must not touch state.
	if len(acct.Trades) != 1 {
		t.Fatalf("trades = %d, want only the one accepted buy", len(acct.Trades))
	}
}

func TestPaperShortRoundTrip(t *testing.T) {
	acct := newTestAccount(1000)
	now := time.Now()

	short, err := PaperOpenShort(acct, "BTCUSDT", 300, 100, 0.001, 0, 105, 90, "signal_short", now)
	if err != nil {
		t.Fatal(err)
	}
	if short.Side != "short" {
		t.Fatalf("side = %s", short.Side)
	}
	if acct.Usdt != 700 {
		t.Fatalf("cash after short = %v, want margin locked", acct.Usdt)
	}
	pos := acct.Positions["BTCUSDT"]
	if !pos.IsShort() || pos.MarginUsdt != 300 {
		t.Fatalf("position = %+v", pos)
	}

	cover, err := PaperCoverShort(acct, "BTCUSDT", 90, 0.001, 0, "take_profit", now)
	if err != nil {
		t.Fatal(err)
	}
	if cover.Pnl == nil || *cover.Pnl <= 0 {
		t.Fatalf("short covered below entry must profit, pnl = %v", cover.Pnl)
	}
	if acct.Usdt <= 1000 {
		t.Fatalf("cash after profitable short = %v, want > 1000", acct.Usdt)
	}
	if _, held := acct.Positions["BTCUSDT"]; held {
		t.Fatal("short position must be removed")
	}
}

func TestPaperCoverLiquidationClampsCash(t *testing.T) {
	acct := newTestAccount(300)
	now := time.Now()

	if _, err := PaperOpenShort(acct, "BTCUSDT", 300, 100, 0, 0, 0, 0, "x", now); err != nil {
		t.Fatal(err)
	}
	// Price doubles: the loss exceeds the locked margin.
	cover, err := PaperCoverShort(acct, "BTCUSDT", 200, 0, 0, "stop_loss", now)
	if err != nil {
		t.Fatal(err)
	}
	if cover.UsdtAmount != 0 {
		t.Fatalf("returned = %v, want 0 on liquidation", cover.UsdtAmount)
	}
	if acct.Usdt != 0 {
		t.Fatalf("cash = %v, want clamped at 0", acct.Usdt)
	}
}

func TestPaperClosePartialKeepsRemainder(t *testing.T) {
	acct := newTestAccount(1000)
	now := time.Now()

	if _, err := PaperBuy(acct, "BTCUSDT", 400, 100, 0, 0, 95, 120, "signal_buy", now); err != nil {
		t.Fatal(err)
	}
	before := acct.Positions["BTCUSDT"].Quantity

	trade, err := PaperClosePartial(acct, "BTCUSDT", 0.5, 110, 0, 0, "staged_take_profit", now)
	if err != nil {
		t.Fatal(err)
	}
	pos := acct.Positions["BTCUSDT"]
	if pos == nil {
		t.Fatal("partial close must keep the position")
	}
	if math.Abs(pos.Quantity-before/2) > 1e-9 {
		t.Fatalf("remaining qty = %v, want %v", pos.Quantity, before/2)
	}
	if pos.StopLoss != 95 || pos.TakeProfit != 120 {
		t.Fatal("protective levels must survive a partial close")
	}
	if trade.Pnl == nil || *trade.Pnl <= 0 {
		t.Fatalf("partial at 110 vs entry 100 must profit, pnl = %v", trade.Pnl)
	}

	if _, err := PaperClosePartial(acct, "BTCUSDT", 1.0, 110, 0, 0, "x", now); err == nil {
		t.Fatal("full-ratio partial must be rejected")
	}
}
