package order

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

func newAccount() *account.Account {
	return &account.Account{
		Usdt:       1000,
		Positions:  make(map[string]*account.Position),
		OpenOrders: make(map[string]*account.PendingOrder),
	}
}

func pending(id int64, symbol string, isExit bool, placedAt time.Time) *account.PendingOrder {
	return &account.PendingOrder{
		OrderID:      id,
		Symbol:       symbol,
		Side:         "SELL",
		PlacedAt:     placedAt.UnixMilli(),
		RequestedQty: 1,
		TimeoutMs:    60_000,
		IsExit:       isExit,
	}
}

func TestConfirmRemovesOrderAndResetsTimeouts(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()
	acct.Positions["BTCUSDT"] = &account.Position{Symbol: "BTCUSDT", Side: account.SideLong, Quantity: 1, ExitTimeoutCount: 2}

	po := pending(7, "BTCUSDT", true, time.Now())
	tr.Register(acct, po)

	tr.Confirm(acct, &market.Order{OrderID: 7, Symbol: "BTCUSDT", Status: market.OrderStatusFilled, ExecutedQty: 1})

	if len(acct.OpenOrders) != 0 {
		t.Fatalf("order should be untracked after confirm, got %v", acct.OpenOrders)
	}
	if acct.Positions["BTCUSDT"].ExitTimeoutCount != 0 {
		t.Fatal("a filled exit must reset the timeout counter")
	}
}

func TestCheckTimeoutsCancelsStaleNewOrder(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()

	placed := time.Now().Add(-5 * time.Minute)
	exch, _ := mock.PlaceStopLossOrder("BTCUSDT", "SELL", 1, 95)
	po := pending(exch.OrderID, "BTCUSDT", false, placed)
	tr.Register(acct, po)

	res := tr.CheckTimeouts(acct, time.Now())
	if len(res) != 1 || res[0].Outcome != OutcomeCanceled {
		t.Fatalf("resolutions = %+v, want one cancel", res)
	}
	if len(mock.CancelCalls) != 1 || mock.CancelCalls[0] != exch.OrderID {
		t.Fatalf("cancel calls = %v", mock.CancelCalls)
	}
	if len(acct.OpenOrders) != 0 {
		t.Fatal("canceled order must be untracked")
	}
}

func TestCheckTimeoutsConfirmsLateFill(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()

	mock.Prices["BTCUSDT"] = 100
	filled, err := mock.MarketSell("BTCUSDT", 1)
	if err != nil {
		t.Fatal(err)
	}
	po := pending(filled.OrderID, "BTCUSDT", false, time.Now().Add(-5*time.Minute))
	tr.Register(acct, po)

	res := tr.CheckTimeouts(acct, time.Now())
	if len(res) != 1 || res[0].Outcome != OutcomeFilled {
		t.Fatalf("resolutions = %+v, want one fill", res)
	}
}

func TestThreeExitTimeoutsForceExit(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()
	acct.Positions["BTCUSDT"] = &account.Position{Symbol: "BTCUSDT", Side: account.SideLong, Quantity: 1, EntryPrice: 100}

	var lastOutcome Outcome
	for i := 0; i < 3; i++ {
		exch, _ := mock.PlaceStopLossOrder("BTCUSDT", "SELL", 1, 95)
		po := pending(exch.OrderID, "BTCUSDT", true, time.Now().Add(-5*time.Minute))
		tr.Register(acct, po)

		res := tr.CheckTimeouts(acct, time.Now())
		if len(res) != 1 {
			t.Fatalf("iteration %d: resolutions = %+v", i, res)
		}
		lastOutcome = res[0].Outcome
	}

	if lastOutcome != OutcomeForcedExit {
		t.Fatalf("third consecutive exit timeout = %s, want forced exit", lastOutcome)
	}
	if acct.Positions["BTCUSDT"].ExitTimeoutCount != 3 {
		t.Fatalf("timeout count = %d, want 3", acct.Positions["BTCUSDT"].ExitTimeoutCount)
	}
}

func TestCheckTimeoutsLeavesFutureOrdersAlone(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()

	po := pending(42, "BTCUSDT", false, time.Now())
	tr.Register(acct, po)

	if res := tr.CheckTimeouts(acct, time.Now()); len(res) != 0 {
		t.Fatalf("resolutions = %+v, want none before the deadline", res)
	}
	if len(acct.OpenOrders) != 1 {
		t.Fatal("order inside its timeout must stay tracked")
	}
}

func TestScanOpenOrdersDropsTerminalKeepsNew(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()

	stale, _ := mock.PlaceStopLossOrder("BTCUSDT", "SELL", 1, 95)
	mock.StatusOverride[stale.OrderID] = market.OrderStatusExpired
	tr.Register(acct, pending(stale.OrderID, "BTCUSDT", false, time.Now()))

	live, _ := mock.PlaceStopLossOrder("ETHUSDT", "SELL", 1, 2000)
	tr.Register(acct, pending(live.OrderID, "ETHUSDT", false, time.Now()))

	res := tr.ScanOpenOrders(acct)
	if len(res) != 1 || res[0].Outcome != OutcomeDropped {
		t.Fatalf("resolutions = %+v, want one drop", res)
	}
	if len(acct.OpenOrders) != 1 {
		t.Fatalf("open orders = %v, the NEW order must survive the scan", acct.OpenOrders)
	}
}

func TestSyncExchangeStopLossBooksActualFillPrice(t *testing.T) {
	mock := market.NewMockClient()
	tr := NewTracker(mock, zerolog.Nop())
	acct := newAccount()

	slOrder, _ := mock.PlaceStopLossOrder("BTCUSDT", "SELL", 2, 95)
	tpOrder, _ := mock.PlaceTakeProfitOrder("BTCUSDT", "SELL", 2, 120)
	acct.Positions["BTCUSDT"] = &account.Position{
		Symbol: "BTCUSDT", Side: account.SideLong,
		Quantity: 2, EntryPrice: 100,
		ExchangeSlOrderID: slOrder.OrderID,
		TakeProfitOrderID: tpOrder.OrderID,
	}

	// The stop filled below its trigger; P&L must use the real fills.
	mock.Orders[slOrder.OrderID].Status = market.OrderStatusFilled
	mock.Orders[slOrder.OrderID].ExecutedQty = 2
	mock.Orders[slOrder.OrderID].Fills = []market.Fill{{Price: 94, Qty: 2}}

	now := time.Now()
	fills := tr.SyncExchangeStopLosses(acct, now)
	if len(fills) != 1 {
		t.Fatalf("fills = %+v, want one", fills)
	}
	if fills[0].Price != 94 {
		t.Fatalf("exit price = %v, want the fill price 94", fills[0].Price)
	}
	if fills[0].Pnl != -12 {
		t.Fatalf("pnl = %v, want -12", fills[0].Pnl)
	}
	if _, held := acct.Positions["BTCUSDT"]; held {
		t.Fatal("position must be deleted after the stop fill")
	}
	if acct.Usdt != 1000+188 {
		t.Fatalf("usdt = %v, want proceeds booked at the fill price", acct.Usdt)
	}
	if acct.DayLoss(now) != 12 {
		t.Fatalf("day loss = %v, want 12", acct.DayLoss(now))
	}
	if len(mock.CancelCalls) != 1 || mock.CancelCalls[0] != tpOrder.OrderID {
		t.Fatalf("cancel calls = %v, want the companion take-profit canceled", mock.CancelCalls)
	}
	if len(acct.Trades) != 1 || acct.Trades[0].Reason != "exchange_stop_loss" {
		t.Fatalf("trades = %+v", acct.Trades)
	}
}
