package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
	"scenario-trading-bot/internal/order"
)

func newAccount(usdt float64) *account.Account {
	return &account.Account{
		InitialUsdt: usdt,
		Usdt:        usdt,
		Positions:   make(map[string]*account.Position),
		OpenOrders:  make(map[string]*account.PendingOrder),
	}
}

func TestPreTradeCheckOrder(t *testing.T) {
	cfg := Config{MaxPositions: 1, MinOrderUsdt: 10, DailyLossLimitPercent: 0.05}
	now := time.Now()

	acct := newAccount(1000)
	acct.Positions["ETHUSDT"] = &account.Position{Symbol: "ETHUSDT"}

	// Max positions fires before anything else, even when the symbol is
	// also already held.
	acct.Positions["BTCUSDT"] = &account.Position{Symbol: "BTCUSDT"}
	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 100, 1000, now); !errors.Is(err, ErrMaxPositions) {
		t.Fatalf("err = %v, want max positions", err)
	}

	cfg.MaxPositions = 5
	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 100, 1000, now); !errors.Is(err, ErrAlreadyHolding) {
		t.Fatalf("err = %v, want already holding", err)
	}

	delete(acct.Positions, "BTCUSDT")
	acct.AddLoss(60, now) // above 5% of 1000
	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 100, 1000, now); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("err = %v, want daily loss limit", err)
	}

	acct.DailyLoss = account.DailyLoss{}
	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 5, 1000, now); !errors.Is(err, ErrBelowMinOrder) {
		t.Fatalf("err = %v, want below min order", err)
	}

	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 100, 1000, now); err != nil {
		t.Fatalf("clean entry rejected: %v", err)
	}
}

func TestPreTradeCheckCapsPerSymbolNotional(t *testing.T) {
	cfg := Config{MaxPositionPerSymbolUsdt: 200}
	now := time.Now()
	acct := newAccount(1000)

	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 300, 1000, now); !errors.Is(err, ErrMaxPositionPerSymbol) {
		t.Fatalf("err = %v, want the per-symbol cap", err)
	}
	if err := PreTradeCheck(cfg, acct, "BTCUSDT", 150, 1000, now); err != nil {
		t.Fatalf("entry under the cap rejected: %v", err)
	}
}

func TestPaperRoundTripNeverGoesNegative(t *testing.T) {
	cfg := Config{FeeRate: 0.001, Slippage: 0.001}
	exec := NewPaperExecutor(cfg, zerolog.Nop())
	acct := newAccount(1000)
	now := time.Now()

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 500, Price: 100, Reason: "entry"}, now); err != nil {
		t.Fatal(err)
	}
	if acct.Usdt != 500 {
		t.Fatalf("usdt = %v after entry, want 500", acct.Usdt)
	}

	// Duplicate open on the same symbol is a null operation.
	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 100, Price: 100}, now); !errors.Is(err, account.ErrAlreadyHolding) {
		t.Fatalf("err = %v, want already holding", err)
	}
	if acct.Usdt != 500 || len(acct.Trades) != 1 {
		t.Fatal("rejected open must not mutate the account")
	}

	// Crash the price; the account absorbs the loss but cash stays >= 0.
	if _, err := exec.Close(acct, "BTCUSDT", 1, "stop_loss", now); err != nil {
		t.Fatal(err)
	}
	if acct.Usdt < 500 {
		t.Fatalf("usdt = %v, proceeds must be non-negative", acct.Usdt)
	}
	if len(acct.Positions) != 0 {
		t.Fatal("position must be gone after close")
	}
}

func TestPaperShortLiquidationClampsAtZero(t *testing.T) {
	cfg := Config{}
	exec := NewPaperExecutor(cfg, zerolog.Nop())
	acct := newAccount(100)
	now := time.Now()

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", Short: true, UsdtAmount: 100, Price: 100}, now); err != nil {
		t.Fatal(err)
	}
	// Price triples: the short loses more than its margin.
	trade, err := exec.Close(acct, "BTCUSDT", 300, "stop_loss", now)
	if err != nil {
		t.Fatal(err)
	}
	if trade.UsdtAmount != 0 {
		t.Fatalf("returned = %v, want 0 on liquidation", trade.UsdtAmount)
	}
	if acct.Usdt != 0 {
		t.Fatalf("usdt = %v, want 0, never negative", acct.Usdt)
	}
}

func TestPaperPartialCloseKeepsRemainder(t *testing.T) {
	exec := NewPaperExecutor(Config{}, zerolog.Nop())
	acct := newAccount(1000)
	now := time.Now()

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 400, Price: 100}, now); err != nil {
		t.Fatal(err)
	}
	qtyBefore := acct.Positions["BTCUSDT"].Quantity

	trade, err := exec.ClosePartial(acct, "BTCUSDT", 0.5, 110, "staged_take_profit", now)
	if err != nil {
		t.Fatal(err)
	}
	if trade.Quantity != qtyBefore/2 {
		t.Fatalf("closed qty = %v, want half of %v", trade.Quantity, qtyBefore)
	}
	pos := acct.Positions["BTCUSDT"]
	if pos == nil || pos.Quantity != qtyBefore/2 {
		t.Fatalf("remaining position = %+v, want half the quantity", pos)
	}
	if trade.Pnl == nil || *trade.Pnl <= 0 {
		t.Fatalf("pnl = %v, want a profit at 110", trade.Pnl)
	}
}

func TestLiveOpenSlippageGuard(t *testing.T) {
	mock := market.NewMockClient()
	mock.Prices["BTCUSDT"] = 110 // 10% above the signal price
	tr := order.NewTracker(mock, zerolog.Nop())
	exec := NewLiveExecutor(Config{MaxEntrySlippagePercent: 0.02}, mock, tr, zerolog.Nop())
	acct := newAccount(1000)

	_, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 500, Price: 100}, time.Now())
	if !errors.Is(err, ErrSlippageGuard) {
		t.Fatalf("err = %v, want slippage guard", err)
	}
	if acct.Usdt != 1000 || len(acct.Positions) != 0 {
		t.Fatal("guarded entry must not touch the account")
	}
}

func TestLiveOpenPlacesNativeStop(t *testing.T) {
	mock := market.NewMockClient()
	mock.Prices["BTCUSDT"] = 100
	tr := order.NewTracker(mock, zerolog.Nop())
	exec := NewLiveExecutor(Config{UseExchangeStopLoss: true}, mock, tr, zerolog.Nop())
	acct := newAccount(1000)

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 500, Price: 100, StopLoss: 95}, time.Now()); err != nil {
		t.Fatal(err)
	}
	pos := acct.Positions["BTCUSDT"]
	if pos == nil || pos.ExchangeSlOrderID == 0 {
		t.Fatalf("position = %+v, want a native stop order id", pos)
	}
	if pos.ExchangeSlPrice != 95 {
		t.Fatalf("stop price = %v, want 95", pos.ExchangeSlPrice)
	}
	slOrder, err := mock.GetOrder("BTCUSDT", pos.ExchangeSlOrderID)
	if err != nil || slOrder.Status != market.OrderStatusNew {
		t.Fatalf("stop order = %+v err %v, want a resting NEW order", slOrder, err)
	}
}

func TestLiveCloseCancelsStopFirst(t *testing.T) {
	mock := market.NewMockClient()
	mock.Prices["BTCUSDT"] = 100
	tr := order.NewTracker(mock, zerolog.Nop())
	exec := NewLiveExecutor(Config{UseExchangeStopLoss: true}, mock, tr, zerolog.Nop())
	acct := newAccount(1000)

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 500, Price: 100, StopLoss: 95}, time.Now()); err != nil {
		t.Fatal(err)
	}
	slID := acct.Positions["BTCUSDT"].ExchangeSlOrderID

	mock.Prices["BTCUSDT"] = 105
	if _, err := exec.Close(acct, "BTCUSDT", 105, "take_profit", time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(mock.CancelCalls) != 1 || mock.CancelCalls[0] != slID {
		t.Fatalf("cancel calls = %v, want the stop canceled before the close", mock.CancelCalls)
	}
	if len(acct.Positions) != 0 {
		t.Fatal("position must be gone after the live close")
	}

	// Close with no position is idempotent.
	if _, err := exec.Close(acct, "BTCUSDT", 105, "take_profit", time.Now()); !errors.Is(err, account.ErrNoPosition) {
		t.Fatalf("err = %v, want no position", err)
	}
}

func TestLiveCloseSurvivesCancelFailure(t *testing.T) {
	mock := market.NewMockClient()
	mock.Prices["BTCUSDT"] = 100
	tr := order.NewTracker(mock, zerolog.Nop())
	exec := NewLiveExecutor(Config{UseExchangeStopLoss: true}, mock, tr, zerolog.Nop())
	acct := newAccount(1000)

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 500, Price: 100, StopLoss: 95}, time.Now()); err != nil {
		t.Fatal(err)
	}

	mock.CancelErr = errors.New("order does not exist")
	if _, err := exec.Close(acct, "BTCUSDT", 100, "manual", time.Now()); err != nil {
		t.Fatalf("close must tolerate a failed stop cancel, got %v", err)
	}
}

func TestLiveOrderLifecycleUsesConfiguredTimeout(t *testing.T) {
	mock := market.NewMockClient()
	mock.Prices["BTCUSDT"] = 100
	tr := order.NewTracker(mock, zerolog.Nop())
	exec := NewLiveExecutor(Config{OrderTimeoutMs: 5000}, mock, tr, zerolog.Nop())
	acct := newAccount(1000)
	now := time.Now()

	if _, err := exec.Open(acct, OpenRequest{Symbol: "BTCUSDT", UsdtAmount: 500, Price: 100}, now); err != nil {
		t.Fatal(err)
	}
	if len(acct.OpenOrders) != 0 {
		t.Fatalf("open orders = %+v, synchronous entry fill must confirm immediately", acct.OpenOrders)
	}

	// The exit reports only a partial fill, so it stays tracked under the
	// configured timeout until the sweep resolves it.
	mock.MarketOrderStatus = market.OrderStatusPartiallyFilled
	if _, err := exec.Close(acct, "BTCUSDT", 100, "signal_sell", now); err != nil {
		t.Fatal(err)
	}
	if len(acct.OpenOrders) != 1 {
		t.Fatalf("open orders = %+v, want the unfilled exit tracked", acct.OpenOrders)
	}
	var pending *account.PendingOrder
	for _, o := range acct.OpenOrders {
		pending = o
	}
	if pending.TimeoutMs != 5000 || !pending.IsExit {
		t.Fatalf("pending = %+v, want an exit order under the configured timeout", pending)
	}

	mock.StatusOverride[pending.OrderID] = market.OrderStatusFilled
	res := tr.CheckTimeouts(acct, now.Add(6*time.Second))
	if len(res) != 1 || res[0].Outcome != order.OutcomeFilled {
		t.Fatalf("resolutions = %+v, want the exit confirmed by the sweep", res)
	}
	if len(acct.OpenOrders) != 0 {
		t.Fatal("confirmed exit must leave tracking")
	}
}

func TestRoundQtyFloorsToStep(t *testing.T) {
	mock := market.NewMockClient()
	mock.SymbolInfos["BTCUSDT"] = &market.SymbolInfo{Symbol: "BTCUSDT", StepSize: "0.001", MinNotional: 10}
	tr := order.NewTracker(mock, zerolog.Nop())
	exec := NewLiveExecutor(Config{}, mock, tr, zerolog.Nop())

	got, err := exec.roundQty("BTCUSDT", 0.123456)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.123 {
		t.Fatalf("rounded = %v, want 0.123", got)
	}
}
