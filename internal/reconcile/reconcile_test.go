package reconcile

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

func bookWith(positions map[string]*account.Position) *account.Account {
	return &account.Account{Positions: positions}
}

func TestCompareCategorizes(t *testing.T) {
	acct := bookWith(map[string]*account.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: account.SideLong, Quantity: 1},
		"ETHUSDT": {Symbol: "ETHUSDT", Side: account.SideLong, Quantity: 10},
		"SOLUSDT": {Symbol: "SOLUSDT", Side: account.SideLong, Quantity: 100},
	})
	exchange := []market.FuturesPosition{
		{Symbol: "ETHUSDT", Side: "LONG", Quantity: 10.2},  // 2% drift, noise
		{Symbol: "SOLUSDT", Side: "LONG", Quantity: 92},    // 8% drift
		{Symbol: "XRPUSDT", Side: "LONG", Quantity: 500},   // unknown locally
	}

	found := map[string]Discrepancy{}
	for _, d := range Compare(acct, exchange) {
		found[d.Symbol] = d
	}

	if d := found["BTCUSDT"]; d.Kind != KindMissingExchange || d.Severity != SeverityCritical {
		t.Fatalf("BTCUSDT = %+v, want critical missing_exchange", d)
	}
	if _, ok := found["ETHUSDT"]; ok {
		t.Fatal("2% drift is rounding noise, not a discrepancy")
	}
	if d := found["SOLUSDT"]; d.Kind != KindQtyMismatch || d.Severity != SeverityWarning {
		t.Fatalf("SOLUSDT = %+v, want warning qty_mismatch", d)
	}
	if d := found["XRPUSDT"]; d.Kind != KindMissingLocal || d.Severity != SeverityWarning {
		t.Fatalf("XRPUSDT = %+v, want warning missing_local", d)
	}
}

func TestCompareQtyDriftAboveTenPercentIsCritical(t *testing.T) {
	acct := bookWith(map[string]*account.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: account.SideLong, Quantity: 1},
	})
	exchange := []market.FuturesPosition{{Symbol: "BTCUSDT", Side: "LONG", Quantity: 0.8}}

	ds := Compare(acct, exchange)
	if len(ds) != 1 || ds[0].Severity != SeverityCritical {
		t.Fatalf("discrepancies = %+v, want one critical", ds)
	}
}

func TestCompareSideMismatchIsMissingExchange(t *testing.T) {
	acct := bookWith(map[string]*account.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: account.SideShort, Quantity: 1},
	})
	exchange := []market.FuturesPosition{{Symbol: "BTCUSDT", Side: "LONG", Quantity: 1}}

	ds := Compare(acct, exchange)
	if len(ds) != 2 {
		t.Fatalf("discrepancies = %+v, want missing_exchange plus missing_local", ds)
	}
}

func TestAutoSyncIsIdempotent(t *testing.T) {
	mock := market.NewMockClient()
	mock.Positions = []market.FuturesPosition{
		{Symbol: "SOLUSDT", Side: "LONG", Quantity: 80},
		{Symbol: "XRPUSDT", Side: "LONG", Quantity: 500},
	}
	acct := bookWith(map[string]*account.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: account.SideLong, Quantity: 1},
		"SOLUSDT": {Symbol: "SOLUSDT", Side: account.SideLong, Quantity: 100},
	})

	r := New(mock, true, zerolog.Nop())
	ds, changed, err := r.Run(acct, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !changed || len(ds) != 3 {
		t.Fatalf("changed=%v discrepancies=%+v", changed, ds)
	}
	if _, held := acct.Positions["BTCUSDT"]; held {
		t.Fatal("position absent on exchange must be dropped")
	}
	if acct.Positions["SOLUSDT"].Quantity != 80 {
		t.Fatalf("qty = %v, want the exchange value", acct.Positions["SOLUSDT"].Quantity)
	}
	if pos := acct.Positions["XRPUSDT"]; pos == nil || pos.Quantity != 500 {
		t.Fatalf("XRPUSDT = %+v, want the exchange position incorporated", pos)
	}

	// Second run: the books agree, nothing left to repair.
	ds, changed, err = r.Run(acct, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("second run must not change anything")
	}
	if len(ds) != 0 {
		t.Fatalf("discrepancies = %+v, want none after a full sync", ds)
	}
}

func TestAutoSyncIncorporatesExchangePosition(t *testing.T) {
	mock := market.NewMockClient()
	mock.Positions = []market.FuturesPosition{
		{Symbol: "ETHUSDT", Side: "LONG", Quantity: 2.5, EntryPrice: 3100},
	}
	acct := bookWith(map[string]*account.Position{})

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r := New(mock, true, zerolog.Nop())
	ds, changed, err := r.Run(acct, now)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("incorporating an exchange position must report a change")
	}
	if len(ds) != 1 || ds[0].Kind != KindMissingLocal {
		t.Fatalf("discrepancies = %+v, want one missing_local", ds)
	}

	pos := acct.Positions["ETHUSDT"]
	if pos == nil {
		t.Fatal("exchange position must land in the local book")
	}
	if pos.Side != account.SideLong || pos.Quantity != 2.5 || pos.EntryPrice != 3100 {
		t.Fatalf("adopted position = %+v, want the exchange's side, quantity and entry", pos)
	}
	if pos.EntryTime != now.UnixMilli() {
		t.Fatalf("entry time = %v, want the sync time", pos.EntryTime)
	}
}

func TestAutoSyncIncorporatedShortKeepsSide(t *testing.T) {
	mock := market.NewMockClient()
	mock.Positions = []market.FuturesPosition{
		{Symbol: "ETHUSDT", Side: "SHORT", Quantity: 1, EntryPrice: 3000},
	}
	acct := bookWith(map[string]*account.Position{})

	r := New(mock, true, zerolog.Nop())
	if _, _, err := r.Run(acct, time.Now()); err != nil {
		t.Fatal(err)
	}
	if pos := acct.Positions["ETHUSDT"]; pos == nil || !pos.IsShort() {
		t.Fatalf("adopted position = %+v, want a short", pos)
	}
}

func TestNoSyncLeavesBookAlone(t *testing.T) {
	mock := market.NewMockClient()
	acct := bookWith(map[string]*account.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: account.SideLong, Quantity: 1},
	})

	r := New(mock, false, zerolog.Nop())
	_, changed, err := r.Run(acct, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("observational mode must not mutate the account")
	}
	if _, held := acct.Positions["BTCUSDT"]; !held {
		t.Fatal("position must survive in observational mode")
	}
}
