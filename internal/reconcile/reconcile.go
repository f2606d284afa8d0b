// Package reconcile compares the engine's local position book against what
// the exchange reports and optionally repairs the local side. The exchange
// is the source of truth: stale local positions are dropped, drifted
// quantities and positions the engine never recorded are adopted.
package reconcile

import (
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/market"
)

// Discrepancy kinds.
const (
	KindMissingExchange = "missing_exchange" // held locally, gone on the exchange
	KindMissingLocal    = "missing_local"    // on the exchange, unknown locally
	KindQtyMismatch     = "qty_mismatch"
)

// Severities. OK is the report level for a clean comparison; discrepancies
// themselves are warning or critical.
const (
	SeverityOK       = "ok"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Quantity drift thresholds, as fractions of the local quantity.
const (
	mismatchThreshold = 0.05
	criticalThreshold = 0.10
)

// Discrepancy is one divergence between the books. ExchangeSide and
// ExchangeEntry carry what the exchange reported so a missing_local position
// can be rebuilt from them.
type Discrepancy struct {
	Symbol        string
	Kind          string
	Severity      string
	LocalQty      float64
	ExchangeQty   float64
	ExchangeSide  string
	ExchangeEntry float64
	DriftRatio    float64
}

// Compare diffs the local account against the exchange positions. Quantity
// drift at or below 5% is ignored as fee and rounding noise; above 10% the
// discrepancy is critical.
func Compare(acct *account.Account, exchange []market.FuturesPosition) []Discrepancy {
	bySymbol := make(map[string]market.FuturesPosition, len(exchange))
	for _, p := range exchange {
		if p.Quantity > 0 {
			bySymbol[p.Symbol] = p
		}
	}

	var out []Discrepancy
	for symbol, pos := range acct.Positions {
		exch, ok := bySymbol[symbol]
		if !ok || !sideMatches(pos, exch) {
			out = append(out, Discrepancy{
				Symbol:   symbol,
				Kind:     KindMissingExchange,
				Severity: SeverityCritical,
				LocalQty: pos.Quantity,
			})
			continue
		}
		delete(bySymbol, symbol)

		if pos.Quantity <= 0 {
			continue
		}
		drift := math.Abs(exch.Quantity-pos.Quantity) / pos.Quantity
		if drift > mismatchThreshold {
			severity := SeverityWarning
			if drift > criticalThreshold {
				severity = SeverityCritical
			}
			out = append(out, Discrepancy{
				Symbol:      symbol,
				Kind:        KindQtyMismatch,
				Severity:    severity,
				LocalQty:    pos.Quantity,
				ExchangeQty: exch.Quantity,
				DriftRatio:  drift,
			})
		}
	}

	for symbol, exch := range bySymbol {
		out = append(out, Discrepancy{
			Symbol:        symbol,
			Kind:          KindMissingLocal,
			Severity:      SeverityWarning,
			ExchangeQty:   exch.Quantity,
			ExchangeSide:  exch.Side,
			ExchangeEntry: exch.EntryPrice,
		})
	}
	return out
}

func sideMatches(pos *account.Position, exch market.FuturesPosition) bool {
	if exch.Side == "" {
		return true
	}
	short := strings.EqualFold(exch.Side, "SHORT")
	return short == pos.IsShort()
}

// Reconciler runs the comparison and, when auto-sync is on, repairs the
// local book: positions the exchange no longer holds are dropped, drifted
// quantities adopt the exchange value, and exchange positions the engine has
// no record of are incorporated so the exit engine manages them.
type Reconciler struct {
	client   market.ExchangeClient
	autoSync bool
	logger   zerolog.Logger
}

func New(client market.ExchangeClient, autoSync bool, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:   client,
		autoSync: autoSync,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
	}
}

// Run compares and optionally syncs. Returns the discrepancies found and
// whether the account changed. A sync converges in one pass: running again
// immediately finds nothing.
func (r *Reconciler) Run(acct *account.Account, now time.Time) ([]Discrepancy, bool, error) {
	exchange, err := r.client.GetFuturesPositions()
	if err != nil {
		return nil, false, err
	}

	discrepancies := Compare(acct, exchange)
	changed := false
	for _, d := range discrepancies {
		evt := r.logger.Warn().
			Str("symbol", d.Symbol).
			Str("kind", d.Kind).
			Str("severity", d.Severity).
			Float64("local_qty", d.LocalQty).
			Float64("exchange_qty", d.ExchangeQty)

		if !r.autoSync {
			evt.Msg("Position books diverge")
			continue
		}

		switch d.Kind {
		case KindMissingExchange:
			delete(acct.Positions, d.Symbol)
			changed = true
			evt.Msg("Dropped local position absent on exchange")
		case KindQtyMismatch:
			if pos, ok := acct.Positions[d.Symbol]; ok {
				pos.Quantity = d.ExchangeQty
				changed = true
			}
			evt.Msg("Adopted exchange quantity for drifted position")
		case KindMissingLocal:
			side := account.SideLong
			if strings.EqualFold(d.ExchangeSide, "SHORT") {
				side = account.SideShort
			}
			acct.Positions[d.Symbol] = &account.Position{
				Symbol:     d.Symbol,
				Side:       side,
				Quantity:   d.ExchangeQty,
				EntryPrice: d.ExchangeEntry,
				EntryTime:  now.UnixMilli(),
			}
			changed = true
			evt.Msg("Incorporated exchange position missing from local book")
		default:
			evt.Msg("Position books diverge")
		}
	}
	return discrepancies, changed, nil
}
