// Package scenario drives one trading unit end to end: data refresh, the
// signal pipeline, the exit engine, order reconciliation, halt conditions and
// persistence. Every scenario has its own account, state file and exchange
// session; a failure in one never touches another.
package scenario

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/config"
	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/cache"
	"scenario-trading-bot/internal/events"
	"scenario-trading-bot/internal/execution"
	"scenario-trading-bot/internal/exit"
	"scenario-trading-bot/internal/health"
	"scenario-trading-bot/internal/history"
	"scenario-trading-bot/internal/indicator"
	"scenario-trading-bot/internal/market"
	"scenario-trading-bot/internal/notification"
	"scenario-trading-bot/internal/order"
	"scenario-trading-bot/internal/portfolio"
	"scenario-trading-bot/internal/reconcile"
	"scenario-trading-bot/internal/signal"
)

// klineLimit is how many bars each refresh requests; enough for the largest
// indicator warmup plus the correlation lookback.
const klineLimit = 200

// equityReportInterval spaces the equity history snapshots.
const equityReportInterval = time.Hour

// Options bundles everything a runtime needs. Cvd, Reconciler and Hooks are
// optional.
type Options struct {
	Scenario *config.Scenario
	Strategy *config.Strategy // already resolved through the config layers

	Store      *account.Store
	Provider   *market.DataProvider
	Client     market.ExchangeClient
	Executor   execution.Executor
	Tracker    *order.Tracker
	History    *history.History
	Feeds      *cache.Feeds
	Cvd        *market.CvdStream
	Heartbeat  *health.Heartbeat
	Reconciler *reconcile.Reconciler
	Notifier   *notification.Manager
	Bus        *events.EventBus
	Hooks      *signal.Strategy
	Logger     zerolog.Logger
}

// Runtime is one scenario's engine. RunTick is serialized by an internal
// mutex so an overrunning tick can never overlap the next.
type Runtime struct {
	mu sync.Mutex

	id       string
	scn      *config.Scenario
	strategy *config.Strategy

	store      *account.Store
	provider   *market.DataProvider
	client     market.ExchangeClient
	exec       execution.Executor
	tracker    *order.Tracker
	hist       *history.History
	feeds      *cache.Feeds
	cvd        *market.CvdStream
	hb         *health.Heartbeat
	recon      *reconcile.Reconciler
	notifier   *notification.Manager
	bus        *events.EventBus
	hooks      *signal.Strategy
	logger     zerolog.Logger

	params  indicator.Params
	sigCfg  signal.Config
	exitCfg exit.Config
	execCfg execution.Config

	state *State

	// startupDone flips after the first tick's orphan scan and reconcile;
	// both run once per process, not per tick.
	startupDone bool

	// EventWindow optionally positions the tick relative to a scheduled
	// market event; nil means no event awareness.
	EventWindow func(now time.Time) (signal.EventPhase, float64)
}

// New builds a runtime from resolved configuration, loading the persisted
// scenario state.
func New(opts Options) (*Runtime, error) {
	state, err := loadState(opts.Store.DataDir(), opts.Scenario.ID)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		id:       opts.Scenario.ID,
		scn:      opts.Scenario,
		strategy: opts.Strategy,
		store:    opts.Store,
		provider: opts.Provider,
		client:   opts.Client,
		exec:     opts.Executor,
		tracker:  opts.Tracker,
		hist:     opts.History,
		feeds:    opts.Feeds,
		cvd:      opts.Cvd,
		hb:       opts.Heartbeat,
		recon:    opts.Reconciler,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		hooks:    opts.Hooks,
		logger:   opts.Logger.With().Str("component", "Scenario").Str("scenario", opts.Scenario.ID).Logger(),
		params:   indicatorParams(opts.Strategy),
		sigCfg:   signalConfig(opts.Strategy, opts.Scenario.Exchange.Market),
		exitCfg:  exitConfig(opts.Strategy),
		execCfg:  ExecutionConfig(opts.Strategy, opts.Scenario),
		state:    state,
	}
	if r.hooks != nil && r.hooks.CustomStoploss != nil {
		r.exitCfg.CustomStop = r.hooks.CustomStoploss
	}
	return r, nil
}

func (r *Runtime) ID() string { return r.id }

// Paused reports whether the scenario is halted.
func (r *Runtime) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Paused
}

// Pause halts the scenario and persists the flag.
func (r *Runtime) Pause(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauseLocked(reason, time.Now())
}

func (r *Runtime) pauseLocked(reason string, now time.Time) error {
	if r.state.Paused {
		return nil
	}
	r.state.Paused = true
	r.state.PauseReason = reason
	r.bus.Publish(events.Event{
		Type:       events.EventScenarioPaused,
		ScenarioID: r.id,
		Data:       map[string]interface{}{"reason": reason},
	})
	r.logger.Warn().Str("reason", reason).Msg("Scenario paused")
	return saveState(r.store.DataDir(), r.id, r.state)
}

// Resume clears the pause flag, letting the next tick trade again.
func (r *Runtime) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Paused {
		return nil
	}
	r.state.Paused = false
	r.state.PauseReason = ""
	r.bus.Publish(events.Event{Type: events.EventScenarioResumed, ScenarioID: r.id})
	r.logger.Info().Msg("Scenario resumed")
	return saveState(r.store.DataDir(), r.id, r.state)
}

// RunTick executes one full scenario cycle: refresh data, evaluate signals
// before exits, reconcile pending orders, check halt conditions, persist,
// heartbeat. Paused scenarios and an active kill switch short-circuit after
// the refresh; both are sampled once at tick start.
func (r *Runtime) RunTick(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	symbols := r.tickSymbols(now)

	r.provider.Refresh(symbols, r.strategy.Timeframe, klineLimit)
	if r.strategy.TrendTimeframe != "" {
		r.provider.Refresh(symbols, r.strategy.TrendTimeframe, klineLimit)
	}

	if health.KillSwitch(r.store.DataDir()) {
		r.logger.Warn().Msg("Kill switch present, skipping tick")
		return nil
	}
	if r.state.Paused {
		return nil
	}

	acct, err := r.store.LoadAccount(r.scn.InitialUsdt, r.id)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", r.id, err)
	}
	account.ResetDailyLossIfNeeded(acct, now)

	if !r.startupDone {
		r.startupScan(acct, now)
		r.startupDone = true
	}

	// Held symbols stay scanned even when the pair list rotated them out, so
	// their exits keep running.
	for symbol := range acct.Positions {
		if !containsSymbol(symbols, symbol) {
			symbols = append(symbols, symbol)
			r.provider.Refresh([]string{symbol}, r.strategy.Timeframe, klineLimit)
		}
	}

	snaps, prices := r.computeSnapshots(symbols, now)

	// A native stop that filled between ticks supersedes the local exit
	// computation; sync it before the exit engine sees the position.
	r.syncNativeStops(acct, now)

	// Opens before exits: a fill this tick is protected by the exit engine
	// in the same pass.
	for _, symbol := range symbols {
		r.processSignal(acct, symbol, snaps, prices, now)
	}
	r.processExits(acct, snaps, prices, now)

	r.resolveOrders(acct, prices, now)

	r.checkHalt(acct, prices, now)

	if now.Sub(time.UnixMilli(r.state.LastReportAt)) >= equityReportInterval {
		equity := account.CalcTotalEquity(acct, prices)
		if err := r.store.AppendEquitySnapshot(r.id, equity, now); err != nil {
			r.logger.Error().Err(err).Msg("Equity snapshot append failed")
		} else {
			r.state.LastReportAt = now.UnixMilli()
		}
	}

	if err := r.store.SaveAccount(acct, r.id); err != nil {
		return fmt.Errorf("scenario %s: %w", r.id, err)
	}
	if err := saveState(r.store.DataDir(), r.id, r.state); err != nil {
		return err
	}

	if err := r.hb.Beat("scenario-"+r.id, now, time.Since(start)); err != nil {
		r.logger.Error().Err(err).Msg("Heartbeat write failed")
	}
	return nil
}

// tickSymbols merges the configured symbols with the screener's current
// pair list when that file is fresh; a stale or missing list leaves the
// configured set untouched.
func (r *Runtime) tickSymbols(now time.Time) []string {
	symbols := append([]string(nil), r.strategy.Symbols...)
	extra, fresh, ok := r.feeds.Pairlist.Read(now)
	if !ok || !fresh {
		return symbols
	}
	for _, symbol := range extra {
		if !containsSymbol(symbols, symbol) {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// computeSnapshots derives one indicator snapshot and price per symbol,
// folding in the CVD reading when the stream is attached.
func (r *Runtime) computeSnapshots(symbols []string, now time.Time) (map[string]*indicator.Snapshot, map[string]float64) {
	snaps := make(map[string]*indicator.Snapshot, len(symbols))
	prices := make(map[string]float64, len(symbols))

	var cvdEntries map[string]market.CvdEntry
	if r.cvd != nil {
		cvdEntries = r.cvd.Snapshot()
	}

	for _, symbol := range symbols {
		klines := r.provider.Get(symbol, r.strategy.Timeframe)
		snap := indicator.Compute(symbol, klines, r.params)
		if snap == nil {
			continue
		}
		if entry, ok := cvdEntries[symbol]; ok {
			snap = snap.WithCvd(entry.Cvd)
		}
		snaps[symbol] = snap
		prices[symbol] = snap.Price
	}
	return snaps, prices
}

func (r *Runtime) processSignal(acct *account.Account, symbol string, snaps map[string]*indicator.Snapshot, prices map[string]float64, now time.Time) {
	snap := snaps[symbol]

	positionSide := ""
	if pos, held := acct.Positions[symbol]; held {
		positionSide = pos.Side
	}

	in := signal.Inputs{
		Snapshot:     snap,
		PositionSide: positionSide,
		RuleCtx:      signal.RuleContext{Thresholds: r.sigCfg.Thresholds},
		FilterCtx: signal.FilterContext{
			TrendMAShort:    r.strategy.Strategy.MA.Short,
			TrendMALong:     r.strategy.Strategy.MA.Long,
			CandidateKlines: r.provider.Get(symbol, r.strategy.Timeframe),
			EmergencyHalt:   r.feeds.EmergencyHalt(),
		},
		Sizing:   signal.SizingInputs{HeatScale: 1, GateScale: 1, EventScale: 1},
		Strategy: r.hooks,
		Now:      now,
	}
	if r.strategy.TrendTimeframe != "" {
		in.FilterCtx.TrendKlines = r.provider.Get(symbol, r.strategy.TrendTimeframe)
	}
	if r.EventWindow != nil {
		in.FilterCtx.EventPhase, in.FilterCtx.EventScale = r.EventWindow(now)
	}

	// Klines of currently held symbols feed the correlation filter and the
	// portfolio heat assessment.
	heat := portfolio.HeatResult{Decision: portfolio.DecisionApprove, AdjustedRatio: 1}
	if r.sigCfg.CorrelationEnabled && len(acct.Positions) > 0 {
		held := make(map[string][]market.Kline, len(acct.Positions))
		for heldSym := range acct.Positions {
			if heldSym == symbol {
				continue
			}
			if k := r.provider.Get(heldSym, r.strategy.Timeframe); len(k) > 0 {
				held[heldSym] = k
			}
		}
		in.FilterCtx.HeldKlines = held
		if len(held) > 0 {
			heat = r.portfolioHeat(acct, symbol, held, prices)
			if heat.Decision == portfolio.DecisionScale {
				in.Sizing.HeatScale = heat.AdjustedRatio
			}
		}
	}

	// External feeds: stale data is ignored, never trusted.
	if sent, fresh, ok := r.feeds.Sentiment.Read(now); ok && fresh {
		in.Sentiment = signal.SentimentContext{
			FearGreed:        sent.FearGreed,
			HasFearGreed:     true,
			FearGreedDelta:   sent.FearGreedDelta,
			FearGreedAlert:   sent.FearGreedAlert,
			KeywordScore:     sent.KeywordScore,
			HasKeywordScore:  true,
			ImportantNews:    sent.ImportantNews,
			BearishSentiment: sent.BearishSentiment,
		}
	}
	if chain, fresh, ok := r.feeds.Onchain.Read(now); ok && fresh {
		if rate, has := chain.FundingRates[symbol]; has {
			in.RuleCtx.FundingRate = rate
			in.RuleCtx.HasFunding = true
		}
		in.RuleCtx.BtcDominanceChange = chain.BtcDominanceChange
		in.RuleCtx.HasBtcDominance = true
	}

	equity := account.CalcTotalEquity(acct, prices)
	in.Sizing.Equity = equity
	if snap != nil {
		in.Sizing.Price = snap.Price
		in.Sizing.ATR = snap.ATR
	}
	if r.sigCfg.Sizing.KellyEnabled {
		if pnls, err := r.hist.ClosedPnls(50); err == nil {
			in.Sizing.ClosedPnls = pnls
		}
	}

	res := signal.Evaluate(symbol, r.sigCfg, in)
	if res.Candidate == "" || res.Candidate == signal.TypeNone {
		return
	}

	// The per-symbol signal window is consumed by the raw rule match, before
	// any filter verdict: a filtered-out signal still silences repeats.
	if !r.consumeSignalWindow(symbol, res.Candidate, now) {
		r.logger.Debug().
			Str("symbol", symbol).
			Str("type", string(res.Candidate)).
			Msg("Signal window active, suppressed")
		return
	}

	if res.Rejection != nil {
		r.logger.Info().
			Str("symbol", symbol).
			Str("type", string(res.Candidate)).
			Str("stage", res.Rejection.Stage).
			Str("reason", res.Rejection.Reason).
			Msg("Signal rejected")
		r.bus.Publish(events.Event{
			Type:       events.EventSignalRejected,
			ScenarioID: r.id,
			Data: map[string]interface{}{
				"symbol": symbol,
				"type":   string(res.Candidate),
				"stage":  res.Rejection.Stage,
				"reason": res.Rejection.Reason,
			},
		})
		return
	}

	sig := res.Signal
	if sig.Type.IsOpen() && heat.Decision == portfolio.DecisionBlock {
		r.logger.Info().
			Str("symbol", symbol).
			Float64("heat", heat.Heat).
			Msg("Entry blocked, portfolio heat at the ceiling")
		r.bus.Publish(events.Event{
			Type:       events.EventSignalRejected,
			ScenarioID: r.id,
			Data: map[string]interface{}{
				"symbol": symbol,
				"type":   string(sig.Type),
				"stage":  "portfolio_heat",
				"reason": "correlation_heat_ceiling",
			},
		})
		return
	}

	reason := strings.Join(sig.Reasons, ",")
	if r.strategy.Notify.OnSignal {
		if err := r.notifier.SendSignal(r.id, symbol, string(sig.Type), reason, sig.Price); err != nil {
			r.logger.Error().Err(err).Msg("Signal notification failed")
		}
	}
	r.bus.PublishSignal(r.id, symbol, string(sig.Type), reason, sig.Price)

	if sig.Type.IsOpen() {
		r.openPosition(acct, sig, &res, equity, now)
	} else {
		r.closeFromSignal(acct, sig, now)
	}
}

// portfolioHeat weighs a prospective entry's correlation against the held
// positions, notional-weighted. Base ratio 1 makes the adjusted ratio a
// direct sizing multiplier; the configured correlation threshold doubles as
// the block ceiling.
func (r *Runtime) portfolioHeat(acct *account.Account, symbol string, held map[string][]market.Kline, prices map[string]float64) portfolio.HeatResult {
	candidate := portfolio.LogReturns(r.provider.Get(symbol, r.strategy.Timeframe))
	heldReturns := make(map[string][]float64, len(held))
	for heldSym, klines := range held {
		heldReturns[heldSym] = portfolio.LogReturns(klines)
	}
	weights := portfolio.CalcExposure(acct, prices).NotionalBySymbol

	res := portfolio.CorrelationHeat(candidate, heldReturns, weights, 1, r.sigCfg.CorrelationThreshold)
	if res.Decision != portfolio.DecisionApprove {
		r.logger.Debug().
			Str("symbol", symbol).
			Float64("heat", res.Heat).
			Str("decision", string(res.Decision)).
			Float64("scale", res.AdjustedRatio).
			Msg("Portfolio heat assessed")
	}
	return res
}

// consumeSignalWindow enforces the per-(symbol, type) signal window and
// stamps it when the signal is admitted.
func (r *Runtime) consumeSignalWindow(symbol string, sigType signal.Type, now time.Time) bool {
	window := time.Duration(r.strategy.Notify.MinIntervalMinutes) * time.Minute
	if window > 0 {
		if last, ok := r.state.LastSignals[symbol]; ok && last.Type == string(sigType) {
			if now.Sub(time.UnixMilli(last.Timestamp)) < window {
				return false
			}
		}
	}
	r.state.LastSignals[symbol] = LastSignal{Type: string(sigType), Timestamp: now.UnixMilli()}
	return true
}

func (r *Runtime) openPosition(acct *account.Account, sig *signal.Signal, res *signal.Result, equity float64, now time.Time) {
	if r.strategy.Mode == config.ModeNotifyOnly {
		return
	}

	if err := execution.PreTradeCheck(r.execCfg, acct, sig.Symbol, res.Size.UsdtAmount, equity, now); err != nil {
		r.logger.Debug().
			Str("symbol", sig.Symbol).
			Str("check", err.Error()).
			Msg("Entry blocked by pre-trade check")
		return
	}

	sl, tp := r.protectiveLevels(sig, res)
	req := execution.OpenRequest{
		Symbol:     sig.Symbol,
		Short:      sig.Type == signal.TypeShort,
		UsdtAmount: res.Size.UsdtAmount,
		Price:      sig.Price,
		StopLoss:   sl,
		TakeProfit: tp,
		Reason:     strings.Join(sig.Reasons, ","),
	}
	trade, err := r.exec.Open(acct, req, now)
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Entry failed")
		if r.strategy.Notify.OnError {
			r.notifier.SendError(r.id+":"+sig.Symbol, "Entry failed", err.Error())
		}
		r.bus.PublishError(r.id, "execution", "entry failed", err)
		return
	}

	if _, err := r.hist.Open(history.Record{
		ScenarioID: r.id,
		Symbol:     sig.Symbol,
		Type:       string(sig.Type),
		Price:      trade.Price,
		Reasons:    sig.Reasons,
		Timestamp:  now.UnixMilli(),
	}); err != nil {
		r.logger.Error().Err(err).Msg("Signal history append failed")
	}

	if r.strategy.Notify.OnTradeOpen {
		r.notifier.SendTradeOpen(r.id, sig.Symbol, string(sig.Type), trade.Price, trade.Quantity)
	}
	r.bus.PublishTradeOpened(r.id, sig.Symbol, string(sig.Type), trade.Price, trade.Quantity)
}

// protectiveLevels derives the stop and target for a new entry: percent
// distances with regime overrides applied, the stop widened to the ATR
// offset when ATR sizing produced one.
func (r *Runtime) protectiveLevels(sig *signal.Signal, res *signal.Result) (float64, float64) {
	slPct, tpPct := r.sigCfg.StopLossPercent, r.sigCfg.TakeProfitPercent
	if res.Overrides != nil {
		if res.Overrides.StopLossPercent > 0 {
			slPct = res.Overrides.StopLossPercent
		}
		if res.Overrides.TakeProfitPercent > 0 {
			tpPct = res.Overrides.TakeProfitPercent
		}
	}

	entry := sig.Price
	var sl, tp float64
	if sig.Type == signal.TypeShort {
		sl, tp = entry*(1+slPct), entry*(1-tpPct)
		if res.Size.StopOffset > 0 {
			sl = entry + res.Size.StopOffset
		}
	} else {
		sl, tp = entry*(1-slPct), entry*(1+tpPct)
		if res.Size.StopOffset > 0 {
			sl = entry - res.Size.StopOffset
		}
	}
	return sl, tp
}

func (r *Runtime) closeFromSignal(acct *account.Account, sig *signal.Signal, now time.Time) {
	pos, held := acct.Positions[sig.Symbol]
	if !held || r.strategy.Mode == config.ModeNotifyOnly {
		return
	}
	entryPrice := pos.EntryPrice
	trade, err := r.exec.Close(acct, sig.Symbol, sig.Price, "signal_"+string(sig.Type), now)
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Signal exit failed")
		return
	}
	r.finishClose(sig.Symbol, entryPrice, trade, "signal_"+string(sig.Type), now)
}

// processExits runs the exit engine over every open position, in stable
// symbol order.
func (r *Runtime) processExits(acct *account.Account, snaps map[string]*indicator.Snapshot, prices map[string]float64, now time.Time) {
	if r.strategy.Mode == config.ModeNotifyOnly {
		return
	}

	symbols := make([]string, 0, len(acct.Positions))
	for symbol := range acct.Positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		pos, held := acct.Positions[symbol]
		if !held {
			continue // closed earlier in this loop
		}
		klines := r.provider.Get(symbol, r.strategy.Timeframe)
		if len(klines) == 0 {
			continue
		}
		bar := klines[len(klines)-1]
		price := bar.Close
		prices[symbol] = price

		d := exit.Evaluate(pos, bar, price, r.exitCfg, now)
		if d.StopMoved {
			r.logger.Info().
				Str("symbol", symbol).
				Float64("new_stop", d.NewStop).
				Msg("Stop moved")
			r.bus.Publish(events.Event{
				Type:       events.EventStopMoved,
				ScenarioID: r.id,
				Data:       map[string]interface{}{"symbol": symbol, "new_stop": d.NewStop},
			})
		}

		switch d.Action {
		case exit.ActionNone:
			if r.hooks != nil && r.hooks.ShouldExit != nil {
				if snap := snaps[symbol]; snap != nil {
					if reason, force := r.hooks.ShouldExit(pos, snap); force {
						r.closePosition(acct, symbol, price, reason, now)
					}
				}
			}

		case exit.ActionStagedProfit:
			entryPrice := pos.EntryPrice
			trade, err := r.exec.ClosePartial(acct, symbol, d.PartialRatio, d.Price, string(d.Action), now)
			if err != nil {
				r.logger.Error().Err(err).Str("symbol", symbol).Msg("Staged take-profit failed")
				continue
			}
			pos.StagesTaken++
			r.logger.Info().
				Str("symbol", symbol).
				Int("stage", pos.StagesTaken).
				Float64("ratio", d.PartialRatio).
				Msg("Staged take-profit executed")
			if r.strategy.Notify.OnTradeClose {
				r.notifier.SendTradeClose(r.id, symbol, entryPrice, trade.Price, derefF(trade.Pnl), derefF(trade.PnlPercent), string(d.Action))
			}

		default:
			if r.hooks != nil && r.hooks.ConfirmExit != nil && d.Action != exit.ActionStopLoss {
				if !r.hooks.ConfirmExit(pos, d) {
					r.logger.Debug().
						Str("symbol", symbol).
						Str("action", string(d.Action)).
						Msg("Exit vetoed by strategy")
					continue
				}
			}
			r.closePosition(acct, symbol, d.Price, d.Reason, now)
		}
	}
}

func (r *Runtime) closePosition(acct *account.Account, symbol string, price float64, reason string, now time.Time) {
	pos, held := acct.Positions[symbol]
	if !held {
		return
	}
	entryPrice := pos.EntryPrice
	trade, err := r.exec.Close(acct, symbol, price, reason, now)
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Str("reason", reason).Msg("Exit failed")
		if r.strategy.Notify.OnError {
			r.notifier.SendError(r.id+":"+symbol, "Exit failed", err.Error())
		}
		return
	}
	r.finishClose(symbol, entryPrice, trade, reason, now)
}

// finishClose propagates a booked close: signal history, notification, event
// bus and the strategy hook.
func (r *Runtime) finishClose(symbol string, entryPrice float64, trade *account.Trade, reason string, now time.Time) {
	pnl, pnlPct := derefF(trade.Pnl), derefF(trade.PnlPercent)

	r.closeHistoryRecord(symbol, trade.Price, pnlPct, reason, now)

	if r.strategy.Notify.OnTradeClose {
		r.notifier.SendTradeClose(r.id, symbol, entryPrice, trade.Price, pnl, pnlPct, reason)
	}
	r.bus.PublishTradeClosed(r.id, symbol, reason, trade.Price, pnl, pnlPct)

	if r.hooks != nil && r.hooks.OnTradeClosed != nil {
		r.hooks.OnTradeClosed(trade)
	}
}

// closeHistoryRecord closes the newest open signal record for the symbol.
// Positions opened before history existed simply have no record to close.
func (r *Runtime) closeHistoryRecord(symbol string, closePrice, pnlPercent float64, reason string, now time.Time) {
	open, err := r.hist.OpenSignals()
	if err != nil {
		r.logger.Error().Err(err).Msg("Signal history read failed")
		return
	}
	for i := len(open) - 1; i >= 0; i-- {
		if open[i].Symbol != symbol {
			continue
		}
		if err := r.hist.Close(open[i].ID, closePrice, pnlPercent, reason, now); err != nil {
			r.logger.Error().Err(err).Str("id", open[i].ID).Msg("Signal history close failed")
		}
		return
	}
}

// resolveOrders runs the pending-order timeout sweep, escalating forced
// exits to market closes.
func (r *Runtime) resolveOrders(acct *account.Account, prices map[string]float64, now time.Time) {
	for _, res := range r.tracker.CheckTimeouts(acct, now) {
		switch res.Outcome {
		case order.OutcomeForcedExit:
			symbol := res.Order.Symbol
			price := prices[symbol]
			if price <= 0 {
				live, err := r.client.GetPrice(symbol)
				if err != nil {
					r.logger.Error().Err(err).Str("symbol", symbol).Msg("Forced exit price lookup failed")
					continue
				}
				price = live
			}
			timeouts := 0
			if pos, held := acct.Positions[symbol]; held {
				timeouts = pos.ExitTimeoutCount
			}
			r.closePosition(acct, symbol, price, "forced_exit", now)
			r.bus.PublishForcedExit(r.id, symbol, timeouts)
			if r.strategy.Notify.OnError {
				r.notifier.SendError(r.id+":"+symbol, "Forced exit",
					fmt.Sprintf("%s exit order timed out %d times, closed at market", symbol, timeouts))
			}

		case order.OutcomeCanceled:
			r.bus.Publish(events.Event{
				Type:       events.EventOrderTimeout,
				ScenarioID: r.id,
				Data: map[string]interface{}{
					"symbol":   res.Order.Symbol,
					"order_id": res.Order.OrderID,
				},
			})
		}
	}
}

// syncNativeStops books exchange stop-loss fills into the account and
// propagates each close.
func (r *Runtime) syncNativeStops(acct *account.Account, now time.Time) {
	for _, fill := range r.tracker.SyncExchangeStopLosses(acct, now) {
		r.closeHistoryRecord(fill.Symbol, fill.Price, derefF(fill.Trade.PnlPercent), "exchange_stop_loss", now)
		if r.strategy.Notify.OnTradeClose {
			r.notifier.SendTradeClose(r.id, fill.Symbol, 0, fill.Price, fill.Pnl, derefF(fill.Trade.PnlPercent), "exchange_stop_loss")
		}
		r.bus.PublishTradeClosed(r.id, fill.Symbol, "exchange_stop_loss", fill.Price, fill.Pnl, derefF(fill.Trade.PnlPercent))
		if r.hooks != nil && r.hooks.OnTradeClosed != nil {
			trade := fill.Trade
			r.hooks.OnTradeClosed(&trade)
		}
	}
}

// startupScan settles what a restart may have left behind: orders still
// tracked from the previous process resolve against their exchange state,
// and auto scenarios reconcile the position books against the exchange.
func (r *Runtime) startupScan(acct *account.Account, now time.Time) {
	for _, res := range r.tracker.ScanOpenOrders(acct) {
		r.logger.Info().
			Int64("order_id", res.Order.OrderID).
			Str("symbol", res.Order.Symbol).
			Str("outcome", string(res.Outcome)).
			Msg("Orphaned order resolved at startup")
	}
	if r.recon != nil {
		r.runReconcile(acct, now)
	}
}

func (r *Runtime) runReconcile(acct *account.Account, now time.Time) {
	discrepancies, synced, err := r.recon.Run(acct, now)
	if err != nil {
		r.logger.Error().Err(err).Msg("Reconcile failed")
		return
	}
	if len(discrepancies) == 0 {
		return
	}
	critical := 0
	for _, d := range discrepancies {
		if d.Severity == reconcile.SeverityCritical {
			critical++
		}
	}
	r.bus.Publish(events.Event{
		Type:       events.EventReconcile,
		ScenarioID: r.id,
		Data: map[string]interface{}{
			"discrepancies": len(discrepancies),
			"critical":      critical,
			"synced":        synced,
		},
	})
	if critical > 0 && r.strategy.Notify.OnError {
		r.notifier.SendError(r.id+":reconcile", "Position mismatch",
			fmt.Sprintf("%d critical discrepancies between local book and exchange", critical))
	}
}

// checkHalt pauses the scenario when total equity breaches the configured
// loss cap. The pause alerts exactly once; subsequent ticks short-circuit
// silently until an operator resumes.
func (r *Runtime) checkHalt(acct *account.Account, prices map[string]float64, now time.Time) {
	if r.strategy.Risk.MaxTotalLossPercent <= 0 || r.state.Paused {
		return
	}
	equity := account.CalcTotalEquity(acct, prices)
	floor := acct.InitialUsdt * (1 - pct(r.strategy.Risk.MaxTotalLossPercent))
	if equity > floor {
		return
	}

	if err := r.pauseLocked("max_total_loss", now); err != nil {
		r.logger.Error().Err(err).Msg("Pause state write failed")
	}
	r.notifier.SendPause(r.id, fmt.Sprintf(
		"Total equity %.2f fell below the %.1f%% loss cap (floor %.2f). Trading halted until resumed.",
		equity, r.strategy.Risk.MaxTotalLossPercent, floor))
}

func derefF(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
