package execution

import (
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/internal/account"
)

// PaperExecutor simulates fills with configured fee and slippage. It never
// talks to the exchange.
type PaperExecutor struct {
	cfg    Config
	logger zerolog.Logger
}

func NewPaperExecutor(cfg Config, logger zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{
		cfg:    cfg,
		logger: logger.With().Str("component", "PaperExecutor").Logger(),
	}
}

func (e *PaperExecutor) Open(acct *account.Account, req OpenRequest, now time.Time) (*account.Trade, error) {
	var trade *account.Trade
	var err error
	if req.Short {
		trade, err = account.PaperOpenShort(acct, req.Symbol, req.UsdtAmount, req.Price, e.cfg.FeeRate, e.cfg.Slippage, req.StopLoss, req.TakeProfit, req.Reason, now)
	} else {
		trade, err = account.PaperBuy(acct, req.Symbol, req.UsdtAmount, req.Price, e.cfg.FeeRate, e.cfg.Slippage, req.StopLoss, req.TakeProfit, req.Reason, now)
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", trade.Side).
		Float64("price", trade.Price).
		Float64("usdt", trade.UsdtAmount).
		Str("reason", req.Reason).
		Msg("Paper entry filled")
	return trade, nil
}

func (e *PaperExecutor) Close(acct *account.Account, symbol string, price float64, reason string, now time.Time) (*account.Trade, error) {
	pos, held := acct.Positions[symbol]
	if !held {
		return nil, account.ErrNoPosition
	}
	var trade *account.Trade
	var err error
	if pos.IsShort() {
		trade, err = account.PaperCoverShort(acct, symbol, price, e.cfg.FeeRate, e.cfg.Slippage, reason, now)
	} else {
		trade, err = account.PaperSell(acct, symbol, price, e.cfg.FeeRate, e.cfg.Slippage, reason, now)
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("symbol", symbol).
		Str("side", trade.Side).
		Float64("price", trade.Price).
		Float64("pnl", deref(trade.Pnl)).
		Str("reason", reason).
		Msg("Paper exit filled")
	return trade, nil
}

func (e *PaperExecutor) ClosePartial(acct *account.Account, symbol string, ratio, price float64, reason string, now time.Time) (*account.Trade, error) {
	trade, err := account.PaperClosePartial(acct, symbol, ratio, price, e.cfg.FeeRate, e.cfg.Slippage, reason, now)
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("symbol", symbol).
		Float64("ratio", ratio).
		Float64("price", trade.Price).
		Float64("pnl", deref(trade.Pnl)).
		Msg("Paper partial exit filled")
	return trade, nil
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
