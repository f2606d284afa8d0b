// Package config loads the layered YAML configuration: a strategy file with
// a global base plus named profiles, and a scenarios file. Settings resolve
// with precedence scenario override > strategy profile > global base.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModeNotifyOnly = "notify_only"
	ModePaper      = "paper"
	ModeAuto       = "auto"
)

// Exchange market kinds.
const (
	MarketSpot    = "spot"
	MarketFutures = "futures"
	MarketMargin  = "margin"
)

type MAConfig struct {
	Short int `yaml:"short"`
	Long  int `yaml:"long"`
}

type RSIConfig struct {
	Period         int     `yaml:"period"`
	Oversold       float64 `yaml:"oversold"`
	Overbought     float64 `yaml:"overbought"`
	OverboughtExit float64 `yaml:"overbought_exit"`
}

type MACDConfig struct {
	Enabled bool `yaml:"enabled"`
	Fast    int  `yaml:"fast"`
	Slow    int  `yaml:"slow"`
	Signal  int  `yaml:"signal"`
}

type VolumeConfig struct {
	SurgeRatio float64 `yaml:"surge_ratio"`
	LowRatio   float64 `yaml:"low_ratio"`
}

// IndicatorConfig holds the indicator parameters shared by the signal rules.
type IndicatorConfig struct {
	MA     MAConfig     `yaml:"ma"`
	RSI    RSIConfig    `yaml:"rsi"`
	MACD   MACDConfig   `yaml:"macd"`
	Volume VolumeConfig `yaml:"volume"`
}

// SignalsConfig lists the rule IDs that must all hold for each signal kind.
type SignalsConfig struct {
	Buy   []string `yaml:"buy"`
	Sell  []string `yaml:"sell"`
	Short []string `yaml:"short"`
	Cover []string `yaml:"cover"`
}

type TrailingStopConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ActivationPercent float64 `yaml:"activation_percent"`
	CallbackPercent   float64 `yaml:"callback_percent"`
}

type StageConfig struct {
	AtPercent  float64 `yaml:"at_percent"`
	CloseRatio float64 `yaml:"close_ratio"`
}

type AtrPositionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	RiskPerTradePercent float64 `yaml:"risk_per_trade_percent"`
	AtrMultiplier       float64 `yaml:"atr_multiplier"`
	MaxPositionRatio    float64 `yaml:"max_position_ratio"`
}

type CorrelationFilterConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	Lookback  int     `yaml:"lookback"`
}

// RegimeOverrideConfig adjusts risk parameters for one detected market
// regime. Zero fields inherit the base risk block.
type RegimeOverrideConfig struct {
	StopLossPercent   float64            `yaml:"stop_loss_percent"`
	TakeProfitPercent float64            `yaml:"take_profit_percent"`
	MinimalROI        map[string]float64 `yaml:"minimal_roi"`
	PositionRatioMult float64            `yaml:"position_ratio_mult"`
}

type RiskConfig struct {
	StopLossPercent       float64            `yaml:"stop_loss_percent"`
	TakeProfitPercent     float64            `yaml:"take_profit_percent"`
	TrailingStop          TrailingStopConfig `yaml:"trailing_stop"`
	PositionRatio         float64            `yaml:"position_ratio"`
	MaxPositions          int                `yaml:"max_positions"`
	MaxPositionPerSymbol  int                `yaml:"max_position_per_symbol"`
	MaxTotalLossPercent   float64            `yaml:"max_total_loss_percent"`
	DailyLossLimitPercent float64            `yaml:"daily_loss_limit_percent"`
	BreakEvenProfit       float64            `yaml:"break_even_profit"`
	BreakEvenStop         float64            `yaml:"break_even_stop"`
	// MinimalROI maps hold duration in minutes (YAML keys) to the profit
	// ratio at which the position exits.
	MinimalROI        map[string]float64      `yaml:"minimal_roi"`
	TimeStopHours     float64                 `yaml:"time_stop_hours"`
	TakeProfitStages  []StageConfig           `yaml:"take_profit_stages"`
	AtrPosition       AtrPositionConfig       `yaml:"atr_position"`
	CorrelationFilter CorrelationFilterConfig `yaml:"correlation_filter"`
	MinRiskReward     float64                 `yaml:"min_risk_reward"`

	// RegimeOverrides keys are regime names (trending_bull, trending_bear,
	// ranging_tight, breakout, contraction).
	RegimeOverrides map[string]RegimeOverrideConfig `yaml:"regime_overrides"`

	PositionSizing  string  `yaml:"position_sizing"` // "" or "kelly"
	KellyMinRatio   float64 `yaml:"kelly_min_ratio"`
	KellyMaxRatio   float64 `yaml:"kelly_max_ratio"`
	KellyMinSamples int     `yaml:"kelly_min_samples"`
}

type ExecutionConfig struct {
	OrderType           string  `yaml:"order_type"` // "market" or "limit"
	MinOrderUsdt        float64 `yaml:"min_order_usdt"`
	OrderTimeoutSeconds int     `yaml:"order_timeout_seconds"`
	MaxEntrySlippage    float64 `yaml:"max_entry_slippage"`
	UseExchangeStopLoss bool    `yaml:"use_exchange_stop_loss"`
}

type NotifyConfig struct {
	OnSignal           bool `yaml:"on_signal"`
	OnTradeOpen        bool `yaml:"on_trade_open"`
	OnTradeClose       bool `yaml:"on_trade_close"`
	OnError            bool `yaml:"on_error"`
	MinIntervalMinutes int  `yaml:"min_interval_minutes"`
}

// Strategy is one settings layer: the global base or a named profile.
type Strategy struct {
	Symbols        []string        `yaml:"symbols"`
	Timeframe      string          `yaml:"timeframe"`
	TrendTimeframe string          `yaml:"trend_timeframe"`
	Strategy       IndicatorConfig `yaml:"strategy"`
	Signals        SignalsConfig   `yaml:"signals"`
	Risk           RiskConfig      `yaml:"risk"`
	Execution      ExecutionConfig `yaml:"execution"`
	Notify         NotifyConfig    `yaml:"notify"`
	Mode           string          `yaml:"mode"`
	AllowShort     bool            `yaml:"allow_short"`
}

// StrategyFile is the on-disk shape of the strategy configuration.
type StrategyFile struct {
	Global   Strategy            `yaml:"global"`
	Profiles map[string]Strategy `yaml:"profiles"`
}

type ExchangeConfig struct {
	Market          string `yaml:"market"` // spot, futures, margin
	Testnet         bool   `yaml:"testnet"`
	CredentialsPath string `yaml:"credentials_path"`
}

// Credentials are loaded from the file referenced by credentials_path so API
// keys never live in the main configuration.
type Credentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Scenario is one independent trading unit with its own account and exchange
// session.
type Scenario struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Enabled         bool           `yaml:"enabled"`
	StrategyID      string         `yaml:"strategy_id"`
	InitialUsdt     float64        `yaml:"initial_usdt"`
	FeeRate         float64        `yaml:"fee_rate"`
	SlippagePercent float64        `yaml:"slippage_percent"`
	Exchange        ExchangeConfig `yaml:"exchange"`
	Symbols         []string       `yaml:"symbols"` // overrides the strategy symbols when set
	Risk            *RiskConfig    `yaml:"risk"`    // overrides the strategy risk block when set
	Mode            string         `yaml:"mode"`    // overrides the strategy mode when set
}

type ScenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

type NotificationConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Output      string `yaml:"output"`
	JSONFormat  bool   `yaml:"json_format"`
	IncludeFile bool   `yaml:"include_file"`
}

// CvdConfig enables the aggTrade websocket stream feeding the CVD rules.
type CvdConfig struct {
	Enabled       bool     `yaml:"enabled"`
	WsURL         string   `yaml:"ws_url"`
	Symbols       []string `yaml:"symbols"` // empty = union of scenario symbols
	WindowMinutes int      `yaml:"window_minutes"`
}

// Config is the fully loaded runtime configuration.
type Config struct {
	DataDir         string             `yaml:"data_dir"`
	TickSeconds     int                `yaml:"tick_seconds"`
	TickBatchSize   int                `yaml:"tick_batch_size"`
	WatchdogMinutes int                `yaml:"watchdog_minutes"`
	AutoSync        bool               `yaml:"auto_sync"`
	// AlertCooldownMinutes rate-limits repeated operational alerts per
	// (type, scope) pair.
	AlertCooldownMinutes int                `yaml:"alert_cooldown_minutes"`
	Logging              LoggingConfig      `yaml:"logging"`
	Notification         NotificationConfig `yaml:"notification"`
	Cvd                  CvdConfig          `yaml:"cvd"`

	Strategies StrategyFile `yaml:"-"`
	Scenarios  []Scenario   `yaml:"-"`
}

// Load reads the runtime file plus the strategy and scenario files it sits
// next to, applies defaults, and validates. Any error here is fatal: the
// process must exit before the first tick rather than run half-configured.
func Load(runtimePath, strategyPath, scenarioPath string) (*Config, error) {
	cfg := &Config{}
	if err := readYAML(runtimePath, cfg); err != nil {
		return nil, fmt.Errorf("runtime config: %w", err)
	}
	if err := readYAML(strategyPath, &cfg.Strategies); err != nil {
		return nil, fmt.Errorf("strategy config: %w", err)
	}
	var sf ScenarioFile
	if err := readYAML(scenarioPath, &sf); err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}
	cfg.Scenarios = sf.Scenarios

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// LoadCredentials reads the API key pair referenced by an exchange block.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials
	if err := readYAML(path, &creds); err != nil {
		return nil, err
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("credentials file %s is missing api_key or api_secret", path)
	}
	return &creds, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.TickSeconds <= 0 {
		c.TickSeconds = 60
	}
	if c.TickBatchSize <= 0 {
		c.TickBatchSize = 3
	}
	if c.WatchdogMinutes <= 0 {
		c.WatchdogMinutes = 5
	}
	if c.AlertCooldownMinutes <= 0 {
		c.AlertCooldownMinutes = 30
	}
	if c.Cvd.Enabled && c.Cvd.WindowMinutes <= 0 {
		c.Cvd.WindowMinutes = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// TickInterval returns the scheduler period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// WatchdogMaxAge returns how stale a heartbeat may get before the watchdog
// alerts.
func (c *Config) WatchdogMaxAge() time.Duration {
	return time.Duration(c.WatchdogMinutes) * time.Minute
}

// AlertCooldown returns the operational alert rate-limit window.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownMinutes) * time.Minute
}

// Resolve builds the effective strategy for one scenario by layering the
// profile over the global base and the scenario overrides over both.
func (c *Config) Resolve(sc *Scenario) (*Strategy, error) {
	eff := c.Strategies.Global

	if sc.StrategyID != "" {
		profile, ok := c.Strategies.Profiles[sc.StrategyID]
		if !ok {
			return nil, fmt.Errorf("scenario %s references unknown strategy profile %q", sc.ID, sc.StrategyID)
		}
		mergeStrategy(&eff, &profile)
	}

	if len(sc.Symbols) > 0 {
		eff.Symbols = sc.Symbols
	}
	if sc.Risk != nil {
		mergeRisk(&eff.Risk, sc.Risk)
	}
	if sc.Mode != "" {
		eff.Mode = sc.Mode
	}
	if eff.Mode == "" {
		eff.Mode = ModePaper
	}
	return &eff, nil
}

// mergeStrategy overlays the set fields of a profile onto the base. Zero
// values mean "inherit" except inside sub-blocks that are replaced whole
// when the profile declares them.
func mergeStrategy(base, over *Strategy) {
	if len(over.Symbols) > 0 {
		base.Symbols = over.Symbols
	}
	if over.Timeframe != "" {
		base.Timeframe = over.Timeframe
	}
	if over.TrendTimeframe != "" {
		base.TrendTimeframe = over.TrendTimeframe
	}
	if over.Strategy != (IndicatorConfig{}) {
		base.Strategy = over.Strategy
	}
	if len(over.Signals.Buy) > 0 || len(over.Signals.Sell) > 0 ||
		len(over.Signals.Short) > 0 || len(over.Signals.Cover) > 0 {
		base.Signals = over.Signals
	}
	mergeRisk(&base.Risk, &over.Risk)
	if over.Execution.OrderType != "" {
		base.Execution.OrderType = over.Execution.OrderType
	}
	if over.Execution.MinOrderUsdt > 0 {
		base.Execution.MinOrderUsdt = over.Execution.MinOrderUsdt
	}
	if over.Execution.OrderTimeoutSeconds > 0 {
		base.Execution.OrderTimeoutSeconds = over.Execution.OrderTimeoutSeconds
	}
	if over.Execution.MaxEntrySlippage > 0 {
		base.Execution.MaxEntrySlippage = over.Execution.MaxEntrySlippage
	}
	if over.Execution.UseExchangeStopLoss {
		base.Execution.UseExchangeStopLoss = true
	}
	if over.Notify != (NotifyConfig{}) {
		base.Notify = over.Notify
	}
	if over.Mode != "" {
		base.Mode = over.Mode
	}
	if over.AllowShort {
		base.AllowShort = true
	}
}

// mergeRisk overlays the non-zero fields of an override onto the base risk
// block. Zero means "inherit the lower layer".
func mergeRisk(base, over *RiskConfig) {
	if over.StopLossPercent > 0 {
		base.StopLossPercent = over.StopLossPercent
	}
	if over.TakeProfitPercent > 0 {
		base.TakeProfitPercent = over.TakeProfitPercent
	}
	if over.TrailingStop.Enabled {
		base.TrailingStop = over.TrailingStop
	}
	if over.PositionRatio > 0 {
		base.PositionRatio = over.PositionRatio
	}
	if over.MaxPositions > 0 {
		base.MaxPositions = over.MaxPositions
	}
	if over.MaxPositionPerSymbol > 0 {
		base.MaxPositionPerSymbol = over.MaxPositionPerSymbol
	}
	if over.MaxTotalLossPercent > 0 {
		base.MaxTotalLossPercent = over.MaxTotalLossPercent
	}
	if over.DailyLossLimitPercent > 0 {
		base.DailyLossLimitPercent = over.DailyLossLimitPercent
	}
	if over.BreakEvenProfit > 0 {
		base.BreakEvenProfit = over.BreakEvenProfit
	}
	if over.BreakEvenStop != 0 {
		base.BreakEvenStop = over.BreakEvenStop
	}
	if len(over.MinimalROI) > 0 {
		base.MinimalROI = over.MinimalROI
	}
	if over.TimeStopHours > 0 {
		base.TimeStopHours = over.TimeStopHours
	}
	if len(over.TakeProfitStages) > 0 {
		base.TakeProfitStages = over.TakeProfitStages
	}
	if over.AtrPosition.Enabled {
		base.AtrPosition = over.AtrPosition
	}
	if over.CorrelationFilter.Enabled {
		base.CorrelationFilter = over.CorrelationFilter
	}
	if over.MinRiskReward > 0 {
		base.MinRiskReward = over.MinRiskReward
	}
	if len(over.RegimeOverrides) > 0 {
		base.RegimeOverrides = over.RegimeOverrides
	}
	if over.PositionSizing != "" {
		base.PositionSizing = over.PositionSizing
	}
	if over.KellyMinRatio > 0 {
		base.KellyMinRatio = over.KellyMinRatio
	}
	if over.KellyMaxRatio > 0 {
		base.KellyMaxRatio = over.KellyMaxRatio
	}
	if over.KellyMinSamples > 0 {
		base.KellyMinSamples = over.KellyMinSamples
	}
}

// Validate rejects configurations the runtime cannot safely start with.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	enabled := 0

	for i := range c.Scenarios {
		sc := &c.Scenarios[i]
		if sc.ID == "" {
			return fmt.Errorf("scenario #%d has no id", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate scenario id %q", sc.ID)
		}
		seen[sc.ID] = true

		if !sc.Enabled {
			continue
		}
		enabled++

		if sc.InitialUsdt <= 0 {
			return fmt.Errorf("scenario %s: initial_usdt must be positive", sc.ID)
		}
		switch sc.Exchange.Market {
		case MarketSpot, MarketFutures, MarketMargin:
		default:
			return fmt.Errorf("scenario %s: unknown market %q", sc.ID, sc.Exchange.Market)
		}

		eff, err := c.Resolve(sc)
		if err != nil {
			return err
		}
		if err := eff.validate(sc.ID); err != nil {
			return err
		}
		if eff.Mode == ModeAuto && sc.Exchange.CredentialsPath == "" {
			return fmt.Errorf("scenario %s: auto mode requires exchange.credentials_path", sc.ID)
		}
	}

	if enabled == 0 {
		return fmt.Errorf("no enabled scenarios")
	}
	return nil
}

func (s *Strategy) validate(scenarioID string) error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("scenario %s: no symbols configured", scenarioID)
	}
	if s.Timeframe == "" {
		return fmt.Errorf("scenario %s: timeframe is required", scenarioID)
	}
	switch s.Mode {
	case ModeNotifyOnly, ModePaper, ModeAuto:
	default:
		return fmt.Errorf("scenario %s: unknown mode %q", scenarioID, s.Mode)
	}
	if len(s.Signals.Buy) == 0 && len(s.Signals.Short) == 0 {
		return fmt.Errorf("scenario %s: at least one buy or short rule is required", scenarioID)
	}
	if s.Risk.StopLossPercent <= 0 {
		return fmt.Errorf("scenario %s: risk.stop_loss_percent must be positive", scenarioID)
	}
	if s.Risk.PositionRatio <= 0 || s.Risk.PositionRatio > 1 {
		return fmt.Errorf("scenario %s: risk.position_ratio must be in (0, 1]", scenarioID)
	}
	if s.Risk.MaxPositions <= 0 {
		return fmt.Errorf("scenario %s: risk.max_positions must be positive", scenarioID)
	}
	for _, st := range s.Risk.TakeProfitStages {
		if st.AtPercent <= 0 || st.CloseRatio <= 0 || st.CloseRatio > 1 {
			return fmt.Errorf("scenario %s: invalid take_profit_stage (at=%.2f ratio=%.2f)", scenarioID, st.AtPercent, st.CloseRatio)
		}
	}
	return nil
}
