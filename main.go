package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"scenario-trading-bot/config"
	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/cache"
	"scenario-trading-bot/internal/events"
	"scenario-trading-bot/internal/execution"
	"scenario-trading-bot/internal/health"
	"scenario-trading-bot/internal/history"
	"scenario-trading-bot/internal/logging"
	"scenario-trading-bot/internal/market"
	"scenario-trading-bot/internal/notification"
	"scenario-trading-bot/internal/order"
	"scenario-trading-bot/internal/reconcile"
	"scenario-trading-bot/internal/scenario"
	strat "scenario-trading-bot/internal/signal"
)

// Exchange REST endpoints per market kind.
const (
	spotBaseURL           = "https://api.binance.com"
	spotTestnetBaseURL    = "https://testnet.binance.vision"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"
	defaultCvdWsURL       = "wss://stream.binance.com:9443/ws"
)

func main() {
	os.Exit(run())
}

// run returns 0 on clean shutdown and 1 on a fatal configuration or startup
// error. Fatal errors always surface before the first tick.
func run() int {
	var (
		runtimePath  = flag.String("config", "config/runtime.yaml", "runtime configuration file")
		strategyPath = flag.String("strategies", "config/strategies.yaml", "strategy configuration file")
		scenarioPath = flag.String("scenarios", "config/scenarios.yaml", "scenario configuration file")
	)
	flag.Parse()

	cfg, err := config.Load(*runtimePath, *strategyPath, *scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	appLog := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(appLog)

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if level, perr := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); perr == nil {
		logger = logger.Level(level)
	}

	store, err := account.NewStore(cfg.DataDir)
	if err != nil {
		appLog.Error("Data directory unavailable", "error", err)
		return 1
	}

	notifier := notification.NewManager(cfg.AlertCooldown())
	if cfg.Notification.Enabled {
		if cfg.Notification.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.Notification.Telegram.BotToken,
				ChatID:   cfg.Notification.Telegram.ChatID,
				Enabled:  true,
			}))
		}
		if cfg.Notification.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.Notification.Discord.WebhookURL,
				Enabled:    true,
			}))
		}
	}

	bus := events.NewEventBus()
	feeds := cache.NewFeeds(cfg.DataDir)
	heartbeat := health.NewHeartbeat(cfg.DataDir)
	hooks := strat.NewRegistry()

	var cvd *market.CvdStream
	if cfg.Cvd.Enabled {
		wsURL := cfg.Cvd.WsURL
		if wsURL == "" {
			wsURL = defaultCvdWsURL
		}
		symbols := cfg.Cvd.Symbols
		if len(symbols) == 0 {
			symbols = enabledSymbols(cfg)
		}
		cvd = market.NewCvdStream(wsURL, symbols, cfg.Cvd.WindowMinutes, cfg.DataDir)
	}

	var (
		runtimes []*scenario.Runtime
		tasks    []string
	)
	for i := range cfg.Scenarios {
		sc := &cfg.Scenarios[i]
		if !sc.Enabled {
			continue
		}
		rt, err := buildScenario(cfg, sc, store, feeds, heartbeat, notifier, bus, hooks, cvd, logger)
		if err != nil {
			appLog.Error("Scenario setup failed", "scenario", sc.ID, "error", err)
			return 1
		}
		runtimes = append(runtimes, rt)
		tasks = append(tasks, "scenario-"+sc.ID)
		appLog.Info("Scenario ready", "scenario", sc.ID, "market", sc.Exchange.Market)
	}

	watchdog := health.NewWatchdog(heartbeat, tasks, cfg.WatchdogMaxAge(), time.Minute, func(alert health.StallAlert) {
		notifier.SendWatchdog(alert.Task, fmt.Sprintf(
			"%s has not completed a tick for %s (last run %s)",
			alert.Task, alert.StaleFor.Round(time.Second), alert.LastRun.Format(time.RFC3339)))
	}, logger)

	if cvd != nil {
		cvd.Start()
	}
	watchdog.Start()

	scheduler := scenario.NewScheduler(runtimes, cfg.TickInterval(), logger)
	scheduler.Start()
	appLog.Info("Engine started", "scenarios", len(runtimes), "tick_seconds", cfg.TickSeconds)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	appLog.Info("Shutting down", "signal", sig.String())

	scheduler.Stop()
	watchdog.Stop()
	if cvd != nil {
		cvd.Stop()
	}
	appLog.Info("Shutdown complete")
	return 0
}

// buildScenario assembles one runtime: exchange session, executor, order
// tracker and the per-scenario stores.
func buildScenario(
	cfg *config.Config,
	sc *config.Scenario,
	store *account.Store,
	feeds *cache.Feeds,
	heartbeat *health.Heartbeat,
	notifier *notification.Manager,
	bus *events.EventBus,
	hooks *strat.Registry,
	cvd *market.CvdStream,
	logger zerolog.Logger,
) (*scenario.Runtime, error) {
	strategy, err := cfg.Resolve(sc)
	if err != nil {
		return nil, err
	}

	client, err := exchangeClient(sc)
	if err != nil {
		return nil, err
	}

	tracker := order.NewTracker(client, logger)
	execCfg := scenario.ExecutionConfig(strategy, sc)

	var executor execution.Executor
	if strategy.Mode == config.ModeAuto {
		executor = execution.NewLiveExecutor(execCfg, client, tracker, logger)
	} else {
		executor = execution.NewPaperExecutor(execCfg, logger)
	}

	var reconciler *reconcile.Reconciler
	if strategy.Mode == config.ModeAuto && sc.Exchange.Market == config.MarketFutures {
		reconciler = reconcile.New(client, cfg.AutoSync, logger)
	}

	hist, err := history.New(cfg.DataDir, sc.ID, logger)
	if err != nil {
		return nil, err
	}

	return scenario.New(scenario.Options{
		Scenario:   sc,
		Strategy:   strategy,
		Store:      store,
		Provider:   market.NewDataProvider(client, cfg.TickBatchSize, cfg.TickSeconds/2),
		Client:     client,
		Executor:   executor,
		Tracker:    tracker,
		History:    hist,
		Feeds:      feeds,
		Cvd:        cvd,
		Heartbeat:  heartbeat,
		Reconciler: reconciler,
		Notifier:   notifier,
		Bus:        bus,
		Hooks:      hooks.Get(sc.StrategyID),
		Logger:     logger,
	})
}

// exchangeClient opens the scenario's exchange session. Credentials are only
// needed for auto mode; paper and notify-only scenarios hit the public
// endpoints unauthenticated.
func exchangeClient(sc *config.Scenario) (market.ExchangeClient, error) {
	var apiKey, apiSecret string
	if sc.Exchange.CredentialsPath != "" {
		creds, err := config.LoadCredentials(sc.Exchange.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.ID, err)
		}
		apiKey, apiSecret = creds.APIKey, creds.APISecret
	}

	var baseURL string
	switch sc.Exchange.Market {
	case config.MarketFutures:
		baseURL = futuresBaseURL
		if sc.Exchange.Testnet {
			baseURL = futuresTestnetBaseURL
		}
	default:
		baseURL = spotBaseURL
		if sc.Exchange.Testnet {
			baseURL = spotTestnetBaseURL
		}
	}
	return market.NewClient(apiKey, apiSecret, baseURL), nil
}

// enabledSymbols is the default CVD subscription list: the union of every
// enabled scenario's symbols.
func enabledSymbols(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range cfg.Scenarios {
		sc := &cfg.Scenarios[i]
		if !sc.Enabled {
			continue
		}
		strategy, err := cfg.Resolve(sc)
		if err != nil {
			continue
		}
		for _, s := range strategy.Symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
