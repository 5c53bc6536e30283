package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kis-autosell/internal/broker"
	"kis-autosell/internal/budget"
	"kis-autosell/internal/config"
	"kis-autosell/internal/emergency"
	"kis-autosell/internal/metrics"
	"kis-autosell/internal/notify"
	"kis-autosell/internal/orchestrator"
	"kis-autosell/internal/poller"
	"kis-autosell/internal/session"
	"kis-autosell/internal/store"
	"kis-autosell/internal/stream"
	"kis-autosell/internal/watcher"
	"kis-autosell/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the auto-sell loop",
		Long: `Run the trading loop: stream execution notices during the regular
session, poll in pre-market, sell every detected buy fill at the profit
target. SIGUSR1 clears a tripped emergency stop; SIGINT/SIGTERM shut down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrader(app)
		},
	}
}

// runTrader wires the components together and blocks until shutdown.
func runTrader(app *App) error {
	cfg := app.Config
	log := app.Logger

	clock, err := session.NewClock(cfg.Session.Timezone,
		cfg.Session.PreMarketStart, cfg.Session.RegularStart, cfg.Session.RegularEnd)
	if err != nil {
		return fmt.Errorf("building session clock: %w", err)
	}

	db, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	notifier := buildNotifier(cfg, app)

	stop := emergency.New(emergency.Config{
		MaxConsecutiveErrors: cfg.Emergency.MaxConsecutiveErrors,
		StreamFailedTrips:    cfg.Emergency.StreamFailedTrips,
		APISilenceTimeout:    cfg.Emergency.APISilenceTimeout,
	}, emergency.WithTripHandler(func(cond emergency.Condition) {
		metrics.IncEmergencyTrip(string(cond.Kind))
		notifier.Notify(notify.KindEmergency, "EMERGENCY STOP",
			fmt.Sprintf("condition=%s %s", cond.Kind, cond.Reason))
	}))

	bud := budget.New(budget.Ceilings{
		PerSecond:    cfg.RateLimit.PerSecond,
		PerHour:      cfg.RateLimit.PerHour,
		PerDay:       cfg.RateLimit.PerDay,
		WarnFraction: cfg.RateLimit.WarnFraction,
	}, clock.Location(),
		budget.WithVeto(stop.Tripped),
		budget.WithDailyWarn(func(used, ceiling int) {
			notifier.Notify(notify.KindBudgetWarning, "Daily budget warning",
				fmt.Sprintf("%d/%d calls used", used, ceiling))
			stop.ReportBudgetThreshold(used, ceiling)
		}))

	// Restore persisted counters so a restart cannot double the daily budget.
	if asOf, hour, day, ok, err := db.LoadBudget(); err != nil {
		log.Warn().Err(err).Msg("budget restore failed, starting fresh")
	} else if ok {
		bud.Seed(asOf, hour, day)
	}

	gateway := broker.NewMetered(buildGateway(cfg, clock, app), bud, stop)

	w := watcher.New(watcher.Config{
		TargetProfitRate: cfg.Trading.TargetProfitRate,
		Retry: utils.RetryConfig{
			MaxAttempts:   cfg.Trading.OrderRetryAttempts,
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		},
	}, gateway, db, watcherEvents(notifier), log)
	if err := w.Restore(time.Now().In(clock.Location())); err != nil {
		log.Warn().Err(err).Msg("position restore failed, starting fresh")
	}

	source := buildStreamSource(cfg, app)
	sup := stream.NewSupervisor(stream.Config{
		MaxFailures:    cfg.Stream.MaxFailures,
		SilenceTimeout: cfg.Stream.SilenceTimeout,
		BackoffBase:    2 * time.Second,
		BackoffMax:     30 * time.Second,
	}, source, bud, stream.Hooks{
		OnFill: func(fill broker.FillEvent) {
			w.HandleFill(context.Background(), fill, "stream")
		},
		OnActivity: stop.MarkAlive,
		OnExhausted: func() {
			stop.ReportStreamExhausted()
			notifier.Notify(notify.KindStreamFailed, "Stream failed",
				"reconnect budget spent, polling for the rest of the session")
		},
	}, log)

	poll := poller.New(poller.Config{
		MinInterval: cfg.Polling.MinInterval,
		MaxInterval: cfg.Polling.MaxInterval,
	}, gateway, bud, func(fill broker.FillEvent) {
		w.HandleFill(context.Background(), fill, "poll")
	}, log)

	orch := orchestrator.New(orchestrator.Deps{
		Clock:    clock,
		Budget:   bud,
		Stop:     stop,
		Streamer: sup,
		Poller:   poll,
		Gateway:  gateway,
		Store:    db,
		Logger:   log,
	})

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// SIGUSR1 is the manual reset for a tripped emergency stop.
	clearCh := make(chan os.Signal, 1)
	signal.Notify(clearCh, syscall.SIGUSR1)
	go func() {
		for range clearCh {
			orch.Clear()
			notifier.Notify(notify.KindLifecycle, "Emergency stop cleared", "operator reset via SIGUSR1")
		}
	}()

	notifier.Notify(notify.KindLifecycle, "autosell started",
		fmt.Sprintf("mode=%s symbol=%s target=+%.1f%%",
			cfg.Mode, cfg.Trading.Symbol, cfg.Trading.TargetProfitRate*100))

	err = orch.Run(ctx)

	notifier.Notify(notify.KindLifecycle, "autosell stopped", "shutdown complete")
	notifier.Flush()
	return err
}

// buildGateway returns the paper gateway in development mode and the KIS
// gateway in production.
func buildGateway(cfg *config.Config, clock *session.Clock, app *App) broker.OrderGateway {
	if cfg.IsDevelopment() {
		app.Logger.Info().Msg("development mode: paper gateway active")
		return broker.NewPaperGateway(5 * time.Second)
	}
	return broker.NewKISGateway(broker.KISConfig{
		BaseURL:            cfg.API.BaseURL,
		AppKey:             cfg.Credentials.AppKey,
		AppSecret:          cfg.Credentials.AppSecret,
		CANO:               cfg.Credentials.CANO,
		AcntPrdtCd:         cfg.Credentials.AcntPrdtCd,
		ExchangeCode:       cfg.Trading.ExchangeCode,
		RequestTimeout:     cfg.API.RequestTimeout,
		MinRequestInterval: cfg.RateLimit.MinRequestInterval,
	}, broker.NewEnvTokenProvider(time.Minute), func() bool {
		return clock.ExtendedHours(time.Now())
	}, app.Logger)
}

func buildStreamSource(cfg *config.Config, app *App) stream.Source {
	var tokens broker.TokenProvider
	if cfg.IsDevelopment() {
		tokens = &broker.StaticTokenProvider{Token: "dev", Key: "dev"}
	} else {
		tokens = broker.NewEnvTokenProvider(time.Minute)
	}
	return stream.NewKISSource(stream.KISSourceConfig{
		URL:            cfg.API.WebsocketURL,
		ConnectTimeout: cfg.Stream.ConnectTimeout,
	}, tokens, app.Logger)
}

func buildNotifier(cfg *config.Config, app *App) *notify.Notifier {
	var channels []notify.Channel
	if cfg.Notifications.Enabled {
		if cfg.Notifications.Telegram.Enabled {
			channels = append(channels,
				notify.NewTelegram(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID))
		}
		if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
			channels = append(channels, notify.NewWebhook(cfg.Notifications.Webhook.URL))
		}
	}
	return notify.New(notify.Level(cfg.Notifications.Level), channels, app.Logger)
}

func watcherEvents(notifier *notify.Notifier) watcher.Events {
	return watcher.Events{
		OnBuyDetected: func(p watcher.Position) {
			notifier.Notify(notify.KindBuyDetected, "Buy fill detected",
				fmt.Sprintf("%s x%d @ %.2f", p.Symbol, p.Quantity, p.FillPrice))
		},
		OnSellSubmitted: func(p watcher.Position) {
			notifier.Notify(notify.KindSellSubmitted, "Limit sell submitted",
				fmt.Sprintf("%s x%d @ %.2f (order %s)", p.Symbol, p.Quantity, p.TargetPrice, p.SellOrderID))
		},
		OnSellConfirmed: func(p watcher.Position) {
			notifier.Notify(notify.KindSellConfirmed, "Sell confirmed",
				fmt.Sprintf("%s x%d @ %.2f", p.Symbol, p.Quantity, p.TargetPrice))
		},
		OnSellFailed: func(p watcher.Position, err error) {
			notifier.Notify(notify.KindSellFailed, "SELL FAILED - manual action required",
				fmt.Sprintf("%s x%d: %v", p.Symbol, p.Quantity, err))
		},
	}
}
