package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"card-deal-alerts/internal/alerting"
	"card-deal-alerts/internal/config"
	"card-deal-alerts/internal/notify"
	"card-deal-alerts/internal/pricing"
	"card-deal-alerts/internal/scheduler"
	"card-deal-alerts/internal/server"
	"card-deal-alerts/internal/service"
	"card-deal-alerts/internal/storage"
	"card-deal-alerts/internal/upstream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newUpstream() *upstream.Client {
	return upstream.NewClient(upstream.Options{
		BaseURL:   a.Config.Upstream.BaseURL,
		APIKey:    a.Config.Upstream.APIKey,
		Timeout:   a.Config.Upstream.RequestTimeout,
		UserAgent: a.Config.Upstream.UserAgent,
	}, a.Logger)
}

func (a *App) newPricer() *pricing.Cache {
	source := pricing.NewCoinGecko(pricing.CoinGeckoOptions{
		QuoteURL: a.Config.Pricing.QuoteURL,
		AssetID:  a.Config.Pricing.AssetID,
		Timeout:  a.Config.Pricing.RequestTimeout,
	}, a.Logger)
	return pricing.NewCache(source, a.Config.Pricing.CacheTTL, a.Logger)
}

func (a *App) newNotifiers() []alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var notifiers []alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if err := storage.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(store *storage.Store, pricer *pricing.Cache, hub *server.Hub) *service.Service {
	var recorder service.Recorder
	if store != nil {
		recorder = store
	}

	return service.New(service.Options{
		AlertCategories: a.Config.AlertCategories(),
		Cooldown:        a.Config.Alerting.Cooldown,
		Channels:        a.Config.Alerting.Channels,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.newUpstream(), pricer, recorder, a.newNotifiers(), hub, a.Logger)
}

// Run executes the long-running monitoring service: the listing poller, the
// upstream push listener, and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	pricer := a.newPricer()
	hub := server.NewHub(a.Logger)
	svc := a.newService(store, pricer, hub)

	listener := notify.NewListener(notify.Options{
		EventsURL: a.Config.Upstream.EventsURL,
		APIKey:    a.Config.Upstream.APIKey,
		UserAgent: a.Config.Upstream.UserAgent,
	}, svc.HandlePushBatch, a.Logger)

	sessions := server.NewSessionStore(a.Config.Auth, a.Logger)
	router := server.NewRouter(server.Options{
		Source:       svc,
		Market:       a.newUpstream(),
		Hub:          hub,
		Sessions:     sessions,
		ProxyTarget:  a.Config.Upstream.BaseURL,
		ProxyTimeout: a.Config.Upstream.RequestTimeout,
		PushState:    func() string { return string(listener.State()) },
	}, a.Logger)
	httpServer := server.NewServer(a.Config.Server, router, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting monitoring service")

	errCh := make(chan error, 3)
	go func() { errCh <- sched.Run(ctx, svc.Poll) }()
	go func() { errCh <- httpServer.Run(ctx) }()
	if a.Config.Upstream.EventsURL != "" {
		go func() { errCh <- listener.Run(ctx) }()
	} else {
		a.Logger.Warn().Msg("upstream.events_url not configured; push alerts disabled")
	}

	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical price samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SyncOptions configure the sync command.
type SyncOptions struct {
	Trigger bool
}
