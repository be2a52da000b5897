package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jidegrand/travelcart/internal/alerting"
	"github.com/jidegrand/travelcart/internal/cache"
	"github.com/jidegrand/travelcart/internal/config"
	"github.com/jidegrand/travelcart/internal/fare"
	"github.com/jidegrand/travelcart/internal/scheduler"
	"github.com/jidegrand/travelcart/internal/service"
	"github.com/jidegrand/travelcart/internal/storage"
	"github.com/jidegrand/travelcart/internal/version"
)

// errNoDatabase is returned by commands that cannot work without postgres.
var errNoDatabase = errors.New("database.dsn not configured")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newProvider() fare.Provider {
	cfg := a.Config.Provider
	if cfg.Kind == "static" {
		a.Logger.Warn().Msg("static fare provider selected; only scripted routes will quote")
		return fare.NewStatic(cfg.Currency)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return fare.NewAmadeus(fare.AmadeusOptions{
		BaseURL:       cfg.BaseURL,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		Timeout:       cfg.RequestTimeout,
		RatePerSecond: cfg.RatePerSecond,
		Currency:      cfg.Currency,
		UserAgent:     userAgent,
	}, a.Logger)
}

// newNotifier fans out to every configured channel. The returned closer
// flushes the kafka writer when one was opened.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.Nop{}, func() {}
	}

	multi := alerting.Multi{}
	closer := func() {}
	for _, ch := range cfg.Channels {
		switch ch {
		case "telegram":
			if !cfg.Telegram.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			multi[ch] = alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger)
		case "kafka":
			if !cfg.Kafka.Enabled {
				a.Logger.Warn().Msg("kafka channel listed but alerting.kafka.enabled is false")
				continue
			}
			kn := alerting.NewKafkaNotifier(alerting.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.WriteTimeout, a.Logger)
			multi[ch] = kn
			closer = func() {
				if err := kn.Close(); err != nil {
					a.Logger.Warn().Err(err).Msg("close kafka writer")
				}
			}
		}
	}
	if len(multi) == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channel is active; notifications are only recorded")
		return alerting.Nop{}, closer
	}
	return multi, closer
}

func (a *App) newCache(ctx context.Context) (cache.WatchCache, func()) {
	if !a.Config.Cache.Enabled {
		return nil, func() {}
	}
	rc := cache.NewRedisCache(a.Config.Cache)
	if err := rc.Ping(ctx); err != nil {
		a.Logger.Warn().Err(err).Str("addr", a.Config.Cache.Addr).Msg("redis unreachable; reads fall back to the store")
	}
	return rc, func() {
		if err := rc.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openRepository prefers postgres and falls back to an in-process store.
func (a *App) openRepository(ctx context.Context) (storage.Repository, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, state is lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}
	return store, closeStore, nil
}

// wiring is the fully wired service with everything it needs to release.
type wiring struct {
	svc     *service.Service
	repo    storage.Repository
	closers []func()
}

func (r *wiring) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newWiring(ctx context.Context, repo storage.Repository, sched *scheduler.Scheduler) *wiring {
	rt := &wiring{repo: repo}
	notifier, closeNotifier := a.newNotifier()
	rt.closers = append(rt.closers, closeNotifier)
	wc, closeCache := a.newCache(ctx)
	rt.closers = append(rt.closers, closeCache)

	rt.svc = service.New(service.Deps{
		Scheduler: sched,
		Provider:  a.newProvider(),
		Store:     repo,
		Notifier:  notifier,
		Cache:     wc,
	}, service.OptionsFromConfig(a.Config), a.Logger)
	return rt
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		Offset:         a.Config.Scheduler.Offset,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunOnStart,
	}, a.Logger)
}

// Run executes the long-running scheduled checker.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	rt := a.newWiring(ctx, repo, a.newScheduler())
	defer rt.Close()

	a.Logger.Info().Str("version", version.String()).Msg("starting fare watch scheduler")
	err = rt.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
		return err
	}

	a.Logger.Info().Msg("fare watch scheduler stopped")
	return nil
}

// ExportOptions hold parameters for exporting a watch's price history.
type ExportOptions struct {
	WatchID   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	WatchID string
	Limit   int
}

// ServeOptions configure the HTTP server.
type ServeOptions struct {
	WithScheduler bool
}
