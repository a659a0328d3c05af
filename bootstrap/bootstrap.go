// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/velariq/tokengate/adapters/cache"
	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/adapters/email"
	apihttp "github.com/velariq/tokengate/adapters/http"
	"github.com/velariq/tokengate/adapters/idgen"
	"github.com/velariq/tokengate/adapters/memory"
	"github.com/velariq/tokengate/adapters/metrics"
	"github.com/velariq/tokengate/adapters/payment"
	"github.com/velariq/tokengate/adapters/postgres"
	"github.com/velariq/tokengate/adapters/redis"
	"github.com/velariq/tokengate/adapters/sqlite"
	"github.com/velariq/tokengate/app"
	"github.com/velariq/tokengate/config"
	"github.com/velariq/tokengate/domain/abuse"
	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/domain/quota"
	"github.com/velariq/tokengate/ports"
)

// Options tunes how the application is assembled.
type Options struct {
	// ConfigPath is the YAML file to load. When it does not exist the
	// configuration comes from TOKENGATE_* environment variables.
	ConfigPath string

	// Watch enables hot reload of ConfigPath on file change and SIGHUP.
	Watch bool

	// Registerer receives the Prometheus collectors (default: a fresh registry).
	Registerer prometheus.Registerer

	// Clock defaults to the wall clock.
	Clock ports.Clock

	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Store      ports.LedgerStore
	Cache      ports.AuthCache
	KillSwitch ports.KillSwitch
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	// Services
	Authorizer *app.Authorizer
	Meter      *app.Meter
	Sync       *app.SubscriptionSync
	Abuse      *app.AbuseGuard
	Reset      *app.UsageReset
	Dashboard  *app.Dashboard
	Data       *app.AccountData

	holder   *config.Holder
	redis    *goredis.Client
	gatherer prometheus.Gatherer
	cron     *cron.Cron
	clock    ports.Clock
	cancel   context.CancelFunc
	closers  []func() error
}

// New loads configuration and builds the application.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a, err := NewFromConfig(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	if opts.Watch && fileExists(opts.ConfigPath) {
		if err := a.watchConfig(opts.ConfigPath); err != nil {
			a.Logger.Warn().Err(err).Msg("config hot reload disabled")
		}
	}
	return a, nil
}

// NewFromConfig builds the application from an already validated config.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stdout
	}

	logger := NewLogger(cfg.Logging, opts.LogOutput)
	logger.Info().Str("database", cfg.Database.Driver).Str("cache", cfg.Cache.Driver).Msg("initializing tokengate")

	runCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		Logger: logger,
		Config: cfg,
		clock:  opts.Clock,
		cancel: cancel,
	}

	if err := a.init(ctx, runCtx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx, runCtx context.Context, opts Options) error {
	cfg := a.Config

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		if g, ok := reg.(prometheus.Gatherer); ok {
			a.gatherer = g
		}
		a.Metrics = metrics.NewWithRegistry(reg)
		a.Logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if err := a.initRedis(ctx); err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	if err := a.initCache(runCtx); err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	abuseStore := a.abuseStore()
	a.KillSwitch = a.killSwitch()

	billing, err := payment.NewProvider(payment.Config{
		Provider:      cfg.Billing.Provider,
		SecretKey:     cfg.Billing.StripeKey,
		WebhookSecret: cfg.Billing.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("init billing: %w", err)
	}

	notifier, err := email.NewNotifier(email.Config{
		Provider: cfg.Email.Provider,
		SMTP: email.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.From,
			FromName: cfg.Email.FromName,
			UseTLS:   cfg.Email.SMTPUseTLS,
		},
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("init email: %w", err)
	}

	policy, _ := quota.ParseFailurePolicy(cfg.Metering.FailurePolicy)

	a.Authorizer = app.NewAuthorizer(app.AuthorizerDeps{
		Store:  a.Store,
		Cache:  a.Cache,
		Clock:  a.clock,
		Logger: a.Logger.With().Str("component", "authorizer").Logger(),
	}, app.AuthorizerConfig{CacheTTL: cfg.Cache.TTL, StoreTimeout: cfg.Database.Timeout})

	a.Meter = app.NewMeter(app.MeterDeps{
		Store:  a.Store,
		Cache:  a.Cache,
		Clock:  a.clock,
		IDGen:  idgen.UUID{},
		Logger: a.Logger.With().Str("component", "meter").Logger(),
	}, app.MeterConfig{StoreTimeout: cfg.Database.Timeout, FailurePolicy: policy})

	a.Sync = app.NewSubscriptionSync(app.SubscriptionSyncDeps{
		Store:    a.Store,
		Cache:    a.Cache,
		Keys:     idgen.APIKeys{},
		Notifier: notifier,
		Clock:    a.clock,
		Logger:   a.Logger.With().Str("component", "subscription_sync").Logger(),
	}, cfg.Catalog(), cfg.Database.Timeout)

	a.Abuse = app.NewAbuseGuard(abuseStore, a.Logger.With().Str("component", "abuse").Logger(), abuse.Config{
		Threshold: cfg.Abuse.Threshold,
		Window:    cfg.Abuse.Window,
	})

	a.Reset = app.NewUsageReset(a.Store, a.Cache, a.clock, a.Logger.With().Str("component", "usage_reset").Logger())
	a.Dashboard = app.NewDashboard(a.Store, a.Sync.Plans, a.clock)
	a.Data = app.NewAccountData(app.AccountDataDeps{
		Store:   a.Store,
		Cache:   a.Cache,
		Billing: billing,
		Clock:   a.clock,
		Logger:  a.Logger.With().Str("component", "account_data").Logger(),
	}, cfg.Database.Timeout)

	if cfg.Reset.Enabled {
		if err := a.initCron(runCtx); err != nil {
			return fmt.Errorf("init reset schedule: %w", err)
		}
	}

	a.initHTTPServer(runCtx, billing)
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	store, err := OpenStore(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("ledger store ready")
	return nil
}

// OpenStore opens the configured ledger store and applies pending migrations.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (ports.LedgerStore, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewLedgerStore(idgen.UUID{}), nil

	case "postgres":
		db, err := postgres.Open(ctx, cfg.DSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.NewLedgerStore(db, idgen.UUID{}), nil

	case "sqlite", "":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return sqlite.NewLedgerStore(db, idgen.UUID{}), nil

	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

func (a *App) initRedis(ctx context.Context) error {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return nil
	}

	rdb, err := redis.Open(ctx, redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return err
	}
	a.redis = rdb
	a.closers = append(a.closers, rdb.Close)
	a.Logger.Info().Str("addr", cfg.Addr).Msg("redis connected")
	return nil
}

func (a *App) initCache(runCtx context.Context) error {
	cfg := a.Config.Cache

	var c ports.AuthCache
	switch cfg.Driver {
	case "memory", "":
		c = memory.NewAuthCache(a.clock)

	case "redis":
		if a.redis == nil {
			return errors.New("redis cache requires redis.addr")
		}
		c = redis.NewAuthCache(a.redis)

	case "tiered":
		if a.redis == nil {
			return errors.New("tiered cache requires redis.addr")
		}
		local, err := cache.NewLocal(cache.LocalConfig{MaxEntries: cfg.L1MaxEntries})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { local.Close(); return nil })

		invalidations := redis.NewInvalidations(a.redis, a.Logger)
		tiered := cache.NewTiered(local, redis.NewAuthCache(a.redis), cache.TieredConfig{
			L1TTL:       cfg.L1TTL,
			MaxAge:      cfg.TTL,
			Clock:       a.clock,
			Broadcaster: invalidations,
		})
		if err := invalidations.Subscribe(runCtx, tiered.InvalidateLocal); err != nil {
			return err
		}
		c = tiered

	default:
		return fmt.Errorf("unknown cache driver: %s", cfg.Driver)
	}

	a.Cache = metrics.InstrumentCache(c, a.Metrics)
	return nil
}

func (a *App) abuseStore() ports.AbuseStore {
	if a.Config.Abuse.Driver == "redis" && a.redis != nil {
		return redis.NewAbuseStore(a.redis, a.clock)
	}
	s := memory.NewAbuseStore(memory.AbuseStoreConfig{Clock: a.clock})
	a.closers = append(a.closers, s.Close)
	return s
}

func (a *App) killSwitch() ports.KillSwitch {
	if a.redis != nil {
		return redis.NewKillSwitch(a.redis)
	}
	return memory.NewKillSwitch()
}

func (a *App) initCron(runCtx context.Context) error {
	a.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := a.cron.AddFunc(a.Config.Reset.Schedule, func() {
		if _, err := a.RunUsageReset(runCtx); err != nil {
			a.Logger.Error().Err(err).Msg("scheduled usage reset failed")
		}
	})
	if err != nil {
		return err
	}
	a.Logger.Info().Str("schedule", a.Config.Reset.Schedule).Msg("usage reset scheduled")
	return nil
}

// RunUsageReset zeroes consumption for every active account now.
func (a *App) RunUsageReset(ctx context.Context) (int64, error) {
	n, err := a.Reset.Run(ctx)
	if err != nil {
		return 0, err
	}
	if a.Metrics != nil {
		a.Metrics.UsageResets.Inc()
		a.Metrics.AccountsReset.Add(float64(n))
	}
	return n, nil
}

func (a *App) initHTTPServer(runCtx context.Context, billing ports.BillingProvider) {
	cfg := a.Config

	handlers := apihttp.NewHandlers(apihttp.HandlerDeps{
		Meter:           a.Meter,
		Sync:            a.Sync,
		Dashboard:       a.Dashboard,
		Data:            a.Data,
		Billing:         billing,
		Metrics:         a.Metrics,
		Logger:          a.Logger,
		PortalReturnURL: cfg.Billing.PortalReturnURL,
	})

	checks := map[string]apihttp.HealthCheck{"database": a.Store.Ping}
	if a.redis != nil {
		rdb := a.redis
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	health := apihttp.NewHealthHandler(checks, a.Logger)

	routerCfg := apihttp.RouterConfig{
		Authorizer:     a.Authorizer,
		Abuse:          a.Abuse,
		KillSwitch:     a.KillSwitch,
		Metrics:        a.Metrics,
		MetricsPath:    cfg.Metrics.Path,
		EnableOpenAPI:  cfg.Server.EnableOpenAPI,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if a.gatherer != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})
	}
	if cfg.RateLimit.Enabled {
		routerCfg.APILimiter = apihttp.NewBurstLimiter(cfg.RateLimit.APIPerMinute)
		routerCfg.CheckoutLimiter = apihttp.NewBurstLimiter(cfg.RateLimit.CheckoutPerMinute)
		routerCfg.APILimiter.StartCleanup(runCtx, time.Minute)
		routerCfg.CheckoutLimiter.StartCleanup(runCtx, time.Minute)
	}

	router := apihttp.NewRouter(handlers, health, a.Logger, routerCfg)

	a.HTTPServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// watchConfig reloads the hot-reloadable sections when path changes.
func (a *App) watchConfig(path string) error {
	h, err := config.NewHolder(path, a.Logger.With().Str("component", "config").Logger())
	if err != nil {
		return err
	}
	h.OnChange(a.applyConfig)
	h.OnReloadError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})
	if err := h.Watch(context.Background()); err != nil {
		return err
	}
	a.holder = h
	a.Logger.Info().Str("path", path).Msg("config hot reload enabled")
	return nil
}

// applyConfig pushes reloadable settings into the running services.
// Sections that need new connections or listeners keep their startup value.
func (a *App) applyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	policy, _ := quota.ParseFailurePolicy(cfg.Metering.FailurePolicy)

	a.Authorizer.UpdateConfig(app.AuthorizerConfig{CacheTTL: cfg.Cache.TTL, StoreTimeout: cfg.Database.Timeout})
	a.Meter.UpdateConfig(app.MeterConfig{StoreTimeout: cfg.Database.Timeout, FailurePolicy: policy})
	a.Abuse.UpdateConfig(abuse.Config{Threshold: cfg.Abuse.Threshold, Window: cfg.Abuse.Window})
	a.Sync.UpdatePlans(plan.NewCatalog(cfg.Tiers()))

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.Set(float64(a.clock.Now().Unix()))
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.HTTPServer.Handler
}

// Run starts the server and blocks until SIGINT/SIGTERM or a server error.
func (a *App) Run() error {
	if a.cron != nil {
		a.cron.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown drains in-flight requests, then releases every resource.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}

	if err := a.close(); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// close stops background work and releases resources in reverse order.
func (a *App) close() error {
	a.cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Error().Err(err).Msg("close error")
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger builds the process logger and sets the global level.
func NewLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(w).With().Timestamp().Logger()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
