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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/adapters/auth"
	"github.com/artpar/utter/adapters/clock"
	apihttp "github.com/artpar/utter/adapters/http"
	"github.com/artpar/utter/adapters/idgen"
	"github.com/artpar/utter/adapters/memory"
	"github.com/artpar/utter/adapters/metrics"
	"github.com/artpar/utter/adapters/payment"
	"github.com/artpar/utter/adapters/postgres"
	"github.com/artpar/utter/adapters/redis"
	"github.com/artpar/utter/adapters/sqlite"
	"github.com/artpar/utter/adapters/storage/s3"
	"github.com/artpar/utter/app"
	"github.com/artpar/utter/config"
	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/ports"
)

// Options controls application initialization.
type Options struct {
	// ConfigPath is the YAML file; empty or missing falls back to UTTER_* env.
	ConfigPath string
	// Watch enables hot reload on file change and SIGHUP.
	Watch   bool
	Version string
	// Output receives logs; defaults to stdout.
	Output io.Writer
	// Registry receives the metrics instead of the default registerer.
	Registry *prometheus.Registry
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	Ledger       *app.LedgerService
	Orchestrator *app.Orchestrator
	Voices       *app.VoiceService
	Billing      *app.BillingService
	RateLimiter  *app.RateLimiter
	Tokens       *auth.TokenService

	holder  *config.Holder
	runner  *app.Runner
	sweeper *app.Sweeper
	pool    *pgxpool.Pool
	closers []func() error
}

// New loads configuration and builds the application.
func New(opts Options) (*App, error) {
	cfg, holder, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, holder, opts)
}

func loadConfig(opts Options) (*config.Config, *config.Holder, error) {
	if opts.Watch && opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			holder, err := config.NewHolder(opts.ConfigPath, zerolog.Nop())
			if err != nil {
				return nil, nil, err
			}
			return holder.Get(), holder, nil
		}
	}
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, nil, nil
}

// NewWithConfig builds the application from an already loaded configuration.
// holder may be nil.
func NewWithConfig(cfg *config.Config, holder *config.Holder, opts Options) (*App, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	logger := setupLogger(cfg.Logging, out)
	logger.Info().Str("version", opts.Version).Msg("initializing utter")

	a := &App{Logger: logger, Config: cfg, holder: holder}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if opts.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registry)
			metricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
		} else {
			a.Metrics = metrics.New()
		}
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.init(opts.Version, metricsHandler); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(version string, metricsHandler http.Handler) error {
	ctx := context.Background()
	cfg := a.Config
	m := a.portsMetrics()

	db, err := OpenDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Logger.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	ledgerStore, err := a.ledgerStore(ctx)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	counter, err := a.rateCounter(ctx)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	blobs, localBlobs, err := a.blobStore(ctx)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	gateways, err := BuildGateways(cfg.Providers, m)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	a.Logger.Info().Str("provider", gateways.Active()).Msg("speech provider configured")

	payments, err := payment.NewProvider(payment.Config{
		Mode:          cfg.Billing.Mode,
		SecretKey:     cfg.Billing.SecretKey,
		WebhookSecret: cfg.Billing.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("init payments: %w", err)
	}

	clk := clock.Real{}
	ids := idgen.UUID{}

	a.Ledger = app.NewLedgerService(app.LedgerConfig{
		Store:            ledgerStore,
		Clock:            clk,
		Metrics:          m,
		Logger:           a.Logger,
		MonthlyAllowance: cfg.Credits.MonthlyAllowance,
	})

	a.runner = app.NewRunner(cfg.Tasks.Workers, cfg.Tasks.QueueSize, m, a.Logger)

	tasks := sqlite.NewTaskStore(db)
	voices := sqlite.NewVoiceStore(db)
	a.Orchestrator = app.NewOrchestrator(app.OrchestratorConfig{
		Tasks:       tasks,
		Generations: sqlite.NewGenerationStore(db),
		Voices:      voices,
		Blobs:       blobs,
		Ledger:      a.Ledger,
		Gateways:    gateways,
		Runner:      a.runner,
		IDs:         ids,
		Clock:       clk,
		Metrics:     m,
		Logger:      a.Logger,
		MaxChars:    MaxChars(cfg.Providers),
		PreviewTTL:  cfg.Storage.SignedURLTTL,
	})
	a.Voices = app.NewVoiceService(app.VoiceConfig{
		Voices:    voices,
		Tasks:     tasks,
		Blobs:     blobs,
		Ledger:    a.Ledger,
		Gateways:  gateways,
		IDs:       ids,
		Clock:     clk,
		Logger:    a.Logger,
		UploadTTL: cfg.Storage.UploadURLTTL,
		URLTTL:    cfg.Storage.SignedURLTTL,
	})
	if cfg.Billing.Mode != "none" {
		a.Billing = app.NewBillingService(app.BillingConfig{
			Payments:   payments,
			Events:     sqlite.NewBillingEventStore(db),
			Ledger:     a.Ledger,
			Catalog:    credit.NewCatalog(cfg.Billing.PriceIDs()),
			IDs:        ids,
			Clock:      clk,
			Metrics:    m,
			Logger:     a.Logger,
			SuccessURL: cfg.Billing.SuccessURL,
			CancelURL:  cfg.Billing.CancelURL,
		})
		a.Logger.Info().Str("mode", cfg.Billing.Mode).Msg("billing enabled")
	}

	a.sweeper = app.NewSweeper(a.Orchestrator, app.SweeperConfig{
		Interval:        cfg.Tasks.SweepInterval,
		StaleAfter:      cfg.Tasks.StaleAfter,
		AsyncStaleAfter: cfg.Tasks.AsyncStaleAfter,
	}, a.Logger)

	a.RateLimiter = app.NewRateLimiter(counter, cfg.RateLimit.Rules(), "", m, a.Logger)
	a.Tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	routerCfg := apihttp.RouterConfig{
		Orchestrator:   a.Orchestrator,
		Voices:         a.Voices,
		Ledger:         a.Ledger,
		Billing:        a.Billing,
		RateLimiter:    a.RateLimiter,
		Identity:       a.Tokens,
		Metrics:        a.Metrics,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		Health:         a.healthChecker(),
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Version:        version,
	}
	if localBlobs != nil {
		routerCfg.Blobs = localBlobs
		routerCfg.BlobPath = "/blobs"
	}
	router := apihttp.NewRouter(routerCfg, a.Logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	a.Logger.Info().Str("addr", addr).Msg("http server configured")

	a.watchConfig()
	return nil
}

// portsMetrics keeps a disabled collector a nil interface.
func (a *App) portsMetrics() ports.Metrics {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}

// OpenDatabase opens the SQLite file and applies pending migrations.
func OpenDatabase(path string) (*sqlite.DB, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (a *App) ledgerStore(ctx context.Context) (ports.LedgerStore, error) {
	store, pool, err := newLedgerStore(ctx, a.Config, a.DB)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Logger.Info().Msg("credit ledger on postgres")
	}
	return store, nil
}

func newLedgerStore(ctx context.Context, cfg *config.Config, db *sqlite.DB) (ports.LedgerStore, *pgxpool.Pool, error) {
	trials := cfg.Credits.Trials()
	if cfg.Database.Driver != "postgres" {
		return sqlite.NewLedgerStore(db, trials), nil, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.New(pool, trials)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

// OpenLedger builds a standalone ledger service for maintenance commands.
// The returned func releases its connections.
func OpenLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app.LedgerService, func(), error) {
	db, err := OpenDatabase(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	store, pool, err := newLedgerStore(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if pool != nil {
			pool.Close()
		}
		db.Close()
	}
	svc := app.NewLedgerService(app.LedgerConfig{
		Store:            store,
		Clock:            clock.Real{},
		Logger:           logger,
		MonthlyAllowance: cfg.Credits.MonthlyAllowance,
	})
	return svc, closeFn, nil
}

func (a *App) rateCounter(ctx context.Context) (ports.RateCounter, error) {
	rc := a.Config.Redis
	if rc.Addr == "" {
		counter := memory.NewShardedCounter(memory.ShardedCounterConfig{})
		a.closers = append(a.closers, counter.Close)
		a.Logger.Info().Msg("rate limit counters in memory")
		return counter, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, client.Close)

	counter := redis.New(client, redis.WithKeyPrefix(rc.KeyPrefix))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := counter.Ping(pingCtx); err != nil {
		// Tier1 fails closed until redis is reachable.
		a.Logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unreachable at startup")
	} else {
		a.Logger.Info().Str("addr", rc.Addr).Msg("rate limit counters in redis")
	}
	return counter, nil
}

func (a *App) blobStore(ctx context.Context) (ports.BlobStore, *memory.BlobStore, error) {
	sc := a.Config.Storage
	if sc.Driver == "s3" {
		store, err := s3.New(ctx, s3.Config{
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			UsePathStyle:    sc.UsePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Info().Str("bucket", sc.Bucket).Msg("blob storage on s3")
		return store, nil, nil
	}

	secret := sc.SigningSecret
	if secret == "" {
		secret = auth.GenerateSecret()
	}
	store := memory.NewBlobStore(a.Config.Server.PublicURL+"/blobs", secret)
	a.Logger.Warn().Msg("blob storage in memory; audio is lost on restart")
	return store, store, nil
}

func (a *App) healthChecker() apihttp.HealthChecker {
	checks := healthChecks{a.DB}
	if a.pool != nil {
		checks = append(checks, a.pool)
	}
	return checks
}

type healthChecks []apihttp.HealthChecker

func (h healthChecks) Ping(ctx context.Context) error {
	for _, c := range h {
		if err := c.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) watchConfig() {
	if a.holder == nil {
		return
	}
	a.holder.SetLogger(a.Logger.With().Str("component", "config").Logger())
	a.holder.OnChange(func(cfg *config.Config) {
		a.RateLimiter.SetRules(cfg.RateLimit.Rules())
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	})
	if a.Metrics != nil {
		a.holder.OnReload(a.Metrics.ConfigReloaded)
	}
	if err := a.holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch disabled")
	}
	a.holder.WatchSignals()
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.HTTPServer.Handler
}

// Start starts the background workers without serving HTTP.
func (a *App) Start() {
	a.runner.Start()
	a.sweeper.Start()
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	a.Start()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Shutdown gracefully stops the application. In-flight background units
// get the shutdown window to finish; the sweeper fails anything left behind
// on the next start.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.sweeper != nil {
		a.sweeper.Close()
	}
	if a.runner != nil {
		if err := a.runner.Stop(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("task runner stop error")
		}
	}

	a.close()
	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Error().Err(err).Msg("close error")
		}
	}
	a.closers = nil
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
