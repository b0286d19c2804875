package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-gateway/internal/chart"
	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-gateway/internal/errors"
	"github.com/johnayoung/go-ohlcv-gateway/internal/indicators"
	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/lock"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
	"github.com/johnayoung/go-ohlcv-gateway/internal/origin"
	"github.com/johnayoung/go-ohlcv-gateway/internal/resolver"
	"github.com/johnayoung/go-ohlcv-gateway/internal/server"
	"github.com/johnayoung/go-ohlcv-gateway/internal/storage"
	"github.com/johnayoung/go-ohlcv-gateway/internal/warmer"
)

// originComponent names the origin for retry policies and the breaker.
const originComponent = "origin"

// App holds the wired gateway components.
type App struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	storage storage.FullStorage

	// gateway is set when the origin is the broker bridge.
	gateway  *origin.GatewayFetcher
	origin   *origin.Guard
	registry *instruments.Registry
	sessions *instruments.Sessions
	locker   lock.Locker
	metrics  *metrics.MetricsCollector
	health   *metrics.SimpleHealthChecker
	resolver *resolver.Resolver

	closers []func() error
}

// newApp wires every component from cfg. Storage is opened but migrations
// only run when cfg.Storage.AutoMigrate is set.
func newApp(ctx context.Context, cfg *config.AppConfig, logs *logger.LoggerManager) (*App, error) {
	app := &App{
		config: cfg,
		logs:   logs,
		logger: logs.GetLogger(),
	}

	store, err := createStorage(ctx, cfg.Storage, logs.GetComponentLogger("storage").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.storage = store
	app.closers = append(app.closers, store.Close)

	if cfg.Storage.AutoMigrate {
		if err := store.Initialize(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to initialize storage schema: %w", err)
		}
	}

	app.metrics = metrics.NewMetricsCollector(cfg.Metrics, logs)

	fetcher, err := app.createOrigin(cfg.Origin)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize origin: %w", err)
	}

	errorCfg := cfg.ErrorHandling
	if _, ok := errorCfg.ComponentPolicies[originComponent]; !ok && cfg.Origin.RetryPolicy.MaxAttempts > 0 {
		policies := make(map[string]config.RetryPolicyConfig, len(errorCfg.ComponentPolicies)+1)
		for k, v := range errorCfg.ComponentPolicies {
			policies[k] = v
		}
		policies[originComponent] = cfg.Origin.RetryPolicy
		errorCfg.ComponentPolicies = policies
	}
	classifier := apperrors.NewErrorClassifier(errorCfg, logs.GetComponentLogger("errors").Logger)

	app.origin = origin.NewGuard(fetcher, origin.GuardOptions{
		Name:              originComponent,
		RequestsPerMinute: cfg.Origin.RateLimit,
		Burst:             cfg.Origin.Burst,
		Classifier:        classifier,
		Metrics:           app.metrics,
		Logger:            logs.GetComponentLogger("origin").Logger,
	})

	if err := app.createInstruments(cfg.Instruments, fetcher); err != nil {
		app.Close()
		return nil, err
	}

	locker, closeLock, err := lock.New(ctx, cfg.Lock, logs.GetComponentLogger("lock").Logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize fetch lock: %w", err)
	}
	app.locker = locker
	app.closers = append(app.closers, closeLock)

	app.resolver = resolver.New(store, app.origin, app.registry, app.sessions, resolver.Options{
		MaxChunkSteps: cfg.Resolver.MaxChunkSteps,
		WidenWindow:   config.Duration(cfg.Resolver.WidenWindow, resolver.DefaultWidenWindow),
		FillTimeout:   config.Duration(cfg.Resolver.FillTimeout, 0),
		Locker:        locker,
		Metrics:       app.metrics,
		Logger:        logs.GetComponentLogger("resolver").Logger,
	})

	app.health = metrics.NewSimpleHealthChecker("gateway", logs.GetComponentLogger("health"))
	app.health.AddDependency("storage", store.HealthCheck)
	app.health.AddDependency("origin", app.origin.HealthCheck)
	if hc, ok := locker.(storage.HealthChecker); ok {
		app.health.AddDependency("lock", hc.HealthCheck)
	}
	app.metrics.RegisterHealthChecker(app.health)
	app.metrics.RegisterCollector(metrics.NewCollectorMetrics(app.metrics))

	return app, nil
}

// createStorage opens the configured backend.
func createStorage(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (storage.FullStorage, error) {
	switch cfg.Type {
	case "duckdb":
		return storage.NewDuckDBStorage(cfg.DatabaseURL, log)
	case "postgres", "postgresql":
		return storage.NewPostgresStorage(ctx, storage.PostgresOptions{
			DSN:             cfg.DatabaseURL,
			MaxConns:        int32(cfg.MaxConns),
			MinConns:        int32(cfg.MinConns),
			MaxConnLifetime: config.Duration(cfg.ConnMaxLifetime, 0),
			MaxConnIdleTime: config.Duration(cfg.IdleTimeout, 0),
			ConnectTimeout:  config.Duration(cfg.QueryTimeout, 0),
			ApplicationName: AppName,
		}, log)
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// createOrigin builds the raw fetcher. The guard owns retries, so the
// gateway client's own retry loop is disabled.
func (a *App) createOrigin(cfg config.OriginConfig) (origin.Fetcher, error) {
	log := a.logs.GetComponentLogger("origin").Logger
	timeout := config.Duration(cfg.Timeout, 30*time.Second)

	switch cfg.Type {
	case "gateway":
		gw, err := origin.NewGatewayFetcher(origin.GatewayOptions{
			BaseURL:          cfg.BaseURL,
			Timeout:          timeout,
			VolumeMultiplier: cfg.VolumeMultiplier,
			SkipTLSVerify:    cfg.SkipTLSVerify,
			MaxRetries:       -1,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		a.gateway = gw
		return gw, nil
	case "polygon":
		return origin.NewPolygonFetcher(cfg.APIKey, &http.Client{Timeout: timeout}, log), nil
	default:
		return nil, fmt.Errorf("unsupported origin type: %s", cfg.Type)
	}
}

func (a *App) createInstruments(cfg config.InstrumentsConfig, fetcher origin.Fetcher) error {
	catalog, err := instruments.CatalogFromConfig(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("invalid instrument catalog: %w", err)
	}

	log := a.logs.GetComponentLogger("instruments").Logger
	var lookup instruments.Lookup
	if cfg.RemoteLookup {
		l, ok := fetcher.(instruments.Lookup)
		if !ok {
			return fmt.Errorf("origin %s does not support instrument lookup", a.config.Origin.Type)
		}
		lookup = l
	}
	a.registry = instruments.NewRegistry(catalog, lookup, log)

	var source instruments.SessionSource = instruments.NewScheduleSource()
	if cfg.SessionSource == "gateway" {
		if a.gateway == nil {
			return errors.New("session_source gateway requires the gateway origin")
		}
		source = a.gateway
	}
	a.sessions = instruments.NewSessions(source, log)
	return nil
}

// Router builds the HTTP API.
func (a *App) Router() *gin.Engine {
	log := a.logs.GetComponentLogger("http").Logger

	chartService := chart.NewService(a.resolver, a.storage, a.registry, log)
	indicatorService := indicators.NewService(a.resolver, a.registry, a.sessions, log)

	opts := server.RouterOptions{
		Logger:  log,
		Metrics: a.metrics,
		API: []server.Routes{
			chart.NewHandler(chartService, log),
			instruments.NewHandler(a.registry, a.sessions, log),
			indicators.NewHandler(indicatorService, log),
		},
	}
	if a.config.Metrics.Port == 0 {
		opts.Root = append(opts.Root, server.RoutesFunc(func(r gin.IRouter) {
			a.metrics.RegisterRoutes(r)
		}))
	}
	return server.NewRouter(opts)
}

// Warmer builds the background cache warmer.
func (a *App) Warmer() (*warmer.Warmer, error) {
	return warmer.NewFromConfig(a.config.Warmer, a.resolver, a.registry, a.metrics,
		a.logs.GetComponentLogger("warmer").Logger)
}

// Close releases every component in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
