package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/marketpulse/internal/analysis"
	"github.com/vietddude/marketpulse/internal/cache"
	"github.com/vietddude/marketpulse/internal/core/config"
	"github.com/vietddude/marketpulse/internal/core/worker"
	"github.com/vietddude/marketpulse/internal/depclient"
	"github.com/vietddude/marketpulse/internal/infra/provider"
	redisclient "github.com/vietddude/marketpulse/internal/infra/redis"
	"github.com/vietddude/marketpulse/internal/infra/storage"
	"github.com/vietddude/marketpulse/internal/infra/storage/memory"
	"github.com/vietddude/marketpulse/internal/infra/storage/postgres"
	"github.com/vietddude/marketpulse/internal/jobs"
	"github.com/vietddude/marketpulse/internal/pipeline"
	"github.com/vietddude/marketpulse/internal/resilience/breaker"
	"github.com/vietddude/marketpulse/internal/server"
)

// App is the main application struct that owns every long-lived component.
type App struct {
	cfg         *config.AppConfig
	store       storage.RunRepository
	db          *postgres.DB
	redisClient *redisclient.Client
	registry    *breaker.Registry
	caches      []Sweeper
	manager     *jobs.Manager
	reaper      *worker.Reaper
	httpServer  *server.Server
	grpcServer  *server.HealthService
	log         *slog.Logger
}

// New creates the application with all dependencies initialized.
func New(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	app := &App{cfg: cfg, log: log, registry: breaker.NewRegistry()}

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		app.db = db
		app.store = postgres.NewRunRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		app.store = memory.NewRunRepo(memory.NewMemoryStorage())
		log.Info("Using Memory storage")
	}

	// 2. Redis, optional. A failed connection leaves every cache in memory.
	if cfg.Redis.Enabled() {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, caches fall back to memory", "error", err)
		} else {
			app.redisClient = rc
		}
	}
	remote := cache.FromClient(app.redisClient)

	// 3. Dependencies
	deps := cfg.Dependencies
	marketDep := newDependency[provider.Event](app, config.DepMarket, deps.Market, remote)
	searchDep := newDependency[provider.SearchResult](app, config.DepSearch, deps.Search, remote)
	llmDep := newDependency[provider.Completion](app, config.DepLLM, deps.LLM, remote)

	stages := analysis.NewStages(
		provider.NewMarketClient(deps.Market.Config, marketDep),
		provider.NewSearchClient(deps.Search.Config, searchDep),
		provider.NewLLMClient(deps.LLM.Config, llmDep),
		log.With("component", "analysis"),
	)

	// 4. Jobs
	runner := pipeline.NewRunner(app.store, pipeline.WithLogger(log.With("component", "runner")))
	app.manager = jobs.NewManager(cfg.Jobs, app.store, runner, stages, log.With("component", "jobs"))
	app.reaper = worker.NewReaper(
		app.store, app.manager, cfg.Jobs.StaleAfter, cfg.Jobs.ReapInterval, log.With("component", "reaper"),
	)

	// 5. Servers
	monitor := server.NewMonitor(app.registry, app.manager.InFlight)
	if app.db != nil {
		monitor.AddCheck("storage", true, app.db.Health)
	}
	if app.redisClient != nil {
		monitor.AddCheck("redis", false, app.redisClient.Ping)
	}
	app.httpServer = server.NewServer(monitor, app.registry, app.manager, cfg.Server.Port, log)
	if cfg.GRPC.Port > 0 {
		app.grpcServer = server.NewHealthService(app.registry, cfg.GRPC.Port, log)
	}

	return app, nil
}

// newDependency builds the breaker, cache and client for one dependency and
// registers the breaker with the app.
func newDependency[T any](
	app *App,
	name string,
	cfg config.DependencyConfig,
	remote cache.Remote,
) *depclient.Client[T] {
	br := breaker.New(name, cfg.Breaker, breaker.WithLogger(app.log))
	app.registry.Register(br)

	c := cache.NewDistributed[T](name, cfg.CacheTTL, remote, cache.WithLogger(app.log))
	app.caches = append(app.caches, c)

	return depclient.New(name, cfg.Client(), br, c, app.log)
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("Admin server listening", "port", a.cfg.Server.Port)
		return a.httpServer.Start()
	})
	if a.grpcServer != nil {
		g.Go(a.grpcServer.Start)
	}
	g.Go(func() error {
		a.reaper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sweep(gctx, a.caches, time.Minute, a.log)
		return nil
	})
	if a.db != nil {
		a.db.StartMetricsCollector(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown stops accepting work, drains jobs and servers, then closes
// connections.
func (a *App) shutdown() error {
	a.log.Info("Stopping marketpulse...")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobs: %w", err))
	}
	if err := a.httpServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	a.Close()
	return errors.Join(errs...)
}

// Close releases connections. It is safe to call on a partially built app.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

// Registry returns the breaker registry.
func (a *App) Registry() *breaker.Registry {
	return a.registry
}

// Jobs returns the job manager.
func (a *App) Jobs() *jobs.Manager {
	return a.manager
}
