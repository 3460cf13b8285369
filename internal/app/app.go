// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/incident-archive/internal/aiops"
	"github.com/bissquit/incident-archive/internal/config"
	"github.com/bissquit/incident-archive/internal/incident"
	"github.com/bissquit/incident-archive/internal/incident/memstore"
	incidentpostgres "github.com/bissquit/incident-archive/internal/incident/postgres"
	"github.com/bissquit/incident-archive/internal/pkg/ctxlog"
	"github.com/bissquit/incident-archive/internal/pkg/httputil"
	"github.com/bissquit/incident-archive/internal/pkg/metrics"
	"github.com/bissquit/incident-archive/internal/pkg/postgres"
	"github.com/bissquit/incident-archive/internal/queue"
	"github.com/bissquit/incident-archive/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool // nil when the in-memory store is used
	repo          incident.Repository
	redis         *redis.Client // nil when sync is disabled
	consumer      *queue.RedisConsumer
	syncWorker    *incident.Worker
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStore(connectCtx); err != nil {
		return nil, err
	}

	detailClient, err := aiops.NewClient(aiops.Config{
		BaseURL:   cfg.AIOps.BaseURL,
		Token:     cfg.AIOps.Token,
		Timeout:   cfg.AIOps.Timeout,
		RateLimit: cfg.AIOps.RateLimit,
		Burst:     cfg.AIOps.Burst,
	})
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("create aiops client: %w", err)
	}

	if cfg.Sync.Enabled {
		if err := app.setupSync(connectCtx, detailClient); err != nil {
			app.closeStores()
			return nil, err
		}
	} else {
		logger.Warn("incident sync is disabled: no messages will be consumed")
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel
	go app.collectMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(detailClient),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	dbCfg := a.config.Database
	if dbCfg.IsMemory() {
		a.logger.Warn("using in-memory incident store: data is lost on restart")
		a.repo = memstore.New()
		return nil
	}

	if dbCfg.AutoMigrate {
		if err := postgres.Migrate(dbCfg.URL, dbCfg.MigrationsPath); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             dbCfg.URL,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
		ConnectAttempts: dbCfg.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	a.db = db
	a.repo = incidentpostgres.NewRepository(db)
	return nil
}

func (a *App) setupSync(ctx context.Context, fetcher incident.SnapshotFetcher) error {
	qCfg := a.config.Queue

	opts, err := redis.ParseURL(qCfg.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	a.redis = redis.NewClient(opts)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	consumer, err := queue.NewRedisConsumer(ctx, a.redis, queue.ConsumerConfig{
		Stream:          qCfg.Stream,
		Group:           qCfg.Group,
		Consumer:        qCfg.Consumer,
		DLQStream:       qCfg.DLQStream,
		Block:           qCfg.Block,
		MinIdle:         qCfg.MinIdle,
		ReclaimInterval: qCfg.ReclaimInterval,
	})
	if err != nil {
		return fmt.Errorf("create queue consumer: %w", err)
	}
	a.consumer = consumer

	processor := incident.NewSyncProcessor(incident.SyncConfig{
		FetchTimeout: a.config.Sync.FetchTimeout,
	}, a.repo, fetcher)

	workerConfig := incident.DefaultWorkerConfig()
	workerConfig.MaxDeliveries = qCfg.MaxDeliveries
	a.syncWorker = incident.NewWorker(workerConfig, consumer, processor)

	a.logger.Info("incident sync configured",
		"stream", qCfg.Stream,
		"group", qCfg.Group,
		"consumer", qCfg.Consumer,
		"dlq_stream", qCfg.DLQStream,
	)
	return nil
}

// Run starts the sync worker and the HTTP servers.
func (a *App) Run() error {
	if a.syncWorker != nil {
		a.syncWorker.Start(context.Background())
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the sync worker, then the servers, then closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	// The message in flight must commit before its store goes away.
	if a.syncWorker != nil {
		a.syncWorker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectMetrics(ctx context.Context) {
	a.recordMetrics(ctx)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.recordMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordMetrics(ctx context.Context) {
	if a.db != nil {
		metrics.RecordDBPoolMetrics(a.db)
	}
	if a.consumer != nil {
		stats, err := a.consumer.Stats(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Error("failed to get sync queue stats", "error", err)
			}
			return
		}
		metrics.RecordSyncQueueMetrics(stats.Length, stats.Pending, stats.DeadLettered)
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Repository returns the incident store. Used in tests to seed data.
func (a *App) Repository() incident.Repository {
	return a.repo
}

func (a *App) setupRouter(detail incident.DetailService) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Incident Archive API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	queryEngine := incident.NewQueryEngine(incident.QueryConfig{
		DefaultPageSize: a.config.Query.DefaultPageSize,
		MaxPageSize:     a.config.Query.MaxPageSize,
		MaxBuckets:      a.config.Query.MaxBuckets,
	}, a.repo)
	incidentService := incident.NewService(a.repo, detail)
	incidentHandler := incident.NewHandler(queryEngine, incidentService)

	r.Route("/api/v1", func(r chi.Router) {
		incidentHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "database", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "dependency", "redis", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Queue unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "incident-archive")
}
