package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/sisrua/geoprep/internal/api/handler"
	"github.com/sisrua/geoprep/internal/api/router"
	"github.com/sisrua/geoprep/internal/audit"
	"github.com/sisrua/geoprep/internal/buffer"
	"github.com/sisrua/geoprep/internal/cache"
	"github.com/sisrua/geoprep/internal/config"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/eventbus"
	"github.com/sisrua/geoprep/internal/jobs"
	"github.com/sisrua/geoprep/internal/lifecycle"
	"github.com/sisrua/geoprep/internal/observability"
	"github.com/sisrua/geoprep/internal/projects"
	"github.com/sisrua/geoprep/internal/resilience"
	"github.com/sisrua/geoprep/internal/subscribers"
	"github.com/sisrua/geoprep/shared/database"
	"github.com/sisrua/geoprep/shared/logger"
	"github.com/sisrua/geoprep/shared/rabbitmq"
)

var jobTopics = []string{domain.TopicJobStarted, domain.TopicJobCompleted, domain.TopicJobFailed}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	shutdownTracing, err := observability.InitTracing(cfg.App.Name, observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
		Output:      cfg.Tracing.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			appLogger.Error("Failed to flush traces", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	// Initialize database and run migrations
	dbClient, err := initDatabase(&cfg.Database, appLogger.Component("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established", slog.String("driver", dbClient.Driver()))

	// Audit ledger; an unusable secret is fatal
	secret, created, err := audit.LoadOrCreateSecret(cfg.Audit.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load audit secret: %w", err)
	}
	if created {
		appLogger.Warn("Generated new audit secret", slog.String("dir", cfg.Audit.DataDir))
	}
	ledger, err := audit.NewLedger(dbClient.GetDB(), secret, metrics, appLogger.Component("audit"))
	if err != nil {
		return fmt.Errorf("failed to initialize audit ledger: %w", err)
	}

	// Tiered cache
	caches, err := initCache(cfg, appLogger.Component("cache"))
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if caches.redis != nil {
		defer caches.redis.Close()
	}
	tiered := caches.tiered

	coordinator := lifecycle.NewCoordinator(context.Background(), appLogger.Component("lifecycle"))

	bus := eventbus.New(eventbus.Config{DedupTTL: cfg.EventBus.DedupTTL}, tiered, metrics, appLogger.Component("eventbus"))

	// Terminal job snapshots are persisted through a batching buffer
	historyStore := jobs.NewHistoryStore(dbClient.GetDB(), appLogger.Component("job_history"))
	historyBuffer := buffer.New[domain.Job](buffer.Config{
		Name:          "job_history",
		BatchSize:     cfg.Jobs.HistoryBatchSize,
		FlushInterval: cfg.Jobs.HistoryFlushInterval,
	}, historyStore.SaveBatch, appLogger.Component("buffer"))

	registry := jobs.NewRegistry(jobs.RegistryConfig{
		Publisher: bus,
		Sink:      historyBuffer,
		Metrics:   metrics,
		Logger:    appLogger.Component("registry"),
	})

	preparers, err := initPreparers(cfg, tiered, metrics, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job preparers: %w", err)
	}

	executor := jobs.NewExecutor(registry, preparers, metrics, appLogger.Component("executor"))
	pool := jobs.NewPool(jobs.PoolConfig{
		Concurrency: cfg.Jobs.Concurrency,
		QueueSize:   cfg.Jobs.QueueSize,
		JobTimeout:  cfg.Jobs.JobTimeout,
		Logger:      appLogger.Component("pool"),
	}, executor, registry, coordinator)
	pool.Start(coordinator.Context())

	jobService := jobs.NewService(registry, pool, historyStore, appLogger.Component("jobs"))
	projectService := projects.NewService(dbClient.GetDB(), bus, metrics, appLogger.Component("projects"))

	// Event subscribers
	broadcaster := subscribers.NewBroadcaster(subscribers.WebhookConfig{
		URLs:      cfg.Webhooks.URLs,
		Timeout:   cfg.Webhooks.Timeout,
		Workers:   cfg.Webhooks.Workers,
		QueueSize: cfg.Webhooks.QueueSize,
	}, appLogger.Component("webhooks"))
	broadcaster.Start()
	bus.SubscribeAll(broadcaster.Handle, jobTopics...)
	bus.SubscribeAll(subscribers.NewAuditBridge(ledger, appLogger.Component("audit_bridge")).Handle, subscribers.AuditTopics()...)

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		bridge := subscribers.NewBrokerBridge(rabbitClient, appLogger.Component("broker_bridge"))
		bus.SubscribeAll(bridge.Handle, append(jobTopics, domain.TopicProjectUpdated)...)
		appLogger.Info("RabbitMQ connection established")
	}

	// Background maintenance, stopped by the coordinator
	coordinator.Go("janitor", func(ctx context.Context) {
		registry.RunJanitor(ctx, cfg.Jobs.SweepInterval, cfg.Jobs.Retention)
	})

	if caches.memory != nil {
		coordinator.Go("cache_purge", func(ctx context.Context) {
			runEvery(ctx, cfg.Jobs.SweepInterval, func() { caches.memory.Purge() })
		})
	}

	var httpLimiter *resilience.RateLimiter
	if cfg.RateLimit.Enabled {
		httpLimiter = resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Capacity: cfg.RateLimit.Capacity,
			Period:   cfg.RateLimit.Period,
		})
		coordinator.Go("ratelimit_cleanup", func(ctx context.Context) {
			runEvery(ctx, cfg.RateLimit.CleanupInterval, func() {
				httpLimiter.Cleanup(cfg.RateLimit.IdleTTL)
			})
		})
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:       appLogger.Component("http"),
		ServiceName:  cfg.App.Name,
		Version:      cfg.App.Version,
		Jobs:         jobService,
		Audit:        ledger,
		Projects:     projectService,
		Webhooks:     broadcaster,
		HealthChecks: healthChecks(dbClient, tiered, caches.redis, rabbitClient),
	}, router.Options{
		Metrics:         metrics,
		RateLimiter:     httpLimiter,
		RateLimitPeriod: cfg.RateLimit.Period,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", addr))

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	}

	// Stop intake first, then drain workers, then flush what they produced
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	if !coordinator.Shutdown(cfg.Server.ShutdownTimeout) {
		appLogger.Warn("Workers did not drain before timeout")
	}
	pool.Stop()
	historyBuffer.Stop()
	broadcaster.Stop()
	tiered.Wait()

	stats := historyBuffer.Stats()
	appLogger.Info("Server shutdown complete",
		slog.Int64("history_flushed", stats.Flushed),
		slog.Int64("history_failed", stats.FailedItems),
	)
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initDatabase opens the configured store and applies migrations
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.Open(dbConfig, logger)
}

type cacheStack struct {
	tiered *cache.TieredCache
	redis  *cache.RedisTier  // nil unless Redis is enabled and reachable
	memory *cache.MemoryTier // nil when Redis is the fast tier
}

// initCache builds the tiered cache. An unreachable Redis degrades to the
// in-process tier instead of failing startup.
func initCache(cfg *config.Config, logger *slog.Logger) (*cacheStack, error) {
	durable, err := cache.NewFileTier(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}

	stack := &cacheStack{}
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		defer cancel()
		redisTier, err := cache.NewRedisTier(ctx, cache.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			logger.Warn("Redis unavailable, using in-process cache tier", slog.Any("error", err))
		} else {
			stack.redis = redisTier
		}
	}

	var fast cache.FastTier
	if stack.redis != nil {
		fast = stack.redis
	} else {
		stack.memory = cache.NewMemoryTier()
		fast = stack.memory
	}

	logger.Info("Cache initialized",
		slog.String("fast_tier", fast.Name()),
		slog.String("dir", cfg.Cache.Dir),
	)
	stack.tiered = cache.New(fast, durable, cfg.Cache.DefaultTTL, logger)
	return stack, nil
}

// initPreparers builds the job bodies and the resilience stack around the OSM upstream
func initPreparers(cfg *config.Config, resultCache jobs.ResultCache, metrics *observability.Metrics, logger *slog.Logger) (map[domain.JobKind]jobs.Preparer, error) {
	overpass, err := jobs.NewOverpassClient(cfg.Overpass.Endpoint, cfg.Overpass.Timeout, logger.With(slog.String("component", "overpass")))
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "overpass",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.BreakerState(name, string(to))
		},
		Logger: logger.With(slog.String("component", "breaker")),
	})

	retry := resilience.RetryPolicy{
		Name:          "overpass",
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		Jitter:        !cfg.Retry.DisableJitter,
		OnRetry: func(int, error) {
			metrics.RetryAttempt("overpass")
		},
		Logger: logger.With(slog.String("component", "retry")),
	}

	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Capacity: cfg.Overpass.RequestsPerMinute,
		Period:   time.Minute,
	})

	return map[domain.JobKind]jobs.Preparer{
		domain.JobKindOSM: jobs.NewOSMPreparer(jobs.OSMPreparerConfig{
			Fetcher:  overpass,
			Cache:    resultCache,
			CacheTTL: cfg.Overpass.CacheTTL,
			Limiter:  limiter,
			Breaker:  breaker,
			Retry:    retry,
			Logger:   logger.With(slog.String("component", "osm")),
		}),
		domain.JobKindGeoJSON: jobs.NewGeoJSONPreparer(resultCache, cfg.Cache.DefaultTTL, logger.With(slog.String("component", "geojson"))),
	}, nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		RoutingKeyPrefix:   cfg.RoutingKeyPrefix,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// healthChecks lists the components reported by /health/deep
func healthChecks(db *database.Client, tiered *cache.TieredCache, redisTier *cache.RedisTier, rabbit *rabbitmq.Client) []handler.HealthCheck {
	checks := []handler.HealthCheck{
		{Name: "database", Check: db.HealthCheck},
		{Name: "cache", Check: tiered.Ping},
		{Name: "redis"},
		{Name: "broker"},
	}
	if redisTier != nil {
		checks[2].Check = redisTier.Ping
	}
	if rabbit != nil {
		checks[3].Check = func(context.Context) error {
			if !rabbit.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		}
	}
	return checks
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies, opts router.Options) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Debug("Router configured",
		slog.Bool("rate_limit", opts.RateLimiter != nil),
		slog.Int("webhooks", len(cfg.Webhooks.URLs)),
	)
	return router.SetupRouter(deps, opts)
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
