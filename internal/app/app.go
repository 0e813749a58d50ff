package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/megashop/citysearch/internal/cache"
	"github.com/megashop/citysearch/internal/config"
	"github.com/megashop/citysearch/internal/engine"
	esengine "github.com/megashop/citysearch/internal/engine/elasticsearch"
	"github.com/megashop/citysearch/internal/engine/memory"
	"github.com/megashop/citysearch/internal/event"
	"github.com/megashop/citysearch/internal/gate"
	handler "github.com/megashop/citysearch/internal/handler/http"
	"github.com/megashop/citysearch/internal/indexer"
	"github.com/megashop/citysearch/internal/query"
	"github.com/megashop/citysearch/internal/repository/postgres"
	"github.com/megashop/citysearch/internal/service"
	"github.com/megashop/citysearch/migrations"
	"github.com/megashop/citysearch/pkg/database"
	"github.com/megashop/citysearch/pkg/health"
	pkgkafka "github.com/megashop/citysearch/pkg/kafka"
	"github.com/megashop/citysearch/pkg/pagination"
	"github.com/megashop/citysearch/pkg/tracing"
)

const (
	eventDedupTTL      = 24 * time.Hour
	slowQueryThreshold = 200 * time.Millisecond
)

// App wires together all dependencies and runs the city search service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	instance       string
	pool           *pgxpool.Pool
	redis          *redis.Client
	indexer        *indexer.Indexer
	gate           *gate.Gate
	producer       *pkgkafka.Producer
	dlqWriter      pkgkafka.MessageWriter
	consumers      []*pkgkafka.Consumer
	httpServer     *http.Server
	startupRebuild bool
	shutdownTracer func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger, instance: instanceID()}

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracer = shutdownTracer

	// Initialize PostgreSQL connection pool.
	pgCfg := database.DefaultPostgresConfig(cfg.DatabaseURL)
	pgCfg.MaxConns = cfg.DBMaxConns
	pool, err := database.NewPostgresPool(ctx, pgCfg, logger)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, cfg.ServiceName); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}
	database.SetSlowQueryLogging(slowQueryThreshold, logger)
	logger.Info("connected to PostgreSQL", slog.Int("max_conns", int(cfg.DBMaxConns)))

	if cfg.DBRunMigrations {
		if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			a.release()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations completed")
	}

	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", pool.Ping)

	// Shared key/value store behind the result cache, gate verdicts, rebuild
	// lock and event dedup.
	var store cache.Store
	switch cfg.CacheBackend {
	case config.CacheRedis:
		client, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		redisStore := cache.NewRedisStore(client)
		healthHandler.Register("redis", redisStore.Ping)
		store = redisStore
		logger.Info("redis cache backend initialized")
	default:
		store = cache.NewMemoryStore()
		logger.Info("in-memory cache backend initialized")
	}
	results := cache.NewResultCache(store, logger)

	// Initialize search engine based on configuration.
	var eng engine.SearchEngine
	switch cfg.SearchEngine {
	case config.EngineElasticsearch:
		esEng, err := esengine.New(ctx, esengine.Config{
			Addresses:   cfg.ElasticsearchURLs,
			Username:    cfg.ElasticsearchUsername,
			Password:    cfg.ElasticsearchPassword,
			IndexPrefix: cfg.ElasticsearchIndexPrefix,
		}, logger)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("init elasticsearch engine: %w", err)
		}
		healthHandler.Register("elasticsearch", esEng.Ping)
		eng = esEng
		logger.Info("elasticsearch search engine initialized",
			slog.Any("urls", cfg.ElasticsearchURLs),
			slog.String("index_prefix", cfg.ElasticsearchIndexPrefix),
		)
	default:
		eng = memory.New()
		// The in-process index starts empty.
		a.startupRebuild = true
		logger.Info("in-memory search engine initialized")
	}

	catalog := postgres.NewCatalogRepository(pool)
	documents := postgres.NewDocumentRepository(pool)
	apiKeys := postgres.NewAPIKeyRepository(pool)
	history := postgres.NewSearchHistoryRepository(pool)

	ixCfg := indexer.DefaultConfig()
	ixCfg.Workers = cfg.IndexerWorkers
	ixCfg.MaxAttempts = cfg.IndexerMaxAttempts
	ixCfg.BackoffBase = cfg.IndexerBackoffBase
	a.indexer = indexer.New(eng, documents, store, ixCfg, logger, results)

	if cfg.KafkaEnabled() {
		a.wireKafka(results, store)
		healthHandler.Register("kafka", func(ctx context.Context) error {
			return pkgkafka.PingBrokers(ctx, cfg.KafkaBrokers)
		})
	}

	a.gate = gate.New(gate.Config{
		DefaultCity:   cfg.DefaultCityDomain,
		BaseDomain:    cfg.BaseDomain,
		ExcludedPaths: cfg.GateExcludedPaths,
		KeyCacheTTL:   cfg.APIKeyCacheTTL,
		Anonymous:     gate.Quota{RPS: cfg.ThrottleAnonRPS, Burst: cfg.ThrottleAnonBurst},
		Authenticated: gate.Quota{RPS: cfg.ThrottleAuthRPS, Burst: cfg.ThrottleAuthBurst},
	}, apiKeys, store, logger)

	router := handler.NewRouter(handler.RouterConfig{
		ServiceName:    cfg.ServiceName,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		PprofCIDRs:     cfg.PprofAllowedCIDRs,
		Paging:         pagination.Config{DefaultPerPage: cfg.PageSize, MaxPerPage: cfg.MaxPageSize},
		ListingTTL:     cfg.CacheListingTTL,
		RetrieveTTL:    cfg.CacheRetrieveTTL,
	}, handler.Services{
		Search:  service.NewSearchService(eng, catalog, history, query.NewBuilder(cfg.SearchMaxHits), cfg.SearchAuxLimit, logger),
		Catalog: service.NewCatalogService(catalog, logger),
		Index:   a.indexer,
		Results: results,
		Gate:    a.gate.Middleware,
		Health:  healthHandler,
	}, logger)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// wireKafka sets up the catalog event consumer and, for caches local to this
// process, the invalidation broadcast between instances.
func (a *App) wireKafka(results *cache.ResultCache, store cache.Store) {
	cfg := a.cfg

	a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), a.logger)
	a.dlqWriter = pkgkafka.NewWriter(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers))
	dlq := pkgkafka.NewDLQ(a.dlqWriter, a.logger)

	catalogEvents := event.NewConsumer(a.indexer, a.logger)
	a.consumers = append(a.consumers, pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topics:  event.CatalogTopics(),
	}, pkgkafka.IdempotentHandler(
		event.NewIdempotencyStore(store, eventDedupTTL),
		cfg.KafkaGroupID,
		catalogEvents.Handle,
		a.logger,
	), dlq, a.logger))

	if results.Shared() {
		a.logger.Info("kafka consumers initialized",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.Int("topic_count", len(event.CatalogTopics())),
		)
		return
	}

	a.indexer.AddInvalidator(event.NewBroadcaster(a.producer, a.instance, cfg.ServiceName))
	listener := event.NewListener(results, a.instance, a.logger)
	// Every instance reads every invalidation, so each gets its own group.
	a.consumers = append(a.consumers, pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID + "-" + a.instance,
		Topics:  []string{event.TopicCacheInvalidated},
	}, listener.Handle, nil, a.logger))

	a.logger.Info("kafka consumers initialized",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.Int("topic_count", len(event.CatalogTopics())+1),
		slog.String("instance", a.instance),
	)
}

// Run starts the HTTP server, the indexer and the Kafka consumers, blocking
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1+len(a.consumers))

	a.indexer.Start()
	if a.startupRebuild {
		if err := a.indexer.StartRebuild(ctx); err != nil {
			a.logger.Warn("startup rebuild not started", slog.String("error", err.Error()))
		}
	}

	// Start Kafka consumers in background goroutines.
	for _, c := range a.consumers {
		go func() {
			if err := c.Start(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// Graceful HTTP server shutdown with a 10-second deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.indexer.Close()
	a.gate.Close()

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.dlqWriter != nil {
		if err := a.dlqWriter.Close(); err != nil {
			a.logger.Error("kafka dlq writer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.shutdownTracer(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.release()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// release closes the connections opened so far.
func (a *App) release() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// instanceID names this process in consumer groups and invalidation events.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "citysearch"
	}
	return host + "-" + uuid.NewString()[:8]
}
