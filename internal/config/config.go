package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/megashop/citysearch/pkg/config"
)

// Engine and cache backend names.
const (
	EngineElasticsearch = "elasticsearch"
	EngineMemory        = "memory"

	CacheRedis  = "redis"
	CacheMemory = "memory"
)

// Config holds all configuration for the city search service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"citysearch"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8010"`

	// PostgreSQL
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	// Applies the api_keys and search_history schema on startup. Off when
	// the admin service owns the schema.
	DBRunMigrations bool `env:"DB_RUN_MIGRATIONS" envDefault:"false"`

	// Cache
	CacheBackend string `env:"CACHE_BACKEND" envDefault:"redis"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Elasticsearch
	ElasticsearchURLs        []string `env:"ELASTICSEARCH_URLS" envDefault:"http://localhost:9200" envSeparator:","`
	ElasticsearchUsername    string   `env:"ELASTICSEARCH_USERNAME"`
	ElasticsearchPassword    string   `env:"ELASTICSEARCH_PASSWORD"`
	ElasticsearchIndexPrefix string   `env:"ELASTICSEARCH_INDEX_PREFIX" envDefault:"citysearch"`

	// Search engine selection (elasticsearch or memory)
	SearchEngine string `env:"SEARCH_ENGINE" envDefault:"elasticsearch"`

	// Kafka. No brokers disables event consumption and invalidation fan-out.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"citysearch"`

	// Cities
	DefaultCityDomain string `env:"DEFAULT_CITY_DOMAIN" envDefault:"msk"`
	BaseDomain        string `env:"BASE_DOMAIN"`

	// Listing
	PageSize       int `env:"PAGE_SIZE" envDefault:"32"`
	MaxPageSize    int `env:"MAX_PAGE_SIZE" envDefault:"100"`
	SearchMaxHits  int `env:"SEARCH_MAX_HITS" envDefault:"1000"`
	SearchAuxLimit int `env:"SEARCH_AUX_LIMIT" envDefault:"10"`

	// Caching
	CacheListingTTL  time.Duration `env:"CACHE_LISTING_TTL" envDefault:"15m"`
	CacheRetrieveTTL time.Duration `env:"CACHE_RETRIEVE_TTL" envDefault:"30m"`
	APIKeyCacheTTL   time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"15m"`

	// Request gate
	GateExcludedPaths  []string `env:"GATE_EXCLUDED_PATHS" envDefault:"/health,/metrics,/debug" envSeparator:","`
	ThrottleAnonRPS    float64  `env:"THROTTLE_ANON_RPS" envDefault:"5"`
	ThrottleAnonBurst  int      `env:"THROTTLE_ANON_BURST" envDefault:"10"`
	ThrottleAuthRPS    float64  `env:"THROTTLE_AUTH_RPS" envDefault:"50"`
	ThrottleAuthBurst  int      `env:"THROTTLE_AUTH_BURST" envDefault:"100"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Indexer
	IndexerWorkers     int           `env:"INDEXER_WORKERS" envDefault:"4"`
	IndexerMaxAttempts int           `env:"INDEXER_MAX_ATTEMPTS" envDefault:"5"`
	IndexerBackoffBase time.Duration `env:"INDEXER_BACKOFF_BASE" envDefault:"100ms"`

	// Observability
	OTLPEndpoint      string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load citysearch config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KafkaEnabled reports whether brokers are configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PageSize < 1 || c.MaxPageSize < 1 || c.PageSize > c.MaxPageSize {
		return fmt.Errorf("invalid page size: PAGE_SIZE=%d MAX_PAGE_SIZE=%d", c.PageSize, c.MaxPageSize)
	}
	if c.SearchMaxHits < 1 || c.SearchAuxLimit < 0 {
		return fmt.Errorf("invalid search limits: SEARCH_MAX_HITS=%d SEARCH_AUX_LIMIT=%d", c.SearchMaxHits, c.SearchAuxLimit)
	}
	for name, ttl := range map[string]time.Duration{
		"CACHE_LISTING_TTL":  c.CacheListingTTL,
		"CACHE_RETRIEVE_TTL": c.CacheRetrieveTTL,
		"API_KEY_CACHE_TTL":  c.APIKeyCacheTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("invalid %s: %s", name, ttl)
		}
	}
	switch c.SearchEngine {
	case EngineElasticsearch, EngineMemory:
	default:
		return fmt.Errorf("invalid SEARCH_ENGINE: %q", c.SearchEngine)
	}
	switch c.CacheBackend {
	case CacheRedis, CacheMemory:
	default:
		return fmt.Errorf("invalid CACHE_BACKEND: %q", c.CacheBackend)
	}
	if c.IndexerWorkers < 1 || c.IndexerMaxAttempts < 1 {
		return fmt.Errorf("invalid indexer settings: workers=%d attempts=%d", c.IndexerWorkers, c.IndexerMaxAttempts)
	}
	return nil
}
