// Package config defines the booklots configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by BOOKLOTS_* environment variables.
type Config struct {
	Lots        LotsConfig        `toml:"lots"`
	Comps       CompsConfig       `toml:"comps"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Server      ServerConfig      `toml:"server"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// LotsConfig holds the grouping and valuation thresholds.
type LotsConfig struct {
	MinLotValue         float64 `toml:"min_lot_value"`
	MinGroupSize        int     `toml:"min_group_size"`
	ProbabilityBonus    float64 `toml:"probability_bonus"`
	MinSeriesConfidence float64 `toml:"min_series_confidence"`
	ValueBatchMax       int     `toml:"value_batch_max"`
	ValueFloor          float64 `toml:"value_floor"`
	ValuationWorkers    int     `toml:"valuation_workers"`
	// AuthorAliases maps a raw author credit to the name it is grouped under.
	AuthorAliases map[string]string `toml:"author_aliases"`
}

// CompsConfig tunes the marketplace comparable aggregator.
type CompsConfig struct {
	SearchLimit        int      `toml:"search_limit"`
	MinSamples         int      `toml:"min_samples"`
	MaxLotSize         int      `toml:"max_lot_size"`
	SearchTimeout      duration `toml:"search_timeout"`
	MaxRetries         int      `toml:"max_retries"`
	RetryBackoff       duration `toml:"retry_backoff"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	// CacheTTL keeps comparable stats per enrichment key in Redis; zero
	// disables caching.
	CacheTTL duration `toml:"cache_ttl"`
}

// MarketplaceConfig selects and configures the listing search backend.
type MarketplaceConfig struct {
	// Source is "browse" (active listings API), "sold" (sold listings page)
	// or "none" (value every lot from its members).
	Source            string  `toml:"source"`
	BrowseURL         string  `toml:"browse_url"`
	TokenURL          string  `toml:"token_url"`
	SoldURL           string  `toml:"sold_url"`
	AppID             string  `toml:"app_id"`
	CertID            string  `toml:"cert_id"`
	MarketplaceID     string  `toml:"marketplace_id"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	UserAgent         string  `toml:"user_agent"`
}

// CatalogConfig selects where owned books are read from.
type CatalogConfig struct {
	Driver     string `toml:"driver"` // "postgres" or "sqlite"
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for the snapshot archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	SnapshotPrefix string `toml:"snapshot_prefix"`
	SnapshotKeep   int    `toml:"snapshot_keep"`
}

// PipelineConfig configures the job queue, change consumer and scheduler.
type PipelineConfig struct {
	Workers          int      `toml:"workers"`
	QueueSize        int      `toml:"queue_size"`
	JobRetain        int      `toml:"job_retain"`
	ChangeStream     string   `toml:"change_stream"`
	LotEventsChannel string   `toml:"lot_events_channel"`
	RecomputeCron    string   `toml:"recompute_cron"`
	LockTTL          duration `toml:"lock_ttl"`
	ArchiveSnapshots bool     `toml:"archive_snapshots"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	APIKey             string   `toml:"api_key"`
	CORSOrigins        []string `toml:"cors_origins"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinInterval       duration `toml:"min_interval"`
}

// Defaults returns a Config populated with the stock values. These match
// config.example.toml.
func Defaults() Config {
	return Config{
		Lots: LotsConfig{
			MinLotValue:         10.0,
			MinGroupSize:        2,
			ProbabilityBonus:    8,
			MinSeriesConfidence: 0.6,
			ValueBatchMax:       12,
			ValuationWorkers:    4,
		},
		Comps: CompsConfig{
			SearchLimit:        50,
			MinSamples:         3,
			MaxLotSize:         100,
			SearchTimeout:      duration{15 * time.Second},
			MaxRetries:         2,
			RetryBackoff:       duration{500 * time.Millisecond},
			RateLimitPerMinute: 30,
			CacheTTL:           duration{6 * time.Hour},
		},
		Marketplace: MarketplaceConfig{
			Source:            "browse",
			BrowseURL:         "https://api.ebay.com/buy/browse/v1",
			TokenURL:          "https://api.ebay.com/identity/v1/oauth2/token",
			SoldURL:           "https://www.ebay.com/sch/i.html",
			MarketplaceID:     "EBAY_US",
			RequestsPerSecond: 2,
		},
		Catalog: CatalogConfig{
			Driver:     "postgres",
			SQLitePath: "catalog.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "booklots",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "booklots",
			ForcePathStyle: true,
			SnapshotPrefix: "snapshots",
			SnapshotKeep:   90,
		},
		Pipeline: PipelineConfig{
			Workers:          2,
			QueueSize:        64,
			JobRetain:        256,
			ChangeStream:     "catalog:changes",
			LotEventsChannel: "lots",
			RecomputeCron:    "0 4 * * *",
			LockTTL:          duration{30 * time.Minute},
			ArchiveSnapshots: true,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9102",
		},
		Notify: NotifyConfig{
			Events:      []string{"job_failed"},
			MinInterval: duration{5 * time.Minute},
		},
		Mode:     "worker",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"worker":   true,
	"generate": true,
	"update":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSources = map[string]bool{
	"browse": true,
	"sold":   true,
	"none":   true,
}

// Validate checks Config for invalid or missing values and returns one
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: worker, generate, update)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Lots
	if c.Lots.MinLotValue < 0 {
		add("lots: min_lot_value must be >= 0")
	}
	if c.Lots.MinGroupSize < 2 {
		add("lots: min_group_size must be >= 2, got %d", c.Lots.MinGroupSize)
	}
	if c.Lots.MinSeriesConfidence < 0 || c.Lots.MinSeriesConfidence > 1 {
		add("lots: min_series_confidence must be within [0, 1]")
	}
	if c.Lots.ValueFloor < 0 {
		add("lots: value_floor must be >= 0")
	}
	if c.Lots.ValuationWorkers < 1 {
		add("lots: valuation_workers must be >= 1")
	}

	// Comps
	if c.Comps.SearchLimit < 1 {
		add("comps: search_limit must be >= 1")
	}
	if c.Comps.MinSamples < 1 {
		add("comps: min_samples must be >= 1")
	}
	if c.Comps.MaxLotSize < 2 {
		add("comps: max_lot_size must be >= 2")
	}
	if c.Comps.SearchTimeout.Duration <= 0 {
		add("comps: search_timeout must be > 0")
	}
	if c.Comps.MaxRetries < 0 {
		add("comps: max_retries must be >= 0")
	}
	if c.Comps.RateLimitPerMinute < 0 {
		add("comps: rate_limit_per_minute must be >= 0")
	}

	// Marketplace
	source := strings.ToLower(c.Marketplace.Source)
	if !validSources[source] {
		add("marketplace: unknown source %q (valid: browse, sold, none)", c.Marketplace.Source)
	}
	if source == "browse" {
		if c.Marketplace.BrowseURL == "" || c.Marketplace.TokenURL == "" {
			add("marketplace: browse_url and token_url are required for source browse")
		}
		if c.Marketplace.AppID == "" || c.Marketplace.CertID == "" {
			add("marketplace: app_id and cert_id are required for source browse")
		}
	}
	if source == "sold" && c.Marketplace.SoldURL == "" {
		add("marketplace: sold_url is required for source sold")
	}
	if c.Marketplace.RequestsPerSecond <= 0 {
		add("marketplace: requests_per_second must be > 0")
	}

	// Catalog
	switch strings.ToLower(c.Catalog.Driver) {
	case "postgres":
	case "sqlite":
		if c.Catalog.SQLitePath == "" {
			add("catalog: sqlite_path is required for driver sqlite")
		}
	default:
		add("catalog: unknown driver %q (valid: postgres, sqlite)", c.Catalog.Driver)
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// S3
	if c.Pipeline.ArchiveSnapshots {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when pipeline.archive_snapshots is set")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when pipeline.archive_snapshots is set")
		}
	}
	if c.S3.SnapshotKeep < 0 {
		add("s3: snapshot_keep must be >= 0")
	}

	// Pipeline
	if c.Pipeline.Workers < 1 {
		add("pipeline: workers must be >= 1")
	}
	if c.Pipeline.QueueSize < 1 {
		add("pipeline: queue_size must be >= 1")
	}
	if c.Pipeline.ChangeStream == "" {
		add("pipeline: change_stream must not be empty")
	}
	if c.Pipeline.LotEventsChannel == "" {
		add("pipeline: lot_events_channel must not be empty")
	}
	if len(strings.Fields(c.Pipeline.RecomputeCron)) != 5 {
		add("pipeline: recompute_cron must have 5 fields, got %q", c.Pipeline.RecomputeCron)
	}
	if c.Pipeline.LockTTL.Duration <= 0 {
		add("pipeline: lock_ttl must be > 0")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server: rate_limit_per_minute must be >= 0")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics: addr must not be empty when enabled")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
