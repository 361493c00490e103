package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML configuration file at path, merges it on top of the
// built-in defaults, applies BOOKLOTS_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads the BOOKLOTS_* environment variables and overwrites
// the corresponding Config fields when a variable is set (i.e. not empty).
func applyEnvOverrides(cfg *Config) {
	// ── Lots ──
	setFloat64(&cfg.Lots.MinLotValue, "BOOKLOTS_LOTS_MIN_LOT_VALUE")
	setInt(&cfg.Lots.MinGroupSize, "BOOKLOTS_LOTS_MIN_GROUP_SIZE")
	setFloat64(&cfg.Lots.ProbabilityBonus, "BOOKLOTS_LOTS_PROBABILITY_BONUS")
	setFloat64(&cfg.Lots.MinSeriesConfidence, "BOOKLOTS_LOTS_MIN_SERIES_CONFIDENCE")
	setInt(&cfg.Lots.ValueBatchMax, "BOOKLOTS_LOTS_VALUE_BATCH_MAX")
	setFloat64(&cfg.Lots.ValueFloor, "BOOKLOTS_LOTS_VALUE_FLOOR")
	setInt(&cfg.Lots.ValuationWorkers, "BOOKLOTS_LOTS_VALUATION_WORKERS")

	// ── Comps ──
	setInt(&cfg.Comps.SearchLimit, "BOOKLOTS_COMPS_SEARCH_LIMIT")
	setInt(&cfg.Comps.MinSamples, "BOOKLOTS_COMPS_MIN_SAMPLES")
	setInt(&cfg.Comps.MaxLotSize, "BOOKLOTS_COMPS_MAX_LOT_SIZE")
	setDuration(&cfg.Comps.SearchTimeout, "BOOKLOTS_COMPS_SEARCH_TIMEOUT")
	setInt(&cfg.Comps.MaxRetries, "BOOKLOTS_COMPS_MAX_RETRIES")
	setDuration(&cfg.Comps.RetryBackoff, "BOOKLOTS_COMPS_RETRY_BACKOFF")
	setInt(&cfg.Comps.RateLimitPerMinute, "BOOKLOTS_COMPS_RATE_LIMIT_PER_MINUTE")
	setDuration(&cfg.Comps.CacheTTL, "BOOKLOTS_COMPS_CACHE_TTL")

	// ── Marketplace ──
	setStr(&cfg.Marketplace.Source, "BOOKLOTS_MARKETPLACE_SOURCE")
	setStr(&cfg.Marketplace.BrowseURL, "BOOKLOTS_MARKETPLACE_BROWSE_URL")
	setStr(&cfg.Marketplace.TokenURL, "BOOKLOTS_MARKETPLACE_TOKEN_URL")
	setStr(&cfg.Marketplace.SoldURL, "BOOKLOTS_MARKETPLACE_SOLD_URL")
	setStr(&cfg.Marketplace.AppID, "BOOKLOTS_MARKETPLACE_APP_ID")
	setStr(&cfg.Marketplace.CertID, "BOOKLOTS_MARKETPLACE_CERT_ID")
	setStr(&cfg.Marketplace.MarketplaceID, "BOOKLOTS_MARKETPLACE_ID")
	setFloat64(&cfg.Marketplace.RequestsPerSecond, "BOOKLOTS_MARKETPLACE_REQUESTS_PER_SECOND")
	setStr(&cfg.Marketplace.UserAgent, "BOOKLOTS_MARKETPLACE_USER_AGENT")

	// ── Catalog ──
	setStr(&cfg.Catalog.Driver, "BOOKLOTS_CATALOG_DRIVER")
	setStr(&cfg.Catalog.SQLitePath, "BOOKLOTS_CATALOG_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BOOKLOTS_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BOOKLOTS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BOOKLOTS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BOOKLOTS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BOOKLOTS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BOOKLOTS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BOOKLOTS_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BOOKLOTS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BOOKLOTS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BOOKLOTS_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BOOKLOTS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BOOKLOTS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BOOKLOTS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BOOKLOTS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BOOKLOTS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BOOKLOTS_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BOOKLOTS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BOOKLOTS_S3_REGION")
	setStr(&cfg.S3.Bucket, "BOOKLOTS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BOOKLOTS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BOOKLOTS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BOOKLOTS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BOOKLOTS_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.SnapshotPrefix, "BOOKLOTS_S3_SNAPSHOT_PREFIX")
	setInt(&cfg.S3.SnapshotKeep, "BOOKLOTS_S3_SNAPSHOT_KEEP")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Workers, "BOOKLOTS_PIPELINE_WORKERS")
	setInt(&cfg.Pipeline.QueueSize, "BOOKLOTS_PIPELINE_QUEUE_SIZE")
	setInt(&cfg.Pipeline.JobRetain, "BOOKLOTS_PIPELINE_JOB_RETAIN")
	setStr(&cfg.Pipeline.ChangeStream, "BOOKLOTS_PIPELINE_CHANGE_STREAM")
	setStr(&cfg.Pipeline.LotEventsChannel, "BOOKLOTS_PIPELINE_LOT_EVENTS_CHANNEL")
	setStr(&cfg.Pipeline.RecomputeCron, "BOOKLOTS_PIPELINE_RECOMPUTE_CRON")
	setDuration(&cfg.Pipeline.LockTTL, "BOOKLOTS_PIPELINE_LOCK_TTL")
	setBool(&cfg.Pipeline.ArchiveSnapshots, "BOOKLOTS_PIPELINE_ARCHIVE_SNAPSHOTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BOOKLOTS_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BOOKLOTS_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "BOOKLOTS_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "BOOKLOTS_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMinute, "BOOKLOTS_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "BOOKLOTS_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "BOOKLOTS_METRICS_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BOOKLOTS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BOOKLOTS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BOOKLOTS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BOOKLOTS_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.MinInterval, "BOOKLOTS_NOTIFY_MIN_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "BOOKLOTS_MODE")
	setStr(&cfg.LogLevel, "BOOKLOTS_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
