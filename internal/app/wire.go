package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/booklots/internal/blob/s3"
	"github.com/alanyoungcy/booklots/internal/cache/redis"
	"github.com/alanyoungcy/booklots/internal/comps"
	"github.com/alanyoungcy/booklots/internal/config"
	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/lots"
	"github.com/alanyoungcy/booklots/internal/metrics"
	"github.com/alanyoungcy/booklots/internal/notify"
	"github.com/alanyoungcy/booklots/internal/platform/ebay"
	"github.com/alanyoungcy/booklots/internal/service"
	"github.com/alanyoungcy/booklots/internal/store/postgres"
	"github.com/alanyoungcy/booklots/internal/store/sqlite"
	"github.com/alanyoungcy/booklots/internal/valuation"
)

// searchQuotaKey is the rate limiter key shared by every marketplace search.
const searchQuotaKey = "marketplace:search"

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Metrics

	// Stores
	Catalog    domain.CatalogSnapshotter
	LotStore   domain.LotStore
	AuditStore domain.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archive is nil when snapshot archiving is disabled.
	Archive *s3blob.SnapshotArchive

	// Notifications
	Notifier *notify.Notifier

	Lots *service.LotService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.LotStore = postgres.NewLotStore(pool, postgres.LotStoreConfig{})
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Catalog ---
	switch strings.ToLower(cfg.Catalog.Driver) {
	case "sqlite":
		catalog, err := sqlite.Open(cfg.Catalog.SQLitePath)
		if err != nil {
			return fail("wire: sqlite catalog: %w", err)
		}
		closers = append(closers, func() { _ = catalog.Close() })
		deps.Catalog = catalog
	default:
		deps.Catalog = postgres.NewCatalogStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 snapshot archive ---
	if cfg.Pipeline.ArchiveSnapshots {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Archive = s3blob.NewSnapshotArchive(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.AuditStore,
			s3blob.ArchiveConfig{
				Prefix: cfg.S3.SnapshotPrefix,
				Keep:   cfg.S3.SnapshotKeep,
			},
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Config{
		Events:      cfg.Notify.Events,
		MinInterval: cfg.Notify.MinInterval.Duration,
	}, logger)

	// --- Lot pipeline ---
	var source valuation.ComparableSource
	if searcher := newSearcher(cfg, deps.RateLimiter); searcher != nil {
		var src comps.Source = comps.NewAggregator(searcher, nil, comps.Config{
			SearchLimit:  cfg.Comps.SearchLimit,
			MinSamples:   cfg.Comps.MinSamples,
			MaxLotSize:   cfg.Comps.MaxLotSize,
			Timeout:      cfg.Comps.SearchTimeout.Duration,
			MaxRetries:   cfg.Comps.MaxRetries,
			RetryBackoff: cfg.Comps.RetryBackoff.Duration,
		}, deps.Metrics, logger)
		if cfg.Comps.CacheTTL.Duration > 0 {
			src = comps.NewCachedSource(src, redis.NewCompsCache(redisClient, cfg.Comps.CacheTTL.Duration), deps.Metrics, logger)
		}
		source = src
	}

	engine := valuation.NewEngine(source, valuation.Config{
		ProbabilityBonus: cfg.Lots.ProbabilityBonus,
		MinSamples:       cfg.Comps.MinSamples,
		Workers:          cfg.Lots.ValuationWorkers,
	}, logger)

	builder := lots.NewBuilder(lots.Config{
		MinLotValue:         decimal.NewFromFloat(cfg.Lots.MinLotValue),
		MinGroupSize:        cfg.Lots.MinGroupSize,
		MinSeriesConfidence: cfg.Lots.MinSeriesConfidence,
		ValueBatchMax:       cfg.Lots.ValueBatchMax,
		ValueFloor:          decimal.NewFromFloat(cfg.Lots.ValueFloor),
	}, lots.NewCanonicalizer(cfg.Lots.AuthorAliases))

	deps.Lots = service.NewLotService(
		builder, engine, deps.LotStore, deps.AuditStore,
		deps.SignalBus, cfg.Pipeline.LotEventsChannel,
		deps.Metrics, logger,
	)

	return deps, cleanup, nil
}

// newSearcher builds the configured marketplace backend, or nil when lots are
// valued from their members only. Searches share one quota across workers
// when a per-minute limit is set.
func newSearcher(cfg *config.Config, limiter domain.RateLimiter) domain.ListingSearcher {
	var searcher domain.ListingSearcher
	switch strings.ToLower(cfg.Marketplace.Source) {
	case "browse":
		tokens := ebay.NewTokenSource(cfg.Marketplace.TokenURL, cfg.Marketplace.AppID, cfg.Marketplace.CertID, "")
		searcher = ebay.NewBrowseClient(ebay.BrowseConfig{
			BaseURL:           cfg.Marketplace.BrowseURL,
			MarketplaceID:     cfg.Marketplace.MarketplaceID,
			RequestsPerSecond: cfg.Marketplace.RequestsPerSecond,
			Timeout:           cfg.Comps.SearchTimeout.Duration,
		}, tokens)
	case "sold":
		searcher = ebay.NewSoldScraper(ebay.SoldConfig{
			SearchURL:         cfg.Marketplace.SoldURL,
			UserAgent:         cfg.Marketplace.UserAgent,
			RequestsPerSecond: cfg.Marketplace.RequestsPerSecond,
			Timeout:           cfg.Comps.SearchTimeout.Duration,
		})
	default:
		return nil
	}

	if cfg.Comps.RateLimitPerMinute > 0 && limiter != nil {
		searcher = comps.NewRateLimitedSearcher(searcher, limiter, searchQuotaKey, cfg.Comps.RateLimitPerMinute, time.Minute)
	}
	return searcher
}
