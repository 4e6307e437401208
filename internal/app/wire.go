package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/p2pescrow/internal/blob/s3"
	"github.com/alanyoungcy/p2pescrow/internal/cache/redis"
	"github.com/alanyoungcy/p2pescrow/internal/config"
	"github.com/alanyoungcy/p2pescrow/internal/crypto"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/marketplace"
	"github.com/alanyoungcy/p2pescrow/internal/notify"
	"github.com/alanyoungcy/p2pescrow/internal/platform/sui"
	"github.com/alanyoungcy/p2pescrow/internal/query"
	"github.com/alanyoungcy/p2pescrow/internal/server/handler"
	"github.com/alanyoungcy/p2pescrow/internal/store/postgres"
	"github.com/alanyoungcy/p2pescrow/internal/submit"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

// Dependencies bundles everything the application modes need. It is built by
// Wire and torn down by the returned cleanup function. Optional backends are
// nil when not configured.
type Dependencies struct {
	// Ledger
	RPC     *sui.RPCClient
	Indexer *sui.GraphQLClient
	Faucet  *sui.FaucetClient

	// Read and write paths
	Store   *query.Store
	Builder *txbuilder.Builder
	Signer  *crypto.Signer
	Engine  *submit.Engine
	Market  *marketplace.Client

	// Persistence
	Entities   *postgres.EntityStore
	AuditStore domain.AuditStore

	// Redis
	Cache       domain.EntityCache
	LockManager domain.LockManager
	Bus         *redis.EventBus
	RateLimiter domain.RateLimiter

	// Blob storage
	Archiver *s3blob.Archiver

	// Operator alerts
	Notifier *notify.Notifier

	// Pingers reports each configured backend for the health endpoint.
	Pingers map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// needsSigner returns true when the mode submits transactions.
func needsSigner(cfg *config.Config) bool {
	switch cfg.Mode {
	case "serve", "full":
		return cfg.Server.WriteAPI
	default:
		return false
	}
}

// needsS3 returns true when the mode writes snapshots.
func needsS3(cfg *config.Config) bool {
	switch cfg.Mode {
	case "archive":
		return true
	case "sync", "full":
		return cfg.Sync.ArchiveCron != ""
	default:
		return false
	}
}

// Wire constructs the concrete dependencies from cfg and returns them with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}
	timeout := cfg.Ledger.RequestTimeout.Duration

	// --- Ledger clients ---
	indexer, err := sui.NewGraphQLClient(cfg.Ledger.GraphQLURL, cfg.Ledger.GraphQLAPIKey, timeout)
	if err != nil {
		return fail(fmt.Errorf("wire: graphql: %w", err))
	}
	deps.Indexer = indexer
	deps.RPC = sui.NewRPCClient(cfg.Ledger.RPCURL, timeout)
	if cfg.Ledger.FaucetURL != "" {
		deps.Faucet = sui.NewFaucetClient(cfg.Ledger.FaucetURL, timeout)
	}

	// --- PostgreSQL (optional read-model sink and audit trail) ---
	var sinks []domain.ReadModelSink
	if cfg.Postgres.Enabled() {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Entities = postgres.NewEntityStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Pingers["postgres"] = pgClient
		sinks = append(sinks, deps.Entities)
	}

	// --- Redis (optional entity cache, signer lock, event bus) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewEntityCache(redisClient, cfg.Redis.EntityTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Pingers["redis"] = redisClient
		sinks = append(sinks, deps.Cache)
	}

	// --- Read model ---
	deps.Store = query.NewStore(deps.Indexer, query.Config{
		PackageID: cfg.Ledger.PackageID,
		Module:    cfg.Ledger.Module,
		PageSize:  cfg.Query.PageSize,
		MaxPages:  cfg.Query.MaxPages,
		TTL:       cfg.Query.TTL.Duration,
		LookupTTL: cfg.Query.LookupTTL.Duration,
	}, logger, sinks...)

	builder, err := txbuilder.New(txbuilder.Config{
		PackageID:        cfg.Ledger.PackageID,
		MarketplaceID:    cfg.Ledger.MarketplaceID,
		Module:           cfg.Ledger.Module,
		CoinType:         cfg.Ledger.CoinType,
		GasBudget:        cfg.Ledger.GasBudget,
		MaxMetadataBytes: cfg.Ledger.MaxMetadataBytes,
	}, deps.RPC)
	if err != nil {
		return fail(fmt.Errorf("wire: tx builder: %w", err))
	}
	deps.Builder = builder

	// --- Write path (only when the mode submits) ---
	if needsSigner(cfg) {
		signer, err := crypto.LoadSigner(cfg.Wallet.KeyConfig())
		if err != nil {
			return fail(fmt.Errorf("wire: signer: %w", err))
		}
		deps.Signer = signer

		opts := []submit.Option{}
		if deps.Faucet != nil {
			opts = append(opts, submit.WithFaucet(deps.Faucet))
		}
		if cfg.Submission.DistributedLock && deps.LockManager != nil {
			opts = append(opts, submit.WithLocker(deps.LockManager))
		}
		if deps.AuditStore != nil {
			opts = append(opts, submit.WithAudit(deps.AuditStore))
		}
		if deps.Bus != nil {
			opts = append(opts, submit.WithBus(deps.Bus))
		}
		deps.Engine = submit.New(deps.RPC, signer, submit.Config{
			MinBalance:      cfg.Submission.MinBalance,
			PollInterval:    cfg.Submission.PollInterval.Duration,
			FinalityTimeout: cfg.Submission.FinalityTimeout.Duration,
			FaucetTimeout:   cfg.Submission.FaucetTimeout.Duration,
			LockTTL:         cfg.Submission.LockTTL.Duration,
		}, logger, opts...)

		var mopts []marketplace.Option
		if deps.Cache != nil {
			mopts = append(mopts, marketplace.WithEntityCache(deps.Cache))
		}
		if deps.Bus != nil {
			mopts = append(mopts, marketplace.WithBus(deps.Bus))
		}
		deps.Market = marketplace.New(deps.Store, deps.Builder, deps.Engine, logger, mopts...)
	}

	// --- S3 blob storage (snapshots) ---
	if needsS3(cfg) {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Store, deps.AuditStore, cfg.S3.Prefix, logger)
		deps.Pingers["s3"] = pingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
