package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix prefixes every environment override.
const envPrefix = "MARKET_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKET_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.Scheme, "WALLET_SCHEME")
	setStr(&cfg.Wallet.KeyFile, "WALLET_KEY_FILE")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "LEDGER_RPC_URL")
	setStr(&cfg.Ledger.GraphQLURL, "LEDGER_GRAPHQL_URL")
	setStr(&cfg.Ledger.GraphQLAPIKey, "LEDGER_GRAPHQL_API_KEY")
	setStr(&cfg.Ledger.WsURL, "LEDGER_WS_URL")
	setStr(&cfg.Ledger.FaucetURL, "LEDGER_FAUCET_URL")
	setStr(&cfg.Ledger.PackageID, "LEDGER_PACKAGE_ID")
	setStr(&cfg.Ledger.MarketplaceID, "LEDGER_MARKETPLACE_ID")
	setStr(&cfg.Ledger.Module, "LEDGER_MODULE")
	setStr(&cfg.Ledger.CoinType, "LEDGER_COIN_TYPE")
	setUint64(&cfg.Ledger.GasBudget, "LEDGER_GAS_BUDGET")
	setInt(&cfg.Ledger.MaxMetadataBytes, "LEDGER_MAX_METADATA_BYTES")
	setDuration(&cfg.Ledger.RequestTimeout, "LEDGER_REQUEST_TIMEOUT")

	// ── Submission ──
	setUint64(&cfg.Submission.MinBalance, "SUBMISSION_MIN_BALANCE")
	setDuration(&cfg.Submission.PollInterval, "SUBMISSION_POLL_INTERVAL")
	setDuration(&cfg.Submission.FinalityTimeout, "SUBMISSION_FINALITY_TIMEOUT")
	setDuration(&cfg.Submission.FaucetTimeout, "SUBMISSION_FAUCET_TIMEOUT")
	setDuration(&cfg.Submission.LockTTL, "SUBMISSION_LOCK_TTL")
	setBool(&cfg.Submission.DistributedLock, "SUBMISSION_DISTRIBUTED_LOCK")

	// ── Query ──
	setInt(&cfg.Query.PageSize, "QUERY_PAGE_SIZE")
	setInt(&cfg.Query.MaxPages, "QUERY_MAX_PAGES")
	setDuration(&cfg.Query.TTL, "QUERY_TTL")
	setDuration(&cfg.Query.LookupTTL, "QUERY_LOOKUP_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.EntityTTL, "REDIS_ENTITY_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setBool(&cfg.Server.WriteAPI, "SERVER_WRITE_API")
	setInt(&cfg.Server.ReplayEvents, "SERVER_REPLAY_EVENTS")

	// ── Sync ──
	setDuration(&cfg.Sync.RefreshInterval, "SYNC_REFRESH_INTERVAL")
	setBool(&cfg.Sync.ListenEvents, "SYNC_LISTEN_EVENTS")
	setStr(&cfg.Sync.ArchiveCron, "SYNC_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
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
