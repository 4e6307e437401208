// Package config defines the top-level configuration for the marketplace
// client and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/crypto"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKET_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Submission SubmissionConfig `toml:"submission"`
	Query      QueryConfig      `toml:"query"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Sync       SyncConfig       `toml:"sync"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the signing key of the account.
type WalletConfig struct {
	PrivateKey  string `toml:"private_key"`
	Scheme      string `toml:"scheme"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

// KeyConfig converts the wallet section for crypto.LoadSigner.
func (w WalletConfig) KeyConfig() crypto.KeyConfig {
	return crypto.KeyConfig{
		PrivateKey:  w.PrivateKey,
		Scheme:      w.Scheme,
		KeyFile:     w.KeyFile,
		KeyPassword: w.KeyPassword,
	}
}

// LedgerConfig holds ledger endpoints and the deployed marketplace.
type LedgerConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	GraphQLURL       string   `toml:"graphql_url"`
	GraphQLAPIKey    string   `toml:"graphql_api_key"`
	WsURL            string   `toml:"ws_url"`
	FaucetURL        string   `toml:"faucet_url"`
	PackageID        string   `toml:"package_id"`
	MarketplaceID    string   `toml:"marketplace_id"`
	Module           string   `toml:"module"`
	CoinType         string   `toml:"coin_type"`
	GasBudget        uint64   `toml:"gas_budget"`
	MaxMetadataBytes int      `toml:"max_metadata_bytes"`
	RequestTimeout   duration `toml:"request_timeout"`
}

// SubmissionConfig holds Submission & Confirmation Engine parameters.
type SubmissionConfig struct {
	MinBalance      uint64   `toml:"min_balance"`
	PollInterval    duration `toml:"poll_interval"`
	FinalityTimeout duration `toml:"finality_timeout"`
	FaucetTimeout   duration `toml:"faucet_timeout"`
	LockTTL         duration `toml:"lock_ttl"`
	DistributedLock bool     `toml:"distributed_lock"`
}

// QueryConfig holds read-model parameters.
type QueryConfig struct {
	PageSize  int      `toml:"page_size"`
	MaxPages  int      `toml:"max_pages"`
	TTL       duration `toml:"ttl"`
	LookupTTL duration `toml:"lookup_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN and
// host disables the read-model sink and the audit trail.
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

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || p.Host != ""
}

// RedisConfig holds Redis connection parameters. An empty Addr disables the
// entity cache, the distributed lock and the event bus.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	EntityTTL  duration `toml:"entity_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	// WriteAPI exposes the wallet-backed POST endpoints.
	WriteAPI     bool `toml:"write_api"`
	ReplayEvents int  `toml:"replay_events"`
}

// SyncConfig holds read-model synchronisation parameters.
type SyncConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
	ListenEvents    bool     `toml:"listen_events"`
	// ArchiveCron schedules S3 snapshots in sync and full modes. Empty
	// disables them.
	ArchiveCron string `toml:"archive_cron"`
}

// NotifyConfig holds operator alert channels. Alerts need the Redis event
// bus; with no channel configured they are off.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Wallet: WalletConfig{Scheme: "ed25519"},
		Ledger: LedgerConfig{
			RPCURL:           "https://fullnode.testnet.sui.io:443",
			GraphQLURL:       "https://sui-testnet.mystenlabs.com/graphql",
			WsURL:            "wss://fullnode.testnet.sui.io:443",
			FaucetURL:        "https://faucet.testnet.sui.io/v2/gas",
			Module:           "marketplace",
			CoinType:         "0x2::sui::SUI",
			GasBudget:        100_000_000,
			MaxMetadataBytes: 4096,
			RequestTimeout:   duration{30 * time.Second},
		},
		Submission: SubmissionConfig{
			MinBalance:      50_000_000,
			PollInterval:    duration{500 * time.Millisecond},
			FinalityTimeout: duration{60 * time.Second},
			FaucetTimeout:   duration{30 * time.Second},
			LockTTL:         duration{2 * time.Minute},
		},
		Query: QueryConfig{
			PageSize:  50,
			MaxPages:  20,
			TTL:       duration{15 * time.Second},
			LookupTTL: duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			EntityTTL:  duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketplace-snapshots",
			Prefix:         "snapshots",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:    120,
			ReplayEvents: 20,
		},
		Sync: SyncConfig{
			RefreshInterval: duration{30 * time.Second},
			ListenEvents:    true,
		},
		Notify: NotifyConfig{
			Events: []string{"submission_failed", "dispute_changed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"sync":    true,
	"serve":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, serve, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Wallet.KeyFile != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when key_file is set")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.KeyFile != "" {
		errs = append(errs, "wallet: set either private_key or key_file, not both")
	}
	if _, err := crypto.ParseScheme(c.Wallet.Scheme); err != nil {
		errs = append(errs, fmt.Sprintf("wallet: %v", err))
	}

	// Ledger
	if c.Ledger.GraphQLURL == "" {
		errs = append(errs, "ledger: graphql_url must not be empty")
	}
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Ledger.PackageID == "" {
		errs = append(errs, "ledger: package_id must not be empty")
	}
	if c.Ledger.MarketplaceID == "" {
		errs = append(errs, "ledger: marketplace_id must not be empty")
	}
	if c.Ledger.CoinType == "" {
		errs = append(errs, "ledger: coin_type must not be empty")
	}
	if c.Ledger.GasBudget == 0 {
		errs = append(errs, "ledger: gas_budget must be > 0")
	}
	if c.Ledger.MaxMetadataBytes <= 0 {
		errs = append(errs, "ledger: max_metadata_bytes must be > 0")
	}
	if (mode == "sync" || mode == "full") && c.Sync.ListenEvents && c.Ledger.WsURL == "" {
		errs = append(errs, "ledger: ws_url is required when sync.listen_events is set")
	}

	// Submission
	if c.Submission.PollInterval.Duration <= 0 {
		errs = append(errs, "submission: poll_interval must be > 0")
	}
	if c.Submission.FinalityTimeout.Duration < c.Submission.PollInterval.Duration {
		errs = append(errs, "submission: finality_timeout must not be shorter than poll_interval")
	}

	// Query
	if c.Query.PageSize < 1 || c.Query.PageSize > 50 {
		errs = append(errs, fmt.Sprintf("query: page_size must be 1-50, got %d", c.Query.PageSize))
	}
	if c.Query.MaxPages < 1 {
		errs = append(errs, "query: max_pages must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Submission.DistributedLock && c.Redis.Addr == "" {
		errs = append(errs, "submission: distributed_lock requires redis.addr")
	}

	// S3
	if mode == "archive" || ((mode == "sync" || mode == "full") && c.Sync.ArchiveCron != "") {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if mode == "serve" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.WriteAPI && c.Wallet.PrivateKey == "" && c.Wallet.KeyFile == "" {
			errs = append(errs, "server: write_api requires a wallet key")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Sync
	if c.Sync.RefreshInterval.Duration <= 0 {
		errs = append(errs, "sync: refresh_interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
