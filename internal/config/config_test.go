package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
mode = "serve"
log_level = "debug"

[ledger]
package_id = "0xaa"
marketplace_id = "0xbb"
coin_type = "0xcc::token::TOKEN"

[submission]
finality_timeout = "90s"

[query]
page_size = 25
ttl = "1m"

[server]
port = 9100
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, "0xaa", cfg.Ledger.PackageID)
	assert.Equal(t, 90*time.Second, cfg.Submission.FinalityTimeout.Duration)
	assert.Equal(t, 25, cfg.Query.PageSize)
	assert.Equal(t, time.Minute, cfg.Query.TTL.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)

	// untouched defaults survive
	assert.Equal(t, "marketplace", cfg.Ledger.Module)
	assert.Equal(t, 500*time.Millisecond, cfg.Submission.PollInterval.Duration)
	assert.Equal(t, 20, cfg.Query.MaxPages)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKET_MODE", "sync")
	t.Setenv("MARKET_LEDGER_GAS_BUDGET", "5000")
	t.Setenv("MARKET_SUBMISSION_POLL_INTERVAL", "250ms")
	t.Setenv("MARKET_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("MARKET_REDIS_ADDR", "localhost:6379")
	t.Setenv("MARKET_QUERY_PAGE_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "sync", cfg.Mode)
	assert.Equal(t, uint64(5000), cfg.Ledger.GasBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.Submission.PollInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.Query.PageSize, "unparsable values are ignored")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "mode = \n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "[query]\nttl = \"soon\"\n"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Query.PageSize = 0
	cfg.Wallet.KeyFile = "key.json"
	cfg.Submission.DistributedLock = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		"ledger: package_id must not be empty",
		"ledger: marketplace_id must not be empty",
		"query: page_size must be 1-50",
		"wallet: key_password is required",
		"distributed_lock requires redis.addr",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateModeSpecificSections(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.PackageID = "0xaa"
	cfg.Ledger.MarketplaceID = "0xbb"
	cfg.Mode = "archive"
	cfg.S3.Bucket = ""
	cfg.Server.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
	assert.NotContains(t, err.Error(), "server: port")

	cfg.Mode = "full"
	cfg.Ledger.WsURL = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server: port")
	assert.Contains(t, err.Error(), "ws_url is required")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "suiprivkey1secret"
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "k"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Wallet.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, "suiprivkey1secret", cfg.Wallet.PrivateKey)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}

func TestWalletKeyConfig(t *testing.T) {
	w := WalletConfig{PrivateKey: "ab", Scheme: "secp256k1", KeyFile: "f", KeyPassword: "p"}
	kc := w.KeyConfig()
	assert.Equal(t, "ab", kc.PrivateKey)
	assert.Equal(t, "secp256k1", kc.Scheme)
	assert.Equal(t, "f", kc.KeyFile)
	assert.Equal(t, "p", kc.KeyPassword)
}

func TestValidateArchiveCronAndWriteAPI(t *testing.T) {
	t.Setenv("MARKET_SYNC_ARCHIVE_CRON", "0 */6 * * *")
	t.Setenv("MARKET_SERVER_WRITE_API", "true")
	t.Setenv("MARKET_S3_BUCKET", "")

	cfg, err := Load(writeConfig(t, sample+"\n[s3]\nbucket = \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "0 */6 * * *", cfg.Sync.ArchiveCron)
	assert.True(t, cfg.Server.WriteAPI)
	assert.Equal(t, 20, cfg.Server.ReplayEvents)

	cfg.Mode = "full"
	cfg.Ledger.WsURL = "ws://localhost:9000"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
	assert.Contains(t, err.Error(), "write_api requires a wallet key")

	cfg.S3.Bucket = "snaps"
	cfg.Wallet.PrivateKey = "suiprivkey1abc"
	assert.NoError(t, cfg.Validate())
}

func TestValidateNotifyPairs(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.PackageID = "0xaa"
	cfg.Ledger.MarketplaceID = "0xbb"
	cfg.Notify.TelegramToken = "tok"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram_token and telegram_chat_id")

	cfg.Notify.TelegramChatID = "42"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "***", RedactedConfig(&cfg).Notify.TelegramToken)
}
