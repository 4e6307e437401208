package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/market?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "market"}))
	assert.Equal(t, "postgres://u:p@db:6543/market?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, User: "u", Password: "p", Database: "market", SSLMode: "require"}))
	assert.Equal(t, "postgres://override", DSN(ClientConfig{DSN: "postgres://override", Host: "ignored"}))
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := migrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_entities.sql", "002_audit_log.sql"}, names)

	for _, n := range names {
		data, err := migrationsFS.ReadFile("migrations/" + n)
		require.NoError(t, err)
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS")
	}
}

func TestAuditQuery(t *testing.T) {
	q, args := auditQuery(domain.ListOpts{})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC", q)
	assert.Empty(t, args)

	since := time.Unix(100, 0)
	q, args = auditQuery(domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)
}

func TestMetadataJSONKeepsOrder(t *testing.T) {
	b, err := metadataJSON(domain.Metadata{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}})
	require.NoError(t, err)
	var rows []metadataRow
	require.NoError(t, json.Unmarshal(b, &rows))
	assert.Equal(t, []metadataRow{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}}, rows)

	b, err = metadataJSON(nil)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(b))
}

func TestAmountsAsNumericText(t *testing.T) {
	assert.Equal(t, "18446744073709551615", num(^uint64(0)))
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("0x1"))
	assert.Equal(t, "0x1", *nullable("0x1"))
}
