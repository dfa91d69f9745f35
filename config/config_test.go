package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://market@localhost/market
auth:
  jwt_secret: file-secret
expiry:
  limit: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://market@localhost/market", cfg.Database.DSN)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 50, cfg.Expiry.Limit)
	assert.Equal(t, 168, cfg.Expiry.TimeoutHours)
	assert.Equal(t, 7*24*time.Hour, cfg.Matching.MatchTTL)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "agentmarket.notifications", cfg.Notify.Kafka.Topic)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://file
auth:
  jwt_secret: file-secret
`)
	t.Setenv("AGENTMARKET_DATABASE_DSN", "postgres://env")
	t.Setenv("AGENTMARKET_EXPIRY_TIMEOUT_HOURS", "24")
	t.Setenv("AGENTMARKET_NOTIFY_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, 24, cfg.Expiry.TimeoutHours)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Kafka.Brokers)
}

func TestLoadRequiresSecrets(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://file
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}
