package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, 30*24*time.Hour, cfg.Idempotency.RecordRetention)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.True(t, cfg.Orders.NonAtomicFallback)
	assert.Equal(t, 5, cfg.Orders.NumberAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RecheckAfter)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAYSYNC_SERVER_PORT", "9090")
	t.Setenv("PAYSYNC_ORDERS_NON_ATOMIC_FALLBACK", "false")
	t.Setenv("PAYSYNC_SCHEDULER_INTERVAL", "30s")

	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Orders.NonAtomicFallback)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
}

func TestLoad_FileAndDotEnv(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("database:\n  driver: mysql\n  mysql:\n    host: db\n    port: 3307\n    username: u\n    password: p\n    database: pay\n"), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("PAYSYNC_WEBHOOK_SIGNING_SECRET=whsec_from_env\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PAYSYNC_WEBHOOK_SIGNING_SECRET") })

	cfg, err := Load(envPath, yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "u:p@tcp(db:3307)/pay?charset=utf8mb4&parseTime=True&loc=Local", cfg.Database.MySQL.DSN())
	assert.Equal(t, "whsec_from_env", cfg.Webhook.SigningSecret)
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"), "")
	require.NoError(t, err)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("PAYSYNC_IDEMPOTENCY_BACKEND", "memcached")

	_, err := Load("", "")
	require.Error(t, err)
}
