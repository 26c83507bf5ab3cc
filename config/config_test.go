package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Store.TxTimeout)
	assert.Equal(t, "memory", cfg.Idempotency.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/batches")
	t.Setenv("TX_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Store.TxTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}

func TestLoad_RejectsIncompleteBackend(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := load(viper.New(), t.TempDir())
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("IDEMPOTENCY_DRIVER", "etcd")

	_, err := load(viper.New(), t.TempDir())
	assert.Error(t, err)
}

func TestLoad_AuditTenants(t *testing.T) {
	t.Setenv("AUDIT_TENANTS", "brewery-a,brewery-b")
	t.Setenv("AUDIT_INTERVAL", "15m")

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"brewery-a", "brewery-b"}, cfg.Audit.Tenants)
	assert.Equal(t, 15*time.Minute, cfg.Audit.Interval)
}
