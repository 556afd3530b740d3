package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("DATABASE_MAX_OPEN_CONN", "7")
	t.Setenv("DATABASE_AUTO_MIGRATE", "off")
	t.Setenv("REDIS_ADDR", " localhost:6379 ")
	t.Setenv("RENEWAL_SWEEP_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")
	t.Setenv("DATABASE_SLOW_QUERY_MS", "50")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, 7, cfg.DBMaxOpenConn)
	assert.False(t, cfg.DBAutoMigrate)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled())
	assert.False(t, cfg.RenewalSweepEnabled)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.Debug(), "debug level wins over a production environment")
	assert.Equal(t, 0.5, cfg.Observability.OtelSamplingRatio)
	assert.Equal(t, 50*time.Millisecond, cfg.Observability.SlowQueryThreshold)
	assert.Equal(t, "grpc", cfg.Observability.OtelProtocol)
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_MAX_IDLE_CONN", "many")
	t.Setenv("DATABASE_AUTO_MIGRATE", "sometimes")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "half")
	t.Setenv("ENVIRONMENT", "staging")

	cfg := Load()
	assert.Equal(t, 0.1, cfg.Observability.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
	assert.Equal(t, 10, cfg.DBMaxIdleConn)
	assert.True(t, cfg.DBAutoMigrate)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLedgerConfigDefaults(t *testing.T) {
	var holder *LedgerConfigHolder
	assert.Equal(t, DefaultLedgerConfig(), holder.Get())

	static := NewStaticLedgerConfigHolder(LedgerConfig{SweepBatchSize: 5})
	cfg := static.Get()
	assert.Equal(t, 5, cfg.SweepBatchSize)
	assert.Equal(t, 20*time.Second, cfg.CacheTTL)
	assert.Equal(t, 24, cfg.MaxCatchUpPeriods)
}

func TestNewLedgerConfigHolderWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewLedgerConfigHolder(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultLedgerConfig(), holder.Get())
}

func TestNewLedgerConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := []byte("ledger:\n  cacheTTL: 5s\n  sweepBatchSize: 10\n  maxCatchUpPeriods: 3\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.yml"), content, 0o600))

	holder, err := NewLedgerConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.SweepBatchSize)
	assert.Equal(t, 3, cfg.MaxCatchUpPeriods)
	assert.Equal(t, 30*time.Second, cfg.CaptureLockTTL)
}

func TestNewLedgerConfigHolderRejectsNegativeValues(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := []byte("ledger:\n  sweepBatchSize: -1\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.yml"), content, 0o600))

	_, err := NewLedgerConfigHolder(zap.NewNop())
	assert.Error(t, err)
}
