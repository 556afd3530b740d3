package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, client *redis.Client) (*BalanceCache, *clock.FakeClock, *prometheus.Registry) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	ledgerMetrics := obsmetrics.NewLedgerMetricsWithRegistry(registry, obsmetrics.Config{})
	c := newBalanceCache(Params{
		Redis:   client,
		Config:  config.NewStaticLedgerConfigHolder(config.LedgerConfig{CacheTTL: 20 * time.Second}),
		Clock:   clk,
		Log:     zap.NewNop(),
		Metrics: ledgerMetrics,
	})
	return c, clk, registry
}

func snapshot(companyID snowflake.ID, available int64) balancedomain.AvailableBalance {
	return balancedomain.AvailableBalance{
		CompanyID: companyID,
		Monthly:   available,
		Available: available,
		AsOf:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryOnlyReadThrough(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)

	c.Set(ctx, snapshot(1, 500))
	got, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(500), got.Available)
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	c, clk, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, snapshot(1, 500))
	clk.Advance(19 * time.Second)
	_, ok := c.Get(ctx, 1)
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get(ctx, 1)
	assert.False(t, ok)
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, snapshot(1, 500))
	c.Set(ctx, snapshot(2, 700))
	c.Invalidate(ctx, 1)

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, 2)
	assert.True(t, ok, "other tenants are untouched")
}

func TestRedisFailureFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	require.NoError(t, client.Close())

	c, _, registry := newTestCache(t, client)
	ctx := context.Background()

	c.Set(ctx, snapshot(9, 800))
	got, ok := c.Get(ctx, 9)
	require.True(t, ok)
	assert.Equal(t, int64(800), got.Available)

	c.Invalidate(ctx, 9)
	_, ok = c.Get(ctx, 9)
	assert.False(t, ok)

	fallbacks, err := testutil.GatherAndCount(registry, "tokenledger_balance_cache_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 3, fallbacks, "set, get and invalidate each fell back")
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

// memoryRedis answers GET, SET and DEL in process so no server is needed.
// Setting failDel makes every DEL fail as if the connection dropped.
type memoryRedis struct {
	mu      sync.Mutex
	values  map[string]string
	failDel bool
}

func newMemoryRedis() (*memoryRedis, *redis.Client) {
	store := &memoryRedis{values: make(map[string]string)}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	client.AddHook(store)
	return store, client
}

func (m *memoryRedis) setFailDel(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDel = fail
}

func (m *memoryRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (m *memoryRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (m *memoryRedis) ProcessHook(_ redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		args := cmd.Args()
		key, _ := args[1].(string)
		switch cmd.Name() {
		case "get":
			value, ok := m.values[key]
			if !ok {
				return redis.Nil
			}
			cmd.(*redis.StringCmd).SetVal(value)
		case "set":
			switch v := args[2].(type) {
			case []byte:
				m.values[key] = string(v)
			case string:
				m.values[key] = v
			}
			cmd.(*redis.StatusCmd).SetVal("OK")
		case "del":
			if m.failDel {
				return errors.New("connection reset by peer")
			}
			delete(m.values, key)
			cmd.(*redis.IntCmd).SetVal(1)
		default:
			return errors.New("unsupported command " + cmd.Name())
		}
		return nil
	}
}

func TestFailedInvalidateNeverServesStaleRedisSnapshot(t *testing.T) {
	store, client := newMemoryRedis()
	c, clk, _ := newTestCache(t, client)
	ctx := context.Background()

	c.Set(ctx, snapshot(1, 500))
	got, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(500), got.Available)

	store.setFailDel(true)
	c.Invalidate(ctx, 1)
	_, ok = c.Get(ctx, 1)
	assert.False(t, ok, "redis still holds the old snapshot but it must not be served")

	store.setFailDel(false)
	_, ok = c.Get(ctx, 1)
	assert.False(t, ok)
	store.mu.Lock()
	_, present := store.values[balanceKey(1)]
	store.mu.Unlock()
	assert.False(t, present, "the retried DEL removed the redis copy")

	c.Set(ctx, snapshot(1, 300))
	got, ok = c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(300), got.Available)

	store.setFailDel(true)
	c.Invalidate(ctx, 1)
	clk.Advance(20 * time.Second)
	c.Set(ctx, snapshot(1, 100))
	got, ok = c.Get(ctx, 1)
	require.True(t, ok, "a fresh write replaces the stale copy")
	assert.Equal(t, int64(100), got.Available)
}

func TestNewBalanceCacheSatisfiesDomainCache(t *testing.T) {
	var c balancedomain.Cache = NewBalanceCache(Params{Log: zap.NewNop()})
	c.Set(context.Background(), snapshot(3, 10))
	got, ok := c.Get(context.Background(), 3)
	require.True(t, ok)
	assert.Equal(t, int64(10), got.Available)
}
