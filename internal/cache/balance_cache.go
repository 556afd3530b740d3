package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyBalance = "tokenledger:balance:%s"

var Module = fx.Module("cache",
	fx.Provide(NewBalanceCache),
)

type Params struct {
	fx.In

	Redis   *redis.Client              `optional:"true"`
	Config  *config.LedgerConfigHolder `optional:"true"`
	Clock   clock.Clock                `optional:"true"`
	Log     *zap.Logger
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// BalanceCache is the read-through snapshot store for balances. Redis is the
// shared backend; an in-process TTL map serves when Redis is absent or failing.
type BalanceCache struct {
	redis   *redis.Client
	memory  Cache[snowflake.ID, balancedomain.AvailableBalance]
	// stale marks companies whose Redis snapshot could not be deleted. Their
	// Redis copy is bypassed until the DEL succeeds or the snapshot expires.
	stale   Cache[snowflake.ID, struct{}]
	cfg     *config.LedgerConfigHolder
	log     *zap.Logger
	metrics *obsmetrics.LedgerMetrics
}

func NewBalanceCache(p Params) balancedomain.Cache {
	return newBalanceCache(p)
}

func newBalanceCache(p Params) *BalanceCache {
	now := time.Now
	if p.Clock != nil {
		now = p.Clock.Now
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &BalanceCache{
		redis:   p.Redis,
		memory:  NewTTLCacheWithClock[snowflake.ID, balancedomain.AvailableBalance](now),
		stale:   NewTTLCacheWithClock[snowflake.ID, struct{}](now),
		cfg:     p.Config,
		log:     log.Named("cache.balance"),
		metrics: p.Metrics,
	}
}

func (c *BalanceCache) Get(ctx context.Context, companyID snowflake.ID) (balancedomain.AvailableBalance, bool) {
	if c.redis != nil && c.retryInvalidate(ctx, companyID) {
		raw, err := c.redis.Get(ctx, balanceKey(companyID)).Bytes()
		switch {
		case err == nil:
			var balance balancedomain.AvailableBalance
			if jsonErr := json.Unmarshal(raw, &balance); jsonErr != nil {
				c.log.Warn("discarding undecodable balance snapshot", zap.String("company_id", companyID.String()), zap.Error(jsonErr))
				break
			}
			c.metrics.IncCacheLookup(obsmetrics.CacheBackendRedis, obsmetrics.CacheResultHit)
			return balance, true
		case errors.Is(err, redis.Nil):
			c.metrics.IncCacheLookup(obsmetrics.CacheBackendRedis, obsmetrics.CacheResultMiss)
			return balancedomain.AvailableBalance{}, false
		default:
			c.fallback("get", companyID, err)
		}
	}

	balance, ok := c.memory.Get(companyID)
	result := obsmetrics.CacheResultMiss
	if ok {
		result = obsmetrics.CacheResultHit
	}
	c.metrics.IncCacheLookup(obsmetrics.CacheBackendMemory, result)
	return balance, ok
}

func (c *BalanceCache) Set(ctx context.Context, balance balancedomain.AvailableBalance) {
	if balance.CompanyID == 0 {
		return
	}
	ttl := c.ttl()
	if c.redis != nil {
		payload, err := json.Marshal(balance)
		if err != nil {
			c.log.Warn("encode balance snapshot failed", zap.Error(err))
			return
		}
		err = c.redis.Set(ctx, balanceKey(balance.CompanyID), payload, ttl).Err()
		if err == nil {
			c.stale.Delete(balance.CompanyID)
			return
		}
		c.fallback("set", balance.CompanyID, err)
	}
	c.memory.Set(balance.CompanyID, balance, ttl)
}

// Invalidate drops the snapshot from both backends. It is called after every
// committed balance write.
func (c *BalanceCache) Invalidate(ctx context.Context, companyID snowflake.ID) {
	c.memory.Delete(companyID)
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, balanceKey(companyID)).Err(); err != nil {
		c.metrics.IncCacheFallback("invalidate")
		c.stale.Set(companyID, struct{}{}, c.ttl())
		c.log.Error("balance snapshot invalidation failed, bypassing redis copy until it expires",
			zap.String("company_id", companyID.String()),
			zap.Error(err),
		)
	}
}

// retryInvalidate reports whether the Redis snapshot for companyID may be
// read. A company with a failed invalidation gets its DEL retried first.
func (c *BalanceCache) retryInvalidate(ctx context.Context, companyID snowflake.ID) bool {
	if _, ok := c.stale.Get(companyID); !ok {
		return true
	}
	if err := c.redis.Del(ctx, balanceKey(companyID)).Err(); err != nil {
		return false
	}
	c.stale.Delete(companyID)
	c.log.Info("stale balance snapshot removed", zap.String("company_id", companyID.String()))
	return true
}

func (c *BalanceCache) fallback(operation string, companyID snowflake.ID, err error) {
	c.metrics.IncCacheFallback(operation)
	c.log.Warn("redis unavailable, using in-memory balance cache",
		zap.String("operation", operation),
		zap.String("company_id", companyID.String()),
		zap.Error(err),
	)
}

func (c *BalanceCache) ttl() time.Duration {
	return c.cfg.Get().CacheTTL
}

var _ balancedomain.Cache = (*BalanceCache)(nil)

func balanceKey(companyID snowflake.ID) string {
	return fmt.Sprintf(keyBalance, companyID.String())
}
