package lock

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(New),
)

var ErrNotConfigured = errors.New("lock_not_configured")

// Locker hands out short-lived exclusive leases on string keys. TryLock never
// blocks: a held key reports ok=false.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// New returns the Redis locker when a client is configured, otherwise a
// process-local one.
func New(client *redis.Client, log *zap.Logger) Locker {
	if client == nil {
		return NewMemoryLocker()
	}
	return &fallbackLocker{
		primary:  NewRedisLocker(client),
		fallback: NewMemoryLocker(),
		log:      log.Named("lock"),
	}
}

// fallbackLocker serves leases from memory while Redis is unreachable so a
// shared-store outage degrades to single-instance serialization.
type fallbackLocker struct {
	primary  *RedisLocker
	fallback *MemoryLocker
	log      *zap.Logger
}

func (l *fallbackLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, ok, err := l.primary.TryLock(ctx, key, ttl)
	if err == nil {
		return token, ok, nil
	}
	l.log.Warn("redis lock unavailable, using local lock", zap.String("key", key), zap.Error(err))
	return l.fallback.TryLock(ctx, key, ttl)
}

func (l *fallbackLocker) Release(ctx context.Context, key, token string) error {
	if l.fallback.Holds(key, token) {
		return l.fallback.Release(ctx, key, token)
	}
	return l.primary.Release(ctx, key, token)
}
