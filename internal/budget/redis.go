package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/infra"
)

// RedisGovernor — фиксированные окна поверх Redis для мульти-инстансных
// инсталляций. Атомарность дает INCRBY: каждый участник видит значение после
// собственного инкремента, при перелете за лимит — компенсирующий DECRBY.
type RedisGovernor struct {
	rdb    *redis.Client
	limits LimitResolver
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisGovernor(rdb *redis.Client, limits LimitResolver, logger *zap.Logger) *RedisGovernor {
	return &RedisGovernor{
		rdb:    rdb,
		limits: limits,
		logger: logger.Named("budget"),
		now:    time.Now,
	}
}

func (g *RedisGovernor) key(scopeKey string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%d", infra.RedisKeyBudgetPrefix, scopeKey, windowStart.Unix())
}

func (g *RedisGovernor) Admit(ctx context.Context, scopeKey string, cost int64) (bool, error) {
	limit := g.limits(scopeKey)
	if limit.Max <= 0 {
		return true, nil
	}

	windowStart := g.now().Truncate(limit.Window)
	key := g.key(scopeKey, windowStart)

	consumed, err := g.rdb.IncrBy(ctx, key, cost).Result()
	if err != nil {
		// Fail-closed: без работающего счетчика квоту не выдаем
		g.logger.Error("budget counter unavailable", zap.String("scope", scopeKey), zap.Error(err))
		return false, err
	}

	// Ключ живет два окна: достаточно для дорасхода и отладки
	g.rdb.Expire(ctx, key, 2*limit.Window)

	if consumed > limit.Max {
		g.rdb.DecrBy(ctx, key, cost)
		return false, nil
	}
	return true, nil
}

func (g *RedisGovernor) Release(ctx context.Context, scopeKey string, cost int64) {
	limit := g.limits(scopeKey)
	if limit.Max <= 0 {
		return
	}
	windowStart := g.now().Truncate(limit.Window)
	if err := g.rdb.DecrBy(ctx, g.key(scopeKey, windowStart), cost).Err(); err != nil {
		g.logger.Warn("budget release failed", zap.String("scope", scopeKey), zap.Error(err))
	}
}
