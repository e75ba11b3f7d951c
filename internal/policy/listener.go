package policy

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/webasset-gate/internal/infra"
	"go.uber.org/zap"
)

// StartListener держит кэш политик в актуальном состоянии: любое сообщение в канале
// обновления (и каждое переподключение) приводит к полному Refresh.
func (e *MemoEnforcer) StartListener(ctx context.Context, rdb *redis.Client) {
	refresh := func() error {
		return e.Refresh(ctx)
	}

	infra.ListenResilient(ctx, rdb, e.logger, infra.RedisChanPolicyUpdate, refresh, func(payload string) {
		if err := refresh(); err != nil {
			e.logger.Error("policy refresh failed", zap.String("signal", payload), zap.Error(err))
		}
	})
}
