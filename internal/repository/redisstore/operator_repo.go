package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/webasset-gate/internal/infra"
)

// OperatorRepo управляет блокировкой операторов (lockout).
// Источник истины — set в Redis, сигнал в канал разносит изменение по инстансам.
type OperatorRepo struct {
	rdb *redis.Client
}

func NewOperatorRepo(rdb *redis.Client) *OperatorRepo {
	return &OperatorRepo{rdb: rdb}
}

func (r *OperatorRepo) Blocked(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, infra.RedisKeyBlockedOperators).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load blocked operators: %w", err)
	}
	return ids, nil
}

func (r *OperatorRepo) SetBlocked(ctx context.Context, ownerID string, blocked bool) error {
	pipe := r.rdb.TxPipeline()
	if blocked {
		pipe.SAdd(ctx, infra.RedisKeyBlockedOperators, ownerID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlockedOperators, ownerID)
	}
	pipe.Publish(ctx, infra.RedisChanLockout, fmt.Sprintf("%s:%t", ownerID, blocked))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to update operator lockout: %w", err)
	}
	return nil
}
