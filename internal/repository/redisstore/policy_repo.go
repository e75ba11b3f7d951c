package redisstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/webasset-gate/internal/infra"
)

// PolicyRepo хранит ручные переопределения групп доступа к ассетам.
// Hash: asset_id -> "group1,group2".
type PolicyRepo struct {
	rdb *redis.Client
}

func NewPolicyRepo(rdb *redis.Client) *PolicyRepo {
	return &PolicyRepo{rdb: rdb}
}

func (r *PolicyRepo) GetOverrides(ctx context.Context) (map[string][]string, error) {
	raw, err := r.rdb.HGetAll(ctx, infra.RedisKeyPolicyGroups).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load policy overrides: %w", err)
	}

	out := make(map[string][]string, len(raw))
	for assetID, csv := range raw {
		out[assetID] = SplitGroups(csv)
	}
	return out, nil
}

// SetOverride записывает группы и оповещает все инстансы шлюза.
func (r *PolicyRepo) SetOverride(ctx context.Context, assetID string, groups []string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, infra.RedisKeyPolicyGroups, assetID, strings.Join(groups, ","))
	pipe.Publish(ctx, infra.RedisChanPolicyUpdate, assetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to set policy override: %w", err)
	}
	return nil
}

// DeleteOverride возвращает ассет к группам из каталога.
func (r *PolicyRepo) DeleteOverride(ctx context.Context, assetID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, infra.RedisKeyPolicyGroups, assetID)
	pipe.Publish(ctx, infra.RedisChanPolicyUpdate, assetID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to delete policy override: %w", err)
	}
	return nil
}

// SplitGroups разбирает CSV список групп, выкидывая пустые элементы.
func SplitGroups(csv string) []string {
	var out []string
	for _, g := range strings.Split(csv, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}
