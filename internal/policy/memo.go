package policy

import (
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

// MemoEnforcer реализует Authorizer на потокобезопасных мапах.
// Статический слой (каталог + overrides из Redis) пересобирается в Refresh,
// динамический (кастомные ассеты из хранилища секретов) пополняется через Register.
type MemoEnforcer struct {
	mu sync.RWMutex
	// Кэш: asset_id -> Policy
	static  map[string]domain.AssetPolicy
	dynamic map[string]domain.AssetPolicy

	base      []domain.AssetPolicy
	overrides OverrideRepository // nil — работаем только по каталогу
	logger    *zap.Logger
}

func NewMemoEnforcer(base []domain.AssetPolicy, overrides OverrideRepository, logger *zap.Logger) *MemoEnforcer {
	e := &MemoEnforcer{
		dynamic:   make(map[string]domain.AssetPolicy),
		base:      base,
		overrides: overrides,
		logger:    logger.Named("enforcer"),
	}
	e.static = buildStatic(base, nil)
	return e
}

// IsAuthorized — достаточно совпадения хотя бы одной группы.
// Нет правила или пустой набор групп — запрет (Default Deny).
func (e *MemoEnforcer) IsAuthorized(assetID string, groups []string) bool {
	p := e.GetPolicy(assetID)
	return p.Decide(groups) == domain.EffectAllow
}

// GetPolicy возвращает копию правила или nil.
func (e *MemoEnforcer) GetPolicy(assetID string) *domain.AssetPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if p, ok := e.static[assetID]; ok {
		return clonePolicy(p)
	}
	if p, ok := e.dynamic[assetID]; ok {
		return clonePolicy(p)
	}
	return nil
}

// Register добавляет правило для ассета, обнаруженного в хранилище секретов.
// Статическое правило не перекрывается: возвращает false.
func (e *MemoEnforcer) Register(assetID string, groups []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.static[assetID]; ok {
		return false
	}
	e.dynamic[assetID] = domain.AssetPolicy{
		AssetID: assetID,
		Groups:  slices.Clone(groups),
		Source:  domain.PolicyFromVault,
	}
	return true
}

// Refresh пересобирает статический слой: каталог, поверх него overrides из Redis.
// При ошибке Redis старый кэш остается нетронутым.
func (e *MemoEnforcer) Refresh(ctx context.Context) error {
	var overrides map[string][]string
	if e.overrides != nil {
		var err error
		overrides, err = e.overrides.GetOverrides(ctx)
		if err != nil {
			return err
		}
	}

	next := buildStatic(e.base, overrides)

	e.mu.Lock()
	e.static = next
	e.mu.Unlock()

	e.logger.Info("policy cache refreshed",
		zap.Int("static", len(next)),
		zap.Int("overrides", len(overrides)))
	return nil
}

func buildStatic(base []domain.AssetPolicy, overrides map[string][]string) map[string]domain.AssetPolicy {
	m := make(map[string]domain.AssetPolicy, len(base)+len(overrides))
	for _, p := range base {
		m[p.AssetID] = domain.AssetPolicy{
			AssetID: p.AssetID,
			Groups:  slices.Clone(p.Groups),
			Source:  domain.PolicyFromCatalog,
		}
	}
	for id, groups := range overrides {
		m[id] = domain.AssetPolicy{
			AssetID: id,
			Groups:  slices.Clone(groups),
			Source:  domain.PolicyFromOverride,
		}
	}
	return m
}

func clonePolicy(p domain.AssetPolicy) *domain.AssetPolicy {
	p.Groups = slices.Clone(p.Groups)
	return &p
}
