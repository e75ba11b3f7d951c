// Package broker выдает мастер-учетки ассетов из хранилища секретов.
// Наружу уходит только классифицированная ошибка: детали сбоя хранилища остаются в логе.
package broker

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/webasset-gate/internal/connectors"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

// SecretStore — порт хранилища секретов (Infisical).
type SecretStore interface {
	GetSecrets(ctx context.Context, path string) ([]connectors.Secret, error)
	WriteSecret(ctx context.Context, path, key, value string) error
}

// AssetCatalog — статический каталог ассетов.
type AssetCatalog interface {
	Get(id string) (domain.AssetDefinition, bool)
	List() []domain.AssetDefinition
}

// PolicyRegistry — проверка доступа плюс регистрация групп для найденных в хранилище ассетов.
type PolicyRegistry interface {
	IsAuthorized(assetID string, groups []string) bool
	Register(assetID string, groups []string) bool
}

type Config struct {
	PathTemplate     string // "/banking/%s/master-credentials"
	CustomAssetsPath string // "/banking/custom-assets"
	DiscoveryTTL     time.Duration
}

var (
	assetIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)
	customKeyPrefix = regexp.MustCompile(`^asset_([^_]+)_`)
)

// Broker — единственная точка доступа к секретам ассетов.
type Broker struct {
	store   SecretStore
	catalog AssetCatalog
	policy  PolicyRegistry
	cfg     Config
	logger  *zap.Logger

	mu           sync.Mutex
	discovered   map[string]domain.AssetDefinition
	discoveredAt time.Time
	now          func() time.Time
}

func New(store SecretStore, catalog AssetCatalog, policy PolicyRegistry, cfg Config, logger *zap.Logger) *Broker {
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = "/banking/%s/master-credentials"
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = time.Minute
	}
	return &Broker{
		store:      store,
		catalog:    catalog,
		policy:     policy,
		cfg:        cfg,
		logger:     logger.Named("broker"),
		discovered: make(map[string]domain.AssetDefinition),
		now:        time.Now,
	}
}

// Fetch повторно проверяет доступ и только потом идет в хранилище.
func (b *Broker) Fetch(ctx context.Context, assetID string, groups []string) (*domain.CredentialBundle, error) {
	if !b.policy.IsAuthorized(assetID, groups) {
		return nil, domain.ErrAuthorization
	}

	path, ok := b.secretPath(assetID)
	if !ok {
		b.logger.Warn("refusing to build secret path", zap.String("asset", assetID))
		return nil, domain.ErrCredentialUnavailable
	}

	secrets, err := b.store.GetSecrets(ctx, path)
	if err != nil {
		b.logger.Error("secret store call failed", zap.String("asset", assetID), zap.Error(err))
		return nil, domain.ErrCredentialUnavailable
	}

	bundle := &domain.CredentialBundle{Extra: make(map[string]string)}
	for _, s := range secrets {
		switch strings.ToLower(s.Key) {
		case "username":
			bundle.Username = s.Value
		case "email":
			bundle.Email = s.Value
		case "password":
			bundle.Secret = s.Value
		default:
			bundle.Extra[strings.ToLower(s.Key)] = s.Value
		}
	}

	if bundle.Secret == "" || (bundle.Username == "" && bundle.Email == "") {
		bundle.Wipe()
		b.logger.Warn("master credentials incomplete", zap.String("asset", assetID))
		return nil, domain.ErrCredentialUnavailable
	}

	b.logger.Info("retrieved credentials", zap.String("asset", assetID))
	return bundle, nil
}

// ListAvailable — каталог плюс найденные в хранилище ассеты, отфильтрованные политикой.
// Недоступность хранилища не ломает выдачу: возвращается хотя бы каталог.
func (b *Broker) ListAvailable(ctx context.Context, groups []string) []domain.AssetDefinition {
	seen := make(map[string]struct{})
	var out []domain.AssetDefinition

	for _, def := range b.catalog.List() {
		seen[def.ID] = struct{}{}
		if b.policy.IsAuthorized(def.ID, groups) {
			out = append(out, def)
		}
	}

	discovered, err := b.discoveredAssets(ctx)
	if err != nil {
		b.logger.Debug("custom assets unavailable", zap.Error(err))
	}
	for _, def := range discovered {
		if _, dup := seen[def.ID]; dup {
			continue
		}
		seen[def.ID] = struct{}{}
		if b.policy.IsAuthorized(def.ID, groups) {
			out = append(out, def)
		}
	}
	return out
}

// Resolve находит определение ассета: каталог -> найденные в хранилище -> явный URL.
// Неизвестный ассет без URL неотличим от запрета доступа.
func (b *Broker) Resolve(ctx context.Context, assetID, customURL string) (domain.AssetDefinition, error) {
	if assetID == "" && customURL == "" {
		return domain.AssetDefinition{}, domain.ErrInvalidRequest
	}

	if assetID != "" && assetID != domain.CustomAssetID {
		if def, ok := b.catalog.Get(assetID); ok {
			return def, nil
		}
		if def, ok := b.lookupDiscovered(ctx, assetID); ok {
			return def, nil
		}
		if customURL == "" {
			return domain.AssetDefinition{}, domain.ErrAuthorization
		}
	}

	if def, ok := b.catalog.Get(domain.CustomAssetID); ok && customURL == "" {
		return def, nil
	}

	target, err := ParseTargetURL(customURL)
	if err != nil {
		return domain.AssetDefinition{}, err
	}
	return domain.AssetDefinition{
		ID:            domain.CustomAssetID,
		DisplayName:   target.Host,
		LoginURL:      target.String(),
		Kind:          domain.KindCustom,
		IdentityField: domain.IdentityUsername,
		Source:        domain.SourceURL,
	}, nil
}

// Rotate записывает новые мастер-учетки ассета.
func (b *Broker) Rotate(ctx context.Context, assetID string, fields map[string]string) error {
	if len(fields) == 0 {
		return domain.ErrInvalidRequest
	}
	path, ok := b.secretPath(assetID)
	if !ok {
		return domain.ErrInvalidRequest
	}
	for key, value := range fields {
		if err := b.store.WriteSecret(ctx, path, key, value); err != nil {
			b.logger.Error("credential rotation failed", zap.String("asset", assetID), zap.String("key", key), zap.Error(err))
			return fmt.Errorf("%w: rotation of %s interrupted", domain.ErrCredentialUnavailable, assetID)
		}
	}
	b.logger.Info("credentials rotated", zap.String("asset", assetID), zap.Int("fields", len(fields)))
	return nil
}

// Discover перечитывает список кастомных ассетов из хранилища и регистрирует их группы.
func (b *Broker) Discover(ctx context.Context) ([]domain.AssetDefinition, error) {
	if b.cfg.CustomAssetsPath == "" {
		return nil, nil
	}
	secrets, err := b.store.GetSecrets(ctx, b.cfg.CustomAssetsPath)
	if err != nil {
		return nil, fmt.Errorf("broker: discover custom assets: %w", err)
	}

	defs := ParseCustomAssets(secrets)
	next := make(map[string]domain.AssetDefinition, len(defs))
	for _, def := range defs {
		if _, static := b.catalog.Get(def.ID); static {
			continue
		}
		b.policy.Register(def.ID, def.RequiredGroups)
		next[def.ID] = def
	}

	b.mu.Lock()
	b.discovered = next
	b.discoveredAt = b.now()
	b.mu.Unlock()

	return defs, nil
}

// ParseCustomAssets разбирает ключи вида asset_<id>_name|url|groups.
// Ассет без имени или URL пропускается. Без групп — политика остается пустой (запрет).
func ParseCustomAssets(secrets []connectors.Secret) []domain.AssetDefinition {
	var ids []string
	seen := make(map[string]struct{})
	for _, s := range secrets {
		m := customKeyPrefix.FindStringSubmatch(s.Key)
		if m == nil {
			continue
		}
		if _, ok := seen[m[1]]; !ok {
			seen[m[1]] = struct{}{}
			ids = append(ids, m[1])
		}
	}

	var out []domain.AssetDefinition
	for _, id := range ids {
		name, _ := connectors.FindSecret(secrets, "asset_"+id+"_name")
		rawURL, _ := connectors.FindSecret(secrets, "asset_"+id+"_url")
		if name == "" || rawURL == "" || !assetIDPattern.MatchString(id) {
			continue
		}
		if _, err := ParseTargetURL(rawURL); err != nil {
			continue
		}
		groupsCSV, _ := connectors.FindSecret(secrets, "asset_"+id+"_groups")

		var groups []string
		for _, g := range strings.Split(groupsCSV, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}

		out = append(out, domain.AssetDefinition{
			ID:             id,
			DisplayName:    name,
			LoginURL:       rawURL,
			Kind:           domain.KindCustom,
			RequiredGroups: groups,
			IdentityField:  domain.IdentityUsername,
			Source:         domain.SourceVault,
		})
	}
	return out
}

// ParseTargetURL допускает только абсолютные http(s) адреса.
func ParseTargetURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: target url must be absolute http(s)", domain.ErrInvalidRequest)
	}
	return u, nil
}

func (b *Broker) secretPath(assetID string) (string, bool) {
	if def, ok := b.catalog.Get(assetID); ok && def.SecretPath != "" {
		return def.SecretPath, true
	}
	if !assetIDPattern.MatchString(assetID) {
		return "", false
	}
	return fmt.Sprintf(b.cfg.PathTemplate, assetID), true
}

func (b *Broker) lookupDiscovered(ctx context.Context, assetID string) (domain.AssetDefinition, bool) {
	defs, err := b.discoveredAssets(ctx)
	if err != nil {
		b.logger.Debug("custom assets unavailable", zap.Error(err))
	}
	for _, def := range defs {
		if def.ID == assetID {
			return def, true
		}
	}
	return domain.AssetDefinition{}, false
}

// discoveredAssets отдает кэш, пока он свежий. При сбое хранилища — последний известный список.
func (b *Broker) discoveredAssets(ctx context.Context) ([]domain.AssetDefinition, error) {
	b.mu.Lock()
	fresh := !b.discoveredAt.IsZero() && b.now().Sub(b.discoveredAt) < b.cfg.DiscoveryTTL
	b.mu.Unlock()

	var err error
	if !fresh {
		_, err = b.Discover(ctx)
	}

	b.mu.Lock()
	out := make([]domain.AssetDefinition, 0, len(b.discovered))
	for _, def := range b.discovered {
		out = append(out, def)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(x, y domain.AssetDefinition) int {
		return strings.Compare(x.ID, y.ID)
	})
	return out, err
}
