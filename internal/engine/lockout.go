package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/webasset-gate/internal/infra"
	"go.uber.org/zap"
)

// OperatorSource отдает текущее множество заблокированных операторов.
type OperatorSource interface {
	Blocked(ctx context.Context) ([]string, error)
}

// LockoutManager — локальный кэш блокировок операторов (мгновенная проверка на горячем пути).
// Блокировка оператора гасит все его живые сессии через onBlock.
type LockoutManager struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	source  OperatorSource
	onBlock func(ownerID string)
	logger  *zap.Logger
}

func NewLockoutManager(source OperatorSource, logger *zap.Logger) *LockoutManager {
	return &LockoutManager{
		blocked: make(map[string]struct{}),
		source:  source,
		logger:  logger.Named("lockout"),
	}
}

// OnBlock задает реакцию на блокировку. Вызывается вне блокировки менеджера.
func (m *LockoutManager) OnBlock(fn func(ownerID string)) {
	m.mu.Lock()
	m.onBlock = fn
	m.mu.Unlock()
}

// Init загружает текущее состояние блокировок при старте сервиса.
// Операторы, заблокированные с прошлой загрузки, проходят через onBlock.
func (m *LockoutManager) Init(ctx context.Context) error {
	ids, err := m.source.Blocked(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(ids))
	var added []string
	m.mu.Lock()
	for _, id := range ids {
		next[id] = struct{}{}
		if _, was := m.blocked[id]; !was {
			added = append(added, id)
		}
	}
	m.blocked = next
	fn := m.onBlock
	m.mu.Unlock()

	m.logger.Info("lockout state loaded", zap.Int("blocked", len(next)))
	if fn != nil {
		for _, id := range added {
			fn(id)
		}
	}
	return nil
}

func (m *LockoutManager) IsBlocked(ownerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, blocked := m.blocked[ownerID]
	return blocked
}

// Apply обновляет кэш по сигналу. Блокировка запускает onBlock.
func (m *LockoutManager) Apply(ownerID string, blocked bool) {
	m.mu.Lock()
	if blocked {
		m.blocked[ownerID] = struct{}{}
	} else {
		delete(m.blocked, ownerID)
	}
	fn := m.onBlock
	m.mu.Unlock()

	m.logger.Warn("operator lockout changed", zap.String("owner_id", ownerID), zap.Bool("blocked", blocked))
	if blocked && fn != nil {
		fn(ownerID)
	}
}

// StartListener подписывается на канал блокировок. После переподключения
// состояние перечитывается целиком: сигналы за время разрыва потеряны.
func (m *LockoutManager) StartListener(ctx context.Context, rdb *redis.Client) {
	infra.ListenResilient(ctx, rdb, m.logger, infra.RedisChanLockout,
		func() error { return m.Init(ctx) },
		func(payload string) {
			id, on, ok := infra.ParseSignal(payload)
			if !ok {
				m.logger.Warn("malformed lockout signal", zap.String("payload", payload))
				return
			}
			m.Apply(id, on)
		},
	)
}
