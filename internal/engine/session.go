package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/webasset-gate/internal/browser"
	"github.com/xela07ax/webasset-gate/internal/domain"
)

// session — запись реестра. mu сериализует переходы конечного автомата.
type session struct {
	id            string
	ownerID       string
	asset         string
	sourceAddress string
	timeout       time.Duration
	startedAt     time.Time

	// ready закрывается, когда создание дошло до стабильного состояния (active или снято).
	ready chan struct{}
	// done закрывается в терминальном состоянии.
	done chan struct{}

	mu             sync.Mutex
	status         domain.SessionStatus
	lastActivityAt time.Time
	expiresAt      time.Time
	stopTrigger    domain.StopTrigger
	page           browser.Page // единственный владелец ресурса
	timer          *time.Timer
	cancelCreate   func()
}

// transition — вызывается под s.mu.
func (s *session) transition(next domain.SessionStatus) error {
	if err := s.status.CanTransitionTo(next); err != nil {
		return fmt.Errorf("session %s: %s -> %s: %w", s.id, s.status, next, err)
	}
	s.status = next
	return nil
}

// view — вызывается под s.mu.
func (s *session) view(kiosk bool) domain.SessionView {
	return domain.SessionView{
		ID:             s.id,
		Asset:          s.asset,
		Status:         s.status,
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivityAt,
		ExpiresAt:      s.expiresAt,
		TimeoutSeconds: int(s.timeout / time.Second),
		KioskMode:      kiosk,
		IsActive:       s.status == domain.StatusActive,
		StopTrigger:    s.stopTrigger,
	}
}

func (o *Orchestrator) reserve(s *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.sessions[s.id] = s
	return true
}

// lookup ищет живую запись, затем след. ok=false — id неизвестен.
func (o *Orchestrator) lookup(id string) (*session, tombstone, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.sessions[id]; ok {
		return s, tombstone{}, true
	}
	t, ok := o.tombstones[id]
	if !ok {
		return nil, tombstone{}, false
	}
	if o.now().After(t.until) {
		delete(o.tombstones, id)
		return nil, tombstone{}, false
	}
	return nil, t, true
}

// snapshot — живые записи владельца (все при пустом ownerID).
func (o *Orchestrator) snapshot(ownerID string) []*session {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		if ownerID == "" || s.ownerID == ownerID {
			out = append(out, s)
		}
	}
	return out
}

// retire вытесняет освобожденную запись в след и чистит протухшие следы.
func (o *Orchestrator) retire(s *session, view domain.SessionView) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for id, t := range o.tombstones {
		if now.After(t.until) {
			delete(o.tombstones, id)
		}
	}
	delete(o.sessions, s.id)
	o.tombstones[s.id] = tombstone{view: view, ownerID: s.ownerID, until: now.Add(o.cfg.TerminalRetention)}
}

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}
