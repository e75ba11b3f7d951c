package audit

/*
Trail — синхронная запись журнала в локальное хранилище плюс асинхронное
зеркалирование наверх. Запись локально обязана пройти: ее ошибка возвращается
вызывающему. Зеркалирование не блокирует и не ломает горячий путь.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Mirror — приемник копий событий (Forwarder). Enqueue не должен блокировать.
type Mirror interface {
	Enqueue(e Event)
}

type Trail struct {
	store  Store
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time
}

// NewTrail; mirror может быть nil — тогда зеркалирование выключено.
func NewTrail(store Store, mirror Mirror, logger *zap.Logger) *Trail {
	return &Trail{
		store:  store,
		mirror: mirror,
		logger: logger.With(zap.String("mod", "audit")),
		now:    time.Now,
	}
}

// Record пишет событие и возвращает его id.
func (t *Trail) Record(ctx context.Context, e Event) (string, error) {
	if e.ActorID == "" || e.Action == "" {
		return "", fmt.Errorf("%w: audit event needs actor and action", domain.ErrInvalidRequest)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	e.Details = sanitize(e.Details)

	if err := t.store.Append(ctx, &e); err != nil {
		t.logger.Error("audit write failed",
			zap.String("action", string(e.Action)),
			zap.String("actor", e.ActorID),
			zap.Error(err))
		return "", fmt.Errorf("audit: append: %w", err)
	}

	t.logger.Info("audit event recorded",
		zap.String("id", e.ID),
		zap.Int64("seq", e.Seq),
		zap.String("action", string(e.Action)),
		zap.String("actor", e.ActorID))

	if t.mirror != nil {
		t.mirror.Enqueue(cloneEvent(e))
	}
	return e.ID, nil
}

// Query — события владельца, новые первыми.
func (t *Trail) Query(ctx context.Context, ownerID string, start, end time.Time, limit int) ([]Event, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: endDate before startDate", domain.ErrInvalidRequest)
	}
	switch {
	case limit <= 0:
		limit = DefaultQueryLimit
	case limit > MaxQueryLimit:
		limit = MaxQueryLimit
	}

	events, err := t.store.Query(ctx, Filter{ActorID: ownerID, Start: start, End: end, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

var errStopWalk = errors.New("stop walk")

// Verify проходит цепочку целиком и сообщает о первой поломке.
func (t *Trail) Verify(ctx context.Context) (VerifyReport, error) {
	v := newChainVerifier()
	err := t.store.Walk(ctx, func(e Event) error {
		if !v.next(e) {
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return VerifyReport{}, fmt.Errorf("audit: verify: %w", err)
	}

	if !v.report.OK {
		t.logger.Warn("audit chain broken",
			zap.Int64("seq", v.report.BrokenSeq),
			zap.String("reason", v.report.Reason))
	}
	return v.report, nil
}

// sanitize оставляет только разрешенные ключи.
func sanitize(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if _, ok := allowedDetails[k]; ok {
			out[k] = v
		}
	}
	return out
}
