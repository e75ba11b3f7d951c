package audit

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Store — локальное append-only хранилище журнала.
// Append обязан атомарно прочитать хвост цепочки, вызвать Seal и записать событие.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]Event, error)
	// Walk обходит журнал по возрастанию Seq; ошибка из fn прерывает обход.
	Walk(ctx context.Context, fn func(Event) error) error
}

// MemoryStore — хранилище для тестов и одноразовых стендов.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	// FailWith, если задан, возвращается из Append
	FailWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	var prevSeq int64
	prevHash := GenesisHash
	if n := len(s.events); n > 0 {
		prevSeq, prevHash = s.events[n-1].Seq, s.events[n-1].Hash
	}
	if err := Seal(prevSeq, prevHash, e); err != nil {
		return err
	}
	s.events = append(s.events, cloneEvent(*e))
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0 && (f.Limit <= 0 || len(out) < f.Limit); i-- {
		e := s.events[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && e.Timestamp.After(f.End) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *MemoryStore) Walk(ctx context.Context, fn func(Event) error) error {
	s.mu.Lock()
	snapshot := slices.Clone(s.events)
	s.mu.Unlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(cloneEvent(e)); err != nil {
			return err
		}
	}
	return nil
}

// Events возвращает копию журнала в порядке записи.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	for i, e := range s.events {
		out[i] = cloneEvent(e)
	}
	return out
}

// Tamper подменяет запись по индексу (для проверки Verify).
func (s *MemoryStore) Tamper(i int, fn func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.events[i])
}

func cloneEvent(e Event) Event {
	e.Details = maps.Clone(e.Details)
	return e
}
