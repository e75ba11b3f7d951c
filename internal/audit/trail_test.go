package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

type captureMirror struct {
	mu     sync.Mutex
	events []Event
}

func (m *captureMirror) Enqueue(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *captureMirror) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestRecord_SanitisesAndChains(t *testing.T) {
	store := NewMemoryStore()
	mirror := &captureMirror{}
	trail := NewTrail(store, mirror, zap.NewNop())

	id, err := trail.Record(context.Background(), Event{
		ActorID: "u-1",
		Action:  ActionSessionStart,
		Details: map[string]string{
			DetailAsset:     "bmg",
			DetailSessionID: "s-1",
			"password":      "hunter2",
			"token":         "abc",
		},
		SourceAddress: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = trail.Record(context.Background(), Event{ActorID: "u-1", Action: ActionSessionStop})
	require.NoError(t, err)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, map[string]string{DetailAsset: "bmg", DetailSessionID: "s-1"}, events[0].Details)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, GenesisHash, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, 2, mirror.len())
}

func TestRecord_ValidatesInput(t *testing.T) {
	trail := NewTrail(NewMemoryStore(), nil, zap.NewNop())
	_, err := trail.Record(context.Background(), Event{Action: ActionLogin})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRecord_StoreFailureIsReturnedAndNotMirrored(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith = errors.New("disk full")
	mirror := &captureMirror{}
	trail := NewTrail(store, mirror, zap.NewNop())

	_, err := trail.Record(context.Background(), Event{ActorID: "u-1", Action: ActionSessionStart})
	require.Error(t, err)
	assert.Zero(t, mirror.len())
}

func TestQuery_OwnerScopedNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		_, err := trail.Record(context.Background(), Event{
			ActorID:   "owner",
			Action:    ActionSessionStart,
			Details:   map[string]string{DetailSessionID: fmt.Sprintf("s-%d", i)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := trail.Record(context.Background(), Event{ActorID: "other", Action: ActionLogin, Timestamp: base})
	require.NoError(t, err)

	events, err := trail.Query(context.Background(), "owner", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "s-4", events[0].Details[DetailSessionID])

	events, err = trail.Query(context.Background(), "owner", base.Add(time.Minute), base.Add(3*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "s-3", events[0].Details[DetailSessionID])
	assert.Equal(t, "s-2", events[1].Details[DetailSessionID])

	events, err = trail.Query(context.Background(), "nobody", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	_, err = trail.Query(context.Background(), "", time.Time{}, time.Time{}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = trail.Query(context.Background(), "owner", base, base.Add(-time.Hour), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

type limitSpy struct {
	*MemoryStore
	got int
}

func (s *limitSpy) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.got = f.Limit
	return s.MemoryStore.Query(ctx, f)
}

func TestQuery_LimitBounds(t *testing.T) {
	spy := &limitSpy{MemoryStore: NewMemoryStore()}
	trail := NewTrail(spy, nil, zap.NewNop())

	_, _ = trail.Query(context.Background(), "o", time.Time{}, time.Time{}, 0)
	assert.Equal(t, DefaultQueryLimit, spy.got)
	_, _ = trail.Query(context.Background(), "o", time.Time{}, time.Time{}, 50000)
	assert.Equal(t, MaxQueryLimit, spy.got)
	_, _ = trail.Query(context.Background(), "o", time.Time{}, time.Time{}, 7)
	assert.Equal(t, 7, spy.got)
}

func TestVerify(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, nil, zap.NewNop())
	for range 4 {
		_, err := trail.Record(context.Background(), Event{ActorID: "u", Action: ActionLogin})
		require.NoError(t, err)
	}

	report, err := trail.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, int64(4), report.Checked)

	store.Tamper(2, func(e *Event) { e.ActorID = "someone-else" })

	report, err = trail.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, int64(3), report.BrokenSeq)
	assert.Equal(t, "content hash mismatch", report.Reason)
}

func TestVerify_DetectsDeletion(t *testing.T) {
	store := NewMemoryStore()
	trail := NewTrail(store, nil, zap.NewNop())
	for range 3 {
		_, _ = trail.Record(context.Background(), Event{ActorID: "u", Action: ActionLogin})
	}
	store.mu.Lock()
	store.events = append(store.events[:1], store.events[2:]...)
	store.mu.Unlock()

	report, err := trail.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, int64(3), report.BrokenSeq)
}

func TestSeal_Deterministic(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("X", 3600))
	a := Event{ID: "1", ActorID: "u", Action: ActionLogin, Details: map[string]string{"b": "2", "a": "1"}, Timestamp: ts}
	b := Event{ID: "1", ActorID: "u", Action: ActionLogin, Details: map[string]string{"a": "1", "b": "2"}, Timestamp: ts.UTC()}

	require.NoError(t, Seal(0, "", &a))
	require.NoError(t, Seal(0, GenesisHash, &b))
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, 123456000, a.Timestamp.Nanosecond())
}
