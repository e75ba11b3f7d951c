package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/webasset-gate/internal/connectors"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu      sync.Mutex
	got     []connectors.OperateLog
	err     error
	release chan struct{} // если задан, отправка ждет его закрытия
}

func (s *fakeSink) SendOperateLog(ctx context.Context, entry connectors.OperateLog) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, entry)
	return nil
}

func (s *fakeSink) entries() []connectors.OperateLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]connectors.OperateLog(nil), s.got...)
}

func TestForwarder_DeliversAndDrainsOnStop(t *testing.T) {
	sink := &fakeSink{}
	f := NewForwarder(sink, 10, zap.NewNop())
	f.Start()

	for _, sid := range []string{"s-1", "s-2", ""} {
		f.Enqueue(Event{ID: sid, ActorID: "u", Action: ActionSessionStart, Details: map[string]string{DetailSessionID: sid}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	got := sink.entries()
	require.Len(t, got, 3)
	assert.Equal(t, "s-1", got[0].Resource)
	assert.Equal(t, "N/A", got[2].Resource)
	assert.Equal(t, connectors.ResourceTypeSession, got[0].ResourceType)
	assert.Equal(t, int64(3), f.Sent())

	// после Stop события отбрасываются, а не паникуют
	f.Enqueue(Event{ID: "late"})
	require.NoError(t, f.Stop(ctx))
}

func TestForwarder_EnqueueNeverBlocks(t *testing.T) {
	sink := &fakeSink{release: make(chan struct{})}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "failed"})
	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth"})
	f := NewForwarder(sink, 2, zap.NewNop(), WithForwardMetrics(failed, dropped, depth))
	f.Start()

	done := make(chan struct{})
	go func() {
		for range 50 {
			f.Enqueue(Event{ID: "x", ActorID: "u", Action: ActionLogin})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a stalled upstream")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(dropped), 47.0)

	close(sink.release)
	require.NoError(t, f.Stop(context.Background()))
}

func TestForwarder_FailuresAreCountedNotReturned(t *testing.T) {
	sink := &fakeSink{err: errors.New("upstream 500")}
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "failed"})
	f := NewForwarder(sink, 10, zap.NewNop(), WithForwardMetrics(
		failed,
		prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped"}),
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth"}),
	))
	f.Start()
	f.Enqueue(Event{ID: "1", ActorID: "u", Action: ActionLogin})
	f.Enqueue(Event{ID: "2", ActorID: "u", Action: ActionLogin})
	require.NoError(t, f.Stop(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(failed))
	assert.Zero(t, f.Sent())
}

func TestForwarder_TrailKeepsWorkingWhenUpstreamDown(t *testing.T) {
	sink := &fakeSink{err: errors.New("unreachable")}
	f := NewForwarder(sink, 10, zap.NewNop())
	f.Start()
	store := NewMemoryStore()
	trail := NewTrail(store, f, zap.NewNop())

	_, err := trail.Record(context.Background(), Event{ActorID: "u", Action: ActionSessionStart})
	require.NoError(t, err)
	require.NoError(t, f.Stop(context.Background()))
	assert.Len(t, store.Events(), 1)
}

func TestToOperateLog(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got := ToOperateLog(Event{
		ActorID:       "u-1",
		Action:        ActionSessionStop,
		Details:       map[string]string{DetailSessionID: "s-9", DetailTrigger: "operator"},
		SourceAddress: "10.1.1.1",
		Timestamp:     ts,
	})
	assert.Equal(t, connectors.OperateLog{
		User:         "u-1",
		Action:       "session_stop",
		ResourceType: "webasset_session",
		Resource:     "s-9",
		RemoteAddr:   "10.1.1.1",
		Datetime:     "2026-05-01T10:00:00Z",
		Detail:       `{"session_id":"s-9","trigger":"operator"}`,
	}, got)
}
