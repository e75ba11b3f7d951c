package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsTrackSessionLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, testConfig(), WithMetrics(m))

	res := h.start(t, "u1", "bmg", bmgGroups)
	_, err := h.orch.StartSession(context.Background(), StartRequest{OwnerID: "u2", Groups: []string{"guest"}, Asset: "bmg"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionStarts.WithLabelValues("bmg", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionStarts.WithLabelValues("bmg", "denied")))

	require.NoError(t, h.orch.StopSession(context.Background(), res.SessionID, "u1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionStops.WithLabelValues("operator")))
}

func TestBreakerObserver(t *testing.T) {
	m := NewMetrics(nil)
	observe := m.BreakerObserver()

	observe("infisical", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("infisical")))

	observe("infisical", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("infisical")))
}
