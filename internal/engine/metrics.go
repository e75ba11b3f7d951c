package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: сколько заняло создание сессии (авторизация + секрет + логин)
	StartDuration *prometheus.HistogramVec

	// Traffic: попытки старта по результату
	SessionStarts *prometheus.CounterVec

	// Освобождения по причине (operator, timeout, resource_closed, shutdown, operator_lockout)
	SessionStops *prometheus.CounterVec

	// Saturation: живые браузерные контексты
	ActiveSessions prometheus.Gauge

	// Errors: на каком шаге логин-сценария упали
	LoginStepFailures *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit forwarding: отказы, отброшенные события и глубина очереди (backpressure)
	AuditForwardFailures prometheus.Counter
	AuditForwardDropped  prometheus.Counter
	AuditQueueDepth      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		StartDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webasset_session_start_duration_seconds",
			Help:    "Histogram of session creation latencies.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"asset", "result"}),

		SessionStarts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "webasset_session_starts_total",
			Help: "Total number of session start attempts by result.",
		}, []string{"asset", "result"}), // результаты: ok, denied, credential, automation, audit, cancelled

		SessionStops: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "webasset_session_stops_total",
			Help: "Total number of released sessions by trigger.",
		}, []string{"trigger"}),

		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "webasset_sessions_active",
			Help: "Current number of sessions holding a browser context.",
		}),

		LoginStepFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "webasset_login_step_failures_total",
			Help: "Total number of login script failures by step.",
		}, []string{"step", "timeout"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "webasset_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"connector_id"}),

		AuditForwardFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "webasset_audit_forward_failures_total",
			Help: "Events that could not be delivered upstream.",
		}),

		AuditForwardDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "webasset_audit_forward_dropped_total",
			Help: "Events dropped because the forward queue was full.",
		}),

		AuditQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "webasset_audit_forward_queue_depth",
			Help: "Current number of events waiting for upstream delivery.",
		}),
	}
}

// BreakerObserver отдает колбэк для connectors.ReliabilityConfig.OnStateChange.
func (m *Metrics) BreakerObserver() func(name string, from, to gobreaker.State) {
	return func(name string, _, to gobreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}
