package audit

/*
Forwarder зеркалирует события журнала в вышестоящую compliance-платформу.

- Non-blocking: Enqueue не ждет ни сети, ни очереди. При переполнении событие
  отбрасывается (Load Shedding) с записью в лог и метрикой: локальная копия уже сохранена.
- Каждая доставка идет через CB + retry (см. connectors.ReliabilityWrapper).
- Drain Pattern: Stop закрывает вход и ждет, пока воркер доотправит очередь
  (в пределах дедлайна контекста).
*/

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/webasset-gate/internal/connectors"
	"go.uber.org/zap"
)

// Sink — транспорт до вышестоящей платформы.
type Sink interface {
	SendOperateLog(ctx context.Context, entry connectors.OperateLog) error
}

type ForwarderOption func(*Forwarder)

// WithForwardMetrics подключает счетчики неудачных доставок и отброшенных событий.
func WithForwardMetrics(failed, dropped prometheus.Counter, depth prometheus.Gauge) ForwarderOption {
	return func(f *Forwarder) {
		f.failed, f.dropped, f.depth = failed, dropped, depth
	}
}

// WithSendTimeout ограничивает одну доставку целиком (все ретраи).
func WithSendTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.sendTimeout = d }
}

type Forwarder struct {
	ch          chan Event
	sink        Sink
	logger      *zap.Logger
	wg          sync.WaitGroup
	closeOnce   sync.Once
	mu          sync.RWMutex // Enqueue под RLock, закрытие канала под Lock
	isClosed    atomic.Bool
	sendTimeout time.Duration

	failed  prometheus.Counter
	dropped prometheus.Counter
	depth   prometheus.Gauge
	// sent — число успешных доставок
	sent atomic.Int64
}

func NewForwarder(sink Sink, queueSize int, logger *zap.Logger, opts ...ForwarderOption) *Forwarder {
	if queueSize <= 0 {
		queueSize = 1000
	}
	f := &Forwarder{
		ch:          make(chan Event, queueSize),
		sink:        sink,
		logger:      logger.With(zap.String("mod", "audit-forwarder")),
		sendTimeout: 30 * time.Second,
		failed:      prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_forward_failures_total"}),
		dropped:     prometheus.NewCounter(prometheus.CounterOpts{Name: "audit_forward_dropped_total"}),
		depth:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "audit_forward_queue_depth"}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.worker()
}

// Enqueue кладет копию события в очередь или отбрасывает ее.
func (f *Forwarder) Enqueue(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.isClosed.Load() {
		f.dropped.Inc()
		f.logger.Warn("audit event dropped: forwarder is stopping", zap.String("id", e.ID))
		return
	}

	select {
	case f.ch <- e:
		f.depth.Set(float64(len(f.ch)))
	default:
		f.dropped.Inc()
		f.logger.Error("audit_forward_buffer_overflow",
			zap.String("id", e.ID),
			zap.String("action", string(e.Action)))
	}
}

// Stop «запирает» вход и ждет, пока воркер доотправит очередь или истечет ctx.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.isClosed.Store(true)
		close(f.ch)
		f.mu.Unlock()
		f.logger.Info("stopping forwarder: draining queue...")
	})

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("forwarder stopped gracefully")
		return nil
	case <-ctx.Done():
		f.logger.Warn("forwarder drain interrupted", zap.Int("left", len(f.ch)))
		return ctx.Err()
	}
}

// Sent — сколько событий доставлено.
func (f *Forwarder) Sent() int64 {
	return f.sent.Load()
}

func (f *Forwarder) worker() {
	defer f.wg.Done()

	// Канал закрыт в Stop(): воркер вычитает остаток очереди и только потом выйдет
	for e := range f.ch {
		f.depth.Set(float64(len(f.ch)))
		f.deliver(e)
	}
	f.logger.Info("forward worker finished")
}

func (f *Forwarder) deliver(e Event) {
	// Background: контекст запроса к этому моменту уже закрыт
	ctx, cancel := context.WithTimeout(context.Background(), f.sendTimeout)
	defer cancel()

	if err := f.sink.SendOperateLog(ctx, ToOperateLog(e)); err != nil {
		f.failed.Inc()
		f.logger.Error("audit forward failed",
			zap.String("id", e.ID),
			zap.String("action", string(e.Action)),
			zap.Error(err))
		return
	}
	f.sent.Add(1)
}

// ToOperateLog переводит событие в формат журнала операций JumpServer.
func ToOperateLog(e Event) connectors.OperateLog {
	resource := e.Details[DetailSessionID]
	if resource == "" {
		resource = "N/A"
	}
	detail, err := json.Marshal(e.Details)
	if err != nil {
		detail = []byte("{}")
	}
	return connectors.OperateLog{
		User:         e.ActorID,
		Action:       string(e.Action),
		ResourceType: connectors.ResourceTypeSession,
		Resource:     resource,
		RemoteAddr:   e.SourceAddress,
		Datetime:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Detail:       string(detail),
	}
}
