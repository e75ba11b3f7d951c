package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/browser"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Authorizer — решение политики доступа (см. policy.MemoEnforcer).
type Authorizer interface {
	IsAuthorized(assetID string, groups []string) bool
}

// CredentialBroker — разрешение ассета и выборка мастер-учетки.
type CredentialBroker interface {
	Resolve(ctx context.Context, assetID, customURL string) (domain.AssetDefinition, error)
	Fetch(ctx context.Context, assetID string, groups []string) (*domain.CredentialBundle, error)
}

// AuditRecorder — синхронная запись в локальный журнал.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Event) (string, error)
}

// Lockout — блокировка операторов службой ИБ.
type Lockout interface {
	IsBlocked(ownerID string) bool
}

type Config struct {
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	CredentialTimeout time.Duration
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	ShutdownBudget    time.Duration // на освобождение одной сессии
	TerminalRetention time.Duration // сколько помнить завершенные сессии
	KioskMode         bool
	RecordDir         string
}

type StartRequest struct {
	OwnerID        string
	Groups         []string
	Asset          string
	CustomURL      string
	TimeoutSeconds int
	SourceAddress  string
}

type StartResult struct {
	SessionID string `json:"sessionId"`
	ExpiresIn int    `json:"expiresIn"`
}

type Option func(*Orchestrator)

func WithLockout(l Lockout) Option {
	return func(o *Orchestrator) { o.lockout = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator владеет реестром сессий. Реестр меняется только через его методы.
type Orchestrator struct {
	cfg     Config
	policy  Authorizer
	broker  CredentialBroker
	audit   AuditRecorder
	engine  browser.Engine
	lockout Lockout
	metrics *Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu         sync.Mutex
	sessions   map[string]*session
	tombstones map[string]tombstone
	closing    bool
}

// tombstone — след завершенной сессии без ресурса: статус и идемпотентный stop.
type tombstone struct {
	view    domain.SessionView
	ownerID string
	until   time.Time
}

func New(cfg Config, policy Authorizer, broker CredentialBroker, recorder AuditRecorder, engine browser.Engine, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = 10 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 10 * time.Second
	}
	if cfg.ShutdownBudget <= 0 {
		cfg.ShutdownBudget = 5 * time.Second
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = 10 * time.Minute
	}

	o := &Orchestrator{
		cfg:        cfg,
		policy:     policy,
		broker:     broker,
		audit:      recorder,
		engine:     engine,
		logger:     logger.Named("orchestrator"),
		tracer:     otel.Tracer("webasset-gate/engine"),
		now:        time.Now,
		sessions:   make(map[string]*session),
		tombstones: make(map[string]tombstone),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// StartSession: авторизация -> секрет -> изолированная страница -> логин -> active.
// Любой сбой освобождает страницу до возврата и не оставляет записи в реестре.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (res *StartResult, err error) {
	ctx, span := o.tracer.Start(ctx, "engine.StartSession")
	began := o.now()
	label, result := "unresolved", "ok"
	defer func() {
		o.metrics.SessionStarts.WithLabelValues(label, result).Inc()
		o.metrics.StartDuration.WithLabelValues(label, result).Observe(o.now().Sub(began).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		span.End()
	}()

	if req.OwnerID == "" {
		result = "invalid"
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	if req.Asset == "" && req.CustomURL != "" {
		req.Asset = domain.CustomAssetID
	}
	timeout, err := o.sessionTimeout(req.TimeoutSeconds)
	if err != nil {
		result = "invalid"
		return nil, err
	}
	if o.isClosing() {
		result = "shutdown"
		return nil, domain.ErrShuttingDown
	}

	// 1. Авторизация. Неизвестный ассет неотличим от запрета.
	def, err := o.broker.Resolve(ctx, req.Asset, req.CustomURL)
	if err != nil {
		if errors.Is(err, domain.ErrAuthorization) {
			result = "denied"
			return nil, o.deny(ctx, req, req.Asset, "unknown_asset")
		}
		result = "invalid"
		return nil, err
	}
	label = def.ID
	span.SetAttributes(attribute.String("asset", def.ID))

	if o.lockout != nil && o.lockout.IsBlocked(req.OwnerID) {
		result = "denied"
		return nil, o.deny(ctx, req, def.ID, "operator_locked")
	}
	if !o.policy.IsAuthorized(def.ID, req.Groups) {
		result = "denied"
		return nil, o.deny(ctx, req, def.ID, "policy")
	}

	createCtx, cancelCreate := context.WithCancel(ctx)
	defer cancelCreate()

	s := &session{
		id:            uuid.NewString(),
		ownerID:       req.OwnerID,
		asset:         def.ID,
		sourceAddress: req.SourceAddress,
		status:        domain.StatusPending,
		startedAt:     began,
		timeout:       timeout,
		cancelCreate:  cancelCreate,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.lastActivityAt = began
	if !o.reserve(s) {
		result = "shutdown"
		return nil, domain.ErrShuttingDown
	}
	log := o.logger.With(zap.String("session_id", s.id), zap.String("asset", def.ID), zap.String("owner_id", req.OwnerID))

	// 2. Мастер-учетка, ограниченная своим таймаутом.
	creds, err := o.fetch(createCtx, def.ID, req.Groups)
	if err != nil {
		trigger := o.abort(s, nil)
		switch {
		case trigger != "":
			result = "cancelled"
			return nil, o.interrupted(ctx, s, trigger)
		case errors.Is(err, domain.ErrAuthorization):
			result = "denied"
			return nil, o.deny(ctx, req, def.ID, "policy")
		}
		result = "credential"
		log.Warn("credential fetch failed", zap.Error(err))
		o.recordFailure(ctx, s, audit.ActionCredentialFetchFailed, nil)
		return nil, domain.ErrCredentialUnavailable
	}
	defer creds.Wipe()

	// 3-4. Страница и логин-сценарий.
	page, err := o.create(createCtx, s, def, creds, log)
	if err != nil {
		trigger := o.abort(s, page)
		if trigger != "" {
			result = "cancelled"
			return nil, o.interrupted(ctx, s, trigger)
		}
		result = "automation"
		details := map[string]string{audit.DetailReason: "error"}
		var stepErr *domain.StepError
		if errors.As(err, &stepErr) {
			details[audit.DetailStep] = stepErr.Step
			if stepErr.Timeout {
				details[audit.DetailReason] = "timeout"
			}
			o.metrics.LoginStepFailures.WithLabelValues(stepErr.Step, fmt.Sprint(stepErr.Timeout)).Inc()
		} else if ctx.Err() != nil {
			details[audit.DetailReason] = "cancelled"
		}
		log.Error("session creation failed", zap.Error(err))
		o.recordFailure(ctx, s, audit.ActionSessionFailed, details)
		if stepErr == nil {
			err = &domain.StepError{Step: "login", Err: err}
		}
		return nil, err
	}

	// 5. session_start пишется вне замка; конкурентный stop ждет ready.
	s.mu.Lock()
	trigger := s.stopTrigger
	s.mu.Unlock()
	if trigger != "" {
		o.abort(s, page)
		result = "cancelled"
		return nil, o.interrupted(ctx, s, trigger)
	}
	_, err = o.audit.Record(context.WithoutCancel(ctx), audit.Event{
		ActorID:       s.ownerID,
		Action:        audit.ActionSessionStart,
		SourceAddress: s.sourceAddress,
		Details: map[string]string{
			audit.DetailAsset:     s.asset,
			audit.DetailSessionID: s.id,
		},
	})
	if err != nil {
		o.abort(s, page)
		result = "audit"
		log.Error("session start not recorded, tearing down", zap.Error(err))
		return nil, fmt.Errorf("engine: record session start: %w", err)
	}

	// Stop, пришедший во время записи, закрывает уже активную сессию обычным release.
	s.mu.Lock()
	now := o.now()
	_ = s.transition(domain.StatusActive)
	s.page = page
	s.lastActivityAt = now
	s.expiresAt = now.Add(timeout)
	s.timer = time.AfterFunc(timeout, func() { o.expire(s) })
	trigger = s.stopTrigger
	o.metrics.ActiveSessions.Inc()
	close(s.ready)
	s.mu.Unlock()

	go o.watch(s, page)

	if trigger != "" {
		result = "cancelled"
		log.Info("session stopped right after start", zap.String("trigger", string(trigger)))
		return nil, stopError(trigger)
	}

	log.Info("session active", zap.Duration("timeout", timeout))
	return &StartResult{SessionID: s.id, ExpiresIn: int(timeout / time.Second)}, nil
}

// GetStatus — чужой и неизвестный id неразличимы.
func (o *Orchestrator) GetStatus(sessionID, ownerID string) (domain.SessionView, error) {
	s, tomb, ok := o.lookup(sessionID)
	switch {
	case !ok:
		return domain.SessionView{}, domain.ErrSessionNotFound
	case s == nil:
		if tomb.ownerID != ownerID {
			return domain.SessionView{}, domain.ErrSessionNotFound
		}
		return tomb.view, nil
	case s.ownerID != ownerID:
		return domain.SessionView{}, domain.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(o.cfg.KioskMode), nil
}

// StopSession идемпотентен: повторный stop завершенной сессии — no-op.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID, ownerID string) error {
	s, tomb, ok := o.lookup(sessionID)
	switch {
	case !ok:
		return domain.ErrSessionNotFound
	case s == nil:
		if tomb.ownerID != ownerID {
			return domain.ErrSessionNotFound
		}
		return nil
	case s.ownerID != ownerID:
		return domain.ErrSessionNotFound
	}
	return o.release(ctx, s, domain.TriggerOperator)
}

// ListSessions — живые сессии владельца, старые первыми.
func (o *Orchestrator) ListSessions(ownerID string) []domain.SessionView {
	views := []domain.SessionView{}
	for _, s := range o.snapshot(ownerID) {
		s.mu.Lock()
		views = append(views, s.view(o.cfg.KioskMode))
		s.mu.Unlock()
	}
	slices.SortFunc(views, func(a, b domain.SessionView) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return views
}

// StopOwnerSessions гасит все сессии оператора параллельно. Возвращает число затронутых.
func (o *Orchestrator) StopOwnerSessions(ctx context.Context, ownerID string, trigger domain.StopTrigger) int {
	sessions := o.snapshot(ownerID)
	if err := o.releaseAll(ctx, sessions, trigger); err != nil {
		o.logger.Warn("owner sessions not fully released", zap.String("owner_id", ownerID), zap.Error(err))
	}
	return len(sessions)
}

// Shutdown закрывает прием и принудительно гасит все сессии,
// каждой отводится cfg.ShutdownBudget.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	sessions := o.snapshot("")
	o.logger.Info("stopping all sessions", zap.Int("count", len(sessions)))
	return o.releaseAll(ctx, sessions, domain.TriggerShutdown)
}

func (o *Orchestrator) releaseAll(ctx context.Context, sessions []*session, trigger domain.StopTrigger) error {
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownBudget)
			defer cancel()
			if err := o.release(sctx, s, trigger); err != nil {
				return fmt.Errorf("session %s: %w", s.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// release — единый путь освобождения для stop, таймаута, закрытия ресурса и shutdown.
func (o *Orchestrator) release(ctx context.Context, s *session, trigger domain.StopTrigger) error {
	s.mu.Lock()
	if s.status == domain.StatusPending || s.status == domain.StatusRunning {
		// Создание еще идет: отменяем его и ждем стабильного состояния
		if s.stopTrigger == "" {
			s.stopTrigger = trigger
		}
		cancel := s.cancelCreate
		s.mu.Unlock()
		cancel()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	switch s.status {
	case domain.StatusActive:
	case domain.StatusStopping:
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		s.mu.Unlock()
		return nil
	}

	_ = s.transition(domain.StatusStopping)
	s.stopTrigger = trigger
	if s.timer != nil {
		s.timer.Stop()
	}
	page := s.page
	s.page = nil
	s.mu.Unlock()

	if err := page.Close(); err != nil {
		o.logger.Warn("page close failed", zap.String("session_id", s.id), zap.Error(err))
	}

	s.mu.Lock()
	_ = s.transition(domain.StatusClosed)
	s.lastActivityAt = o.now()
	view := s.view(o.cfg.KioskMode)
	s.mu.Unlock()

	action := audit.ActionSessionStop
	if trigger == domain.TriggerTimeout {
		action = audit.ActionSessionTimeout
	}
	_, auditErr := o.audit.Record(context.WithoutCancel(ctx), audit.Event{
		ActorID:       s.ownerID,
		Action:        action,
		SourceAddress: s.sourceAddress,
		Details: map[string]string{
			audit.DetailAsset:     s.asset,
			audit.DetailSessionID: s.id,
			audit.DetailTrigger:   string(trigger),
		},
	})

	o.retire(s, view)
	close(s.done)
	o.metrics.ActiveSessions.Dec()
	o.metrics.SessionStops.WithLabelValues(string(trigger)).Inc()

	o.logger.Info("session released",
		zap.String("session_id", s.id),
		zap.String("owner_id", s.ownerID),
		zap.String("trigger", string(trigger)))

	if auditErr != nil {
		o.logger.Error("session stop not recorded", zap.String("session_id", s.id), zap.Error(auditErr))
		return fmt.Errorf("engine: record session stop: %w", auditErr)
	}
	return nil
}

// expire срабатывает по таймеру. Поздний таймер отсекается проверкой статуса в release.
func (o *Orchestrator) expire(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownBudget)
	defer cancel()
	if err := o.release(ctx, s, domain.TriggerTimeout); err != nil {
		o.logger.Error("timeout release failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

// watch превращает закрытие ресурса (крах вкладки, внешний close) в обычный release.
func (o *Orchestrator) watch(s *session, page browser.Page) {
	select {
	case <-s.done:
		return
	case <-page.Closed():
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownBudget)
	defer cancel()
	if err := o.release(ctx, s, domain.TriggerResourceClosed); err != nil {
		o.logger.Error("resource closed release failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (o *Orchestrator) fetch(ctx context.Context, assetID string, groups []string) (*domain.CredentialBundle, error) {
	ctx, span := o.tracer.Start(ctx, "engine.FetchCredentials")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.CredentialTimeout)
	defer cancel()
	creds, err := o.broker.Fetch(ctx, assetID, groups)
	if err != nil {
		span.SetStatus(codes.Error, "credential unavailable")
	}
	return creds, err
}

// create получает страницу и прогоняет логин. Страница возвращается и при ошибке,
// чтобы вызывающий освободил ее.
func (o *Orchestrator) create(ctx context.Context, s *session, def domain.AssetDefinition, creds *domain.CredentialBundle, log *zap.Logger) (browser.Page, error) {
	ctx, span := o.tracer.Start(ctx, "engine.Login", trace.WithAttributes(attribute.Bool("heuristic", def.Heuristic())))
	defer span.End()

	page, err := o.engine.NewPage(ctx, browser.PageOptions{SessionID: s.id, RecordDir: o.cfg.RecordDir})
	if err != nil {
		return nil, &domain.StepError{Step: stepOpenPage, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}

	s.mu.Lock()
	_ = s.transition(domain.StatusRunning)
	s.mu.Unlock()

	runner := &loginRunner{
		page:       page,
		navTimeout: o.cfg.NavigationTimeout,
		selTimeout: o.cfg.SelectorTimeout,
		logger:     log,
	}
	if err := runner.run(ctx, def, creds); err != nil {
		span.SetStatus(codes.Error, "login failed")
		return page, err
	}
	return page, nil
}

// abort — выход из создания: освобождает страницу и снимает запись без следа.
// Возвращает причину, если создание прервал конкурентный stop.
func (o *Orchestrator) abort(s *session, page browser.Page) domain.StopTrigger {
	if page != nil {
		if err := page.Close(); err != nil {
			o.logger.Warn("page close failed", zap.String("session_id", s.id), zap.Error(err))
		}
	}

	s.mu.Lock()
	trigger := s.stopTrigger
	if trigger != "" && s.status == domain.StatusRunning {
		_ = s.transition(domain.StatusStopping)
		_ = s.transition(domain.StatusClosed)
	} else {
		_ = s.transition(domain.StatusFailed)
	}
	s.mu.Unlock()

	o.mu.Lock()
	delete(o.sessions, s.id)
	o.mu.Unlock()

	close(s.ready)
	close(s.done)
	return trigger
}

// interrupted — создание прервано остановкой (shutdown, lockout).
func (o *Orchestrator) interrupted(ctx context.Context, s *session, trigger domain.StopTrigger) error {
	o.logger.Info("session creation interrupted", zap.String("session_id", s.id), zap.String("trigger", string(trigger)))
	o.recordFailure(ctx, s, audit.ActionSessionFailed, map[string]string{
		audit.DetailReason:  "interrupted",
		audit.DetailTrigger: string(trigger),
	})
	return stopError(trigger)
}

// stopError — ответ стартующему, если его сессию остановили до выдачи.
func stopError(trigger domain.StopTrigger) error {
	switch trigger {
	case domain.TriggerShutdown:
		return domain.ErrShuttingDown
	case domain.TriggerLockout:
		return domain.ErrAuthorization
	}
	return &domain.StepError{Step: "login", Err: context.Canceled}
}

func (o *Orchestrator) deny(ctx context.Context, req StartRequest, assetID, reason string) error {
	o.logger.Warn("authorization denied",
		zap.String("owner_id", req.OwnerID),
		zap.String("asset", assetID),
		zap.String("reason", reason))

	_, err := o.audit.Record(context.WithoutCancel(ctx), audit.Event{
		ActorID:       req.OwnerID,
		Action:        audit.ActionAuthorizationDenied,
		SourceAddress: req.SourceAddress,
		Details: map[string]string{
			audit.DetailAsset:  assetID,
			audit.DetailReason: reason,
		},
	})
	if err != nil {
		o.logger.Error("authorization denial not recorded", zap.Error(err))
	}
	return domain.ErrAuthorization
}

func (o *Orchestrator) recordFailure(ctx context.Context, s *session, action audit.Action, details map[string]string) {
	if details == nil {
		details = make(map[string]string, 2)
	}
	details[audit.DetailAsset] = s.asset
	details[audit.DetailSessionID] = s.id

	_, err := o.audit.Record(context.WithoutCancel(ctx), audit.Event{
		ActorID:       s.ownerID,
		Action:        action,
		SourceAddress: s.sourceAddress,
		Details:       details,
	})
	if err != nil {
		o.logger.Error("failure not recorded", zap.String("action", string(action)), zap.Error(err))
	}
}

func (o *Orchestrator) sessionTimeout(seconds int) (time.Duration, error) {
	switch {
	case seconds < 0:
		return 0, fmt.Errorf("%w: timeoutSeconds must be positive", domain.ErrInvalidRequest)
	case seconds == 0:
		return o.cfg.DefaultTimeout, nil
	case int64(seconds) > int64(o.cfg.MaxTimeout/time.Second):
		// сравнение до умножения: большие значения переполняют Duration
		return o.cfg.MaxTimeout, nil
	}
	return time.Duration(seconds) * time.Second, nil
}
