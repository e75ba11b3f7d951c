package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilityConfig описывает защитный контур вокруг одного внешнего сервиса.
type ReliabilityConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration // Время, через которое CB попробует "закрыться"
	RateLimit   float64       // запросов в секунду, 0 — без лимита
	Attempts    uint
	CallTimeout time.Duration // таймаут одной попытки
	Delay       time.Duration // базовая задержка бэкоффа
	MaxDelay    time.Duration // потолок ожидания между попытками

	OnStateChange func(name string, from, to gobreaker.State)
}

// ReliabilityWrapper: rate limiter -> circuit breaker -> retry с экспоненциальным бэкоффом.
type ReliabilityWrapper struct {
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(cfg ReliabilityConfig) *ReliabilityWrapper {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// 4xx — проблема запроса, а не доступности сервиса
			return err == nil || isPermanent(err)
		},
		OnStateChange: cfg.OnStateChange,
	})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &ReliabilityWrapper{cfg: cfg, cb: cb, limiter: limiter}
}

// Do выполняет fn под защитой. Каждая попытка получает свой таймаут.
func (w *ReliabilityWrapper) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", w.cfg.Name, err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.Delay(w.cfg.Delay),
			retry.MaxDelay(w.cfg.MaxDelay),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Сервис сам сказал, сколько ждать (Retry-After)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			callErr := fn(tCtx)
			if callErr != nil && isPermanent(callErr) {
				return retry.Unrecoverable(callErr)
			}
			return callErr
		})
	})
	return err
}

// State — текущее состояние предохранителя (для логов и тестов).
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}

func isPermanent(err error) bool {
	var sErr *StatusError
	return errors.As(err, &sErr) && sErr.Permanent()
}
