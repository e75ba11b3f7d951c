package domain

import "time"

// SessionStatus — состояния конечного автомата сессии.
type SessionStatus string

const (
	StatusPending  SessionStatus = "pending"  // запись зарезервирована, идет авторизация и выборка секрета
	StatusRunning  SessionStatus = "running"  // браузерный контекст получен, выполняется логин-сценарий
	StatusActive   SessionStatus = "active"   // сессия жива и тарифицируется по таймауту
	StatusStopping SessionStatus = "stopping" // запрошено освобождение ресурса
	StatusClosed   SessionStatus = "closed"   // ресурс освобожден штатно
	StatusFailed   SessionStatus = "failed"   // сбой до перехода в active
)

// Terminal — из терминального состояния возврата нет.
func (s SessionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

var transitions = map[SessionStatus][]SessionStatus{
	StatusPending:  {StatusRunning, StatusFailed},
	StatusRunning:  {StatusActive, StatusStopping, StatusFailed},
	StatusActive:   {StatusStopping},
	StatusStopping: {StatusClosed, StatusFailed},
}

// CanTransitionTo проверяет правила конечного автомата.
func (s SessionStatus) CanTransitionTo(next SessionStatus) error {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return nil
		}
	}
	return ErrInvalidTransition
}

// StopTrigger — причина освобождения сессии. Различает оператора и таймер в аудите.
type StopTrigger string

const (
	TriggerOperator       StopTrigger = "operator"
	TriggerTimeout        StopTrigger = "timeout"
	TriggerResourceClosed StopTrigger = "resource_closed"
	TriggerShutdown       StopTrigger = "shutdown"
	TriggerLockout        StopTrigger = "operator_lockout"
)

// SessionView — то, что видит владелец сессии. Ссылок на браузерный ресурс нет.
type SessionView struct {
	ID             string        `json:"id"`
	Asset          string        `json:"asset"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"startTime"`
	LastActivityAt time.Time     `json:"lastActivity"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
	KioskMode      bool          `json:"kioskMode"`
	IsActive       bool          `json:"isActive"`
	StopTrigger    StopTrigger   `json:"stopTrigger,omitempty"`
}
