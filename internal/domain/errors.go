package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Наружу (в HTTP-ответ) уходит только класс ошибки,
// детали остаются в операционном логе.
var (
	ErrAuthorization         = errors.New("authorization denied")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrAutomationStep        = errors.New("automation step failed")
	ErrSessionNotFound       = errors.New("session not found")
	ErrShuttingDown          = errors.New("orchestrator is shutting down")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidTransition     = errors.New("invalid session status transition")
)

// StepError описывает сбой конкретного шага логин-сценария.
// Step и причина пишутся только в лог и в аудит, клиенту отдается ErrAutomationStep.
type StepError struct {
	Step    string
	Timeout bool
	Err     error
}

func (e *StepError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("automation step %q timed out: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("automation step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrAutomationStep, e.Err}
}
