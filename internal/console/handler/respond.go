package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отдает только класс ошибки. Детали — в лог.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, domain.ErrAuthorization):
		status, msg = http.StatusForbidden, "authorization denied"
	case errors.Is(err, domain.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, domain.ErrCredentialUnavailable):
		status, msg = http.StatusBadGateway, "credential unavailable"
	case errors.Is(err, domain.ErrAutomationStep):
		status, msg = http.StatusBadGateway, "automation failed"
	case errors.Is(err, domain.ErrShuttingDown):
		status, msg = http.StatusServiceUnavailable, "service shutting down"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// caller — оператор из контекста. Без него до хендлера не доходим (middleware),
// но на всякий случай отвечаем 401.
func caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	c, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	return c, ok
}
