package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

type AuditService interface {
	Record(ctx context.Context, e audit.Event) (string, error)
	Query(ctx context.Context, ownerID string, start, end time.Time, limit int) ([]audit.Event, error)
}

type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger}
}

// GetLogs возвращает события журнала текущего оператора
// GET /audit?startDate=...&endDate=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	start, err := parseDate(q.Get("startDate"), false)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	end, err := parseDate(q.Get("endDate"), true)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, h.logger, fmt.Errorf("%w: bad limit", domain.ErrInvalidRequest))
			return
		}
	}

	logs, err := h.service.Query(r.Context(), c.ID, start, end, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// parseDate принимает RFC3339 или YYYY-MM-DD. Дата без времени как верхняя граница
// покрывает весь день.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", domain.ErrInvalidRequest, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return t, nil
}
