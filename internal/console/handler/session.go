package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/engine"
	"go.uber.org/zap"
)

// SessionService — операции оркестратора, доступные оператору.
type SessionService interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*engine.StartResult, error)
	GetStatus(sessionID, ownerID string) (domain.SessionView, error)
	StopSession(ctx context.Context, sessionID, ownerID string) error
	ListSessions(ownerID string) []domain.SessionView
}

type SessionHandler struct {
	service SessionService
	logger  *zap.Logger
}

func NewSessionHandler(s SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{service: s, logger: logger}
}

type startRequest struct {
	Asset          string `json:"asset"`
	CustomURL      string `json:"customUrl,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Start — POST /session/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.service.StartSession(r.Context(), engine.StartRequest{
		OwnerID:        c.ID,
		Groups:         c.Groups,
		Asset:          req.Asset,
		CustomURL:      req.CustomURL,
		TimeoutSeconds: req.TimeoutSeconds,
		SourceAddress:  c.SourceAddress,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Status — GET /session/{id}/status
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetStatus(chi.URLParam(r, "id"), c.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Stop — POST /session/{id}/stop, идемпотентен.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.service.StopSession(r.Context(), id, c.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": id})
}

// List — GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.service.ListSessions(c.ID)})
}
