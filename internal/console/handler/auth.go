package handler

import (
	"net/http"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"go.uber.org/zap"
)

// AuthHandler фиксирует вход и выход оператора. Сам OIDC-обмен делает внешний IdP,
// фронт сообщает о результате уже с выпущенным токеном.
type AuthHandler struct {
	audit  AuditService
	logger *zap.Logger
}

func NewAuthHandler(a AuditService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{audit: a, logger: logger}
}

// Login — POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, audit.ActionLogin)
}

// Logout — POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, audit.ActionLogout)
}

func (h *AuthHandler) record(w http.ResponseWriter, r *http.Request, action audit.Action) {
	c, ok := caller(w, r)
	if !ok {
		return
	}

	details := map[string]string{}
	if action == audit.ActionLogin && c.Email != "" {
		details[audit.DetailEmail] = c.Email
	}
	if _, err := h.audit.Record(r.Context(), audit.Event{
		ActorID:       c.ID,
		Action:        action,
		Details:       details,
		SourceAddress: c.SourceAddress,
	}); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
