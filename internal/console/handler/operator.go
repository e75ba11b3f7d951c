package handler

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/repository/redisstore"
	"go.uber.org/zap"
)

// OperatorStore — блокировка операторов (Redis set + сигнал).
type OperatorStore interface {
	SetBlocked(ctx context.Context, ownerID string, blocked bool) error
}

// PolicyStore — ручные переопределения групп ассетов.
type PolicyStore interface {
	SetOverride(ctx context.Context, assetID string, groups []string) error
	DeleteOverride(ctx context.Context, assetID string) error
}

// AdminHandler — рычаги службы ИБ. Доступен только группе администраторов.
type AdminHandler struct {
	operators  OperatorStore
	policies   PolicyStore
	adminGroup string
	logger     *zap.Logger
}

func NewAdminHandler(operators OperatorStore, policies PolicyStore, adminGroup string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{operators: operators, policies: policies, adminGroup: adminGroup, logger: logger}
}

// RequireAdmin пропускает только членов adminGroup.
func (h *AdminHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := caller(w, r)
		if !ok {
			return
		}
		if h.adminGroup == "" || !slices.Contains(c.Groups, h.adminGroup) {
			writeError(w, h.logger, domain.ErrAuthorization)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Block — POST /admin/operators/{id}/block. Живые сессии оператора гасятся по сигналу.
func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// Unblock — POST /admin/operators/{id}/unblock
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *AdminHandler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	id := chi.URLParam(r, "id")
	if err := h.operators.SetBlocked(r.Context(), id, blocked); err != nil {
		writeError(w, h.logger, err)
		return
	}
	c, _ := caller(w, r)
	h.logger.Warn("operator lockout updated",
		zap.String("owner_id", id),
		zap.Bool("blocked", blocked),
		zap.String("by", c.ID))
	w.WriteHeader(http.StatusNoContent)
}

type overrideRequest struct {
	Groups []string `json:"groups"`
}

// SetPolicy — PUT /admin/policies/{asset}
func (h *AdminHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	groups := redisstore.SplitGroups(strings.Join(req.Groups, ","))
	if len(groups) == 0 {
		writeError(w, h.logger, fmt.Errorf("%w: groups must not be empty", domain.ErrInvalidRequest))
		return
	}
	if err := h.policies.SetOverride(r.Context(), chi.URLParam(r, "asset"), groups); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeletePolicy — DELETE /admin/policies/{asset}, ассет возвращается к группам каталога.
func (h *AdminHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.DeleteOverride(r.Context(), chi.URLParam(r, "asset")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
