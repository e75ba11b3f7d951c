package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/engine"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
	"go.uber.org/zap"
)

var operator = domain.Caller{
	ID:            "u1",
	Email:         "u1@example.com",
	Groups:        []string{"bmg-access"},
	SourceAddress: "10.0.0.9",
}

func do(t *testing.T, h http.Handler, method, target, body string, c *domain.Caller) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if c != nil {
		req = req.WithContext(auth.WithCaller(req.Context(), *c))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{fmt.Errorf("%w: empty asset", domain.ErrInvalidRequest), http.StatusBadRequest, "invalid request"},
		{domain.ErrAuthorization, http.StatusForbidden, "authorization denied"},
		{domain.ErrSessionNotFound, http.StatusNotFound, "session not found"},
		{fmt.Errorf("%w: vault 502", domain.ErrCredentialUnavailable), http.StatusBadGateway, "credential unavailable"},
		{&domain.StepError{Step: "submit", Err: errors.New("no button")}, http.StatusBadGateway, "automation failed"},
		{domain.ErrShuttingDown, http.StatusServiceUnavailable, "service shutting down"},
		{errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, zap.NewNop(), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decode(t, rec)["error"])
			assert.NotContains(t, rec.Body.String(), "vault")
			assert.NotContains(t, rec.Body.String(), "no button")
		})
	}
}

type fakeSessions struct {
	got     engine.StartRequest
	err     error
	stopped []string
}

func (f *fakeSessions) StartSession(_ context.Context, req engine.StartRequest) (*engine.StartResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &engine.StartResult{SessionID: "s-1", ExpiresIn: 1800}, nil
}

func (f *fakeSessions) GetStatus(sessionID, ownerID string) (domain.SessionView, error) {
	if sessionID != "s-1" || ownerID != "u1" {
		return domain.SessionView{}, domain.ErrSessionNotFound
	}
	return domain.SessionView{ID: "s-1", Asset: "bmg", Status: domain.StatusActive, IsActive: true}, nil
}

func (f *fakeSessions) StopSession(_ context.Context, sessionID, ownerID string) error {
	if ownerID != "u1" {
		return domain.ErrSessionNotFound
	}
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeSessions) ListSessions(string) []domain.SessionView {
	return []domain.SessionView{{ID: "s-1", Asset: "bmg", Status: domain.StatusActive}}
}

func sessionRouter(svc SessionService) http.Handler {
	h := NewSessionHandler(svc, zap.NewNop())
	r := chi.NewRouter()
	r.Post("/session/start", h.Start)
	r.Get("/session/{id}/status", h.Status)
	r.Post("/session/{id}/stop", h.Stop)
	r.Get("/sessions", h.List)
	return r
}

func TestSessionHandler_Start(t *testing.T) {
	svc := &fakeSessions{}
	r := sessionRouter(svc)

	rec := do(t, r, http.MethodPost, "/session/start", `{"asset":"bmg","timeoutSeconds":600}`, &operator)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "s-1", body["sessionId"])
	assert.EqualValues(t, 1800, body["expiresIn"])

	assert.Equal(t, engine.StartRequest{
		OwnerID:        "u1",
		Groups:         []string{"bmg-access"},
		Asset:          "bmg",
		TimeoutSeconds: 600,
		SourceAddress:  "10.0.0.9",
	}, svc.got)

	t.Run("malformed body", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, "/session/start", `{"asset":`, &operator)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no caller", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, "/session/start", `{"asset":"bmg"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("denied", func(t *testing.T) {
		svc.err = domain.ErrAuthorization
		defer func() { svc.err = nil }()
		rec := do(t, r, http.MethodPost, "/session/start", `{"asset":"bmg"}`, &operator)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestSessionHandler_StatusStopList(t *testing.T) {
	svc := &fakeSessions{}
	r := sessionRouter(svc)

	rec := do(t, r, http.MethodGet, "/session/s-1/status", "", &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])

	stranger := domain.Caller{ID: "u2"}
	rec = do(t, r, http.MethodGet, "/session/s-1/status", "", &stranger)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPost, "/session/s-1/stop", "", &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.Equal(t, []string{"s-1"}, svc.stopped)

	rec = do(t, r, http.MethodPost, "/session/s-1/stop", "", &stranger)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodGet, "/sessions", "", &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["sessions"], 1)
}

type fakeAssets struct{}

func (fakeAssets) ListAvailable(_ context.Context, groups []string) []domain.AssetDefinition {
	for _, g := range groups {
		if g == "bmg-access" {
			return []domain.AssetDefinition{{ID: "bmg", DisplayName: "BMG Consignado"}}
		}
	}
	return nil
}

func TestAssetHandler_List(t *testing.T) {
	h := http.HandlerFunc(NewAssetHandler(fakeAssets{}).List)

	rec := do(t, h, http.MethodGet, "/assets", "", &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["assets"], 1)

	guest := domain.Caller{ID: "u3", Groups: []string{"guest"}}
	rec = do(t, h, http.MethodGet, "/assets", "", &guest)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"assets":[]}`, rec.Body.String())
}

type fakeAudit struct {
	recorded   []audit.Event
	start, end time.Time
	limit      int
	owner      string
}

func (f *fakeAudit) Record(_ context.Context, e audit.Event) (string, error) {
	f.recorded = append(f.recorded, e)
	return "evt-1", nil
}

func (f *fakeAudit) Query(_ context.Context, ownerID string, start, end time.Time, limit int) ([]audit.Event, error) {
	f.owner, f.start, f.end, f.limit = ownerID, start, end, limit
	return []audit.Event{{ID: "evt-1", ActorID: ownerID, Action: audit.ActionLogin}}, nil
}

func TestAuditHandler_GetLogs(t *testing.T) {
	svc := &fakeAudit{}
	h := http.HandlerFunc(NewAuditHandler(svc, zap.NewNop()).GetLogs)

	rec := do(t, h, http.MethodGet, "/audit?startDate=2024-03-01&endDate=2024-03-02&limit=50", "", &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["logs"], 1)

	assert.Equal(t, "u1", svc.owner)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), svc.start)
	assert.Equal(t, 2, svc.end.Day())
	assert.Equal(t, 23, svc.end.Hour(), "date-only end covers the whole day")
	assert.Equal(t, 50, svc.limit)

	rec = do(t, h, http.MethodGet, "/audit?startDate=2024-03-01T10:00:00Z", "", &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, svc.start.Hour())
	assert.True(t, svc.end.IsZero())

	for _, q := range []string{"startDate=yesterday", "endDate=03/02/2024", "limit=-1", "limit=ten"} {
		rec := do(t, h, http.MethodGet, "/audit?"+q, "", &operator)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestAuthHandler_RecordsLoginAndLogout(t *testing.T) {
	svc := &fakeAudit{}
	h := NewAuthHandler(svc, zap.NewNop())

	rec := do(t, http.HandlerFunc(h.Login), http.MethodPost, "/auth/login", "", &operator)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, http.HandlerFunc(h.Logout), http.MethodPost, "/auth/logout", "", &operator)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, svc.recorded, 2)
	assert.Equal(t, audit.ActionLogin, svc.recorded[0].Action)
	assert.Equal(t, "u1@example.com", svc.recorded[0].Details[audit.DetailEmail])
	assert.Equal(t, "10.0.0.9", svc.recorded[0].SourceAddress)
	assert.Equal(t, audit.ActionLogout, svc.recorded[1].Action)
	assert.Empty(t, svc.recorded[1].Details)
}

type fakeAdminStore struct {
	blocked   map[string]bool
	overrides map[string][]string
}

func (f *fakeAdminStore) SetBlocked(_ context.Context, ownerID string, blocked bool) error {
	f.blocked[ownerID] = blocked
	return nil
}

func (f *fakeAdminStore) SetOverride(_ context.Context, assetID string, groups []string) error {
	f.overrides[assetID] = groups
	return nil
}

func (f *fakeAdminStore) DeleteOverride(_ context.Context, assetID string) error {
	delete(f.overrides, assetID)
	return nil
}

func TestAdminHandler(t *testing.T) {
	store := &fakeAdminStore{blocked: map[string]bool{}, overrides: map[string][]string{"icred": {"x"}}}
	h := NewAdminHandler(store, store, "security-admins", zap.NewNop())

	r := chi.NewRouter()
	r.Use(h.RequireAdmin)
	r.Post("/operators/{id}/block", h.Block)
	r.Post("/operators/{id}/unblock", h.Unblock)
	r.Put("/policies/{asset}", h.SetPolicy)
	r.Delete("/policies/{asset}", h.DeletePolicy)

	admin := domain.Caller{ID: "sec-1", Groups: []string{"security-admins"}}

	rec := do(t, r, http.MethodPost, "/operators/u1/block", "", &operator)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, store.blocked)

	rec = do(t, r, http.MethodPost, "/operators/u1/block", "", &admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, store.blocked["u1"])

	rec = do(t, r, http.MethodPost, "/operators/u1/unblock", "", &admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, store.blocked["u1"])

	rec = do(t, r, http.MethodPut, "/policies/bmg", `{"groups":[" auditors ", ""]}`, &admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"auditors"}, store.overrides["bmg"])

	rec = do(t, r, http.MethodPut, "/policies/bmg", `{"groups":[" "]}`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodDelete, "/policies/icred", "", &admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, store.overrides, "icred")
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler(time.Now().Add(-time.Minute))
	rec := do(t, http.HandlerFunc(h.Check), http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.GreaterOrEqual(t, body["uptime"], 60.0)
}
