package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/browser/browsertest"
	"github.com/xela07ax/webasset-gate/internal/broker"
	"github.com/xela07ax/webasset-gate/internal/catalog"
	"github.com/xela07ax/webasset-gate/internal/connectors"
	"github.com/xela07ax/webasset-gate/internal/console/handler"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/engine"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
	"github.com/xela07ax/webasset-gate/internal/policy"
	"go.uber.org/zap"
)

const (
	bmgPath   = "/banking/bmg/master-credentials"
	icredPath = "/banking/icred/master-credentials"
)

type vault struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func (v *vault) GetSecrets(_ context.Context, path string) ([]connectors.Secret, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[path]++
	if err := v.fail[path]; err != nil {
		return nil, err
	}
	switch path {
	case bmgPath:
		return []connectors.Secret{{Key: "username", Value: "svc-bmg"}, {Key: "password", Value: "s3cret"}}, nil
	case icredPath:
		return []connectors.Secret{{Key: "email", Value: "ops@example.com"}, {Key: "password", Value: "p"}}, nil
	}
	return nil, nil
}

func (v *vault) WriteSecret(context.Context, string, string, string) error { return nil }

func (v *vault) callsFor(path string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[path]
}

type gate struct {
	srv     *httptest.Server
	key     *rsa.PrivateKey
	vault   *vault
	browser *browsertest.Engine
	events  *audit.MemoryStore
}

func newGate(t *testing.T) *gate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	logger := zap.NewNop()
	cat := catalog.Builtin()
	enforcer := policy.NewMemoEnforcer(cat.Policies(), nil, logger)
	v := &vault{fail: map[string]error{}, calls: map[string]int{}}
	b := broker.New(v, cat, enforcer, broker.Config{}, logger)
	events := audit.NewMemoryStore()
	trail := audit.NewTrail(events, nil, logger)

	eng := browsertest.NewEngine()
	eng.Setup = func(p *browsertest.Page) {
		for _, def := range cat.List() {
			p.Show(def.Selectors.Username, def.Selectors.Password, def.Selectors.Submit)
		}
	}

	orch := engine.New(engine.Config{
		DefaultTimeout:    time.Minute,
		MaxTimeout:        time.Hour,
		CredentialTimeout: time.Second,
		NavigationTimeout: time.Second,
		SelectorTimeout:   100 * time.Millisecond,
		ShutdownBudget:    time.Second,
		TerminalRetention: time.Minute,
	}, enforcer, b, trail, eng, logger)

	srv := httptest.NewServer(NewConsoleServer(auth.NewBaseValidator(&key.PublicKey), Handlers{
		Health:  handler.NewHealthHandler(time.Now()),
		Auth:    handler.NewAuthHandler(trail, logger),
		Asset:   handler.NewAssetHandler(b),
		Session: handler.NewSessionHandler(orch, logger),
		Audit:   handler.NewAuditHandler(trail, logger),
	}, logger))

	t.Cleanup(func() {
		srv.Close()
		_ = orch.Shutdown(context.Background())
	})
	return &gate{srv: srv, key: key, vault: v, browser: eng, events: events}
}

func (g *gate) token(t *testing.T, owner string, groups ...string) string {
	t.Helper()
	tok, err := auth.IssueToken(g.key, &domain.CustomClaims{
		Email:  owner + "@example.com",
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return tok
}

func (g *gate) call(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (g *gate) count(action audit.Action) int {
	n := 0
	for _, e := range g.events.Events() {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestSessionLifecycle_TimesOutOnce(t *testing.T) {
	g := newGate(t)
	tok := g.token(t, "u1", "banking-users", "bmg-access")

	status, body := g.call(t, http.MethodPost, "/api/session/start", tok, `{"asset":"bmg","timeoutSeconds":1}`)
	require.Equal(t, http.StatusCreated, status)
	id, _ := body["sessionId"].(string)
	require.NotEmpty(t, id)
	assert.EqualValues(t, 1, body["expiresIn"])

	status, body = g.call(t, http.MethodGet, "/api/session/"+id+"/status", tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])

	assert.Eventually(t, func() bool {
		return g.count(audit.ActionSessionTimeout) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, g.browser.OpenPages())

	_, body = g.call(t, http.MethodGet, "/api/session/"+id+"/status", tok, "")
	assert.Equal(t, "closed", body["status"])

	// повторная остановка завершенной сессии — без новых записей
	status, _ = g.call(t, http.MethodPost, "/api/session/"+id+"/stop", tok, "")
	assert.Equal(t, http.StatusOK, status)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, g.count(audit.ActionSessionTimeout))
	assert.Zero(t, g.count(audit.ActionSessionStop))
}

func TestStart_GuestDenied(t *testing.T) {
	g := newGate(t)

	status, body := g.call(t, http.MethodPost, "/session/start", g.token(t, "u2", "guest"), `{"asset":"bmg"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "authorization denied", body["error"])

	assert.Zero(t, g.vault.callsFor(bmgPath))
	assert.Empty(t, g.browser.Pages())
	assert.Equal(t, 1, g.count(audit.ActionAuthorizationDenied))
}

func TestStart_CredentialStoreDown(t *testing.T) {
	g := newGate(t)
	g.vault.mu.Lock()
	g.vault.fail[icredPath] = errors.New("dial tcp 10.0.0.1:8080: connection refused")
	g.vault.mu.Unlock()

	status, body := g.call(t, http.MethodPost, "/api/session/start", g.token(t, "u1", "icred-access"), `{"asset":"icred"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "credential unavailable", body["error"])

	assert.Zero(t, g.browser.OpenPages())
	assert.Equal(t, 1, g.count(audit.ActionCredentialFetchFailed))
}

func TestOwnershipAndAuth(t *testing.T) {
	g := newGate(t)
	owner := g.token(t, "u1", "bmg-access")

	status, body := g.call(t, http.MethodPost, "/api/session/start", owner, `{"asset":"bmg"}`)
	require.Equal(t, http.StatusCreated, status)
	id := body["sessionId"].(string)

	status, _ = g.call(t, http.MethodGet, "/api/session/"+id+"/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	stranger := g.token(t, "u9", "bmg-access")
	status, _ = g.call(t, http.MethodGet, "/api/session/"+id+"/status", stranger, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = g.call(t, http.MethodPost, "/api/session/"+id+"/stop", stranger, "")
	assert.Equal(t, http.StatusNotFound, status)

	_, body = g.call(t, http.MethodGet, "/api/sessions", stranger, "")
	assert.Empty(t, body["sessions"])

	status, body = g.call(t, http.MethodPost, "/api/session/"+id+"/stop", owner, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, g.count(audit.ActionSessionStop))
}

func TestAssetsAuditAndLogin(t *testing.T) {
	g := newGate(t)
	tok := g.token(t, "u1", "icred-access")

	status, _ := g.call(t, http.MethodPost, "/api/auth/login", tok, "")
	require.Equal(t, http.StatusNoContent, status)

	status, body := g.call(t, http.MethodGet, "/api/assets", tok, "")
	require.Equal(t, http.StatusOK, status)
	assets := body["assets"].([]any)
	require.Len(t, assets, 1)
	assert.Equal(t, "icred", assets[0].(map[string]any)["id"])

	status, body = g.call(t, http.MethodGet, "/api/audit", tok, "")
	require.Equal(t, http.StatusOK, status)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	entry := logs[0].(map[string]any)
	assert.Equal(t, "login", entry["action"])
	assert.Equal(t, "u1", entry["userId"])

	// чужой журнал не виден
	_, body = g.call(t, http.MethodGet, "/api/audit", g.token(t, "u2", "guest"), "")
	assert.Empty(t, body["logs"])
}

func TestPublicRoutes(t *testing.T) {
	g := newGate(t)

	resp, err := http.Get(g.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(TraceHeader))

	status, body := g.call(t, http.MethodGet, "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Not found", body["error"])

	// /admin не смонтирован без Redis
	status, _ = g.call(t, http.MethodPost, "/api/admin/operators/u1/block", g.token(t, "sec", "security-admins"), "")
	assert.Equal(t, http.StatusNotFound, status)
}
