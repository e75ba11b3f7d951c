package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
	"github.com/xela07ax/webasset-gate/internal/repository/sqlite"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// sqliteConfig пишет config.yaml с журналом в temp-каталоге.
func sqliteConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "audit.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, dbPath
}

func seed(t *testing.T, dbPath string, events ...audit.Event) {
	t.Helper()
	repo, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer repo.Close()

	trail := audit.NewTrail(repo, nil, zap.NewNop())
	for _, e := range events {
		_, err := trail.Record(context.Background(), e)
		require.NoError(t, err)
	}
}

func TestAuditVerifyAndList(t *testing.T) {
	cfgPath, dbPath := sqliteConfig(t)
	seed(t, dbPath,
		audit.Event{ActorID: "u-42", Action: audit.ActionLogin, Details: map[string]string{audit.DetailEmail: "u42@example.com"}},
		audit.Event{ActorID: "u-42", Action: audit.ActionSessionStart, Details: map[string]string{audit.DetailAsset: "bmg"}},
		audit.Event{ActorID: "u-7", Action: audit.ActionLogin},
	)

	out, err := execute(t, "audit", "verify", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 3 events verified")

	out, err = execute(t, "audit", "list", "--config", cfgPath, "--owner", "u-42")
	require.NoError(t, err)
	assert.Contains(t, out, "session_start")
	assert.Contains(t, out, "asset=bmg")
	assert.Equal(t, 3, strings.Count(out, "\n"), "header plus two events")

	out, err = execute(t, "audit", "list", "--config", cfgPath, "--owner", "u-7", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"action": "login"`)

	_, err = execute(t, "audit", "list", "--config", cfgPath)
	assert.Error(t, err, "--owner is required")

	_, err = execute(t, "audit", "list", "--config", cfgPath, "--owner", "u-42", "--since", "yesterday")
	assert.Error(t, err)
}

func TestAuditVerify_EmptyLog(t *testing.T) {
	cfgPath, _ := sqliteConfig(t)

	out, err := execute(t, "audit", "verify", "--config", cfgPath, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: true")
	assert.Contains(t, out, "checked: 0")
}

func TestTokenIssue(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "idp.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0o600))

	out, err := execute(t, "token", "issue", "--key", keyPath, "--sub", "u-42", "--group", "banking-users", "--group", "bmg-access")
	require.NoError(t, err)

	claims, err := auth.NewBaseValidator(&key.PublicKey).VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u-42", claims.OwnerID())
	assert.Equal(t, []string{"banking-users", "bmg-access"}, claims.Groups)

	_, err = execute(t, "token", "issue", "--key", keyPath)
	assert.Error(t, err, "--sub is required")
}

func TestControlPlaneNeedsRedis(t *testing.T) {
	cfgPath, _ := sqliteConfig(t)

	_, err := execute(t, "operators", "block", "u-42", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")

	_, err = execute(t, "policy", "set", "bmg", "auditors", "--config", cfgPath)
	assert.Error(t, err)
}

func TestRotate_UnavailableAuditLogLeavesVaultUntouched(t *testing.T) {
	var calls atomic.Int32
	vault := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer vault.Close()

	// путь журнала внутри обычного файла: каталог не создать
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\nvault:\n  url: %s\n",
		filepath.Join(blocker, "audit.db"), vault.URL)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	_, err := execute(t, "credentials", "rotate", "bmg", "--config", cfgPath, "--set", "password=n3w", "--actor", "sec-1")
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}
