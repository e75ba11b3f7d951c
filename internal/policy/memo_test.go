package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

type stubOverrides struct {
	m   map[string][]string
	err error
}

func (s *stubOverrides) GetOverrides(context.Context) (map[string][]string, error) {
	return s.m, s.err
}

func catalogPolicies() []domain.AssetPolicy {
	return []domain.AssetPolicy{
		{AssetID: "bmg", Groups: []string{"banking-users", "bmg-access", "admin"}},
		{AssetID: "icred", Groups: []string{"banking-users", "icred-access", "admin"}},
		{AssetID: "locked", Groups: nil},
	}
}

func TestIsAuthorized(t *testing.T) {
	e := NewMemoEnforcer(catalogPolicies(), nil, zap.NewNop())

	tests := []struct {
		name   string
		asset  string
		groups []string
		want   bool
	}{
		{"any single group matches", "bmg", []string{"bmg-access"}, true},
		{"admin matches everything mapped", "icred", []string{"admin"}, true},
		{"foreign group", "bmg", []string{"icred-access"}, false},
		{"guest", "bmg", []string{"guest"}, false},
		{"no groups", "bmg", nil, false},
		{"unmapped asset", "unknown", []string{"admin"}, false},
		{"empty required set", "locked", []string{"admin"}, false},
		{"custom class unmapped", domain.CustomAssetID, []string{"admin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsAuthorized(tt.asset, tt.groups))
		})
	}
}

func TestRegister_DoesNotOverrideStatic(t *testing.T) {
	e := NewMemoEnforcer(catalogPolicies(), nil, zap.NewNop())

	assert.False(t, e.Register("bmg", []string{"guest"}))
	assert.False(t, e.IsAuthorized("bmg", []string{"guest"}))

	assert.True(t, e.Register("crm", []string{"crm-users"}))
	assert.True(t, e.IsAuthorized("crm", []string{"crm-users"}))

	p := e.GetPolicy("crm")
	require.NotNil(t, p)
	assert.Equal(t, domain.PolicyFromVault, p.Source)
}

func TestRefresh_AppliesOverrides(t *testing.T) {
	src := &stubOverrides{m: map[string][]string{"bmg": {"auditors"}}}
	e := NewMemoEnforcer(catalogPolicies(), src, zap.NewNop())

	require.NoError(t, e.Refresh(context.Background()))

	assert.True(t, e.IsAuthorized("bmg", []string{"auditors"}))
	assert.False(t, e.IsAuthorized("bmg", []string{"bmg-access"}), "override replaces catalog groups")
	assert.True(t, e.IsAuthorized("icred", []string{"icred-access"}))
	assert.Equal(t, domain.PolicyFromOverride, e.GetPolicy("bmg").Source)

	// override на ранее динамический ассет делает его статическим
	e.Register("crm", []string{"crm-users"})
	src.m["crm"] = []string{"crm-admins"}
	require.NoError(t, e.Refresh(context.Background()))
	assert.False(t, e.IsAuthorized("crm", []string{"crm-users"}))
	assert.True(t, e.IsAuthorized("crm", []string{"crm-admins"}))
}

func TestRefresh_KeepsCacheOnError(t *testing.T) {
	src := &stubOverrides{m: map[string][]string{"bmg": {"auditors"}}}
	e := NewMemoEnforcer(catalogPolicies(), src, zap.NewNop())
	require.NoError(t, e.Refresh(context.Background()))

	src.err = errors.New("redis down")
	require.Error(t, e.Refresh(context.Background()))
	assert.True(t, e.IsAuthorized("bmg", []string{"auditors"}))
}

func TestGetPolicy_ReturnsCopy(t *testing.T) {
	e := NewMemoEnforcer(catalogPolicies(), nil, zap.NewNop())

	p := e.GetPolicy("bmg")
	require.NotNil(t, p)
	p.Groups[0] = "guest"

	assert.False(t, e.IsAuthorized("bmg", []string{"guest"}))
	assert.Nil(t, e.GetPolicy("unknown"))
}
