package auth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRequirementFirstMatchWins(t *testing.T) {
	c := NewScopeCatalogue()
	c.RegisterRules([]ScopeRule{
		{Matcher: regexp.MustCompile(`^/api/v1/things(/.*)?$`), Method: "GET", Scopes: []string{"first"}},
		{Matcher: regexp.MustCompile(`^/api/v1/things(/.*)?$`), Scopes: []string{"second"}},
	})

	req := c.ResolveRequirement("GET", "/api/v1/things/42")
	require.NotNil(t, req)
	assert.Equal(t, []string{"first"}, req.Scopes)

	// Method-restricted rule does not match, so the later rule wins
	req = c.ResolveRequirement("POST", "/api/v1/things/42")
	require.NotNil(t, req)
	assert.Equal(t, []string{"second"}, req.Scopes)
}

func TestResolveRequirementStripsQueryString(t *testing.T) {
	c := DefaultScopeCatalogue()
	req := c.ResolveRequirement("GET", "/api/v1/graph/search?q=handler")
	require.NotNil(t, req)
	assert.Equal(t, []string{"graph:read"}, req.Scopes)
}

func TestResolveRequirementNoRule(t *testing.T) {
	c := DefaultScopeCatalogue()
	assert.Nil(t, c.ResolveRequirement("GET", "/health"))
}

func TestDefaultCatalogueRestoreRulesPrecedeAdmin(t *testing.T) {
	c := DefaultScopeCatalogue()

	preview := c.ResolveRequirement("POST", "/api/v1/admin/restore/preview")
	require.NotNil(t, preview)
	assert.Equal(t, []string{"admin", "admin:restore"}, preview.Scopes)

	approve := c.ResolveRequirement("POST", "/api/v1/admin/restore/approve/req-1")
	require.NotNil(t, approve)
	assert.Equal(t, []string{"admin:restore:approve"}, approve.Scopes)

	generic := c.ResolveRequirement("POST", "/api/v1/admin/sync")
	require.NotNil(t, generic)
	assert.Equal(t, []string{"admin"}, generic.Scopes)
}

func TestScopesSatisfyRequirement(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []string
		want     bool
	}{
		{"exact match", []string{"graph:read"}, []string{"graph:read"}, true},
		{"superset", []string{"graph:read", "graph:write"}, []string{"graph:read"}, true},
		{"missing scope", []string{"graph:read"}, []string{"graph:write"}, false},
		{"all required", []string{"admin:restore"}, []string{"admin", "admin:restore"}, false},
		{"admin wildcard", []string{"admin"}, []string{"graph:write", "code:analyze"}, true},
		{"empty requirement", nil, nil, true},
		{"empty granted", nil, []string{"graph:read"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScopesSatisfyRequirement(tt.granted, tt.required))
		})
	}
}

func TestNormalizeScopes(t *testing.T) {
	got := NormalizeScopes([]string{"Read, write", "graph.read", "GRAPH:READ", "custom:thing"})
	assert.Equal(t, []string{"graph:read", "graph:write", "custom:thing"}, got)
}

func TestNormalizeScopesIdempotent(t *testing.T) {
	once := NormalizeScopes([]string{"read", "analyze", "session:manage"})
	twice := NormalizeScopes(once)
	assert.Equal(t, once, twice)
}
