package auth

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// AdminScope grants every requirement regardless of what a route demands
const AdminScope = "admin"

// ScopeRule maps a path pattern (anchored regular expression) and optional
// method to the scope set the route requires. Rules are evaluated in
// registration order; the first match wins.
type ScopeRule struct {
	Matcher     *regexp.Regexp
	Method      string
	Scopes      []string
	Description string
}

// Requirement is the resolved scope demand for a request. Mode is always
// "all": a caller must hold every listed scope unless it holds AdminScope.
type Requirement struct {
	Scopes []string
	Mode   string
}

// ScopeCatalogue resolves (method, path) to a Requirement via an ordered
// rule list. Lookups are read-mostly; registration normally happens once
// at startup.
type ScopeCatalogue struct {
	mu    sync.RWMutex
	rules []ScopeRule
}

// NewScopeCatalogue creates an empty catalogue
func NewScopeCatalogue() *ScopeCatalogue {
	return &ScopeCatalogue{}
}

// DefaultScopeCatalogue returns the catalogue preloaded with the gateway's
// route rules. Restore workflows come before the generic admin rule so the
// stricter scope sets win.
func DefaultScopeCatalogue() *ScopeCatalogue {
	c := NewScopeCatalogue()
	c.RegisterRules([]ScopeRule{
		{
			Matcher:     regexp.MustCompile(`^/api/v1/admin/restore/preview$`),
			Method:      "POST",
			Scopes:      []string{"admin", "admin:restore"},
			Description: "preview a restore operation",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/admin/restore/confirm$`),
			Method:      "POST",
			Scopes:      []string{"admin", "admin:restore"},
			Description: "execute a restore operation",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/admin/restore/approve/[^/]+$`),
			Method:      "POST",
			Scopes:      []string{"admin:restore:approve"},
			Description: "approve a pending restore",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/history(/.*)?$`),
			Scopes:      []string{"admin"},
			Description: "history inspection",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/admin(/.*)?$`),
			Scopes:      []string{"admin"},
			Description: "administrative operations",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/graph(/.*)?$`),
			Method:      "GET",
			Scopes:      []string{"graph:read"},
			Description: "knowledge graph reads",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/graph(/.*)?$`),
			Scopes:      []string{"graph:write"},
			Description: "knowledge graph writes",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/code/analyze$`),
			Method:      "POST",
			Scopes:      []string{"code:analyze"},
			Description: "code analysis",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/code(/.*)?$`),
			Scopes:      []string{"code:write"},
			Description: "code mutations",
		},
		{
			Matcher:     regexp.MustCompile(`^/api/v1/auth/refresh$`),
			Method:      "POST",
			Scopes:      []string{"session:refresh"},
			Description: "refresh token exchange",
		},
	})
	return c
}

// RegisterRule appends a rule to the catalogue
func (c *ScopeCatalogue) RegisterRule(rule ScopeRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule.Method = strings.ToUpper(rule.Method)
	c.rules = append(c.rules, rule)
}

// RegisterRules appends rules preserving their order
func (c *ScopeCatalogue) RegisterRules(rules []ScopeRule) {
	for _, rule := range rules {
		c.RegisterRule(rule)
	}
}

// ListRules returns a copy of the rule list in registration order
func (c *ScopeCatalogue) ListRules() []ScopeRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ScopeRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// ResolveRequirement returns the Requirement of the first matching rule,
// or nil when no rule governs the route. The query string is stripped and
// the method upper-cased before matching.
func (c *ScopeCatalogue) ResolveRequirement(method, path string) *Requirement {
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	method = strings.ToUpper(method)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.rules {
		if rule.Method != "" && rule.Method != method {
			continue
		}
		if rule.Matcher.MatchString(path) {
			scopes := make([]string, len(rule.Scopes))
			copy(scopes, rule.Scopes)
			return &Requirement{Scopes: scopes, Mode: "all"}
		}
	}
	return nil
}

// ScopesSatisfyRequirement reports whether the granted set covers the
// required set. AdminScope in the granted set satisfies any requirement.
func ScopesSatisfyRequirement(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	grantedSet := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		grantedSet[s] = struct{}{}
	}
	if _, ok := grantedSet[AdminScope]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := grantedSet[s]; !ok {
			return false
		}
	}
	return true
}

// scopeAliases maps legacy short scope names to their canonical forms
var scopeAliases = map[string]string{
	"read":         "graph:read",
	"write":        "graph:write",
	"analyze":      "code:analyze",
	"code.read":    "code:read",
	"code.write":   "code:write",
	"code.analyze": "code:analyze",
	"graph.read":   "graph:read",
	"graph.write":  "graph:write",
	"refresh":      "session:refresh",
}

var scopeSplitter = regexp.MustCompile(`[\s,]+`)

// NormalizeScopes splits a raw scope value on whitespace and commas,
// lower-cases, applies the alias table, and de-duplicates. Order of first
// appearance is preserved.
func NormalizeScopes(raw []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, chunk := range raw {
		for _, scope := range scopeSplitter.Split(chunk, -1) {
			scope = strings.ToLower(strings.TrimSpace(scope))
			if scope == "" {
				continue
			}
			if canonical, ok := scopeAliases[scope]; ok {
				scope = canonical
			}
			if _, dup := seen[scope]; dup {
				continue
			}
			seen[scope] = struct{}{}
			out = append(out, scope)
		}
	}
	return out
}

// SortedScopes returns a sorted copy, used for stable header values
func SortedScopes(scopes []string) []string {
	out := make([]string, len(scopes))
	copy(out, scopes)
	sort.Strings(out)
	return out
}
