package auth

import (
	"net/http"
	"strings"
)

// accessRule grants a path to a role. Empty methods match any method.
type accessRule struct {
	prefix  string
	exact   bool
	suffix  string
	methods []string
	role    Role
}

func (a accessRule) matches(r *http.Request) bool {
	path := r.URL.Path
	if a.exact && path != a.prefix {
		return false
	}
	if !a.exact && !strings.HasPrefix(path, a.prefix) {
		return false
	}
	if a.suffix != "" && !strings.HasSuffix(path, a.suffix) {
		return false
	}
	if len(a.methods) == 0 {
		return true
	}
	for _, m := range a.methods {
		if r.Method == m {
			return true
		}
	}
	return false
}

var reads = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// First match wins.
var alertRules = []accessRule{
	{prefix: "/api/v1/rules/", suffix: "/test", methods: []string{http.MethodPost}, role: RoleOperator},
	{prefix: "/api/v1/executions/export.", role: RoleOperator},
	{prefix: "/api/", methods: reads, role: RoleViewer},
	{prefix: "/api/v1/rules", role: RoleAdmin},
	{prefix: "/api/v1/assets/", role: RoleAdmin},
	{prefix: "/api/", role: RoleOperator},
	{prefix: "/bus/", role: RoleViewer},
}

// Policy maps requests to the role they require.
type Policy struct {
	public   map[string]struct{}
	prefixes []string
	rules    []accessRule
}

// NewDefaultPolicy builds the alerting API policy. Listed paths and prefixes
// skip authentication.
func NewDefaultPolicy(publicPaths []string, publicPrefixes []string) Policy {
	public := make(map[string]struct{}, len(publicPaths))
	for _, path := range publicPaths {
		public[path] = struct{}{}
	}
	return Policy{public: public, prefixes: publicPrefixes, rules: alertRules}
}

// requiredRole returns the role a request needs, or false when the request
// is public or outside the protected surface.
func (p Policy) requiredRole(r *http.Request) (Role, bool) {
	if _, ok := p.public[r.URL.Path]; ok {
		return "", false
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return "", false
		}
	}
	for _, rule := range p.rules {
		if rule.matches(r) {
			return rule.role, true
		}
	}
	return "", false
}
