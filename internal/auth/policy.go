package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request.
// Reads need viewer, alarm lifecycle changes need operator and rule or channel configuration needs admin.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	method := r.Method

	if !strings.HasPrefix(path, "/api/") {
		return "", false
	}
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return RoleViewer, true
	}

	switch {
	case strings.HasPrefix(path, "/api/v1/alarms/") &&
		(strings.HasSuffix(path, "/ack") || strings.HasSuffix(path, "/clear")):
		return RoleOperator, true
	case path == "/api/v1/rules/validate":
		return RoleOperator, true
	case path == "/api/v1/rules", strings.HasPrefix(path, "/api/v1/rules/"):
		return RoleAdmin, true
	case path == "/api/v1/channels", strings.HasPrefix(path, "/api/v1/channels/"):
		return RoleAdmin, true
	case path == "/api/v1/preferences":
		return RoleViewer, true
	}
	return RoleOperator, true
}
