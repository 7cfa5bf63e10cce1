package auth

import (
	"context"
	"net/http"
	"strings"
)

// Role represents a user role.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleViewer:
		return RoleViewer, true
	case RoleOperator:
		return RoleOperator, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// CanAccessAccount reports whether the caller may read or act on an account.
// Operators and admins see every account; viewers only their own.
func CanAccessAccount(ctx context.Context, accountID string) bool {
	id := IdentityFromContext(ctx)
	if RoleAtLeast(id.Role, RoleOperator) {
		return true
	}
	return id.Role == RoleViewer && id.AccountID != "" && id.AccountID == accountID
}

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

// IsExempt returns true when a request should skip JWT auth.
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
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case strings.HasPrefix(path, "/api/v1/accounts/") && strings.HasSuffix(path, "/topups"):
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/accounts/") && (strings.HasSuffix(path, "/statement.pdf") || strings.HasSuffix(path, "/statement.xlsx")):
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/v1/outlets/"):
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/accounts/"):
		if method == http.MethodGet || method == http.MethodHead {
			return RoleViewer, true
		}
		if strings.HasSuffix(path, "/read") {
			return RoleViewer, true
		}
		return RoleOperator, true
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
