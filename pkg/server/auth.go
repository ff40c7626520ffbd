package server

import (
	"net/http"
	"strings"
)

// Role represents a caller's access level for migration operations.
type Role string

const (
	// RoleViewer has read-only access: run status, progress events,
	// backup listings, health probes.
	RoleViewer Role = "viewer"

	// RoleOperator has read access plus mutating operations: starting
	// runs, rolling back and restoring the destination workspace.
	RoleOperator Role = "operator"
)

// RoleHeader is the HTTP header the default extractor reads the
// caller's role from.
const RoleHeader = "X-User-Role"

// RoleExtractor extracts a Role from an HTTP request.
type RoleExtractor func(r *http.Request) Role

// DefaultRoleExtractor reads the role from the X-User-Role header and
// returns RoleViewer when the header is missing or unrecognized. Header
// auth suits development and trusted-proxy deployments; production
// setups should inject NewJWTRoleExtractor via WithRoleExtractor.
func DefaultRoleExtractor(r *http.Request) Role {
	header := strings.TrimSpace(strings.ToLower(r.Header.Get(RoleHeader)))
	switch header {
	case string(RoleOperator):
		return RoleOperator
	default:
		return RoleViewer
	}
}

// AllowAll treats every caller as an operator. It backs the "none"
// auth mode for single-user, local-only deployments.
func AllowAll(_ *http.Request) Role { return RoleOperator }

// RequireRole returns middleware that enforces a minimum role.
// If the caller's role is insufficient, it responds with 403 Forbidden.
func RequireRole(role Role, extractor RoleExtractor) func(http.Handler) http.Handler {
	if extractor == nil {
		extractor = DefaultRoleExtractor
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRole := extractor(r)
			if !hasRole(userRole, role) {
				http.Error(w, `{"error":"forbidden","message":"insufficient permissions"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hasRole checks whether userRole satisfies the required role.
// Operator can do everything viewer can do plus mutating operations.
func hasRole(userRole, required Role) bool {
	switch required {
	case RoleViewer:
		// Everyone has at least viewer access
		return true
	case RoleOperator:
		return userRole == RoleOperator
	default:
		return false
	}
}
