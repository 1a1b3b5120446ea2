package security

import (
	"fmt"
	"net/http"
)

// Roles
const (
	// RoleOperator may do everything, including logging the session out.
	RoleOperator = "operator"
	// RoleOrchestrator may send and queue messages and read status.
	RoleOrchestrator = "orchestrator"
	// RoleViewer may only read status, the pairing code and events.
	RoleViewer = "viewer"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOperator, RoleOrchestrator, RoleViewer}

// ValidRole reports whether role is one of ValidRoles.
func ValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks the JWT role against allowed roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				// no claims: auth disabled
				next.ServeHTTP(w, r)
				return
			}
			if !roleSet[claims.Role] {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprintf(w, "{\"error\":%q}\n", ErrInsufficientRole.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
