package rbac

import (
	"log/slog"
	"net/http"

	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. The bearer
// middleware must run first so the identity is already in context.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require ensures the caller holds at least one of the given permissions.
// Denials name the missing permission so clients can self-diagnose, without
// revealing whether the targeted resource exists.
func (m Middleware) Require(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal, ok := m.currentPrincipal(r)
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, perm := range perms {
				allowed, err := m.Service.HasPermission(r.Context(), principal, perm)
				if err != nil {
					// Fail closed: resolution errors deny rather than err out.
					if m.Logger != nil {
						m.Logger.Error("rbac resolve", slog.String("permission", perm), slog.Any("error", err))
					}
					continue
				}
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.ErrorWithContext(w, http.StatusForbidden, "permission denied",
				map[string]any{"required_permission": perms[0]})
		})
	}
}

// RequireAll ensures the caller holds every one of the given permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := m.currentPrincipal(r)
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, perm := range perms {
				allowed, err := m.Service.HasPermission(r.Context(), principal, perm)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac resolve", slog.String("permission", perm), slog.Any("error", err))
					}
					allowed = false
				}
				if !allowed {
					httpx.ErrorWithContext(w, http.StatusForbidden, "permission denied",
						map[string]any{"required_permission": perm})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) currentPrincipal(r *http.Request) (PrincipalRef, bool) {
	identity := shared.IdentityFromContext(r.Context())
	if identity == nil {
		return PrincipalRef{}, false
	}
	return PrincipalRef{Kind: identity.Kind, ID: identity.ID, IsSuperuser: identity.IsSuperuser}, true
}
