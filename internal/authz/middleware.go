package authz

import (
	"log/slog"
	"net/http"

	"github.com/clearcomply/clearcomply/internal/shared"
)

// Middleware wires authorization helpers for HTTP handlers. Identity comes
// from the request context, placed there by the app middleware from the
// authenticating collaborator's headers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny ensures the actor holds at least one of the permissions within
// the request's organization scope. Resolution failures deny.
func (m Middleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(codes) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok || id.ActorID == 0 || id.OrganizationID == 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, code := range codes {
				allowed, err := m.Service.HasPermission(r.Context(), id.ActorID, id.OrganizationID, code)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("authz require any", slog.String("code", code), slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the actor holds every listed permission.
func (m Middleware) RequireAll(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok || id.ActorID == 0 || id.OrganizationID == 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, code := range codes {
				allowed, err := m.Service.HasPermission(r.Context(), id.ActorID, id.OrganizationID, code)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("authz require all", slog.String("code", code), slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
				if !allowed {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
