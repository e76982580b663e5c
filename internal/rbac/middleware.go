package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/storeinv/backoffice/internal/platform/httpx"
	"github.com/storeinv/backoffice/internal/shared"
)

type principalKey struct{}

// ContextWithPrincipal stores the principal in ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal resolved for the request.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// PrincipalFromSession maps a session onto a policy principal.
func PrincipalFromSession(sess *shared.Session) (Principal, bool) {
	if !sess.Authenticated() {
		return Principal{}, false
	}
	return Principal{UserID: sess.UserID, Role: sess.Role, StoreID: sess.StoreID}, true
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// Authenticate resolves the principal from the session and rejects anonymous
// requests with 401.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromSession(shared.SessionFromContext(r.Context()))
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}

// RequireAny ensures the principal's role grants at least one of perms.
// Store scoping is checked by handlers once the target store is known.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			for _, perm := range perms {
				if grants(normalizeRole(p.Role), perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Warn("rbac denied", slog.Int64("user_id", p.UserID), slog.String("role", p.Role), slog.Any("perms", perms))
			}
			httpx.RespondError(w, httpx.ErrForbidden)
		})
	}
}
