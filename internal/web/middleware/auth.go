package middleware

import (
	"context"
	"net/http"

	"github.com/kozaktomas/face-attendance/internal/gateway"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is what the auth middleware stores in the request context.
type Identity struct {
	ID    int64
	Token string
}

// RequireAuth is middleware that requires a valid session
func RequireAuth(g *gateway.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := g.TokenFromRequest(r)
			id, err := g.RequireSession(token)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}` + "\n"))
				return
			}

			ctx := SetIdentityInContext(r.Context(), Identity{ID: id, Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches the identity when the request carries a valid session and
// lets anonymous requests through unchanged.
func OptionalAuth(g *gateway.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := g.TokenFromRequest(r)
			if id, err := g.RequireSession(token); err == nil {
				r = r.WithContext(SetIdentityInContext(r.Context(), Identity{ID: id, Token: token}))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentityFromContext retrieves the authenticated identity from the request context
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityContextKey).(Identity)
	return ident, ok
}

// SetIdentityInContext adds an identity to the context.
// This is primarily for testing - use RequireAuth middleware in production.
func SetIdentityInContext(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}
