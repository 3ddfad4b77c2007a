package api

import (
	"context"
	"net/http"
	"strings"

	"ridecore/internal/auth"
)

type identityCtxKey struct{}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(auth.Identity)
	return id, ok
}

// authMiddleware resolves a bearer token into an identity and attaches it
// to the request context. A nil authenticator disables enforcement
// entirely, matching the teacher's "auth.store == nil" dev-mode escape
// hatch for local runs without an identity provider configured.
func authMiddleware(authr auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authr == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := parseToken(r)
			if token == "" {
				respondError(w, http.StatusUnauthorized, "missing token")
				return
			}
			id, err := authr.Authenticate(r.Context(), token)
			if err != nil {
				respondDomainError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityCtxKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}
