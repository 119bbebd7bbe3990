package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/telemetry/internal/auth"
)

const (
	authHeader      = "Authorization"
	wwwAuthenticate = `Bearer realm="telemetry"`
)

// withAuth attaches the bearer token subject to the request context. Requests
// without a token pass through anonymously; route guards decide the rest.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.issuer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.Header.Get(authHeader) == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", wwwAuthenticate)
			respondError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.issuer.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", wwwAuthenticate)
			respondError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects callers lacking role. Admins pass every guard.
func (a *API) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a.issuer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if _, ok := auth.UserIDFromContext(ctx); !ok {
				w.Header().Set("WWW-Authenticate", wwwAuthenticate)
				respondError(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if !auth.HasRole(ctx, role) && !auth.HasRole(ctx, auth.RoleAdmin) {
				w.Header().Set("WWW-Authenticate", wwwAuthenticate+`, error="insufficient_scope"`)
				respondError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	scheme, token, _ := strings.Cut(strings.TrimSpace(header), " ")
	switch {
	case scheme == "":
		return "", errors.New("missing bearer token")
	case !strings.EqualFold(scheme, "bearer"):
		return "", errors.New("invalid authorization scheme")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
