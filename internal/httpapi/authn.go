package httpapi

import (
	"net/http"
	"strings"

	"granta.org/internal/audit"
	"granta.org/internal/authn"
	"granta.org/internal/authz"
)

// publicPaths never require credentials.
var publicPaths = map[string]bool{
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/v1/info":      true,
	"/openapi.yaml": true,
}

// withAuth authenticates callers. Two credential kinds are accepted: a
// bearer token (operator access, scope-checked per handler) and an
// application API key, which also pins the default application used when
// normalizing short permission names. With no GRANTA_AUTH_SECRET set and
// no API key presented, requests pass through unauthenticated for local
// development.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if raw := bearerToken(r); raw != "" {
			claims, err := authn.ParseAndValidate(raw)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := authn.ContextWithClaims(r.Context(), claims)
			ctx = audit.WithActor(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
			appCode := strings.TrimSpace(r.Header.Get("X-Application"))
			if appCode == "" || a.apps == nil {
				writeError(w, r, http.StatusUnauthorized, "X-Application header is required with an API key")
				return
			}
			app, err := a.apps.GetApplicationByCode(r.Context(), appCode)
			if err != nil || app.APIKeyHash == "" {
				writeError(w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			if err := authz.VerifyAPIKey(app.APIKeyHash, key); err != nil {
				writeError(w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			ctx := authn.ContextWithApplication(r.Context(), app.Code)
			ctx = audit.WithActor(ctx, "app:"+app.Code)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if authn.Enabled() {
			writeError(w, r, http.StatusUnauthorized, "missing credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAdmin gates mutating endpoints behind the admin scope when token
// auth is enabled. API-key callers are limited to check endpoints.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !authn.Enabled() {
		return true
	}
	claims, ok := authn.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing credentials")
		return false
	}
	if !claims.HasScope(authn.ScopeAdmin) {
		writeError(w, r, http.StatusForbidden, "admin scope required")
		return false
	}
	return true
}

// defaultApplication resolves the application code used to qualify short
// permission names: an authenticated application wins over the request body.
func defaultApplication(r *http.Request, bodyApp string) string {
	if code, ok := authn.ApplicationFromContext(r.Context()); ok && code != "" {
		return code
	}
	return strings.TrimSpace(bodyApp)
}
