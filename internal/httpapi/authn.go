package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"vaultguard.org/internal/identity"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	apiKeyHeader = "X-Api-Key"
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

// API-key authenticated provisioning endpoints verify credentials themselves.
var publicPrefixes = []string{
	"/scim/v2/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := identity.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := identity.ContextWithUser(r.Context(), claims.Subject, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorID returns the authenticated caller, or writes a 401 and reports false.
func (a *API) actorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
