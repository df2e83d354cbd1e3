package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"aegisgate.org/internal/admin"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

const claimsKey ctxKey = 2

// ClaimsFromContext returns the verified session claims, if any.
func ClaimsFromContext(ctx context.Context) (*admin.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*admin.Claims)
	return claims, ok
}

func isPublic(r *http.Request) bool {
	for _, p := range publicPaths {
		if r.URL.Path == p {
			return true
		}
	}
	// Self-service onboarding: creating a registration request needs no
	// session; everything else under /v1/registrations does.
	if r.URL.Path == "/v1/registrations" && r.Method == http.MethodPost {
		return true
	}
	return false
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.cfg.Tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublic(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.cfg.Tokens.Verify(token)
		if err != nil {
			if errors.Is(err, admin.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentAdmin loads the account behind the verified session. A token for a
// deleted or deactivated account is rejected here, not just at issue time.
func (a *API) currentAdmin(r *http.Request) (*admin.Admin, error) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return nil, admin.ErrUnauthorized
	}
	acct, err := a.cfg.Admins.Find(r.Context(), claims.Username)
	if errors.Is(err, admin.ErrNotFound) {
		return nil, admin.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, admin.ErrUnauthorized
	}
	return acct, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("authorization header is required")
	}
	if !strings.HasPrefix(header, bearer) {
		return "", errors.New("authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearer))
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}
