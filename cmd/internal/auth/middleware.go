package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type claimsKey struct{}

// ContextWithUser stores verified claims on ctx.
func ContextWithUser(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// UserFromContext returns the claims stored by RequireUser.
func UserFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for browser websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate verifies the request's token.
func (m *TokenManager) Authenticate(r *http.Request) (Claims, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	return m.Parse(raw)
}

// RequireUser rejects requests without a valid token and stores the claims
// on the request context.
func (m *TokenManager) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := m.Authenticate(r)
		if err != nil {
			code := "unauthorized"
			if errors.Is(err, ErrTokenExpired) {
				code = "token_expired"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="whisper"`)
			writeError(w, http.StatusUnauthorized, code, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), c)))
	})
}
