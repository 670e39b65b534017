package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	jwtinfra "github.com/go-api-guard/internal/infrastructure/jwt"
)

type contextKey string

const (
	claimsKey contextKey = "claims"
	tokenKey  contextKey = "token"
)

// TokenVerifier validates a raw bearer token.
type TokenVerifier interface {
	Verify(token string) (*jwtinfra.Claims, error)
}

// RevocationChecker is the read side of the token revocation registry.
type RevocationChecker interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
	IsUserTokenValid(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}

// Auth returns middleware that validates the Bearer JWT, rejects revoked
// tokens and injects the claims and raw token into context. A nil checker
// skips revocation.
func Auth(verifier TokenVerifier, revocations RevocationChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := verifier.Verify(tokenStr)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if revocations != nil && revoked(r.Context(), revocations, tokenStr, claims) {
				writeJSONError(w, http.StatusUnauthorized, "Token has been revoked")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, tokenKey, tokenStr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// revoked checks the per-token blacklist, then the per-user marker. A token
// without iat predates any marker.
func revoked(ctx context.Context, rc RevocationChecker, token string, claims *jwtinfra.Claims) bool {
	if hit, err := rc.IsBlacklisted(ctx, token); err != nil || hit {
		return true
	}
	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	valid, err := rc.IsUserTokenValid(ctx, claims.UserID, issuedAt)
	return err != nil || !valid
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return tok, tok != ""
}

// ClaimsFromContext extracts JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*jwtinfra.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwtinfra.Claims)
	return c, ok
}

// TokenFromContext returns the raw bearer token accepted by Auth.
func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey).(string)
	return t, ok
}

// WithClaims stores claims in ctx the way Auth does.
func WithClaims(ctx context.Context, claims *jwtinfra.Claims, token string) context.Context {
	ctx = context.WithValue(ctx, claimsKey, claims)
	return context.WithValue(ctx, tokenKey, token)
}
