package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-api-guard/internal/config"
	"github.com/go-api-guard/internal/domain"
)

const maxKeyLen = 256

// Limiter admits or denies one request against key.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error)
}

// RateLimit applies per-endpoint limits keyed by "METHOD:path:user:{id}" for
// callers with a valid bearer token and "METHOD:path:ip:{ip}" otherwise.
type RateLimit struct {
	limiter       Limiter
	verifier      TokenVerifier // optional, identifies authenticated callers
	rules         []config.RateLimitRule
	defaultLimit  int
	defaultWindow time.Duration
}

func NewRateLimit(limiter Limiter, verifier TokenVerifier, cfg config.RateLimit) *RateLimit {
	return &RateLimit{
		limiter:       limiter,
		verifier:      verifier,
		rules:         cfg.Rules,
		defaultLimit:  cfg.DefaultLimit,
		defaultWindow: cfg.DefaultWindow,
	}
}

// Limit is the middleware handler. Rate-limit headers are set on every
// response; denied requests get 429 with a Retry-After header.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := r.Method + ":" + r.URL.Path
		limit, window := rl.limits(endpoint)
		key := sanitizeKey(endpoint + ":" + rl.identity(r))

		res, err := rl.limiter.Check(r.Context(), key, limit, window)
		if err != nil {
			slog.Warn("rate limit check failed", "key", key, "err", err)
			next.ServeHTTP(w, r)
			return
		}
		for name, value := range res.Headers() {
			w.Header().Set(name, value)
		}
		if !res.Allowed {
			retry := res.RetryAfterSeconds()
			slog.Warn("rate limit exceeded", "key", key, "limit", limit)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "Too Many Requests",
				"message":     fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retry),
				"status_code": http.StatusTooManyRequests,
				"retry_after": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limits picks an exact rule first, then the first glob or prefix rule, then the default.
func (rl *RateLimit) limits(endpoint string) (int, time.Duration) {
	for _, rule := range rl.rules {
		if rule.Pattern == endpoint {
			return rule.Limit, rule.Window
		}
	}
	for _, rule := range rl.rules {
		if strings.HasSuffix(rule.Pattern, "/") && strings.HasPrefix(endpoint, rule.Pattern) {
			return rule.Limit, rule.Window
		}
		if ok, _ := path.Match(rule.Pattern, endpoint); ok {
			return rule.Limit, rule.Window
		}
	}
	return rl.defaultLimit, rl.defaultWindow
}

func (rl *RateLimit) identity(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return "user:" + claims.UserID
	}
	if rl.verifier != nil {
		if tok, ok := bearerToken(r); ok {
			if claims, err := rl.verifier.Verify(tok); err == nil {
				return "user:" + claims.UserID
			}
		}
	}
	return "ip:" + clientIP(r)
}

func isHealthPath(p string) bool {
	switch p {
	case "/", "/health", "/v1/health":
		return true
	}
	return strings.HasPrefix(p, "/v1/health-check/")
}

// clientIP returns the connection's remote host. Proxy headers are only
// honoured when chi's RealIP middleware has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sanitizeKey maps characters the store rejects in keys to '_' and caps the length.
func sanitizeKey(key string) string {
	key = strings.Map(func(c rune) rune {
		if c <= ' ' || c > '~' || strings.ContainsRune("*?[]", c) {
			return '_'
		}
		return c
	}, key)
	if len(key) > maxKeyLen {
		key = key[:maxKeyLen]
	}
	return key
}
