package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-api-guard/internal/application/ratelimit"
	"github.com/go-api-guard/internal/config"
	"github.com/go-api-guard/internal/domain"
	jwtinfra "github.com/go-api-guard/internal/infrastructure/jwt"
	"github.com/go-api-guard/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Get(0).(domain.RateLimitResult), args.Error(1)
}

var testRules = config.RateLimit{
	DefaultLimit:  100,
	DefaultWindow: time.Minute,
	Rules: []config.RateLimitRule{
		{Pattern: "POST:/v1/otp/*", Limit: 3, Window: 5 * time.Minute},
		{Pattern: "POST:/v1/otp/*/verify", Limit: 10, Window: 5 * time.Minute},
		{Pattern: "GET:/v1/admin/", Limit: 1000, Window: time.Minute},
		{Pattern: "POST:/v1/auth/logout", Limit: 10, Window: 5 * time.Minute},
	},
}

func TestClientIP_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	assert.Equal(t, "192.168.1.1", clientIP(req))
}

func TestClientIP_IgnoresForwardingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	req.Header.Set("X-Real-Ip", "2.2.2.2")
	assert.Equal(t, "192.168.1.1", clientIP(req))
}

func TestClientIP_NoPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1"
	assert.Equal(t, "192.168.1.1", clientIP(req))
}

func TestRateLimit_Limits(t *testing.T) {
	rl := NewRateLimit(nil, nil, testRules)

	cases := []struct {
		endpoint string
		limit    int
		window   time.Duration
	}{
		{"POST:/v1/otp/PGRS-1", 3, 5 * time.Minute},
		{"POST:/v1/otp/PGRS-1/verify", 10, 5 * time.Minute},
		{"POST:/v1/auth/logout", 10, 5 * time.Minute},
		{"GET:/v1/admin/revocations/stats", 1000, time.Minute},
		{"GET:/v1/auth/session", 100, time.Minute},
		{"GET:/v1/otp/PGRS-1", 100, time.Minute},
	}
	for _, tc := range cases {
		limit, window := rl.limits(tc.endpoint)
		assert.Equal(t, tc.limit, limit, tc.endpoint)
		assert.Equal(t, tc.window, window, tc.endpoint)
	}
}

func TestRateLimit_ExactMatchBeatsPattern(t *testing.T) {
	rl := NewRateLimit(nil, nil, config.RateLimit{
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		Rules: []config.RateLimitRule{
			{Pattern: "POST:/v1/otp/*", Limit: 3, Window: time.Minute},
			{Pattern: "POST:/v1/otp/VIP", Limit: 50, Window: time.Minute},
		},
	})
	limit, _ := rl.limits("POST:/v1/otp/VIP")
	assert.Equal(t, 50, limit)
}

func TestRateLimit_KeysByIP(t *testing.T) {
	lim := &mockLimiter{}
	lim.On("Check", mock.Anything, "POST:/v1/otp/PGRS-1:ip:1.2.3.4", 3, 5*time.Minute).
		Return(domain.Allow(3, 2, 5*time.Minute), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/otp/PGRS-1", nil)
	req.RemoteAddr = "1.2.3.4:40000"
	rr := httptest.NewRecorder()
	NewRateLimit(lim, nil, testRules).Limit(http.HandlerFunc(okHandler)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "3", rr.Header().Get(domain.HeaderRateLimitLimit))
	assert.Equal(t, "2", rr.Header().Get(domain.HeaderRateLimitRemaining))
	assert.Equal(t, "300", rr.Header().Get(domain.HeaderRateLimitReset))
	assert.Empty(t, rr.Header().Get(domain.HeaderRetryAfter))
	lim.AssertExpectations(t)
}

func TestRateLimit_KeysByUserWithValidToken(t *testing.T) {
	p := newTestProvider(t)
	signed, err := p.Sign("u42", "user")
	require.NoError(t, err)

	lim := &mockLimiter{}
	lim.On("Check", mock.Anything, "GET:/v1/auth/session:user:u42", 100, time.Minute).
		Return(domain.Allow(100, 99, time.Minute), nil)

	req := authReq(signed)
	req.URL.Path = "/v1/auth/session"
	rr := httptest.NewRecorder()
	NewRateLimit(lim, p, testRules).Limit(http.HandlerFunc(okHandler)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	lim.AssertExpectations(t)
}

func TestRateLimit_KeysByClaimsInContext(t *testing.T) {
	lim := &mockLimiter{}
	lim.On("Check", mock.Anything, "POST:/v1/auth/logout:user:u7", 10, 5*time.Minute).
		Return(domain.Allow(10, 9, time.Minute), nil)

	ctx := WithClaims(context.Background(), &jwtinfra.Claims{UserID: "u7"}, "tok")
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	NewRateLimit(lim, nil, testRules).Limit(http.HandlerFunc(okHandler)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	lim.AssertExpectations(t)
}

func TestRateLimit_SkipsHealthPaths(t *testing.T) {
	lim := &mockLimiter{}
	mw := NewRateLimit(lim, nil, testRules).Limit(http.HandlerFunc(okHandler))

	for _, p := range []string{"/v1/health", "/v1/health-check/ping", "/health", "/"} {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rr.Code, p)
		assert.Empty(t, rr.Header().Get(domain.HeaderRateLimitLimit), p)
	}
	lim.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRateLimit_LimiterErrorPassesThrough(t *testing.T) {
	lim := &mockLimiter{}
	lim.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(domain.RateLimitResult{}, errors.New("invalid input"))

	rr := httptest.NewRecorder()
	NewRateLimit(lim, nil, testRules).Limit(http.HandlerFunc(okHandler)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/auth/session", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimit_DeniesAfterLimit(t *testing.T) {
	svc := ratelimit.NewService(memory.NewStore(), ratelimit.Config{Enabled: true, Algorithm: ratelimit.AlgorithmSliding})
	mw := NewRateLimit(svc, nil, testRules).Limit(http.HandlerFunc(okHandler))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/otp/PGRS-1", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		return rr
	}

	for i, want := range []string{"2", "1", "0"} {
		rr := send()
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
		assert.Equal(t, want, rr.Header().Get(domain.HeaderRateLimitRemaining))
	}

	rr := send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "0", rr.Header().Get(domain.HeaderRateLimitRemaining))
	assert.NotEmpty(t, rr.Header().Get(domain.HeaderRetryAfter))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.EqualValues(t, 429, body["status_code"])
	assert.Greater(t, body["retry_after"].(float64), 0.0)
	assert.True(t, strings.HasPrefix(body["message"].(string), "Rate limit exceeded."))

	// Another client is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/v1/otp/PGRS-1", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	other := httptest.NewRecorder()
	mw.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestRateLimit_RotatedForwardedForSharesBucket(t *testing.T) {
	svc := ratelimit.NewService(memory.NewStore(), ratelimit.Config{Enabled: true, Algorithm: ratelimit.AlgorithmSliding})
	mw := NewRateLimit(svc, nil, testRules).Limit(http.HandlerFunc(okHandler))

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/otp/PGRS-1", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		codes[rr.Code]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 3, http.StatusTooManyRequests: 7}, codes)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "GET:/a_b_c_:ip:1.2.3.4", sanitizeKey("GET:/a b*c?:ip:1.2.3.4"))
	assert.Len(t, sanitizeKey(strings.Repeat("x", 400)), maxKeyLen)
}
