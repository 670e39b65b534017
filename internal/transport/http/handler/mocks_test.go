package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
)

// --- mocks ---

type mockOTPSvc struct{ mock.Mock }

func (m *mockOTPSvc) Generate(ctx context.Context, identifier, phone string) (*domain.OTPResult, error) {
	args := m.Called(ctx, identifier, phone)
	res, _ := args.Get(0).(*domain.OTPResult)
	return res, args.Error(1)
}

func (m *mockOTPSvc) Verify(ctx context.Context, identifier, phone, code string) (*domain.OTPResult, error) {
	args := m.Called(ctx, identifier, phone, code)
	res, _ := args.Get(0).(*domain.OTPResult)
	return res, args.Error(1)
}

func (m *mockOTPSvc) Invalidate(ctx context.Context, identifier string) error {
	return m.Called(ctx, identifier).Error(0)
}

func (m *mockOTPSvc) RemainingAttempts(ctx context.Context, identifier string) (int, error) {
	args := m.Called(ctx, identifier)
	return args.Int(0), args.Error(1)
}

func (m *mockOTPSvc) Health(ctx context.Context) domain.Health {
	return m.Called(ctx).Get(0).(domain.Health)
}

type mockSender struct{ mock.Mock }

func (m *mockSender) SendCode(ctx context.Context, phone, code string) error {
	return m.Called(ctx, phone, code).Error(0)
}

type mockRevocationSvc struct{ mock.Mock }

func (m *mockRevocationSvc) Blacklist(ctx context.Context, token string, expiresAt time.Time, userID, reason string) error {
	return m.Called(ctx, token, expiresAt, userID, reason).Error(0)
}

func (m *mockRevocationSvc) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (m *mockRevocationSvc) BlacklistAllForUser(ctx context.Context, userID, reason string) error {
	return m.Called(ctx, userID, reason).Error(0)
}

func (m *mockRevocationSvc) IsUserTokenValid(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	args := m.Called(ctx, userID, issuedAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockRevocationSvc) Stats(ctx context.Context) (domain.RevocationStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.RevocationStats), args.Error(1)
}

func (m *mockRevocationSvc) Health(ctx context.Context) domain.Health {
	return m.Called(ctx).Get(0).(domain.Health)
}

type mockRateLimitSvc struct{ mock.Mock }

func (m *mockRateLimitSvc) Check(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitResult, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Get(0).(domain.RateLimitResult), args.Error(1)
}

func (m *mockRateLimitSvc) Reset(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockRateLimitSvc) Health(ctx context.Context) domain.Health {
	return m.Called(ctx).Get(0).(domain.Health)
}

// --- helpers ---

// withChiParams injects chi URL params into the request context.
func withChiParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func intPtr(n int) *int { return &n }
