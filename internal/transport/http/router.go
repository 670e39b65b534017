package http

import (
	"net/http"

	"github.com/go-api-guard/internal/config"
	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/transport/http/handler"
	appmiddleware "github.com/go-api-guard/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{domain.HeaderRateLimitLimit, domain.HeaderRateLimitRemaining, domain.HeaderRateLimitReset, domain.HeaderRetryAfter},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	svc := deps.Services
	if cfg.RateLimit.Enabled {
		var verifier appmiddleware.TokenVerifier
		if deps.JWTProvider != nil {
			verifier = deps.JWTProvider
		}
		r.Use(appmiddleware.NewRateLimit(svc.RateLimiter(), verifier, cfg.RateLimit).Limit)
	}

	healthH := handler.NewHealthHandler(svc)
	otpH := handler.NewOTPHandler(svc.OTP(), deps.CodeSender)
	authH := handler.NewAuthHandler(svc.Revocations())
	adminH := handler.NewAdminHandler(svc.RateLimiter(), svc.Revocations())

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health", healthH.Health)
		r.Get("/health-check/{action}", healthH.Ping)
		r.Post("/health-check/{action}", healthH.Ping)
		r.Post("/otp/{identifier}", otpH.Generate)
		r.Post("/otp/{identifier}/verify", otpH.Verify)

		if deps.JWTProvider == nil {
			return
		}

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.Auth(deps.JWTProvider, svc.Revocations()))

			r.Post("/auth/logout", authH.Logout)
			r.Post("/auth/logout-all", authH.LogoutAll)
			r.Get("/auth/session", authH.Session)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(appmiddleware.RequireRole(domain.RoleAdmin))

				r.Delete("/admin/rate-limits/*", adminH.ResetRateLimit)
				r.Get("/admin/revocations/stats", adminH.RevocationStats)
				r.Post("/admin/users/{id}/revoke", adminH.RevokeUser)
			})
		})
	})

	return r
}
