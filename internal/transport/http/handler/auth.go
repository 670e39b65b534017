package handler

import (
	"net/http"

	"github.com/go-api-guard/internal/application/revocation"
	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/transport/http/middleware"
)

// AuthHandler handles logout and session endpoints for authenticated callers.
type AuthHandler struct {
	revocations revocation.Service
}

func NewAuthHandler(revocations revocation.Service) *AuthHandler {
	return &AuthHandler{revocations: revocations}
}

// Logout blacklists the presented token until it would have expired anyway.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	token, hasToken := middleware.TokenFromContext(r.Context())
	if !ok || !hasToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.ExpiresAt == nil {
		writeError(w, http.StatusBadRequest, "token has no expiry")
		return
	}
	if err := h.revocations.Blacklist(r.Context(), token, claims.ExpiresAt.Time, claims.UserID, domain.ReasonLogout); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "logged out"})
}

// LogoutAll revokes every token of the caller issued up to now, including this one.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.revocations.BlacklistAllForUser(r.Context(), claims.UserID, domain.ReasonLogout); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "logged out from all sessions"})
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	env := SessionEnvelope{UserID: claims.UserID, Role: claims.Role, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		env.IssuedAt = claims.IssuedAt.UTC()
	}
	if claims.ExpiresAt != nil {
		env.ExpiresAt = claims.ExpiresAt.UTC()
	}
	writeJSON(w, http.StatusOK, env)
}
