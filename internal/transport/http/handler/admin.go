package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-api-guard/internal/application/ratelimit"
	"github.com/go-api-guard/internal/application/revocation"
	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
)

// AdminHandler exposes operational controls over the security state.
type AdminHandler struct {
	limiter     ratelimit.Service
	revocations revocation.Service
}

func NewAdminHandler(limiter ratelimit.Service, revocations revocation.Service) *AdminHandler {
	return &AdminHandler{limiter: limiter, revocations: revocations}
}

// ResetRateLimit clears the key captured by the trailing wildcard, since
// rate-limit keys contain slashes.
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := h.limiter.Reset(r.Context(), key); err != nil {
		httpError(w, err)
		return
	}
	h.audit(r, "rate limit reset", "key", key)
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "rate limit reset"})
}

func (h *AdminHandler) RevocationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.revocations.Stats(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) RevokeUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	userID := chi.URLParam(r, "id")
	if req.Reason == "" {
		req.Reason = domain.ReasonSecurity
	}
	if err := h.revocations.BlacklistAllForUser(r.Context(), userID, req.Reason); err != nil {
		httpError(w, err)
		return
	}
	h.audit(r, "user tokens revoked", "user_id", userID, "reason", req.Reason)
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "all tokens revoked"})
}

func (h *AdminHandler) audit(r *http.Request, msg string, args ...any) {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		args = append(args, "admin_id", claims.UserID)
	}
	slog.Info(msg, args...)
}
