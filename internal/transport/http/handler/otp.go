package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-api-guard/internal/application/otp"
	"github.com/go-api-guard/internal/domain"
	"github.com/go-chi/chi/v5"
)

// OTPHandler issues and verifies one-time codes for an identifier such as a grievance ID.
type OTPHandler struct {
	svc    otp.Service
	sender otp.Sender
}

func NewOTPHandler(svc otp.Service, sender otp.Sender) *OTPHandler {
	return &OTPHandler{svc: svc, sender: sender}
}

type otpRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

func (h *OTPHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.Generate(r.Context(), chi.URLParam(r, "identifier"), req.Phone)
	if err != nil {
		httpError(w, err)
		return
	}
	if err := h.sender.SendCode(r.Context(), req.Phone, res.OTP); err != nil {
		slog.Error("otp delivery failed", "phone", otp.MaskPhone(req.Phone), "err", err)
		writeError(w, http.StatusBadGateway, "could not deliver OTP")
		return
	}
	writeJSON(w, http.StatusOK, OTPEnvelope{
		Success:           true,
		Message:           res.Message,
		ExpiresInSeconds:  int(time.Until(res.ExpiresAt).Round(time.Second).Seconds()),
		AttemptsRemaining: res.AttemptsRemaining,
	})
}

func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.Verify(r.Context(), chi.URLParam(r, "identifier"), req.Phone, req.OTP)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, OTPEnvelope{Success: true, Message: res.Message})
	case res != nil && !errors.Is(err, domain.ErrStoreUnavailable):
		writeJSON(w, statusFor(err), OTPEnvelope{
			Message:           res.Message,
			Error:             errorText(err),
			AttemptsRemaining: res.AttemptsRemaining,
		})
	default:
		httpError(w, err)
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrMismatch):
		return "verification failed"
	case errors.Is(err, domain.ErrAttemptsExhausted):
		return "max attempts exceeded"
	case errors.Is(err, domain.ErrNotFound):
		return "OTP not found"
	default:
		return err.Error()
	}
}
