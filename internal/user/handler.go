package user

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/auth"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
)

// Handler exposes HTTP endpoints for the credential flows.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRequest request body for the register endpoint.
type RegisterRequest struct {
	FullName string `json:"fullName"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Success               bool              `json:"success"`
	Message               string            `json:"message"`
	Token                 string            `json:"token"`
	ExpiresAt             string            `json:"expiresAt"`
	User                  entity.Projection `json:"user"`
	VerificationEmailSent *bool             `json:"verificationEmailSent,omitempty"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type userResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	User    entity.Projection `json:"user"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	res, err := h.svc.Register(r.Context(), RegisterInput{
		FullName: req.FullName,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     entity.Role(req.Role),
	})
	if err != nil {
		h.logger.Debugw("register failed", "err", err)
		apperr.WriteError(w, h.logger, err)
		return
	}
	msg := "Registration successful. Please check your email to verify your account."
	if !res.VerificationEmailSent {
		msg = "Registration successful, but we could not send the verification email. Please request a new one."
	}
	sent := res.VerificationEmailSent
	apperr.WriteJSON(w, http.StatusCreated, AuthResponse{
		Success:               true,
		Message:               msg,
		Token:                 res.Token,
		ExpiresAt:             res.ExpiresAt.UTC().Format(time.RFC3339),
		User:                  res.User,
		VerificationEmailSent: &sent,
	})
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Debugw("login failed", "err", err)
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, AuthResponse{
		Success:   true,
		Message:   "Login successful",
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User:      res.User,
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	proj, err := h.svc.Me(r.Context(), sub.AccountID)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, userResponse{Success: true, User: *proj})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	h.svc.Logout(r.Context(), sub.AccountID)
	apperr.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out successfully"})
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	proj, err := h.svc.VerifyEmail(r.Context(), req.Email, req.Token)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, userResponse{Success: true, Message: "Email verified successfully", User: *proj})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	sent, err := h.svc.ResendVerification(r.Context(), req.Email)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	msg := "Verification email sent"
	if !sent {
		msg = "A new verification link was created, but the email could not be sent. Please try again."
	}
	apperr.WriteJSON(w, http.StatusOK, struct {
		messageResponse
		VerificationEmailSent bool `json:"verificationEmailSent"`
	}{messageResponse{Success: true, Message: msg}, sent})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "A reset code has been sent to your email"})
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (h *Handler) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	if err := h.svc.VerifyResetOTP(r.Context(), req.Email, req.OTP); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "OTP verified"})
}

type resetPasswordRequest struct {
	Email           string `json:"email"`
	OTP             string `json:"otp"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := apperr.DecodeJSON(w, r, &req); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	err := h.svc.ResetPassword(r.Context(), ResetInput{
		Email:           req.Email,
		OTP:             req.OTP,
		NewPassword:     req.NewPassword,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Password has been reset successfully"})
}
