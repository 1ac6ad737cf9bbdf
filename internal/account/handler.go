package account

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/auth"
)

// Handler exposes the deletion saga.
type Handler struct {
	saga   *Saga
	logger *zap.SugaredLogger
}

func NewHandler(saga *Saga, logger *zap.SugaredLogger) *Handler {
	return &Handler{saga: saga, logger: logger}
}

type deleteResponse struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message"`
	FailedServices []string `json:"failedServices"`
}

// Delete removes the caller's account.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	report, err := h.saga.Run(r.Context(), sub.AccountID, sub.Token)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	msg := "Account deleted. Data held by other services is removed on a best-effort basis."
	failed := report.FailedServices()
	if len(failed) > 0 {
		msg = "Account deleted. Some services could not remove their data and may still hold it."
	}
	apperr.WriteJSON(w, http.StatusOK, deleteResponse{Success: true, Message: msg, FailedServices: failed})
}
