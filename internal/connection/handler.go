package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/auth"
	"github.com/ovaphlow/pitchfork/service-identity/internal/connection/entity"
)

// Handler exposes the connection graph over HTTP. Every route expects an
// authenticated subject in the request context.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type requestBody struct {
	// RecipientID accepts both "123" and 123.
	RecipientID json.Number `json:"recipientId"`
	Message     string      `json:"message"`
}

type connectionResponse struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	Connection *entity.Connection `json:"connection,omitempty"`
}

type listResponse struct {
	Success     bool                `json:"success"`
	Connections []entity.Connection `json:"connections"`
}

func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	var body requestBody
	if err := apperr.DecodeJSON(w, r, &body); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	recipient, err := strconv.ParseInt(body.RecipientID.String(), 10, 64)
	if err != nil {
		apperr.WriteError(w, h.logger, apperr.Validation("Recipient is required"))
		return
	}
	c, err := h.svc.Request(r.Context(), sub.AccountID, recipient, body.Message)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, connectionResponse{Success: true, Message: "Connection request sent", Connection: c})
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	c, err := h.svc.Accept(r.Context(), sub.AccountID, r.PathValue("id"))
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, connectionResponse{Success: true, Message: "Connection accepted", Connection: c})
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	c, err := h.svc.Reject(r.Context(), sub.AccountID, r.PathValue("id"))
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, connectionResponse{Success: true, Message: "Connection rejected", Connection: c})
}

func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	if err := h.svc.Remove(r.Context(), sub.AccountID, r.PathValue("id")); err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, connectionResponse{Success: true, Message: "Connection removed"})
}

func (h *Handler) ListEstablished(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	h.writeList(w, h.svc.ListEstablished, r, sub.AccountID)
}

func (h *Handler) ListSent(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	h.writeList(w, h.svc.ListSent, r, sub.AccountID)
}

func (h *Handler) ListIncoming(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	h.writeList(w, h.svc.ListIncoming, r, sub.AccountID)
}

func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.FromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.svc.Suggestions(r.Context(), sub.AccountID, limit)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, struct {
		Success     bool                `json:"success"`
		Suggestions []entity.Suggestion `json:"suggestions"`
	}{true, out})
}

func (h *Handler) writeList(w http.ResponseWriter, list func(context.Context, int64) ([]entity.Connection, error), r *http.Request, id int64) {
	out, err := list(r.Context(), id)
	if err != nil {
		apperr.WriteError(w, h.logger, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, listResponse{Success: true, Connections: out})
}
