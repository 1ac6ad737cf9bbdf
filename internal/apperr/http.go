package apperr

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// envelope is the error body every handler returns.
type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorType Code   `json:"errorType"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its status and envelope. Server-side failures are
// logged with their cause; the cause never reaches the client.
func WriteError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	e := From(err)
	status := e.Code.HTTPStatus()
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Errorw("request failed", "code", e.Code, "err", err)
	}
	WriteJSON(w, status, envelope{Success: false, Message: e.Message, ErrorType: e.Code})
}

// DecodeJSON reads a bounded JSON body into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return Validation("Request body is required")
		}
		return Wrap(CodeValidation, "Invalid request body", err)
	}
	return nil
}
