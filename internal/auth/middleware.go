// Package auth carries the authenticated subject through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
)

// Subject is the caller identified by a bearer token.
type Subject struct {
	AccountID int64
	// Token is the raw bearer credential, kept for forwarding downstream.
	Token string
}

type subjectKey struct{}

func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// FromContext returns the subject stored by Middleware.
func FromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok
}

// TokenParser verifies a bearer token and returns its account id.
type TokenParser interface {
	Parse(token string) (int64, error)
}

var (
	errMissingToken = apperr.New(apperr.CodeUnauthorized, "Authentication required")
	errBadToken     = apperr.New(apperr.CodeUnauthorized, "Invalid or expired token")
)

// Middleware rejects requests without a valid `Authorization: Bearer` header.
func Middleware(parser TokenParser, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				apperr.WriteError(w, logger, errMissingToken)
				return
			}
			id, err := parser.Parse(raw)
			if err != nil {
				if !errors.Is(err, token.ErrExpired) {
					logger.Debugw("bearer rejected", "err", err)
				}
				apperr.WriteError(w, logger, errBadToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), Subject{AccountID: id, Token: raw})))
		})
	}
}

func bearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	t := strings.TrimSpace(h[len(prefix):])
	return t, t != ""
}
