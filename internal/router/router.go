package router

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/account"
	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/auth"
	"github.com/ovaphlow/pitchfork/service-identity/internal/connection"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the id assigned by RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// RequestIDMiddleware keeps a sane inbound X-Request-ID or mints a uuid.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// TraceContextMiddleware continues the caller's trace, if its headers carry
// one, so outbound downstream calls join it.
func TraceContextMiddleware(p propagation.TextMapPropagator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := p.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware returns a middleware that logs requests using the provided sugared logger.
// Server errors are logged at warn, everything else at debug.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			// ensure status is set
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Warnw
			}
			log("http request",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			// responses carry tokens and account data
			w.Header().Set("Cache-Control", "no-store")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
			}
			// HSTS only over TLS
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handlers bundles everything RegisterRoutes mounts.
type Handlers struct {
	Users       *user.Handler
	Connections *connection.Handler
	Accounts    *account.Handler
	Tokens      auth.TokenParser
	// Ready reports whether the store and cache are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, h Handlers) http.Handler {
	mux := http.NewServeMux()
	authed := auth.Middleware(h.Tokens, logger)
	protect := func(fn http.HandlerFunc) http.Handler { return authed(fn) }

	// health
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if h.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.Ready(ctx); err != nil {
				logger.Warnw("readiness check failed", "err", err)
				apperr.WriteError(w, nil, apperr.Unavailable(err))
				return
			}
		}
		apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// credential flows
	mux.HandleFunc("POST /api/auth/register", h.Users.Register)
	mux.HandleFunc("POST /api/auth/login", h.Users.Login)
	mux.HandleFunc("POST /api/auth/verify-email", h.Users.VerifyEmail)
	mux.HandleFunc("POST /api/auth/resend-verification", h.Users.ResendVerification)
	mux.HandleFunc("POST /api/auth/forgot-password", h.Users.ForgotPassword)
	mux.HandleFunc("POST /api/auth/verify-reset-otp", h.Users.VerifyResetOTP)
	mux.HandleFunc("POST /api/auth/reset-password", h.Users.ResetPassword)
	mux.Handle("GET /api/auth/me", protect(h.Users.Me))
	mux.Handle("POST /api/auth/logout", protect(h.Users.Logout))
	mux.Handle("DELETE /api/auth/account", protect(h.Accounts.Delete))

	// connection graph
	mux.Handle("POST /api/connections", protect(h.Connections.Request))
	mux.Handle("GET /api/connections", protect(h.Connections.ListEstablished))
	mux.Handle("GET /api/connections/sent", protect(h.Connections.ListSent))
	mux.Handle("GET /api/connections/incoming", protect(h.Connections.ListIncoming))
	mux.Handle("GET /api/connections/suggestions", protect(h.Connections.Suggestions))
	mux.Handle("PUT /api/connections/{id}/accept", protect(h.Connections.Accept))
	mux.Handle("PUT /api/connections/{id}/reject", protect(h.Connections.Reject))
	mux.Handle("DELETE /api/connections/{id}", protect(h.Connections.Remove))

	handler := TraceContextMiddleware(otel.GetTextMapPropagator())(
		RequestIDMiddleware()(LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))))
	return handler
}
