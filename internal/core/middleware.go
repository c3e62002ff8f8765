package core

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"channelgate/internal/types"
)

// Recoverer converts handler panics into a 500 response instead of
// tearing down the connection, and logs the stack for diagnosis.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Logger.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				WriteError(w, r, s.Logger, types.NewAppError(
					types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ContextTimeoutMiddleware bounds each request's context. Handlers that
// respect ctx cancellation will abort long-running work once the deadline
// passes.
func ContextTimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware attaches a unique ID to each request context so log
// lines and error responses can be correlated. An incoming X-Request-ID is
// honored when present.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseCapture records the status code written by the handler for the
// access log.
type responseCapture struct {
	http.ResponseWriter
	status int
}

func (rc *responseCapture) WriteHeader(status int) {
	rc.status = status
	rc.ResponseWriter.WriteHeader(status)
}

// RequestLogger emits one structured line per request with method, path,
// status, duration, and the request ID. Header values are never logged.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", capture.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", types.GetRequestID(r.Context()),
			)
		})
	}
}

// AdminAuth guards operator endpoints with a static bearer token. The
// comparison is constant-time so the token cannot be probed byte by byte.
func AdminAuth(token types.SecretString, logger *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(token.Unmask())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				WriteError(w, r, logger, types.NewAppError(
					types.ErrCodeAuthTokenMissing, "missing bearer token", nil))
				return
			}
			supplied := []byte(header[len(prefix):])
			if len(expected) == 0 || subtle.ConstantTimeCompare(expected, supplied) != 1 {
				WriteError(w, r, logger, types.NewAppError(
					types.ErrCodeAuthTokenInvalid, "invalid bearer token", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
