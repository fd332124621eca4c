package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
	"github.com/abdhe/dreamina-proxy/pkg/resilience"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	tokensKey    contextKey = "session_tokens"
)

// TokenMiddleware reads session tokens from "Authorization: Bearer a,b".
// The tokens are passed upstream as-is; the proxy does not own them.
func TokenMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, http.StatusUnauthorized, "missing authorization header", "authentication")
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "invalid authorization format", "authentication")
				return
			}
			tokens := resilience.SplitKeys(strings.TrimPrefix(auth, "Bearer "))
			if len(tokens) == 0 {
				WriteError(w, http.StatusUnauthorized, "no session token supplied", "authentication")
				return
			}
			ctx := context.WithValue(r.Context(), tokensKey, tokens)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokensFrom(ctx context.Context) []string {
	tokens, _ := ctx.Value(tokensKey).([]string)
	return tokens
}

func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			requestID, _ := r.Context().Value(RequestIDKey).(string)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("request_id", requestID).
				Msg("http request")
		})
	}
}

func RecoveryMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(RequestIDKey).(string)
					logger.Error().Interface("error", err).Str("request_id", requestID).Msg("panic recovered")
					WriteError(w, http.StatusInternalServerError, "internal server error", "internal_error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()[:8]
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets SSE handlers flush through the logging wrapper.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func WriteError(w http.ResponseWriter, status int, message, errType string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{Message: message, Type: errType}})
}

// WriteAPIError writes a classified error with its mapped status. The
// history id is included when known, and the raw upstream fragment for
// responses we could not interpret.
func WriteAPIError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	WriteJSON(w, status, ErrorResponse{Error: body})
}

func errorBody(err error) (int, ErrorBody) {
	apiErr, ok := apierror.As(err)
	if !ok {
		return http.StatusInternalServerError, ErrorBody{Message: err.Error(), Type: "internal_error"}
	}
	msg := apiErr.Message
	if apiErr.Kind == apierror.KindUpstreamLogic && apiErr.Raw != "" {
		msg += ": " + apiErr.Raw
	}
	return apiErr.HTTPStatus(), ErrorBody{
		Message:   msg,
		Type:      apiErr.Kind.String(),
		Code:      apiErr.Code,
		HistoryID: apiErr.HistoryID,
	}
}

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
