package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
)

// ErrorResponse is the error body returned by every route.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	// Try context first
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	// Fall back to request header (set by gateway)
	return r.Header.Get("X-Request-ID")
}

// jobErrorStatus maps a failed periodic invocation to a status code.
func jobErrorStatus(err error) int {
	if apperr.IsConfiguration(err) {
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

// writeErrorResponse writes a JSON error body and logs it by severity.
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, err error) {
	requestID := GetRequestID(r.Context(), r)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("request_id", requestID),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("kind", apperr.KindOf(err).String()),
		slog.String("error", err.Error()),
	)

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), RequestID: requestID})
}
