package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"channelgate/internal/types"
)

const maxRequestBodyBytes = 64 * 1024

// APIResponse is the uniform envelope for successful responses.
type APIResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorDetail carries the machine-readable error code alongside a
// human-readable message. RequestID lets operators correlate a client
// report with server logs.
type ErrorDetail struct {
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// APIErrorResponse is the uniform envelope for failed responses.
type APIErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// WriteJSON writes data inside the success envelope with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		// Headers are already committed; nothing to do but note it.
		slog.Error("failed to encode response body", "error", err)
	}
}

// WriteError maps err to an HTTP status and writes the error envelope.
// *types.AppError values keep their code and message; anything else is
// masked as an internal error so internals never leak to clients.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	detail := ErrorDetail{
		Code:      types.ErrCodeInternalUnexpected,
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = appErr.Code
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	} else {
		logger.Warn("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"code", detail.Code,
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(APIErrorResponse{Success: false, Error: detail}); encErr != nil {
		logger.Error("failed to encode error body", "error", encErr)
	}
}

// DecodeJSON reads the request body into dst, enforcing a size cap and
// rejecting unknown fields so client typos surface as errors rather than
// silently dropped data.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			fmt.Sprintf("invalid request body: %v", err), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"request body must contain a single JSON object", nil)
	}
	return nil
}
