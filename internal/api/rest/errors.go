package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/logger"
	"github.com/kubilitics/churnwatch/internal/repository"
)

// APIError represents a structured API error response
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
)

// respondStructuredError sends a structured error response with error code and details
func respondStructuredError(w http.ResponseWriter, status int, code, message string, requestID string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := APIError{
		Error:     message,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}
	_ = json.NewEncoder(w).Encode(err)
}

// respondErrorWithCode is a convenience wrapper for structured errors
func respondErrorWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondStructuredError(w, status, code, message, requestID(r), nil)
}

func requestID(r *http.Request) string {
	return logger.FromContext(r.Context())
}

// respondServiceError maps domain errors to HTTP status and error code.
// Unrecognized errors are 500s and their text is not exposed.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		respondErrorWithCode(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, alerting.ErrInvalidTransition):
		respondErrorWithCode(w, r, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, models.ErrUnknownEventType):
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondErrorWithCode(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondBadBody reports an undecodable request body.
func respondBadBody(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondErrorWithCode(w, r, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
		return
	}
	respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
}
