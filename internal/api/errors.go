package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// categorizeServiceError maps queue and store errors to a categorized error
func categorizeServiceError(err error, guildID string) *apperrors.CategorizedError {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return apperrors.NewNotFoundError("queue entry", guildID)
	case errors.Is(err, queue.ErrInvalidTransition):
		conflict := apperrors.NewConflictError(err.Error(), err)
		conflict.Code = ErrCodeInvalidTransition
		return conflict
	case errors.Is(err, queue.ErrVersionConflict):
		return apperrors.NewConflictError("entry is being modified, retry the request", err)
	}

	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		// never leak storage details
		return apperrors.NewInternalError("an internal error occurred", err)
	}
	return catErr
}

// writeServiceError maps err and writes it
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := categorizeServiceError(err, mux.Vars(r)["guildId"])
	if catErr.StatusCode >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"path":     r.URL.Path,
			"category": string(catErr.Category),
		}).Error("Request failed")
	}
	svcErr := catErr.ToServiceError()
	respondError(w, catErr.StatusCode, svcErr.Code, svcErr.Message, svcErr.Details)
}
