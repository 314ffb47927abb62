package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteDetailedError writes an error response with additional context
func WriteDetailedError(w http.ResponseWriter, status int, message string, details map[string]string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteServiceError maps err onto the error taxonomy: permission denied is
// 403, a blocking validation failure 422, not found 404 and an invalid
// entry 400. Anything else is logged and reported as a generic 500 so
// store details never reach the client.
func WriteServiceError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	var vf *audit.ValidationFailure
	switch {
	case errors.Is(err, audit.ErrPermissionDenied):
		WriteForbidden(w, err.Error())
	case errors.As(err, &vf) && vf.Blocking:
		WriteDetailedError(w, http.StatusUnprocessableEntity, vf.Message, map[string]string{
			"table": vf.Table,
			"field": vf.Field,
			"rule":  vf.RuleID,
		})
	case errors.Is(err, audit.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, audit.ErrInvalidEntry):
		WriteBadRequest(w, err.Error())
	default:
		if logger != nil {
			logger.WithError(err).Error("Request failed")
		}
		WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
