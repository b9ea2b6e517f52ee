package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cbsctf/notify/internal/domain"
)

const internalErrorMessage = "Unexpected internal error has occurred! The admins are already working to fix it..."

// errorResponse is the uniform error body: {"error": string}.
type errorResponse struct {
	Error string `json:"error"`
}

// JSON writes a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes an error response with the given user-visible message.
func JSONError(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorResponse{Error: message})
}

// HandleInternalError logs the real cause and responds with a generic 500.
// Internal errors are never surfaced to clients.
func HandleInternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("unexpected internal error while handling request", "error", err)
	JSONError(w, http.StatusInternalServerError, internalErrorMessage)
}

// DecodeJSON decodes the JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return domain.NewValidationError("body", "request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return domain.NewValidationError("body", "invalid JSON: "+err.Error())
	}

	return nil
}
