// Package httpx provides HTTP response utilities.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the wire shape for every error response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends an error body with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message})
}

// ErrorWithContext sends an error body carrying extra context fields.
func ErrorWithContext(w http.ResponseWriter, status int, message string, ctx map[string]any) {
	JSON(w, status, ErrorBody{Error: message, Context: ctx})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}
