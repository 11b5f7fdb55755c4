package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the JSON shape every API error response uses.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "status", status, "error", err)
	}
}

// WriteError writes a uniform JSON error body: the status text plus a
// caller-supplied message.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{
		Error:   http.StatusText(status),
		Message: msg,
	})
}
