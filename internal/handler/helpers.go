package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope is the JSON shape every endpoint responds with. Data and Error are
// mutually exclusive.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

// writeJSON encodes the envelope after the status line has gone out; an
// encode failure can only be logged at that point, not turned into a 5xx.
func writeJSON(w http.ResponseWriter, statusCode int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Warn("failed to encode api response", "error", err)
	}
}
