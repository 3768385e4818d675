package server

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorResponse is the JSON error envelope returned by every failing handler.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response with the given HTTP status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] failed to write response: %v", err)
	}
}
