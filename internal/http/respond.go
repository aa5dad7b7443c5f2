package httpx

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the uniform error envelope of the operator API.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes payload with the given status. Encoding failures after the
// header is committed cannot be reported to the client, so they are dropped.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
