package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEncoded(w, "application/json", status, data)
}

// WriteJSONAPI writes a JSON:API response (application/vnd.api+json).
func WriteJSONAPI(w http.ResponseWriter, status int, data any) {
	writeEncoded(w, "application/vnd.api+json", status, data)
}

func writeEncoded(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", slog.String("content_type", contentType), slog.String("error", err.Error()))
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteJSONAPIError writes a JSON:API compliant error response.
func WriteJSONAPIError(w http.ResponseWriter, status int, code, title, detail string) {
	WriteJSONAPI(w, status, map[string]any{
		"errors": []JSONAPIErrorObject{NewJSONAPIError(status, code, title, detail)},
	})
}
