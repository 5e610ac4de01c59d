package httputil

import (
	"fmt"
	"net/http"
)

// JSONAPIResource represents a single JSON:API resource.
type JSONAPIResource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes any               `json:"attributes"`
	Links      map[string]string `json:"links,omitempty"`
}

// JSONAPIErrorObject represents a single JSON:API error.
type JSONAPIErrorObject struct {
	Status int    `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// NewJSONAPIError creates a single JSON:API error object.
func NewJSONAPIError(status int, code, title, detail string) JSONAPIErrorObject {
	return JSONAPIErrorObject{
		Status: status,
		Code:   code,
		Title:  title,
		Detail: detail,
	}
}

// WriteJSONAPIResource writes a single JSON:API resource response.
//
// Example:
//
//	httputil.WriteJSONAPIResource(w, http.StatusOK, JSONAPIResource{Type: "message", ID: "42", Attributes: rec})
func WriteJSONAPIResource(w http.ResponseWriter, status int, resource JSONAPIResource) {
	WriteJSONAPI(w, status, map[string]any{"data": resource})
}

// WriteJSONAPICollection writes a JSON:API collection with optional meta.
func WriteJSONAPICollection(w http.ResponseWriter, status int, items []JSONAPIResource, meta map[string]any) {
	if items == nil {
		items = []JSONAPIResource{}
	}
	response := map[string]any{"data": items}
	if len(meta) > 0 {
		response["meta"] = meta
	}
	WriteJSONAPI(w, status, response)
}

// WriteJSONAPIValidationError writes a 400 validation error response.
func WriteJSONAPIValidationError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusBadRequest, "validation_failed", "Validation Failed", detail)
}

// WriteJSONAPINotFoundError writes a 404 not found error response.
func WriteJSONAPINotFoundError(w http.ResponseWriter, resourceType, id string) {
	WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found",
		fmt.Sprintf("The requested %s with ID '%s' was not found", resourceType, id))
}

// WriteJSONAPIConflictError writes a 409 response for state conflicts.
func WriteJSONAPIConflictError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusConflict, "conflict", "Conflict", detail)
}

// WriteJSONAPIInternalError writes a 500 internal server error response.
// Log the cause before calling it; detail is shown to the client.
func WriteJSONAPIInternalError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", detail)
}
