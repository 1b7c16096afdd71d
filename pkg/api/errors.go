// Package api exposes the connection controller to the admin console over
// HTTP.
package api

import (
	"encoding/json"
	"net/http"
)

// Error codes returned to the console.
const (
	ErrCodeTenantRequired = "TENANT_REQUIRED"
	ErrCodeTenantNotOpen  = "TENANT_NOT_OPEN"
	ErrCodeNoQRCode       = "NO_QR_CODE"
	ErrCodeBadQRCode      = "BAD_QR_CODE"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Response is the envelope for every JSON reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Success: false, Code: code, Message: message})
}
