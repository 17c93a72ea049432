package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"wa_manager/internal/services"
	"wa_manager/internal/whatsapp"
)

func writeJSON(w http.ResponseWriter, status int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["success"] = true
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, whatsapp.ErrInvalidName),
		errors.Is(err, whatsapp.ErrInvalidMessage),
		errors.Is(err, whatsapp.ErrInvalidDataType):
		return http.StatusBadRequest
	case errors.Is(err, whatsapp.ErrSessionNotFound),
		errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, whatsapp.ErrSessionNotReady),
		errors.Is(err, whatsapp.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, whatsapp.ErrAdapterTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
