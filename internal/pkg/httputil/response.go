package httputil

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// ErrorResponse is the error envelope every endpoint returns. Kind carries
// the error classification so callers can branch without parsing messages.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// JSON writes data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] encoding response: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 response, used by endpoints that kick off
// background work and return before it finishes.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// Error writes an error envelope with an explicit status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// NotFound writes a 404 error.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

// WriteError maps a classified error onto an HTTP status and writes the
// envelope. Internal kinds return a generic message so provider responses
// and SQL text never reach the client; the real error is logged.
func WriteError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[httputil] internal error: %v", err)
		msg = "internal server error"
	}
	JSON(w, status, ErrorResponse{Error: msg, Kind: kind.String()})
}

func statusFor(err error) (int, domain.Kind) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.KindClient
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, domain.KindClient
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest, kind
	case domain.KindAuthentication:
		return http.StatusUnauthorized, kind
	case domain.KindClient:
		return http.StatusConflict, kind
	case domain.KindRateLimit:
		return http.StatusTooManyRequests, kind
	case domain.KindTransport:
		return http.StatusBadGateway, kind
	case domain.KindTransientDB:
		return http.StatusServiceUnavailable, kind
	case domain.KindCancelled:
		return http.StatusConflict, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

// Decode reads the JSON request body into dst, answering 400 on parse
// failure. Returns false when the caller should stop.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
