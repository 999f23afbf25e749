// Package httpx holds HTTP transport helpers shared by the gateway and
// analytics servers: response writing, error mapping, and the common
// middleware stack.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	pulse "github.com/sgp/pulse/internal"
)

type apiError struct {
	Error string `json:"error"`
}

// ErrorResponse builds the standard error envelope.
func ErrorResponse(msg string) any {
	return apiError{Error: msg}
}

// ErrorStatus maps domain sentinel errors to HTTP status codes.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, pulse.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pulse.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, pulse.ErrRouteNotFound), errors.Is(err, pulse.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pulse.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, pulse.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes the standard error envelope for err.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, ErrorStatus(err), ErrorResponse(err.Error()))
}
