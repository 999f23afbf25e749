package pulse

import "errors"

// Sentinel errors for the gateway and analytics domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrRouteNotFound = errors.New("no route for path")
	ErrBadRequest    = errors.New("bad request")
	ErrNotFound      = errors.New("not found")
	ErrUnavailable   = errors.New("dependency unavailable")
)
