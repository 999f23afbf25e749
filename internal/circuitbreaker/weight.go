package circuitbreaker

import (
	"context"
	"errors"
	"os"
)

// Weight scores one upstream exchange for the breaker window. Exactly one of
// status or err is meaningful: pass the response status with a nil error, or
// status zero with the transport error.
//
//	timeout               -> 1.5
//	other transport error -> 1.0
//	5xx                   -> 1.0
//	429                   -> 0.5
//	anything else         -> 0.0 (success, or the client's own fault)
func Weight(status int, err error) float64 {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return 1.5
		}
		return 1.0
	}
	switch {
	case status >= 500:
		return 1.0
	case status == 429:
		return 0.5
	default:
		return 0
	}
}
