// Package provider defines the client for the upstream image-generation
// service. This file centralizes the tagged error values so callers branch
// on structured kinds instead of matching error text.
package provider

import (
	"errors"
	"fmt"
)

// ErrRateLimited indicates the upstream rejected the request with HTTP 429.
// The client never retries on its own; retry policy, if any, belongs to the
// caller.
var ErrRateLimited = errors.New("provider rate limited")

// ErrMalformedResponse indicates the upstream reported success but the
// response carried no inline image data. Treated as a provider-side bug.
var ErrMalformedResponse = errors.New("provider returned no image data")

// StatusError is returned when the upstream accepted the request shape but
// failed with a non-429 error status. Message holds the best-effort extracted
// upstream text; it is for logs and failure records, never for API responses.
type StatusError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("provider error: %d - %s", e.Status, e.Message)
}
