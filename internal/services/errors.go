// Package services defines the business logic for the generation proxy.
// This file centralizes service-level error values and types so that they
// can be consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer; provider failure kinds live in internal/provider.
package services

import (
	"errors"
	"strings"
)

// ErrGenerationNotFound indicates that the requested generation record does
// not exist or holds no successful payload.
var ErrGenerationNotFound = errors.New("generation not found")

// ValidationError reports the request parameter violations collected by the
// validator. It is returned before any network or storage side effect.
type ValidationError struct {
	Codes []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Codes, ", ")
}

// AsValidation unwraps err into a *ValidationError when it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
