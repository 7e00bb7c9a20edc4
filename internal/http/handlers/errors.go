// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes give
// clients a stable, machine-readable error taxonomy that supplements the
// human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless noted.
//   - Generic codes (bad_request, not_found, too_many_requests) mirror common
//     HTTP status semantics to aid interoperability.
//   - Domain-specific codes (validation_failed, provider_unavailable) cover
//     outcomes that a status alone cannot convey.
//   - Raw upstream provider error text never appears in responses; only the
//     generic messages attached to these codes do.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeValidationFailed    = "validation_failed"
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeListFailed          = "list_failed"
	ErrCodeStatsFailed         = "stats_failed"
)
