// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// This file centralizes symbolic error code constants that are mapped to
// HTTP responses (via the `fail()` helper in this package). These codes
// provide clients with a stable, machine-readable error taxonomy that
// supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless noted.
//   - Generic codes (e.g., bad_request, conflict) mirror common HTTP status
//     semantics to aid interoperability.
//   - Domain-specific codes carry billing semantics that the status alone
//     cannot convey: a 422 verification_failed (the platform rejected the
//     receipt) is actionable very differently from a 409 receipt_conflict
//     (someone else already redeemed it).
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeUnknownProduct      = "unknown_product"
	ErrCodeVerificationFailed  = "verification_failed"
	ErrCodeReceiptConflict     = "receipt_conflict"
	ErrCodePlatformUnavailable = "platform_unavailable"
	ErrCodeNoSubscription      = "no_subscription"
	ErrCodeAlreadySubscribed   = "already_subscribed"
)
