// Package services defines the business logic for purchase verification,
// subscription reconciliation, and cancellation. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer. Platform-facing failures
// (verification, configuration, upstream availability) are the sentinels
// of the verify package and flow through unchanged.
package services

import (
	"errors"

	"github.com/storytime-app/storytime-backend/internal/catalog"
)

var (
	// ErrNoSubscription indicates the user has no subscription row (or no
	// paid subscription, for operations that require one).
	ErrNoSubscription = errors.New("no subscription")

	// ErrReceiptConflict is returned when a receipt has already been
	// redeemed by a different user. The ledger row for a receipt belongs
	// to whoever recorded it first.
	ErrReceiptConflict = errors.New("receipt already used by another account")

	// ErrAlreadySubscribed is returned when a free-plan enrollment is
	// attempted while a paid subscription still grants entitlement.
	ErrAlreadySubscribed = errors.New("an active subscription already exists")

	// ErrUnknownProduct aliases the catalog sentinel so handlers can check
	// it without importing catalog directly.
	ErrUnknownProduct = catalog.ErrUnknownProduct
)
