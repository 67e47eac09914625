// Package verify implements platform purchase verification against the
// Google Play Developer API and the Apple App Store Server API. Each
// verifier normalizes the platform's raw purchase state into a Result that
// the billing service reconciles into the ledger.
//
// Verifiers never persist anything and never trust client-supplied data
// beyond using it as lookup keys; trust comes from the authenticated call
// to the platform itself.
package verify

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by verifiers. Handlers map these to the HTTP
// error taxonomy; see internal/http/handlers.
var (
	// ErrValidation indicates missing or malformed request fields
	// (empty token, empty product id, no package name configured).
	ErrValidation = errors.New("invalid verification request")

	// ErrVerificationFailed indicates the platform reports an inactive,
	// expired, revoked, or non-existent purchase.
	ErrVerificationFailed = errors.New("purchase verification failed")

	// ErrProductMismatch indicates the platform's transaction is for a
	// different product than the one the client claimed. This is the
	// defense against cross-product receipt replay.
	ErrProductMismatch = errors.New("product id mismatch")

	// ErrPlatformUnavailable indicates the platform call itself failed:
	// timeout, network error, or a non-2xx platform response. The
	// purchase cannot be confirmed, so the caller must not be optimistic.
	ErrPlatformUnavailable = errors.New("platform verification unavailable")

	// ErrConfiguration indicates missing platform credentials. This is an
	// operator-facing server fault, never a caller error.
	ErrConfiguration = errors.New("platform verifier misconfigured")
)

// platformTimeout bounds every outbound platform call. An unbounded wait on
// a third party would stall the whole request pipeline.
const platformTimeout = 10 * time.Second

// Result is the normalized outcome of a successful platform verification.
// Verifiers return it only for purchases the platform reports as currently
// active; all other states surface as errors.
type Result struct {
	// PlatformTxID is the store's own transaction identifier (Google
	// order id / Apple transaction id).
	PlatformTxID string

	// Amount and Currency are the platform-reported price when available;
	// zero Amount means the platform did not report one and the catalog
	// list price applies.
	Amount   decimal.Decimal
	Currency string

	// PurchaseTime is when the store recorded the purchase.
	PurchaseTime time.Time

	// ExpirationTime is the platform-supplied entitlement end, when the
	// purchase is a subscription with a known expiry.
	ExpirationTime *time.Time

	// IsSubscription distinguishes renewing/non-renewing subscriptions
	// from one-time products.
	IsSubscription bool

	// Metadata carries selected raw platform fields for audit logging.
	Metadata map[string]string
}
