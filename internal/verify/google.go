// Google Play purchase verification.
//
// Uses the Google Play Developer API (androidpublisher/v3). A purchase
// token is first looked up as a subscription; a 404 falls through to the
// one-time product lookup, mirroring how Play issues tokens for both kinds
// from the same purchase flow.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
)

// Payment states reported by Play for subscription purchases.
const (
	paymentStatePending         = 0
	paymentStateReceived        = 1
	paymentStateFreeTrial       = 2
	paymentStatePendingDeferred = 3
)

// purchaseStatePurchased is the ProductPurchase state for a completed
// one-time purchase (1 = canceled, 2 = pending).
const purchaseStatePurchased = 0

// micros is the denominator for Play's micros-denominated price fields.
var micros = decimal.NewFromInt(1_000_000)

// GoogleVerifier verifies purchase tokens against the Play Developer API.
type GoogleVerifier struct {
	svc *androidpublisher.Service

	// PackageName is the server-default application package, used when the
	// request does not carry one.
	PackageName string

	// now is injectable for tests.
	now func() time.Time
}

// NewGoogleVerifier wraps an androidpublisher service. svc may be nil when
// Play credentials are not configured; every Verify call then fails with
// ErrConfiguration.
func NewGoogleVerifier(svc *androidpublisher.Service, packageName string) *GoogleVerifier {
	return &GoogleVerifier{svc: svc, PackageName: packageName, now: time.Now}
}

// Verify looks up a purchase token for productID and normalizes the
// platform state. packageName overrides the configured default when
// non-empty.
func (v *GoogleVerifier) Verify(ctx context.Context, productID, purchaseToken, packageName string) (*Result, error) {
	if v.svc == nil {
		return nil, fmt.Errorf("%w: google play credentials not configured", ErrConfiguration)
	}
	pkg := packageName
	if pkg == "" {
		pkg = v.PackageName
	}
	if pkg == "" {
		return nil, fmt.Errorf("%w: package name missing and no default configured", ErrValidation)
	}
	if productID == "" || purchaseToken == "" {
		return nil, fmt.Errorf("%w: product id and purchase token are required", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, platformTimeout)
	defer cancel()

	sub, err := v.svc.Purchases.Subscriptions.Get(pkg, productID, purchaseToken).Context(ctx).Do()
	switch {
	case err == nil:
		return v.normalizeSubscription(sub)
	case isNotFound(err):
		// Not a subscription token; try the one-time product lookup.
	default:
		return nil, platformErr("google subscription lookup", err)
	}

	prod, err := v.svc.Purchases.Products.Get(pkg, productID, purchaseToken).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: purchase token not found", ErrVerificationFailed)
		}
		return nil, platformErr("google product lookup", err)
	}
	return v.normalizeProduct(prod)
}

// Cancel requests server-side cancellation of a subscription purchase.
// Used best-effort by the cancellation coordinator.
func (v *GoogleVerifier) Cancel(ctx context.Context, productID, purchaseToken, packageName string) error {
	if v.svc == nil {
		return fmt.Errorf("%w: google play credentials not configured", ErrConfiguration)
	}
	pkg := packageName
	if pkg == "" {
		pkg = v.PackageName
	}
	ctx, cancel := context.WithTimeout(ctx, platformTimeout)
	defer cancel()
	if err := v.svc.Purchases.Subscriptions.Cancel(pkg, productID, purchaseToken).Context(ctx).Do(); err != nil {
		return platformErr("google subscription cancel", err)
	}
	return nil
}

// normalizeSubscription applies the subscription activity rule: payment
// received (incl. free trial and deferred), not cancelled, not past expiry.
func (v *GoogleVerifier) normalizeSubscription(sub *androidpublisher.SubscriptionPurchase) (*Result, error) {
	if sub.PaymentState == nil {
		return nil, fmt.Errorf("%w: payment state missing", ErrVerificationFailed)
	}
	switch *sub.PaymentState {
	case paymentStateReceived, paymentStateFreeTrial, paymentStatePendingDeferred:
	default:
		return nil, fmt.Errorf("%w: payment not received (state %d)", ErrVerificationFailed, *sub.PaymentState)
	}
	// Play only populates cancelReason on cancelled purchases; the zero
	// value doubles as "unset" here, which the expiry check below covers
	// for the user-cancelled case.
	if sub.CancelReason != 0 {
		return nil, fmt.Errorf("%w: subscription cancelled (reason %d)", ErrVerificationFailed, sub.CancelReason)
	}

	var expiry *time.Time
	if sub.ExpiryTimeMillis > 0 {
		t := time.UnixMilli(sub.ExpiryTimeMillis).UTC()
		if !v.now().Before(t) {
			return nil, fmt.Errorf("%w: subscription expired at %s", ErrVerificationFailed, t.Format(time.RFC3339))
		}
		expiry = &t
	}

	res := &Result{
		PlatformTxID:   sub.OrderId,
		Amount:         decimal.NewFromInt(sub.PriceAmountMicros).Div(micros),
		Currency:       normalizeCurrency(sub.PriceCurrencyCode),
		PurchaseTime:   time.UnixMilli(sub.StartTimeMillis).UTC(),
		ExpirationTime: expiry,
		IsSubscription: true,
		Metadata: map[string]string{
			"kind":         sub.Kind,
			"autoRenewing": strconv.FormatBool(sub.AutoRenewing),
			"countryCode":  sub.CountryCode,
		},
	}
	return res, nil
}

// normalizeProduct applies the one-time product rule: purchased state only.
func (v *GoogleVerifier) normalizeProduct(prod *androidpublisher.ProductPurchase) (*Result, error) {
	if prod.PurchaseState != purchaseStatePurchased {
		return nil, fmt.Errorf("%w: product not purchased (state %d)", ErrVerificationFailed, prod.PurchaseState)
	}
	res := &Result{
		PlatformTxID:   prod.OrderId,
		Amount:         decimal.Zero, // Play reports no price for one-time lookups; catalog price applies
		Currency:       "",
		PurchaseTime:   time.UnixMilli(prod.PurchaseTimeMillis).UTC(),
		IsSubscription: false,
		Metadata: map[string]string{
			"kind":             prod.Kind,
			"consumptionState": strconv.FormatInt(prod.ConsumptionState, 10),
		},
	}
	return res, nil
}

// isNotFound reports whether err is a 404 from the Play API.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

// platformErr wraps an upstream Play error, logging full detail server-side
// and surfacing a bounded message to the caller.
func platformErr(op string, err error) error {
	log.Warn().Err(err).Str("op", op).Msg("google play call failed")
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%w: %s: %s", ErrPlatformUnavailable, op, gerr.Message)
	}
	return fmt.Errorf("%w: %s: %v", ErrPlatformUnavailable, op, err)
}
