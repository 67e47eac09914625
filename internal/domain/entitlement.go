// Package domain — entitlement predicate.
//
// Subscription statuses are not auto-transitioned by a background job;
// expiry is evaluated lazily wherever entitlement matters. Every read site
// must go through IsEntitled rather than re-deriving the status/expiry
// check.
package domain

import "time"

// IsEntitled reports whether sub grants paid-tier access at the given
// instant: the subscription is active and either has no expiry or has not
// yet expired. Cancelled subscriptions keep their remaining paid time, so a
// cancelled row with a future EndsAt is still entitled; the free status
// never is.
func IsEntitled(sub *Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case SubscriptionActive, SubscriptionCancelled:
		return sub.EndsAt == nil || sub.EndsAt.After(now)
	default:
		return false
	}
}
