// Package services – CancelService
//
// This file implements the cancellation coordinator. Cancellation is a
// local state change first: the subscription row is marked cancelled with
// its remaining paid time preserved, so entitlement runs out at the
// original expiry rather than immediately. Platform-side cleanup is
// best-effort and never blocks the local cancel: Google Play offers a
// server-initiated cancel whose failure is only logged, while Apple has no
// such API at all, so a still-auto-renewing Apple subscription surfaces as
// a warning directing the user to their subscription management page.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/storytime-app/storytime-backend/internal/domain"
	"github.com/storytime-app/storytime-backend/internal/events"
	"github.com/storytime-app/storytime-backend/internal/repo"
)

// CancelOutcome reports the result of a cancellation.
type CancelOutcome struct {
	Subscription *domain.Subscription
	// RequiresAction is set when auto-renew is still active on a platform
	// this service cannot cancel server-side; ManageURL then points the
	// user at the platform's management page.
	RequiresAction bool
	ManageURL      string
}

// CancelService marks subscriptions cancelled and coordinates best-effort
// platform-side renewal shutoff.
type CancelService struct {
	DB   *gorm.DB
	Subs SubscriptionRepo

	Google GooglePlatform
	Apple  ApplePlatform

	Bus   events.Bus
	Cache *PremiumCache

	// now is injectable for tests.
	now func() time.Time
}

// NewCancelService constructs a CancelService.
func NewCancelService(db *gorm.DB, subs SubscriptionRepo, google GooglePlatform, apple ApplePlatform, bus events.Bus, cache *PremiumCache) *CancelService {
	return &CancelService{
		DB:     db,
		Subs:   subs,
		Google: google,
		Apple:  apple,
		Bus:    bus,
		Cache:  cache,
		now:    time.Now,
	}
}

// Cancel marks the user's paid subscription cancelled, preserving any
// remaining entitlement window. Repeating a cancel is a no-op returning
// the current state. Users on the free plan (or with no subscription at
// all) get ErrNoSubscription.
func (s *CancelService) Cancel(ctx context.Context, userID string) (*CancelOutcome, error) {
	tr := otel.Tracer("services/CancelService")
	ctx, span := tr.Start(ctx, "Cancel",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	sub, err := s.Subs.GetSubscription(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubscriptionFree {
		return nil, ErrNoSubscription
	}

	now := s.now().UTC()
	if sub.Status != domain.SubscriptionCancelled {
		// Remaining paid time survives the cancel; an already-elapsed (or
		// absent) expiry snaps to now so entitlement ends immediately.
		endsAt := now
		if sub.EndsAt != nil && sub.EndsAt.After(now) {
			endsAt = *sub.EndsAt
		}
		if err := s.Subs.UpdateSubscriptionStatus(ctx, s.DB, userID, domain.SubscriptionCancelled, &endsAt); err != nil {
			return nil, err
		}
		sub.Status = domain.SubscriptionCancelled
		sub.EndsAt = &endsAt

		if s.Cache != nil {
			s.Cache.Invalidate(userID)
		}
		s.publish(ctx, events.Event{
			Type:   events.SubscriptionCancelled,
			UserID: userID,
			Plan:   sub.Plan,
		})
	}

	out := &CancelOutcome{Subscription: sub}
	s.platformCancel(ctx, sub, out)
	return out, nil
}

// platformCancel attempts to stop future renewals at the platform.
// Failures are logged, never returned: the local cancellation already
// holds.
func (s *CancelService) platformCancel(ctx context.Context, sub *domain.Subscription, out *CancelOutcome) {
	if sub.Platform == nil {
		return
	}
	switch *sub.Platform {
	case domain.PlatformGoogle:
		if s.Google == nil {
			return
		}
		if err := s.Google.Cancel(ctx, sub.ProductID, sub.PurchaseToken, sub.PackageName); err != nil {
			log.Warn().Err(err).Str("user_id", sub.UserID).Msg("google play cancel failed; renewal may recur")
		}
	case domain.PlatformApple:
		if s.Apple == nil {
			return
		}
		renewing, err := s.Apple.AutoRenewActive(ctx, sub.PurchaseToken)
		if err != nil {
			log.Warn().Err(err).Str("user_id", sub.UserID).Msg("apple auto-renew status check failed")
			return
		}
		if renewing {
			out.RequiresAction = true
			out.ManageURL = s.Apple.ManageURL()
		}
	}
}

func (s *CancelService) publish(ctx context.Context, ev events.Event) {
	if s.Bus != nil {
		s.Bus.Publish(ctx, ev)
	}
}
