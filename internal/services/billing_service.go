// Package services – BillingService
//
// This file implements the BillingService, which owns the purchase
// verification and reconciliation pipeline: validate the submitted
// receipt, confirm it with the originating platform, record the payment
// exactly once in the ledger, and bring the user's subscription row in
// line with what was purchased.
//
// Exactly-once semantics rest on two layers. A fast-path lookup by the
// receipt reference answers the common resubmission without touching the
// platform; the unique index on the ledger's reference column is the
// authoritative serialization point when two requests race past the fast
// path. A duplicate-key insert is therefore not an error but the signal
// that the other request won, and the existing row is returned.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/storytime-app/storytime-backend/internal/catalog"
	"github.com/storytime-app/storytime-backend/internal/domain"
	"github.com/storytime-app/storytime-backend/internal/events"
	"github.com/storytime-app/storytime-backend/internal/receipt"
	"github.com/storytime-app/storytime-backend/internal/repo"
	"github.com/storytime-app/storytime-backend/internal/verify"
)

// verificationsTotal counts platform verification attempts by outcome.
var verificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "purchase_verifications_total",
		Help: "Total platform purchase verifications by platform and outcome.",
	},
	[]string{"platform", "outcome"},
)

func init() {
	prometheus.MustRegister(verificationsTotal)
}

// PaymentRepo defines the ledger persistence contract required by
// BillingService.
type PaymentRepo interface {
	// CreatePayment inserts a ledger row; repo.ErrDuplicate on a reference
	// collision.
	CreatePayment(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency string, status domain.PaymentStatus, reference string, methodID *string) (*domain.PaymentTransaction, error)

	// GetPaymentByReference fetches the row recorded for a reference,
	// regardless of owner.
	GetPaymentByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.PaymentTransaction, error)
}

// SubscriptionRepo defines the subscription persistence contract required
// by BillingService and CancelService.
type SubscriptionRepo interface {
	// GetSubscription fetches the user's subscription row.
	GetSubscription(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error)

	// UpsertSubscription creates or replaces the user's subscription row.
	UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (*domain.Subscription, error)

	// UpdateSubscriptionStatus sets status (and optionally EndsAt).
	UpdateSubscriptionStatus(ctx context.Context, db *gorm.DB, userID string, status domain.SubscriptionStatus, endsAt *time.Time) error
}

// GooglePlatform is the Google Play verification contract.
type GooglePlatform interface {
	Verify(ctx context.Context, productID, purchaseToken, packageName string) (*verify.Result, error)
	Cancel(ctx context.Context, productID, purchaseToken, packageName string) error
}

// ApplePlatform is the App Store verification contract.
type ApplePlatform interface {
	Verify(ctx context.Context, productID, transactionID string) (*verify.Result, error)
	AutoRenewActive(ctx context.Context, transactionID string) (bool, error)
	ManageURL() string
}

// Subscription change classifications reported in events and responses.
const (
	ChangeRenewal   = "renewal"
	ChangeUpgrade   = "upgrade"
	ChangeDowngrade = "downgrade"
)

// VerifyInput carries a receipt submission.
type VerifyInput struct {
	Platform      domain.Platform
	ProductID     string
	PurchaseToken string
	// PackageName overrides the configured Google Play package; ignored
	// for Apple.
	PackageName string
}

// VerifyOutcome is the result of a processed (or replayed) receipt.
type VerifyOutcome struct {
	Payment          *domain.PaymentTransaction
	Subscription     *domain.Subscription
	AlreadyProcessed bool
	// Change classifies a plan transition for users who already had a
	// paid subscription; empty for first-time purchases and replays.
	Change string
}

// BillingService coordinates verification, the payment ledger, and the
// subscription state machine.
type BillingService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Payments is the ledger repository.
	Payments PaymentRepo
	// Subs is the subscription repository.
	Subs SubscriptionRepo

	// Google and Apple are the platform verifiers.
	Google GooglePlatform
	Apple  ApplePlatform

	// Bus receives lifecycle events after commits.
	Bus events.Bus
	// Cache is invalidated on every entitlement-changing write.
	Cache *PremiumCache

	// now is injectable for tests.
	now func() time.Time
}

// NewBillingService constructs a BillingService.
func NewBillingService(db *gorm.DB, payments PaymentRepo, subs SubscriptionRepo, google GooglePlatform, apple ApplePlatform, bus events.Bus, cache *PremiumCache) *BillingService {
	return &BillingService{
		DB:       db,
		Payments: payments,
		Subs:     subs,
		Google:   google,
		Apple:    apple,
		Bus:      bus,
		Cache:    cache,
		now:      time.Now,
	}
}

// VerifyPurchase validates and reconciles a submitted receipt for userID.
//
// Pipeline:
//  1. Reject unknown platforms and products before any platform call.
//  2. Fast path: if the receipt reference is already in the ledger, return
//     the recorded outcome (or ErrReceiptConflict for a different owner).
//  3. Confirm the purchase with the platform.
//  4. In one transaction, insert the ledger row and upsert the
//     subscription; a duplicate-key insert means a concurrent request won
//     and is resolved by re-reading.
//
// Failed verifications are not written to the ledger: a pending payment
// may legitimately complete later, and a failed row would shadow that
// retry behind the unique reference index. Failures surface as
// PAYMENT_FAILED events instead.
func (s *BillingService) VerifyPurchase(ctx context.Context, userID string, in VerifyInput) (*VerifyOutcome, error) {
	tr := otel.Tracer("services/BillingService")
	ctx, span := tr.Start(ctx, "VerifyPurchase",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("billing.platform", string(in.Platform)),
			attribute.String("billing.product_id", in.ProductID),
		),
	)
	defer span.End()

	if !in.Platform.Valid() {
		return nil, fmt.Errorf("%w: unknown platform %q", verify.ErrValidation, in.Platform)
	}
	if in.ProductID == "" || in.PurchaseToken == "" {
		return nil, fmt.Errorf("%w: product id and purchase token are required", verify.ErrValidation)
	}
	plan, err := catalog.PlanByProductID(in.ProductID)
	if err != nil {
		return nil, err
	}
	ref := receipt.Reference(in.PurchaseToken)

	if out, err := s.replayOutcome(ctx, userID, ref); out != nil || err != nil {
		return out, err
	}

	res, err := s.platformVerify(ctx, in)
	if err != nil {
		verificationsTotal.WithLabelValues(string(in.Platform), "failed").Inc()
		s.publish(ctx, events.Event{
			Type:      events.PaymentFailed,
			UserID:    userID,
			Plan:      plan.Key,
			Reference: ref,
		})
		return nil, err
	}
	verificationsTotal.WithLabelValues(string(in.Platform), "verified").Inc()

	amount := res.Amount
	if amount.IsZero() {
		amount = plan.Amount
	}
	currency := res.Currency
	if currency == "" {
		currency = plan.Currency
	}

	var (
		payment *domain.PaymentTransaction
		sub     *domain.Subscription
		change  string
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		payment, txErr = s.Payments.CreatePayment(ctx, tx, userID, amount, currency, domain.PaymentSuccess, ref, nil)
		if txErr != nil {
			return txErr
		}

		change = s.classifyChange(ctx, tx, userID, plan)

		platform := in.Platform
		endsAt := res.ExpirationTime
		if endsAt == nil && plan.Days > 0 {
			t := s.now().UTC().Add(plan.Duration())
			endsAt = &t
		}
		sub, txErr = s.Subs.UpsertSubscription(ctx, tx, &domain.Subscription{
			UserID:        userID,
			Plan:          plan.Key,
			Status:        domain.SubscriptionActive,
			EndsAt:        endsAt,
			Platform:      &platform,
			ProductID:     in.ProductID,
			PackageName:   in.PackageName,
			PurchaseToken: in.PurchaseToken,
		})
		return txErr
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost the race: the concurrent submission committed first.
		return s.replayOutcome(ctx, userID, ref)
	}
	if err != nil {
		return nil, err
	}

	if s.Cache != nil {
		s.Cache.Invalidate(userID)
	}
	s.publish(ctx, events.Event{
		Type:      events.PaymentCompleted,
		UserID:    userID,
		Plan:      plan.Key,
		Amount:    amount,
		Currency:  currency,
		Reference: ref,
	})
	evType := events.SubscriptionCreated
	if change != "" {
		evType = events.SubscriptionChanged
	}
	s.publish(ctx, events.Event{
		Type:      evType,
		UserID:    userID,
		Plan:      plan.Key,
		Reference: ref,
		Change:    change,
	})

	return &VerifyOutcome{Payment: payment, Subscription: sub, Change: change}, nil
}

// replayOutcome resolves a reference already present in the ledger. It
// returns (nil, nil) when the reference is unknown, the recorded outcome
// for the owning user, and ErrReceiptConflict for anyone else.
func (s *BillingService) replayOutcome(ctx context.Context, userID, ref string) (*VerifyOutcome, error) {
	existing, err := s.Payments.GetPaymentByReference(ctx, s.DB, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		log.Warn().
			Str("user_id", userID).
			Str("reference", ref).
			Msg("receipt already redeemed by another account")
		return nil, ErrReceiptConflict
	}
	sub, err := s.Subs.GetSubscription(ctx, s.DB, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return &VerifyOutcome{Payment: existing, Subscription: sub, AlreadyProcessed: true}, nil
}

// platformVerify dispatches to the verifier for the submitted platform.
func (s *BillingService) platformVerify(ctx context.Context, in VerifyInput) (*verify.Result, error) {
	switch in.Platform {
	case domain.PlatformGoogle:
		return s.Google.Verify(ctx, in.ProductID, in.PurchaseToken, in.PackageName)
	case domain.PlatformApple:
		return s.Apple.Verify(ctx, in.ProductID, in.PurchaseToken)
	default:
		return nil, fmt.Errorf("%w: unknown platform %q", verify.ErrValidation, in.Platform)
	}
}

// classifyChange compares the user's previous paid plan against the new
// one. Same plan key is a renewal; otherwise price decides the direction.
// First-time purchases and free-plan holders report no change.
func (s *BillingService) classifyChange(ctx context.Context, tx *gorm.DB, userID string, newPlan catalog.Plan) string {
	prev, err := s.Subs.GetSubscription(ctx, tx, userID)
	if err != nil || prev.Status == domain.SubscriptionFree {
		return ""
	}
	if prev.Plan == newPlan.Key {
		return ChangeRenewal
	}
	oldPlan, err := catalog.Get(prev.Plan)
	if err != nil {
		return ChangeUpgrade
	}
	if newPlan.Amount.GreaterThanOrEqual(oldPlan.Amount) {
		return ChangeUpgrade
	}
	return ChangeDowngrade
}

// SubscribeFree enrolls userID on the free plan. It refuses while a paid
// subscription still grants entitlement; re-enrolling while already free
// is a no-op that returns the current row.
func (s *BillingService) SubscribeFree(ctx context.Context, userID string) (*domain.Subscription, error) {
	existing, err := s.Subs.GetSubscription(ctx, s.DB, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Status == domain.SubscriptionFree {
			return existing, nil
		}
		if domain.IsEntitled(existing, s.now()) {
			return nil, ErrAlreadySubscribed
		}
	}

	sub, err := s.Subs.UpsertSubscription(ctx, s.DB, &domain.Subscription{
		UserID: userID,
		Plan:   catalog.PlanFree,
		Status: domain.SubscriptionFree,
	})
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(userID)
	}
	s.publish(ctx, events.Event{
		Type:   events.SubscriptionCreated,
		UserID: userID,
		Plan:   catalog.PlanFree,
	})
	return sub, nil
}

// GetSubscription returns the user's subscription row or ErrNoSubscription.
func (s *BillingService) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.Subs.GetSubscription(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// IsPremium reports whether userID currently holds a premium entitlement.
// Answers are cached for the configured TTL; on a database failure the
// check fails closed (not premium) and nothing is cached.
func (s *BillingService) IsPremium(ctx context.Context, userID string) bool {
	if s.Cache != nil {
		if premium, ok := s.Cache.Get(userID); ok {
			return premium
		}
	}
	sub, err := s.Subs.GetSubscription(ctx, s.DB, userID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Warn().Err(err).Str("user_id", userID).Msg("premium check failed, denying")
			return false
		}
		sub = nil
	}
	premium := domain.IsEntitled(sub, s.now())
	if s.Cache != nil {
		s.Cache.Set(userID, premium)
	}
	return premium
}

// publish sends an event when a bus is configured.
func (s *BillingService) publish(ctx context.Context, ev events.Event) {
	if s.Bus != nil {
		s.Bus.Publish(ctx, ev)
	}
}
