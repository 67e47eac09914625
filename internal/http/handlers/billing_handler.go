// Billing HTTP handlers.
//
// This file exposes REST endpoints for purchase verification and
// subscription management:
//   - POST   /billing/purchases/verify   (verify a platform receipt)
//   - POST   /billing/subscription/free  (enroll on the free plan)
//   - GET    /billing/subscription       (current subscription)
//   - DELETE /billing/subscription       (cancel)
//   - GET    /billing/premium            (entitlement check)
//   - GET    /billing/plans              (plan catalog)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses. The error taxonomy
// distinguishes a rejected receipt (422) from a receipt owned by another
// account (409) and from platform outage (502), so clients can branch
// without parsing messages.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storytime-app/storytime-backend/internal/catalog"
	"github.com/storytime-app/storytime-backend/internal/domain"
	"github.com/storytime-app/storytime-backend/internal/services"
	"github.com/storytime-app/storytime-backend/internal/verify"
)

//
// Service contracts (context-aware)
//

// BillingService defines the billing operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type BillingService interface {
	// VerifyPurchase validates a receipt with its platform and reconciles
	// the ledger and subscription.
	VerifyPurchase(ctx context.Context, userID string, in services.VerifyInput) (*services.VerifyOutcome, error)
	// SubscribeFree enrolls the user on the free plan.
	SubscribeFree(ctx context.Context, userID string) (*domain.Subscription, error)
	// GetSubscription returns the user's current subscription.
	GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	// IsPremium reports the user's current entitlement.
	IsPremium(ctx context.Context, userID string) bool
}

// CancelService defines the cancellation operation consumed by handlers.
type CancelService interface {
	// Cancel marks the user's paid subscription cancelled.
	Cancel(ctx context.Context, userID string) (*services.CancelOutcome, error)
}

//
// Handler wiring
//

// Handlers groups the billing HTTP endpoints. It depends on abstract
// service interfaces to keep transport concerns separate from business
// logic.
type Handlers struct {
	billingSvc BillingService
	cancelSvc  CancelService
}

// New constructs a Handlers instance bound to the given services.
func New(billingSvc BillingService, cancelSvc CancelService) *Handlers {
	return &Handlers{billingSvc: billingSvc, cancelSvc: cancelSvc}
}

// userID extracts the authenticated user id from Gin context (set by
// upstream middleware). If absent, it falls back to "X-User-ID" header
// (tests use it), and finally to "demo-user". It never touches c.Request
// if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// VerifyPurchaseRequest is the JSON payload for verifying a receipt.
type VerifyPurchaseRequest struct {
	// Platform the purchase was made on: "google" or "apple".
	Platform string `json:"platform" binding:"required" example:"google"`
	// ProductID is the store product identifier.
	ProductID string `json:"product_id" binding:"required" example:"com.storytime.monthly"`
	// PurchaseToken is the Play purchase token or App Store transaction id.
	PurchaseToken string `json:"purchase_token" binding:"required"`
	// PackageName optionally overrides the configured Android package.
	PackageName string `json:"package_name,omitempty" example:"com.storytime.app"`
}

// VerifyPurchaseResponse reports the reconciled outcome of a receipt.
type VerifyPurchaseResponse struct {
	// Success is true whenever the receipt is bound to this user, whether
	// it was just processed or had been before.
	Success bool `json:"success" example:"true"`
	// AlreadyProcessed marks a resubmission of an already-recorded receipt.
	AlreadyProcessed bool `json:"already_processed" example:"false"`
	// Change classifies a plan transition (renewal/upgrade/downgrade) when
	// the user already had a paid plan.
	Change       string                     `json:"change,omitempty" example:"upgrade"`
	Transaction  *domain.PaymentTransaction `json:"transaction,omitempty"`
	Subscription *domain.Subscription       `json:"subscription,omitempty"`
}

// PremiumResponse answers the entitlement check.
type PremiumResponse struct {
	Premium bool `json:"premium"`
}

// PlansResponse lists the purchasable plans.
type PlansResponse struct {
	Plans []catalog.Plan `json:"plans"`
}

// CancelResponse reports a cancellation and any follow-up the user must
// perform at the platform.
type CancelResponse struct {
	// Status is the subscription status after the local cancel (always
	// "cancelled" on success).
	Status domain.SubscriptionStatus `json:"status" example:"cancelled"`
	// EndsAt is when the remaining paid entitlement runs out.
	EndsAt *time.Time `json:"ends_at,omitempty"`
	// PlatformWarning is set when auto-renew is still active on a platform
	// this service cannot cancel server-side; ManageURL then points at the
	// platform's subscription-management page.
	PlatformWarning string `json:"platform_warning,omitempty"`
	ManageURL       string `json:"manage_url,omitempty"`
}

//
// Handlers
//

// VerifyPurchase godoc
// @ID          verifyPurchase
// @Summary     Verify a platform purchase
// @Description Validates a Google Play or App Store receipt, records the payment exactly once, and activates the purchased subscription.
// @Tags        Billing
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.VerifyPurchaseRequest  true  "Receipt payload"
//
// @Success     200  {object}  handlers.VerifyPurchaseResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / unknown product"
// @Failure     409  {object}  handlers.ErrorResponse  "Receipt owned by another account"
// @Failure     422  {object}  handlers.ErrorResponse  "Receipt rejected by the platform"
// @Failure     502  {object}  handlers.ErrorResponse  "Platform unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /billing/purchases/verify [post]
func (h *Handlers) VerifyPurchase(c *gin.Context) {
	var req VerifyPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	out, err := h.billingSvc.VerifyPurchase(c.Request.Context(), userID(c), services.VerifyInput{
		Platform:      domain.Platform(strings.ToLower(strings.TrimSpace(req.Platform))),
		ProductID:     strings.TrimSpace(req.ProductID),
		PurchaseToken: strings.TrimSpace(req.PurchaseToken),
		PackageName:   strings.TrimSpace(req.PackageName),
	})
	if err != nil {
		failVerify(c, err)
		return
	}

	ok(c, http.StatusOK, VerifyPurchaseResponse{
		Success:          true,
		AlreadyProcessed: out.AlreadyProcessed,
		Change:           out.Change,
		Transaction:      out.Payment,
		Subscription:     out.Subscription,
	})
}

// failVerify maps verification pipeline errors onto the billing error
// taxonomy.
func failVerify(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnknownProduct):
		fail(c, http.StatusBadRequest, ErrCodeUnknownProduct, err.Error())
	case errors.Is(err, verify.ErrValidation):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrReceiptConflict):
		fail(c, http.StatusConflict, ErrCodeReceiptConflict, err.Error())
	case errors.Is(err, verify.ErrProductMismatch), errors.Is(err, verify.ErrVerificationFailed):
		fail(c, http.StatusUnprocessableEntity, ErrCodeVerificationFailed, err.Error())
	case errors.Is(err, verify.ErrPlatformUnavailable):
		fail(c, http.StatusBadGateway, ErrCodePlatformUnavailable, "purchase platform is unavailable, try again later")
	case errors.Is(err, verify.ErrConfiguration):
		fail(c, http.StatusServiceUnavailable, ErrCodePlatformUnavailable, "verification is not configured for this platform")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// SubscribeFree godoc
// @ID          subscribeFree
// @Summary     Enroll on the free plan
// @Description Creates or resets the user's subscription to the free plan. Refused while a paid subscription still grants entitlement.
// @Tags        Billing
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  domain.Subscription
// @Failure     409  {object}  handlers.ErrorResponse  "Active paid subscription exists"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /billing/subscription/free [post]
func (h *Handlers) SubscribeFree(c *gin.Context) {
	sub, err := h.billingSvc.SubscribeFree(c.Request.Context(), userID(c))
	if err != nil {
		if errors.Is(err, services.ErrAlreadySubscribed) {
			fail(c, http.StatusConflict, ErrCodeAlreadySubscribed, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, sub)
}

// GetSubscription godoc
// @ID          getSubscription
// @Summary     Current subscription
// @Description Returns the user's subscription row, including plan, status, and entitlement window.
// @Tags        Billing
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  domain.Subscription
// @Failure     404  {object}  handlers.ErrorResponse  "No subscription"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /billing/subscription [get]
func (h *Handlers) GetSubscription(c *gin.Context) {
	sub, err := h.billingSvc.GetSubscription(c.Request.Context(), userID(c))
	if err != nil {
		if errors.Is(err, services.ErrNoSubscription) {
			fail(c, http.StatusNotFound, ErrCodeNoSubscription, "no subscription for this user")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, sub)
}

// CancelSubscription godoc
// @ID          cancelSubscription
// @Summary     Cancel the subscription
// @Description Marks the paid subscription cancelled, preserving remaining paid time. May report a follow-up action when the platform cannot be cancelled server-side.
// @Tags        Billing
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  handlers.CancelResponse
// @Failure     404  {object}  handlers.ErrorResponse  "No paid subscription"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /billing/subscription [delete]
func (h *Handlers) CancelSubscription(c *gin.Context) {
	out, err := h.cancelSvc.Cancel(c.Request.Context(), userID(c))
	if err != nil {
		if errors.Is(err, services.ErrNoSubscription) {
			fail(c, http.StatusNotFound, ErrCodeNoSubscription, "no paid subscription to cancel")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	resp := CancelResponse{
		Status:    out.Subscription.Status,
		EndsAt:    out.Subscription.EndsAt,
		ManageURL: out.ManageURL,
	}
	if out.RequiresAction {
		resp.PlatformWarning = "auto-renew is still active; turn it off from your subscription management page"
	}
	ok(c, http.StatusOK, resp)
}

// GetPremium godoc
// @ID          getPremium
// @Summary     Premium entitlement check
// @Description Reports whether the user currently holds a premium entitlement. Served from a short-lived cache.
// @Tags        Billing
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  handlers.PremiumResponse
// @Router      /billing/premium [get]
func (h *Handlers) GetPremium(c *gin.Context) {
	ok(c, http.StatusOK, PremiumResponse{
		Premium: h.billingSvc.IsPremium(c.Request.Context(), userID(c)),
	})
}

// ListPlans godoc
// @ID          listPlans
// @Summary     Plan catalog
// @Description Lists the purchasable plans with list prices and entitlement windows.
// @Tags        Billing
// @Produce     json
//
// @Success     200  {object}  handlers.PlansResponse
// @Router      /billing/plans [get]
func (h *Handlers) ListPlans(c *gin.Context) {
	ok(c, http.StatusOK, PlansResponse{Plans: catalog.All()})
}
