package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storytime-app/storytime-backend/internal/domain"
	"github.com/storytime-app/storytime-backend/internal/services"
	"github.com/storytime-app/storytime-backend/internal/verify"
)

//
// Fakes
//

type fakeBilling struct {
	verifyOut  *services.VerifyOutcome
	verifyErr  error
	verifyUser string
	verifyIn   services.VerifyInput

	freeSub *domain.Subscription
	freeErr error

	getSub *domain.Subscription
	getErr error

	premium bool
}

func (f *fakeBilling) VerifyPurchase(ctx context.Context, userID string, in services.VerifyInput) (*services.VerifyOutcome, error) {
	f.verifyUser = userID
	f.verifyIn = in
	return f.verifyOut, f.verifyErr
}

func (f *fakeBilling) SubscribeFree(ctx context.Context, userID string) (*domain.Subscription, error) {
	return f.freeSub, f.freeErr
}

func (f *fakeBilling) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	return f.getSub, f.getErr
}

func (f *fakeBilling) IsPremium(ctx context.Context, userID string) bool { return f.premium }

type fakeCancel struct {
	out *services.CancelOutcome
	err error
}

func (f *fakeCancel) Cancel(ctx context.Context, userID string) (*services.CancelOutcome, error) {
	return f.out, f.err
}

func newTestRouter(b *fakeBilling, cs *fakeCancel) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(b, cs)
	r.POST("/billing/purchases/verify", h.VerifyPurchase)
	r.POST("/billing/subscription/free", h.SubscribeFree)
	r.GET("/billing/subscription", h.GetSubscription)
	r.DELETE("/billing/subscription", h.CancelSubscription)
	r.GET("/billing/premium", h.GetPremium)
	r.GET("/billing/plans", h.ListPlans)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("invalid error body %q: %v", w.Body.String(), err)
	}
	return e
}

//
// VerifyPurchase
//

func TestVerifyPurchase_Success(t *testing.T) {
	sub := &domain.Subscription{UserID: "user123", Plan: "monthly", Status: domain.SubscriptionActive}
	b := &fakeBilling{verifyOut: &services.VerifyOutcome{
		Payment:      &domain.PaymentTransaction{Reference: "abc123"},
		Subscription: sub,
	}}
	r := newTestRouter(b, &fakeCancel{})

	w := doJSON(t, r, http.MethodPost, "/billing/purchases/verify",
		`{"platform":" Google ","product_id":"com.storytime.monthly","purchase_token":"tok-1"}`, "user123")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	// The wire body must use the documented names.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	for _, field := range []string{"success", "already_processed", "transaction", "subscription"} {
		if _, ok := raw[field]; !ok {
			t.Fatalf("response missing %q field: %s", field, w.Body.String())
		}
	}
	var resp VerifyPurchaseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !resp.Success || resp.AlreadyProcessed {
		t.Fatalf("got success=%v already_processed=%v; want true/false", resp.Success, resp.AlreadyProcessed)
	}
	if resp.Transaction == nil || resp.Transaction.Reference != "abc123" {
		t.Fatalf("transaction not surfaced: %+v", resp.Transaction)
	}
	if b.verifyUser != "user123" {
		t.Fatalf("user = %q", b.verifyUser)
	}
	// Platform is normalized before it reaches the service.
	if b.verifyIn.Platform != domain.PlatformGoogle {
		t.Fatalf("platform = %q; want google", b.verifyIn.Platform)
	}
}

func TestVerifyPurchase_AlreadyProcessed(t *testing.T) {
	b := &fakeBilling{verifyOut: &services.VerifyOutcome{
		AlreadyProcessed: true,
		Subscription:     &domain.Subscription{Plan: "monthly"},
	}}
	r := newTestRouter(b, &fakeCancel{})

	w := doJSON(t, r, http.MethodPost, "/billing/purchases/verify",
		`{"platform":"google","product_id":"com.storytime.monthly","purchase_token":"tok-1"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp VerifyPurchaseResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Success || !resp.AlreadyProcessed {
		t.Fatalf("got success=%v already_processed=%v; want true/true", resp.Success, resp.AlreadyProcessed)
	}
}

func TestVerifyPurchase_BadJSONAndMissingFields(t *testing.T) {
	r := newTestRouter(&fakeBilling{}, &fakeCancel{})

	for name, body := range map[string]string{
		"malformed":     `{not-json`,
		"missing token": `{"platform":"google","product_id":"p"}`,
	} {
		w := doJSON(t, r, http.MethodPost, "/billing/purchases/verify", body, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d; want 400", name, w.Code)
		}
		if e := decodeErr(t, w); e.Code != ErrCodeBadRequest {
			t.Fatalf("%s: code = %q", name, e.Code)
		}
	}
}

func TestVerifyPurchase_ErrorTaxonomy(t *testing.T) {
	cases := map[string]struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		"unknown product":    {services.ErrUnknownProduct, http.StatusBadRequest, ErrCodeUnknownProduct},
		"validation":         {verify.ErrValidation, http.StatusBadRequest, ErrCodeBadRequest},
		"receipt conflict":   {services.ErrReceiptConflict, http.StatusConflict, ErrCodeReceiptConflict},
		"product mismatch":   {verify.ErrProductMismatch, http.StatusUnprocessableEntity, ErrCodeVerificationFailed},
		"rejected receipt":   {verify.ErrVerificationFailed, http.StatusUnprocessableEntity, ErrCodeVerificationFailed},
		"platform down":      {verify.ErrPlatformUnavailable, http.StatusBadGateway, ErrCodePlatformUnavailable},
		"not configured":     {verify.ErrConfiguration, http.StatusServiceUnavailable, ErrCodePlatformUnavailable},
		"unexpected failure": {errors.New("db gone"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for name, tc := range cases {
		b := &fakeBilling{verifyErr: tc.err}
		r := newTestRouter(b, &fakeCancel{})
		w := doJSON(t, r, http.MethodPost, "/billing/purchases/verify",
			`{"platform":"google","product_id":"p","purchase_token":"tok"}`, "")
		if w.Code != tc.wantStatus {
			t.Fatalf("%s: status = %d; want %d", name, w.Code, tc.wantStatus)
		}
		if e := decodeErr(t, w); e.Code != tc.wantCode {
			t.Fatalf("%s: code = %q; want %q", name, e.Code, tc.wantCode)
		}
	}
}

func TestVerifyPurchase_PlatformErrorBodyIsGeneric(t *testing.T) {
	b := &fakeBilling{verifyErr: verify.ErrPlatformUnavailable}
	r := newTestRouter(b, &fakeCancel{})

	w := doJSON(t, r, http.MethodPost, "/billing/purchases/verify",
		`{"platform":"google","product_id":"p","purchase_token":"tok"}`, "")
	e := decodeErr(t, w)
	if strings.Contains(e.Message, "tok") {
		t.Fatalf("error message must not echo receipt material: %q", e.Message)
	}
}

//
// SubscribeFree
//

func TestSubscribeFree_StatusMapping(t *testing.T) {
	okSub := &domain.Subscription{UserID: "u", Plan: "free", Status: domain.SubscriptionActive}

	cases := map[string]struct {
		fake       *fakeBilling
		wantStatus int
	}{
		"created":            {&fakeBilling{freeSub: okSub}, http.StatusOK},
		"already subscribed": {&fakeBilling{freeErr: services.ErrAlreadySubscribed}, http.StatusConflict},
		"internal":           {&fakeBilling{freeErr: errors.New("boom")}, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		r := newTestRouter(tc.fake, &fakeCancel{})
		w := doJSON(t, r, http.MethodPost, "/billing/subscription/free", "", "u")
		if w.Code != tc.wantStatus {
			t.Fatalf("%s: status = %d; want %d", name, w.Code, tc.wantStatus)
		}
	}
}

//
// GetSubscription / CancelSubscription
//

func TestGetSubscription_FoundAndMissing(t *testing.T) {
	sub := &domain.Subscription{UserID: "u", Plan: "yearly", Status: domain.SubscriptionActive}

	r := newTestRouter(&fakeBilling{getSub: sub}, &fakeCancel{})
	w := doJSON(t, r, http.MethodGet, "/billing/subscription", "", "u")
	if w.Code != http.StatusOK {
		t.Fatalf("found: status = %d", w.Code)
	}
	var got domain.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if got.Plan != "yearly" {
		t.Fatalf("plan = %q", got.Plan)
	}

	r = newTestRouter(&fakeBilling{getErr: services.ErrNoSubscription}, &fakeCancel{})
	w = doJSON(t, r, http.MethodGet, "/billing/subscription", "", "u")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d; want 404", w.Code)
	}
	if e := decodeErr(t, w); e.Code != ErrCodeNoSubscription {
		t.Fatalf("missing: code = %q", e.Code)
	}
}

func TestCancelSubscription_OutcomeAndErrors(t *testing.T) {
	endsAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	out := &services.CancelOutcome{
		Subscription:   &domain.Subscription{Plan: "monthly", Status: domain.SubscriptionCancelled, EndsAt: &endsAt},
		RequiresAction: true,
		ManageURL:      "https://apps.apple.com/account/subscriptions",
	}
	r := newTestRouter(&fakeBilling{}, &fakeCancel{out: out})
	w := doJSON(t, r, http.MethodDelete, "/billing/subscription", "", "u")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// The wire body must use the documented names.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	for _, field := range []string{"status", "ends_at", "platform_warning", "manage_url"} {
		if _, ok := raw[field]; !ok {
			t.Fatalf("response missing %q field: %s", field, w.Body.String())
		}
	}
	var resp CancelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Status != domain.SubscriptionCancelled {
		t.Fatalf("status = %q; want cancelled", resp.Status)
	}
	if resp.EndsAt == nil || !resp.EndsAt.Equal(endsAt) {
		t.Fatalf("ends_at = %v; want %v", resp.EndsAt, endsAt)
	}
	if resp.PlatformWarning == "" || resp.ManageURL == "" {
		t.Fatalf("expected follow-up action surfaced, got %+v", resp)
	}

	r = newTestRouter(&fakeBilling{}, &fakeCancel{err: services.ErrNoSubscription})
	w = doJSON(t, r, http.MethodDelete, "/billing/subscription", "", "u")
	if w.Code != http.StatusNotFound {
		t.Fatalf("no sub: status = %d; want 404", w.Code)
	}
}

//
// Premium / plans / identity fallback
//

func TestGetPremium(t *testing.T) {
	r := newTestRouter(&fakeBilling{premium: true}, &fakeCancel{})
	w := doJSON(t, r, http.MethodGet, "/billing/premium", "", "u")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp PremiumResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Premium {
		t.Fatalf("premium = false; want true")
	}
}

func TestListPlans_ReturnsCatalog(t *testing.T) {
	r := newTestRouter(&fakeBilling{}, &fakeCancel{})
	w := doJSON(t, r, http.MethodGet, "/billing/plans", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp PlansResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(resp.Plans) == 0 {
		t.Fatalf("expected at least one plan")
	}
}

func TestUserID_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Context value wins.
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("X-User-ID", "header-user")
	c.Set("userID", "ctx-user")
	if got := userID(c); got != "ctx-user" {
		t.Fatalf("userID = %q; want ctx-user", got)
	}

	// Header next.
	c2, _ := gin.CreateTestContext(httptest.NewRecorder())
	c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c2.Request.Header.Set("X-User-ID", "  header-user  ")
	if got := userID(c2); got != "header-user" {
		t.Fatalf("userID = %q; want header-user", got)
	}

	// Demo fallback last.
	c3, _ := gin.CreateTestContext(httptest.NewRecorder())
	c3.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if got := userID(c3); got != "demo-user" {
		t.Fatalf("userID = %q; want demo-user", got)
	}
}
