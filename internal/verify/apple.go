// Apple App Store purchase verification.
//
// Talks to the App Store Server API: a control-plane JWT (ES256, signed
// with the App Store Connect API key) authorizes a transaction lookup, and
// the response's signedTransactionInfo JWS carries the actual transaction
// payload. The JWS payload is decoded without re-verifying Apple's
// signature: the transport is TLS directly to Apple, so the payload is
// trusted at this boundary. This is a deliberate trust decision, not an
// oversight.
package verify

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// App Store Server API hosts, selected by the configured environment.
const (
	appleProductionHost = "https://api.storekit.itunes.apple.com"
	appleSandboxHost    = "https://api.storekit-sandbox.itunes.apple.com"
)

// appleManageURL is where users manage (and cancel) their own
// auto-renewing subscriptions; Apple offers no server-initiated cancel.
const appleManageURL = "https://apps.apple.com/account/subscriptions"

// Apple transaction types for which an expiresDate applies.
const (
	appleTypeAutoRenewable = "Auto-Renewable Subscription"
	appleTypeNonRenewing   = "Non-Renewing Subscription"
)

// AppleConfig carries the App Store Connect API credentials. All fields
// are required for verification; Environment selects the sandbox host when
// set to "sandbox".
type AppleConfig struct {
	KeyID       string
	IssuerID    string
	BundleID    string
	PrivateKey  string // PEM-encoded PKCS#8 EC private key (.p8 download)
	Environment string
}

// AppleVerifier verifies transaction ids against the App Store Server API.
type AppleVerifier struct {
	cfg        AppleConfig
	httpClient *http.Client

	// BaseURL overrides the environment-selected host; tests point it at
	// an httptest server.
	BaseURL string

	key    *ecdsa.PrivateKey
	keyErr error

	now func() time.Time
}

// NewAppleVerifier builds a verifier from credentials. An unparsable or
// missing private key is not fatal here; it surfaces as ErrConfiguration
// on first use so that a deployment without Apple support can still boot.
func NewAppleVerifier(cfg AppleConfig) *AppleVerifier {
	v := &AppleVerifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: platformTimeout},
		now:        time.Now,
	}
	if cfg.PrivateKey != "" {
		v.key, v.keyErr = jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	}
	return v
}

// host returns the API host for the configured environment.
func (v *AppleVerifier) host() string {
	if v.BaseURL != "" {
		return v.BaseURL
	}
	if strings.EqualFold(v.cfg.Environment, "sandbox") {
		return appleSandboxHost
	}
	return appleProductionHost
}

// checkConfig validates that all credentials are present and the key
// parsed. Missing configuration is an operator fault (500-class), distinct
// from any caller error.
func (v *AppleVerifier) checkConfig() error {
	var missing []string
	if v.cfg.KeyID == "" {
		missing = append(missing, "key id")
	}
	if v.cfg.IssuerID == "" {
		missing = append(missing, "issuer id")
	}
	if v.cfg.BundleID == "" {
		missing = append(missing, "bundle id")
	}
	if v.cfg.PrivateKey == "" {
		missing = append(missing, "private key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: apple credentials missing: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if v.keyErr != nil {
		return fmt.Errorf("%w: apple private key unparsable: %v", ErrConfiguration, v.keyErr)
	}
	return nil
}

// controlToken signs the short-lived JWT the App Store Server API expects.
// golang-jwt's ES256 signer emits the raw 64-byte (P1363) signature JWS
// requires, so no DER re-encoding is involved.
func (v *AppleVerifier) controlToken() (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"iss": v.cfg.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": v.cfg.BundleID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = v.cfg.KeyID
	return token.SignedString(v.key)
}

// appleTransaction is the decoded signedTransactionInfo payload. Dates are
// millisecond epochs; Price is in milliunits of Currency.
type appleTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	Environment           string `json:"environment"`
	InAppOwnershipType    string `json:"inAppOwnershipType"`
}

// appleRenewalInfo is the decoded signedRenewalInfo payload (subset).
type appleRenewalInfo struct {
	AutoRenewStatus  int64  `json:"autoRenewStatus"`
	AutoRenewProduct string `json:"autoRenewProductId"`
}

// appleErrorBody is the JSON error envelope the API returns on non-2xx.
type appleErrorBody struct {
	ErrorCode    int64  `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Verify fetches transactionID from the App Store Server API, decodes the
// signed transaction, and normalizes it. productID must match the decoded
// payload exactly; a mismatch is rejected to block cross-product replay.
func (v *AppleVerifier) Verify(ctx context.Context, productID, transactionID string) (*Result, error) {
	if err := v.checkConfig(); err != nil {
		return nil, err
	}
	if productID == "" || transactionID == "" {
		return nil, fmt.Errorf("%w: product id and transaction id are required", ErrValidation)
	}

	body, status, err := v.get(ctx, "/inApps/v1/transactions/"+transactionID)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: transaction not found", ErrVerificationFailed)
	case status != http.StatusOK:
		return nil, appleStatusErr(status, body)
	}

	var envelope struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.SignedTransactionInfo == "" {
		return nil, fmt.Errorf("%w: malformed transaction response", ErrPlatformUnavailable)
	}

	var tx appleTransaction
	if err := decodeJWSPayload(envelope.SignedTransactionInfo, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}

	if tx.RevocationDate > 0 {
		return nil, fmt.Errorf("%w: transaction revoked", ErrVerificationFailed)
	}
	if tx.ProductID != productID {
		return nil, fmt.Errorf("%w: transaction is for %q, not %q", ErrProductMismatch, tx.ProductID, productID)
	}

	isSub := tx.Type == appleTypeAutoRenewable || tx.Type == appleTypeNonRenewing
	var expiry *time.Time
	if isSub && tx.ExpiresDate > 0 {
		t := time.UnixMilli(tx.ExpiresDate).UTC()
		if !v.now().Before(t) {
			return nil, fmt.Errorf("%w: subscription expired at %s", ErrVerificationFailed, t.Format(time.RFC3339))
		}
		expiry = &t
	}

	res := &Result{
		PlatformTxID:   tx.TransactionID,
		Amount:         decimal.NewFromInt(tx.Price).Div(decimal.NewFromInt(1000)),
		Currency:       normalizeCurrency(tx.Currency),
		PurchaseTime:   time.UnixMilli(tx.PurchaseDate).UTC(),
		ExpirationTime: expiry,
		IsSubscription: isSub,
		Metadata: map[string]string{
			"type":                  tx.Type,
			"environment":           tx.Environment,
			"originalTransactionId": tx.OriginalTransactionID,
			"inAppOwnershipType":    tx.InAppOwnershipType,
		},
	}
	return res, nil
}

// AutoRenewActive reports whether the subscription behind transactionID
// still has auto-renew enabled. Used by the cancellation coordinator:
// Apple has no server-initiated cancel, so a still-renewing subscription
// means the user must cancel it themselves via ManageURL.
func (v *AppleVerifier) AutoRenewActive(ctx context.Context, transactionID string) (bool, error) {
	if err := v.checkConfig(); err != nil {
		return false, err
	}
	body, status, err := v.get(ctx, "/inApps/v1/subscriptions/"+transactionID)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, appleStatusErr(status, body)
	}

	var envelope struct {
		Data []struct {
			LastTransactions []struct {
				SignedRenewalInfo string `json:"signedRenewalInfo"`
			} `json:"lastTransactions"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false, fmt.Errorf("%w: malformed subscription status response", ErrPlatformUnavailable)
	}
	for _, group := range envelope.Data {
		for _, last := range group.LastTransactions {
			if last.SignedRenewalInfo == "" {
				continue
			}
			var ri appleRenewalInfo
			if err := decodeJWSPayload(last.SignedRenewalInfo, &ri); err != nil {
				continue
			}
			if ri.AutoRenewStatus == 1 {
				return true, nil
			}
		}
	}
	return false, nil
}

// ManageURL returns the user-facing subscription management page.
func (v *AppleVerifier) ManageURL() string { return appleManageURL }

// get performs an authorized GET against the App Store Server API and
// returns the body and status. Transport-level failures wrap
// ErrPlatformUnavailable.
func (v *AppleVerifier) get(ctx context.Context, path string) ([]byte, int, error) {
	token, err := v.controlToken()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: signing control token: %v", ErrConfiguration, err)
	}

	ctx, cancel := context.WithTimeout(ctx, platformTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.host()+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("app store server api call failed")
		return nil, 0, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrPlatformUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

// appleStatusErr converts a non-2xx App Store response into a bounded
// error carrying Apple's message when it parses.
func appleStatusErr(status int, body []byte) error {
	var apiErr appleErrorBody
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.ErrorMessage != "" {
		return fmt.Errorf("%w: apple error %d: %s", ErrPlatformUnavailable, apiErr.ErrorCode, apiErr.ErrorMessage)
	}
	return fmt.Errorf("%w: apple returned status %d", ErrPlatformUnavailable, status)
}

// decodeJWSPayload base64url-decodes the middle segment of a compact JWS
// and unmarshals it into out. The signature is intentionally not verified;
// see the package comment for the trust rationale.
func decodeJWSPayload(jws string, out any) error {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return fmt.Errorf("jws: expected 3 segments, got %d", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("jws: decoding payload: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("jws: unmarshaling payload: %w", err)
	}
	return nil
}
