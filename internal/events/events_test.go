package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLogBus_PublishPaymentCompleted(t *testing.T) {
	buf := captureLog(t)

	LogBus{}.Publish(context.Background(), Event{
		Type:      PaymentCompleted,
		UserID:    "u1",
		Plan:      "monthly",
		Amount:    decimal.NewFromFloat(5.99),
		Currency:  "USD",
		Reference: "abcdef0123456789abcdef0123456789",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if rec["event"] != string(PaymentCompleted) || rec["user_id"] != "u1" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["amount"] != "5.99" || rec["currency"] != "USD" {
		t.Fatalf("amount fields missing: %v", rec)
	}
	if rec["occurred_at"] == nil {
		t.Fatalf("occurred_at not defaulted: %v", rec)
	}
}

func TestLogBus_OmitsZeroAmountAndEmptyChange(t *testing.T) {
	buf := captureLog(t)

	LogBus{}.Publish(context.Background(), Event{
		Type:   SubscriptionCreated,
		UserID: "u1",
		Plan:   "free",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := rec["amount"]; ok {
		t.Fatalf("zero amount should be omitted: %v", rec)
	}
	if _, ok := rec["change"]; ok {
		t.Fatalf("empty change should be omitted: %v", rec)
	}
}

func TestLogBus_ChangeLabel(t *testing.T) {
	buf := captureLog(t)

	LogBus{}.Publish(context.Background(), Event{
		Type:   SubscriptionChanged,
		UserID: "u1",
		Plan:   "yearly",
		Change: "upgrade",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["change"] != "upgrade" {
		t.Fatalf("change label missing: %v", rec)
	}
}
