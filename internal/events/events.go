// Package events publishes billing lifecycle events.
//
// Event emission is fire-and-forget: reconciliation must never fail or
// block because a downstream consumer is slow, so publishers are called
// after the database transaction has committed and their errors are only
// logged. The default implementation writes structured log records and
// bumps a Prometheus counter; swapping in a message-broker publisher is a
// matter of implementing Bus.
package events

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Type enumerates the billing lifecycle events.
type Type string

const (
	PaymentCompleted      Type = "PAYMENT_COMPLETED"
	PaymentFailed         Type = "PAYMENT_FAILED"
	SubscriptionCreated   Type = "SUBSCRIPTION_CREATED"
	SubscriptionChanged   Type = "SUBSCRIPTION_CHANGED"
	SubscriptionCancelled Type = "SUBSCRIPTION_CANCELLED"
)

// Event is a billing lifecycle notification. Reference identifies the
// receipt by its truncated hash; the raw purchase token never appears in
// an event.
type Event struct {
	Type       Type
	UserID     string
	Plan       string
	Amount     decimal.Decimal
	Currency   string
	Reference  string
	Change     string // renewal, upgrade, downgrade; empty otherwise
	OccurredAt time.Time
}

// Bus publishes billing events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Bus interface {
	Publish(ctx context.Context, ev Event)
}

// billingEvents counts published events by type.
var billingEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "billing_events_total",
		Help: "Total number of billing lifecycle events published.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(billingEvents)
}

// LogBus is the default Bus: it records each event as a structured log
// line and increments billing_events_total.
type LogBus struct{}

// Publish implements Bus.
func (LogBus) Publish(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	billingEvents.WithLabelValues(string(ev.Type)).Inc()

	evt := log.Info().
		Str("event", string(ev.Type)).
		Str("user_id", ev.UserID).
		Str("plan", ev.Plan).
		Str("reference", ev.Reference).
		Time("occurred_at", ev.OccurredAt)
	if !ev.Amount.IsZero() {
		evt = evt.Str("amount", ev.Amount.String()).Str("currency", ev.Currency)
	}
	if ev.Change != "" {
		evt = evt.Str("change", ev.Change)
	}
	evt.Msg("billing event")
}
