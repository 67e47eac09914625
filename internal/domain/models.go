// Package domain defines the persistence models for the billing core:
// payment transactions and subscriptions. These types are mapped with GORM
// and form the financial ledger of the storytime backend.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Platform identifies the mobile store that issued a purchase token.
type Platform string

// Supported purchase platforms.
const (
	PlatformGoogle Platform = "google"
	PlatformApple  Platform = "apple"
)

// Valid reports whether p is a recognized platform.
func (p Platform) Valid() bool { return p == PlatformGoogle || p == PlatformApple }

// PaymentStatus is the lifecycle state of a payment transaction.
type PaymentStatus string

// Payment transaction statuses.
const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// SubscriptionStatus is the declared state of a subscription row. Expiry is
// evaluated lazily at read time via IsEntitled; no background job flips
// statuses.
type SubscriptionStatus string

// Subscription statuses.
const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionFree      SubscriptionStatus = "free"
)

// PaymentTransaction is one row of the financial ledger. A row is created
// exactly once per verified purchase and is never mutated or deleted.
//
// Reference is the idempotency key: a truncated SHA-256 digest of the raw
// purchase token. Its unique index is the single storage-level invariant
// that serializes concurrent duplicate submissions.
type PaymentTransaction struct {
	ID              string          `json:"id"                gorm:"type:char(36);primaryKey"`
	UserID          string          `json:"user_id"           gorm:"type:varchar(64);not null;index:idx_user_payments"`
	Amount          decimal.Decimal `json:"amount"            gorm:"type:decimal(12,2);not null"`
	Currency        string          `json:"currency"          gorm:"type:char(3);not null"`
	Status          PaymentStatus   `json:"status"            gorm:"type:varchar(16);not null;check:status IN ('pending','success','failed')"`
	Reference       string          `json:"reference"         gorm:"type:varchar(64);not null;uniqueIndex:ux_payment_reference"`
	PaymentMethodID *string         `json:"payment_method_id,omitempty" gorm:"type:varchar(64)"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TableName returns the database table name for PaymentTransaction.
func (PaymentTransaction) TableName() string { return "payment_transactions" }

// Subscription is the single current subscription row for a user. It is
// created on the first successful purchase (or free-plan subscribe) and
// updated in place on every later purchase, renewal, or cancellation;
// historical state is not retained.
//
// EndsAt == nil means unlimited (free plan). Platform == nil means the
// subscription was never bound to a store purchase.
type Subscription struct {
	ID            string             `json:"id"             gorm:"type:char(36);primaryKey"`
	UserID        string             `json:"user_id"        gorm:"type:varchar(64);not null;index:idx_user_subscription"`
	Plan          string             `json:"plan"           gorm:"type:varchar(32);not null"`
	Status        SubscriptionStatus `json:"status"         gorm:"type:varchar(16);not null;check:status IN ('active','cancelled','free')"`
	StartedAt     time.Time          `json:"started_at"     gorm:"not null"`
	EndsAt        *time.Time         `json:"ends_at,omitempty"`
	Platform      *Platform          `json:"platform,omitempty" gorm:"type:varchar(16)"`
	ProductID     string             `json:"product_id"     gorm:"type:varchar(128)"`
	PackageName   string             `json:"-"              gorm:"type:varchar(128)"`
	PurchaseToken string             `json:"-"              gorm:"type:text"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }
