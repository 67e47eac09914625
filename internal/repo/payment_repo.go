// Package repo implements the data persistence layer for billing entities,
// backed by GORM. This file provides repository functions for the
// PaymentTransaction model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a transaction is not found, functions return ErrNotFound.
//   - CreatePayment returns ErrDuplicate when a row with the same reference
//     already exists; the unique index on the reference column is the
//     serialization point for concurrent submissions of the same receipt.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/storytime-app/storytime-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a payment row for the given reference has
// already been recorded.
var ErrDuplicate = errors.New("duplicate")

// CreatePayment inserts a new PaymentTransaction row. The transaction ID is
// a randomly generated UUID (string), and CreatedAt is set to UTC.
//
// If a row with the same reference already exists, it returns ErrDuplicate;
// callers treat that as "this receipt has already been processed" and should
// re-read the existing row.
func CreatePayment(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency string, status domain.PaymentStatus, reference string, methodID *string) (*domain.PaymentTransaction, error) {
	p := &domain.PaymentTransaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		Currency:        currency,
		Status:          status,
		Reference:       reference,
		PaymentMethodID: methodID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return p, nil
}

// GetPaymentByReference fetches the transaction recorded for a receipt
// reference, regardless of owner. The service layer compares the row's
// UserID against the caller to detect cross-user receipt replay.
// Returns ErrNotFound if no row exists.
func GetPaymentByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("reference = ?", reference).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPayments returns all transactions belonging to userID, ordered by
// creation time descending. It returns an empty slice if the user has no
// payments. On DB error, it returns the error.
func ListPayments(ctx context.Context, db *gorm.DB, userID string) ([]domain.PaymentTransaction, error) {
	var out []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
