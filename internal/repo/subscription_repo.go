// Package repo implements the data persistence layer for billing entities,
// backed by GORM. This file provides repository functions for the
// Subscription model.
//
// A user has at most one subscription row; UpsertSubscription keeps it
// current across plan changes rather than accumulating history (the
// payment ledger is the historical record).
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storytime-app/storytime-backend/internal/domain"
)

// GetSubscription fetches the subscription row for userID, or ErrNotFound.
func GetSubscription(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	var s domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSubscription creates the user's subscription row or replaces its
// mutable fields in place, preserving the existing row ID and StartedAt
// when sub.StartedAt is zero. UpdatedAt is always refreshed to UTC now.
//
// The returned record reflects what was persisted.
func UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (*domain.Subscription, error) {
	now := time.Now().UTC()

	var existing domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", sub.UserID).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub.ID = uuid.NewString()
		if sub.StartedAt.IsZero() {
			sub.StartedAt = now
		}
		sub.CreatedAt = now
		sub.UpdatedAt = now
		if err := db.WithContext(ctx).Create(sub).Error; err != nil {
			return nil, err
		}
		return sub, nil
	case err != nil:
		return nil, err
	}

	sub.ID = existing.ID
	sub.CreatedAt = existing.CreatedAt
	if sub.StartedAt.IsZero() {
		sub.StartedAt = existing.StartedAt
	}
	sub.UpdatedAt = now
	if err := db.WithContext(ctx).Save(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdateSubscriptionStatus sets the status (and optionally EndsAt) of the
// user's subscription. Returns ErrNotFound when the user has no row.
func UpdateSubscriptionStatus(ctx context.Context, db *gorm.DB, userID string, status domain.SubscriptionStatus, endsAt *time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if endsAt != nil {
		updates["ends_at"] = *endsAt
	}
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
