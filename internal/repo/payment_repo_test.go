package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storytime-app/storytime-backend/internal/domain"
)

func newRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestCreatePayment_Error_NoTable(t *testing.T) {
	db := newRepoDB(t /* no migrations */)
	p, err := CreatePayment(context.Background(), db, "u1", decimal.NewFromFloat(5.99), "USD", domain.PaymentSuccess, "ref-1", nil)
	if err == nil || p != nil {
		t.Fatalf("expected error creating without table, got payment=%v err=%v", p, err)
	}
}

func TestCreatePayment_Success_PersistsAndSetsFields(t *testing.T) {
	db := newRepoDB(t, &domain.PaymentTransaction{})

	start := time.Now().UTC().Add(-time.Minute)
	p, err := CreatePayment(context.Background(), db, "u1", decimal.NewFromFloat(5.99), "USD", domain.PaymentSuccess, "abcdef0123456789abcdef0123456789", nil)
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if p.ID == "" || p.UserID != "u1" || p.Status != domain.PaymentSuccess {
		t.Fatalf("unexpected PaymentTransaction fields: %+v", p)
	}
	if p.CreatedAt.Before(start) {
		t.Fatalf("CreatedAt seems unset/really old: %v", p.CreatedAt)
	}
	// round-trip
	var got domain.PaymentTransaction
	if err := db.First(&got, "id = ?", p.ID).Error; err != nil {
		t.Fatalf("load created payment: %v", err)
	}
	if got.Reference != p.Reference || !got.Amount.Equal(p.Amount) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestCreatePayment_DuplicateReference(t *testing.T) {
	db := newRepoDB(t, &domain.PaymentTransaction{})

	const ref = "abcdef0123456789abcdef0123456789"
	if _, err := CreatePayment(context.Background(), db, "u1", decimal.NewFromFloat(5.99), "USD", domain.PaymentSuccess, ref, nil); err != nil {
		t.Fatalf("first CreatePayment: %v", err)
	}

	// Same reference, even for a different user, must collide on the
	// unique index.
	_, err := CreatePayment(context.Background(), db, "u2", decimal.NewFromFloat(5.99), "USD", domain.PaymentSuccess, ref, nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	var count int64
	if err := db.Model(&domain.PaymentTransaction{}).Where("reference = ?", ref).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row for reference, got %d", count)
	}
}

func TestGetPaymentByReference(t *testing.T) {
	db := newRepoDB(t, &domain.PaymentTransaction{})

	created, err := CreatePayment(context.Background(), db, "u1", decimal.NewFromFloat(49.99), "USD", domain.PaymentSuccess, "ref-yearly", nil)
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	got, err := GetPaymentByReference(context.Background(), db, "ref-yearly")
	if err != nil {
		t.Fatalf("GetPaymentByReference: %v", err)
	}
	if got.ID != created.ID || got.UserID != "u1" {
		t.Fatalf("mismatch: %+v", got)
	}

	if _, err := GetPaymentByReference(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPayments_OrderDescendingAndFilter(t *testing.T) {
	db := newRepoDB(t, &domain.PaymentTransaction{})

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	seed := []domain.PaymentTransaction{
		{ID: "p1", UserID: "u1", Amount: decimal.NewFromFloat(5.99), Currency: "USD", Status: domain.PaymentSuccess, Reference: "r1", CreatedAt: t1},
		{ID: "p2", UserID: "u1", Amount: decimal.NewFromFloat(49.99), Currency: "USD", Status: domain.PaymentSuccess, Reference: "r2", CreatedAt: t2},
		{ID: "p3", UserID: "u2", Amount: decimal.NewFromFloat(5.99), Currency: "USD", Status: domain.PaymentSuccess, Reference: "r3", CreatedAt: t2},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, err := ListPayments(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	if len(out) != 2 || out[0].ID != "p2" || out[1].ID != "p1" {
		t.Fatalf("unexpected order/filter: %+v", out)
	}
}
