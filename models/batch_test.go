package models

import (
	"testing"
	"time"
)

func TestBatchBeforeSave_DerivesExpiryFromShelfLife(t *testing.T) {
	prod := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	days := 14
	b := Batch{ProductionDate: &prod, ShelfLifeDays: &days}

	if err := b.BeforeSave(nil); err != nil {
		t.Fatalf("BeforeSave: %v", err)
	}
	if b.ExpireAt == nil {
		t.Fatal("expected derived expire_at")
	}
	if want := prod.AddDate(0, 0, 14); !b.ExpireAt.Equal(want) {
		t.Fatalf("want %s got %s", want, b.ExpireAt)
	}
}

func TestBatchBeforeSave_KeepsExplicitExpiry(t *testing.T) {
	prod := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	days := 14
	explicit := prod.AddDate(0, 0, 5)
	b := Batch{ProductionDate: &prod, ShelfLifeDays: &days, ExpireAt: &explicit}

	if err := b.BeforeSave(nil); err != nil {
		t.Fatalf("BeforeSave: %v", err)
	}
	if !b.ExpireAt.Equal(explicit) {
		t.Fatalf("explicit expire_at must win over derivation, got %s", b.ExpireAt)
	}
}

func TestBatchBeforeSave_RejectsExpiryBeforeProduction(t *testing.T) {
	prod := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	bad := prod.AddDate(0, 0, -1)
	b := Batch{ProductionDate: &prod, ExpireAt: &bad}

	if err := b.BeforeSave(nil); err != ErrBatchExpiryBeforeProduction {
		t.Fatalf("want ErrBatchExpiryBeforeProduction, got %v", err)
	}
}

func TestBatchBeforeSave_NoDatesNoDerivation(t *testing.T) {
	b := Batch{BatchCode: "B1"}
	if err := b.BeforeSave(nil); err != nil {
		t.Fatalf("BeforeSave: %v", err)
	}
	if b.ExpireAt != nil {
		t.Fatalf("nothing to derive from, expire_at must stay nil")
	}
}
