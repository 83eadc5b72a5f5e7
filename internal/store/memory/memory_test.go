package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"klinikvet/backend/internal/domain"
	"klinikvet/backend/internal/store"
)

func seededForTx(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	if _, err := s.CreateMedicine(ctx, domain.Medicine{ItemID: "M1", Name: "Amoxicillin", Unit: "tablet", UnitPriceCents: 1500, Active: true}); err != nil {
		t.Fatalf("seed medicine: %v", err)
	}
	if _, err := s.ReceiveStock(ctx, "L1", "M1", 8); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return s
}

func TestTxCommitPersistsWrites(t *testing.T) {
	s := seededForTx(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.InsertPrescription(ctx, domain.Prescription{ID: "rx-1", PetID: "pet-1"}); err != nil {
		t.Fatalf("insert prescription: %v", err)
	}
	if err := tx.InsertPrescriptionLine(ctx, domain.PrescriptionLine{PrescriptionID: "rx-1", ItemID: "M1", Qty: 3}); err != nil {
		t.Fatalf("insert line: %v", err)
	}
	if err := tx.DecrementStock(ctx, "L1", "M1", 3); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Rollback after commit must be a no-op.
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	p, err := s.GetPrescription(ctx, "rx-1")
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if len(p.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(p.Lines))
	}
	total, _ := s.TotalAvailable(ctx, "M1")
	if total != 5 {
		t.Fatalf("expected 5 left, got %d", total)
	}
}

func TestTxRollbackRestoresEverything(t *testing.T) {
	s := seededForTx(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.InsertPrescription(ctx, domain.Prescription{ID: "rx-1"}); err != nil {
		t.Fatalf("insert prescription: %v", err)
	}
	if err := tx.InsertPrescriptionLine(ctx, domain.PrescriptionLine{PrescriptionID: "rx-1", ItemID: "M1", Qty: 2}); err != nil {
		t.Fatalf("insert line: %v", err)
	}
	if err := tx.DecrementStock(ctx, "L1", "M1", 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := tx.InsertInvoice(ctx, domain.Invoice{ID: "inv-1", CustomerID: "cust-1"}); err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
	if err := tx.InsertInvoiceLine(ctx, domain.InvoiceLine{InvoiceID: "inv-1", ItemID: "M1", Qty: 2}); err != nil {
		t.Fatalf("insert invoice line: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := s.GetPrescription(ctx, "rx-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("prescription survived rollback: %v", err)
	}
	if _, err := s.GetInvoice(ctx, "inv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("invoice survived rollback: %v", err)
	}
	total, _ := s.TotalAvailable(ctx, "M1")
	if total != 8 {
		t.Fatalf("stock not restored, got %d", total)
	}
}

func TestDecrementStockNeverGoesNegative(t *testing.T) {
	s := seededForTx(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.DecrementStock(ctx, "L1", "M1", 9)
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 8 {
		t.Fatalf("expected available 8, got %d", insufficient.Available)
	}

	// The failed decrement must not have changed anything.
	holdings, err := tx.LocationsHolding(ctx, "M1")
	if err != nil {
		t.Fatalf("locations holding: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Qty != 8 {
		t.Fatalf("unexpected holdings: %+v", holdings)
	}
}

func TestLocationsHoldingOrderedByLocationID(t *testing.T) {
	s := seededForTx(t)
	ctx := context.Background()
	if _, err := s.ReceiveStock(ctx, "L3", "M1", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.ReceiveStock(ctx, "L0", "M1", 2); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	holdings, err := tx.LocationsHolding(ctx, "M1")
	if err != nil {
		t.Fatalf("locations holding: %v", err)
	}
	want := []string{"L0", "L1", "L3"}
	if len(holdings) != len(want) {
		t.Fatalf("unexpected holdings: %+v", holdings)
	}
	for i, locationID := range want {
		if holdings[i].LocationID != locationID {
			t.Fatalf("expected %s at index %d, got %+v", locationID, i, holdings)
		}
	}
}

func TestReceiveStockRejectsUnknownMedicine(t *testing.T) {
	s := New()
	if _, err := s.ReceiveStock(context.Background(), "L1", "GHOST", 5); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSeededStoreHasConsistentStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	medicines, err := s.ListMedicines(ctx)
	if err != nil {
		t.Fatalf("list medicines: %v", err)
	}
	if len(medicines) == 0 {
		t.Fatalf("expected seeded medicines")
	}
	for _, med := range medicines {
		total, err := s.TotalAvailable(ctx, med.ItemID)
		if err != nil {
			t.Fatalf("total available %s: %v", med.ItemID, err)
		}
		if total < 0 {
			t.Fatalf("negative seeded stock for %s", med.ItemID)
		}
	}
}

func TestDecrementStockTouchesUpdatedAt(t *testing.T) {
	s := seededForTx(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	s.stockUpdatedAt["M1"]["L1"] = past

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.DecrementStock(ctx, "L1", "M1", 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !s.stockUpdatedAt["M1"]["L1"].After(past) {
		t.Fatalf("expected updated_at to advance past %v, got %v", past, s.stockUpdatedAt["M1"]["L1"])
	}
}

func TestRollbackRestoresUpdatedAt(t *testing.T) {
	s := seededForTx(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	s.stockUpdatedAt["M1"]["L1"] = past

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.DecrementStock(ctx, "L1", "M1", 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if !s.stockUpdatedAt["M1"]["L1"].Equal(past) {
		t.Fatalf("expected updated_at restored to %v, got %v", past, s.stockUpdatedAt["M1"]["L1"])
	}
}
