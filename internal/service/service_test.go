package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"klinikvet/backend/internal/cache"
	"klinikvet/backend/internal/domain"
	"klinikvet/backend/internal/store"
	"klinikvet/backend/internal/store/memory"
)

func newFixture(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()

	if _, err := repo.CreateCustomer(ctx, domain.Customer{ID: "cust-1", Name: "Budi Santoso"}); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if _, err := repo.CreatePet(ctx, domain.Pet{ID: "pet-1", OwnerID: "cust-1", Name: "Milo", Species: "cat"}); err != nil {
		t.Fatalf("seed pet: %v", err)
	}
	if _, err := repo.CreatePet(ctx, domain.Pet{ID: "pet-stray", Name: "Stray", Species: "cat"}); err != nil {
		t.Fatalf("seed stray pet: %v", err)
	}
	if _, err := repo.CreateMedicine(ctx, domain.Medicine{ItemID: "M1", Name: "Amoxicillin 250mg", Unit: "tablet", UnitPriceCents: 1500, Active: true}); err != nil {
		t.Fatalf("seed medicine: %v", err)
	}
	if _, err := repo.CreateMedicine(ctx, domain.Medicine{ItemID: "M2", Name: "Carprofen 50mg", Unit: "tablet", UnitPriceCents: 4200, Active: true}); err != nil {
		t.Fatalf("seed medicine: %v", err)
	}

	return New(repo, cache.NoopCatalogCache{}, time.Minute), repo
}

func seedStock(t *testing.T, repo *memory.Store, locationID, itemID string, qty int) {
	t.Helper()
	if _, err := repo.ReceiveStock(context.Background(), locationID, itemID, qty); err != nil {
		t.Fatalf("seed stock %s/%s: %v", locationID, itemID, err)
	}
}

func vetCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "drg.rani", Role: domain.RoleVet})
}

func stockAt(t *testing.T, repo *memory.Store, itemID string) map[string]int {
	t.Helper()
	holdings, err := repo.ListStock(context.Background(), itemID)
	if err != nil {
		t.Fatalf("list stock: %v", err)
	}
	byLocation := make(map[string]int, len(holdings))
	for _, holding := range holdings {
		byLocation[holding.LocationID] = holding.Qty
	}
	return byLocation
}

func TestFulfillSingleItemSingleLocation(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)

	result, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines: []domain.FulfillmentLine{
			{ItemID: "M1", Qty: 4, Instructions: "1 tablet twice daily"},
		},
	})
	if err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}

	if result.TotalCents != 4*1500 {
		t.Fatalf("expected total %d, got %d", 4*1500, result.TotalCents)
	}
	if got := stockAt(t, repo, "M1")["L1"]; got != 6 {
		t.Fatalf("expected 6 left at L1, got %d", got)
	}

	persisted, err := repo.GetPrescription(context.Background(), result.Prescription.ID)
	if err != nil {
		t.Fatalf("prescription not persisted: %v", err)
	}
	if len(persisted.Lines) != 1 || persisted.Lines[0].ItemID != "M1" || persisted.Lines[0].Qty != 4 {
		t.Fatalf("unexpected prescription lines: %+v", persisted.Lines)
	}
	if persisted.ClinicianID != "drg.rani" {
		t.Fatalf("expected clinician from actor, got %q", persisted.ClinicianID)
	}

	invoice, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	if err != nil {
		t.Fatalf("invoice not persisted: %v", err)
	}
	if invoice.CustomerID != "cust-1" {
		t.Fatalf("expected invoice billed to owner, got %q", invoice.CustomerID)
	}
	if invoice.TotalCents != result.TotalCents {
		t.Fatalf("invoice total %d != result total %d", invoice.TotalCents, result.TotalCents)
	}
}

func TestFulfillSplitsAcrossLocations(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 3)
	seedStock(t, repo, "L2", "M1", 5)

	_, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 6}},
	})
	if err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}

	after := stockAt(t, repo, "M1")
	if after["L1"] != 0 || after["L2"] != 2 {
		t.Fatalf("expected L1=0 L2=2, got %+v", after)
	}
}

func TestFulfillInsufficientTotalStock(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 2)

	_, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 5}},
	})

	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.ItemID != "M1" || insufficient.Requested != 5 || insufficient.Available != 2 {
		t.Fatalf("unexpected error fields: %+v", insufficient)
	}

	if got := stockAt(t, repo, "M1")["L1"]; got != 2 {
		t.Fatalf("stock changed despite failure: %d", got)
	}
	prescriptions, err := repo.ListPrescriptionsByPet(context.Background(), "pet-1")
	if err != nil {
		t.Fatalf("list prescriptions: %v", err)
	}
	if len(prescriptions) != 0 {
		t.Fatalf("expected no prescriptions, got %d", len(prescriptions))
	}
	invoices, err := repo.ListInvoicesByCustomer(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(invoices) != 0 {
		t.Fatalf("expected no invoices, got %d", len(invoices))
	}
}

func TestFulfillSecondItemInsufficientRollsBackWholeRequest(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)
	seedStock(t, repo, "L1", "M2", 1)

	_, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines: []domain.FulfillmentLine{
			{ItemID: "M1", Qty: 4},
			{ItemID: "M2", Qty: 3},
		},
	})

	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.ItemID != "M2" {
		t.Fatalf("expected failure on M2, got %s", insufficient.ItemID)
	}

	if got := stockAt(t, repo, "M1")["L1"]; got != 10 {
		t.Fatalf("first item's stock must be unchanged, got %d", got)
	}
	if got := stockAt(t, repo, "M2")["L1"]; got != 1 {
		t.Fatalf("second item's stock must be unchanged, got %d", got)
	}
	prescriptions, _ := repo.ListPrescriptionsByPet(context.Background(), "pet-1")
	if len(prescriptions) != 0 {
		t.Fatalf("expected no prescriptions after rollback, got %d", len(prescriptions))
	}
}

func TestFulfillConcurrentRequestsNeverOversell(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 5)
	seedStock(t, repo, "L2", "M1", 5)

	const workers = 2
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
				PetID:            "pet-1",
				ClinicalRecordID: "rec-1",
				Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 6}},
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var insufficient *store.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}

	after := stockAt(t, repo, "M1")
	total := 0
	for locationID, qty := range after {
		if qty < 0 {
			t.Fatalf("negative stock at %s: %d", locationID, qty)
		}
		total += qty
	}
	if total != 4 {
		t.Fatalf("expected 4 units left, got %d", total)
	}
}

func TestFulfillManyConcurrentSmallRequests(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
				PetID:            "pet-1",
				ClinicalRecordID: "rec-1",
				Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 3}},
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 3 {
		t.Fatalf("expected exactly 3 successes from 10 units, got %d", successes)
	}
	if got := stockAt(t, repo, "M1")["L1"]; got != 10-3*successes {
		t.Fatalf("expected %d left, got %d", 10-3*successes, got)
	}
}

func TestFulfillInvoiceTotalsMatchLines(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 20)
	seedStock(t, repo, "L1", "M2", 20)

	result, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines: []domain.FulfillmentLine{
			{ItemID: "M1", Qty: 3},
			{ItemID: "M2", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}

	want := int64(3*1500 + 2*4200)
	if result.TotalCents != want {
		t.Fatalf("expected total %d, got %d", want, result.TotalCents)
	}

	invoice, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	sum := int64(0)
	for _, line := range invoice.Lines {
		if line.LineTotalCents != line.UnitPriceCents*int64(line.Qty) {
			t.Fatalf("line total mismatch: %+v", line)
		}
		sum += line.LineTotalCents
	}
	if sum != invoice.TotalCents {
		t.Fatalf("invoice total %d != sum of lines %d", invoice.TotalCents, sum)
	}
	if result.Prescription.TotalCents != invoice.TotalCents {
		t.Fatalf("prescription total %d != invoice total %d", result.Prescription.TotalCents, invoice.TotalCents)
	}
}

func TestFulfillValidation(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)

	cases := []struct {
		name    string
		req     domain.FulfillmentRequest
		wantErr error
	}{
		{
			name:    "empty lines",
			req:     domain.FulfillmentRequest{PetID: "pet-1", ClinicalRecordID: "rec-1"},
			wantErr: store.ErrInvalidRequest,
		},
		{
			name: "zero quantity",
			req: domain.FulfillmentRequest{
				PetID:            "pet-1",
				ClinicalRecordID: "rec-1",
				Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 0}},
			},
			wantErr: store.ErrInvalidRequest,
		},
		{
			name: "missing clinical record",
			req: domain.FulfillmentRequest{
				PetID: "pet-1",
				Lines: []domain.FulfillmentLine{{ItemID: "M1", Qty: 1}},
			},
			wantErr: store.ErrInvalidRequest,
		},
		{
			name: "unknown pet",
			req: domain.FulfillmentRequest{
				PetID:            "pet-missing",
				ClinicalRecordID: "rec-1",
				Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 1}},
			},
			wantErr: store.ErrNotFound,
		},
		{
			name: "pet without owner",
			req: domain.FulfillmentRequest{
				PetID:            "pet-stray",
				ClinicalRecordID: "rec-1",
				Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 1}},
			},
			wantErr: store.ErrPetHasNoOwner,
		},
		{
			name: "unknown medicine",
			req: domain.FulfillmentRequest{
				PetID:            "pet-1",
				ClinicalRecordID: "rec-1",
				Lines:            []domain.FulfillmentLine{{ItemID: "M-MISSING", Qty: 1}},
			},
			wantErr: store.ErrNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.FulfillPrescription(vetCtx(), tc.req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	// None of the rejected requests may have touched the ledger.
	if got := stockAt(t, repo, "M1")["L1"]; got != 10 {
		t.Fatalf("stock changed by rejected requests: %d", got)
	}
}

func TestReadOnlyChecksDoNotMutate(t *testing.T) {
	_, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 7)
	seedStock(t, repo, "L2", "M1", 3)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		total, err := repo.TotalAvailable(ctx, "M1")
		if err != nil {
			t.Fatalf("total available: %v", err)
		}
		if total != 10 {
			t.Fatalf("expected 10 available, got %d on call %d", total, i)
		}
		holdings, err := repo.ListStock(ctx, "M1")
		if err != nil {
			t.Fatalf("list stock: %v", err)
		}
		if len(holdings) != 2 || holdings[0].LocationID != "L1" || holdings[1].LocationID != "L2" {
			t.Fatalf("unexpected holdings on call %d: %+v", i, holdings)
		}
	}
}

func TestCreateMedicineRequiresAdmin(t *testing.T) {
	svc, _ := newFixture(t)

	_, err := svc.CreateMedicine(vetCtx(), domain.MedicineCreateRequest{
		ItemID: "MED-NEW", Name: "New Med", Unit: "tablet", UnitPriceCents: 1000,
	})
	if err == nil {
		t.Fatalf("expected vet to be rejected")
	}

	adminCtx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	created, err := svc.CreateMedicine(adminCtx, domain.MedicineCreateRequest{
		ItemID: "med-new", Name: "New Med", Unit: "tablet", UnitPriceCents: 1000,
	})
	if err != nil {
		t.Fatalf("admin create failed: %v", err)
	}
	if created.ItemID != "MED-NEW" {
		t.Fatalf("expected normalized item id, got %q", created.ItemID)
	}
}

func TestReceiveStockRequiresKnownMedicine(t *testing.T) {
	svc, _ := newFixture(t)
	adminCtx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})

	_, err := svc.ReceiveStock(adminCtx, domain.StockReceiveRequest{
		LocationID: "L1", ItemID: "NOPE", Qty: 5,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	lot, err := svc.ReceiveStock(adminCtx, domain.StockReceiveRequest{
		LocationID: "l1", ItemID: "m1", Qty: 5,
	})
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if lot.Qty != 5 || lot.LocationID != "L1" || lot.ItemID != "M1" {
		t.Fatalf("unexpected lot: %+v", lot)
	}
}

func TestCreatePetRequiresExistingOwner(t *testing.T) {
	svc, _ := newFixture(t)

	_, err := svc.CreatePet(vetCtx(), domain.PetCreateRequest{
		OwnerID: "cust-missing", Name: "Rex", Species: "dog",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFulfillmentResultIsReceiptReady(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)

	result, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-9",
		Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 2, Instructions: "with food"}},
	})
	if err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}

	if result.Prescription.ID == "" || result.InvoiceID == "" {
		t.Fatalf("missing identifiers: %+v", result)
	}
	if result.CustomerID != "cust-1" {
		t.Fatalf("expected owner id on result, got %q", result.CustomerID)
	}
	if result.Prescription.ClinicalRecordID != "rec-9" {
		t.Fatalf("clinical record id not carried: %+v", result.Prescription)
	}
	if len(result.Lines) != 1 || result.Lines[0].UnitPriceCents != 1500 {
		t.Fatalf("unexpected billing lines: %+v", result.Lines)
	}
	if result.Prescription.Lines[0].Instructions != "with food" {
		t.Fatalf("instructions not carried: %+v", result.Prescription.Lines)
	}
}

func TestFulfillPersistsPrescriptionTotal(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)

	result, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines:            []domain.FulfillmentLine{{ItemID: "M1", Qty: 4}},
	})
	if err != nil {
		t.Fatalf("fulfill failed: %v", err)
	}

	// The persisted header must carry the derived total, not just the copy
	// handed back to the caller.
	persisted, err := repo.GetPrescription(context.Background(), result.Prescription.ID)
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if persisted.TotalCents != 4*1500 {
		t.Fatalf("persisted prescription TotalCents = %d, want %d", persisted.TotalCents, 4*1500)
	}

	invoice, err := repo.GetInvoice(context.Background(), result.InvoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if persisted.TotalCents != invoice.TotalCents {
		t.Fatalf("prescription total %d != invoice total %d", persisted.TotalCents, invoice.TotalCents)
	}
}

func TestFulfillNormalizesItemIDs(t *testing.T) {
	svc, repo := newFixture(t)
	seedStock(t, repo, "L1", "M1", 10)

	// The catalog serves uppercase ids regardless of the spelling a client
	// looked them up with; fulfillment must accept the same spellings.
	result, err := svc.FulfillPrescription(vetCtx(), domain.FulfillmentRequest{
		PetID:            "pet-1",
		ClinicalRecordID: "rec-1",
		Lines:            []domain.FulfillmentLine{{ItemID: " m1 ", Qty: 3}},
	})
	if err != nil {
		t.Fatalf("fulfill with lowercase item id failed: %v", err)
	}
	if result.Lines[0].ItemID != "M1" {
		t.Fatalf("expected normalized item id M1, got %q", result.Lines[0].ItemID)
	}
	if got := stockAt(t, repo, "M1")["L1"]; got != 7 {
		t.Fatalf("expected 7 left at L1, got %d", got)
	}
}
