package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"klinikvet/backend/internal/allocation"
	"klinikvet/backend/internal/cache"
	"klinikvet/backend/internal/domain"
	"klinikvet/backend/internal/store"
	"klinikvet/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const medicineCatalogCacheKey = "catalog:medicines"

type Service struct {
	repo            store.Repository
	catalogCache    cache.CatalogCache
	catalogCacheTTL time.Duration
}

func New(repo store.Repository, catalogCache cache.CatalogCache, catalogCacheTTL time.Duration) *Service {
	if catalogCache == nil {
		catalogCache = cache.NoopCatalogCache{}
	}
	if catalogCacheTTL <= 0 {
		catalogCacheTTL = time.Minute
	}

	return &Service{
		repo:            repo,
		catalogCache:    catalogCache,
		catalogCacheTTL: catalogCacheTTL,
	}
}

// FulfillPrescription converts a clinician's medicine list into decremented
// stock, a persisted prescription with lines, and a generated invoice, as a
// single all-or-nothing unit of work.
//
// Validation runs entirely before the transaction opens; nothing is written
// unless every line passes. Inside the transaction, holdings are re-read
// under lock and decremented through the ledger's atomic check-and-subtract,
// so two fulfillments competing for the same stock can never drive a lot
// negative. Any write-phase failure rolls everything back.
func (s *Service) FulfillPrescription(ctx context.Context, req domain.FulfillmentRequest) (domain.FulfillmentResult, error) {
	req.PetID = strings.TrimSpace(req.PetID)
	req.ClinicalRecordID = strings.TrimSpace(req.ClinicalRecordID)
	if req.PetID == "" || req.ClinicalRecordID == "" {
		return domain.FulfillmentResult{}, store.ErrInvalidRequest
	}
	if len(req.Lines) == 0 {
		return domain.FulfillmentResult{}, store.ErrInvalidRequest
	}
	for i := range req.Lines {
		// Item ids are uppercased everywhere the catalog touches them; the
		// fulfillment path must accept the same spellings the catalog serves.
		req.Lines[i].ItemID = strings.ToUpper(strings.TrimSpace(req.Lines[i].ItemID))
		if req.Lines[i].ItemID == "" || req.Lines[i].Qty < 1 {
			return domain.FulfillmentResult{}, store.ErrInvalidRequest
		}
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	pet, err := s.repo.GetPet(ctx, req.PetID)
	if err != nil {
		return domain.FulfillmentResult{}, err
	}
	if pet.OwnerID == "" {
		return domain.FulfillmentResult{}, store.ErrPetHasNoOwner
	}
	owner, err := s.repo.GetCustomer(ctx, pet.OwnerID)
	if err != nil {
		return domain.FulfillmentResult{}, err
	}

	medicines := make(map[string]domain.Medicine, len(req.Lines))
	for _, line := range req.Lines {
		if _, seen := medicines[line.ItemID]; seen {
			continue
		}
		med, err := s.repo.GetMedicine(ctx, line.ItemID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.FulfillmentResult{}, fmt.Errorf("medicine %s: %w", line.ItemID, store.ErrNotFound)
			}
			return domain.FulfillmentResult{}, err
		}
		if !med.Active {
			return domain.FulfillmentResult{}, fmt.Errorf("medicine %s: %w", line.ItemID, store.ErrNotFound)
		}
		medicines[line.ItemID] = *med
	}

	// Pre-transaction availability check. The transactional decrement
	// re-validates, so a concurrent consumer winning the race between here
	// and Begin still cannot cause an oversell; this check exists to reject
	// hopeless requests without opening a write transaction.
	requested := make(map[string]int, len(req.Lines))
	for _, line := range req.Lines {
		requested[line.ItemID] += line.Qty
	}
	for itemID, qty := range requested {
		available, err := s.repo.TotalAvailable(ctx, itemID)
		if err != nil {
			return domain.FulfillmentResult{}, err
		}
		if available < qty {
			return domain.FulfillmentResult{}, &store.InsufficientStockError{
				ItemID:    itemID,
				Requested: qty,
				Available: available,
			}
		}
	}

	now := time.Now().UTC()
	prescription := domain.Prescription{
		ID:               xid.New("rx"),
		PetID:            pet.ID,
		ClinicianID:      actor.Username,
		ClinicalRecordID: req.ClinicalRecordID,
		IssuedAt:         now,
	}
	invoiceID := xid.New("inv")

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	result, err := s.fulfillInTx(ctx, tx, prescription, invoiceID, owner.ID, req.Lines, medicines)
	if err != nil {
		return domain.FulfillmentResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
	}

	s.logAudit(ctx, "prescription_fulfill", "prescription", result.Prescription.ID,
		fmt.Sprintf("pet=%s,invoice=%s,total=%d", pet.ID, result.InvoiceID, result.TotalCents))

	return result, nil
}

func (s *Service) fulfillInTx(
	ctx context.Context,
	tx store.FulfillmentTx,
	prescription domain.Prescription,
	invoiceID string,
	customerID string,
	lines []domain.FulfillmentLine,
	medicines map[string]domain.Medicine,
) (domain.FulfillmentResult, error) {
	totalCents := int64(0)
	prescriptionLines := make([]domain.PrescriptionLine, 0, len(lines))
	invoiceLines := make([]domain.InvoiceLine, 0, len(lines))

	for _, line := range lines {
		// Re-read holdings inside the transaction: the pre-check ran without
		// locks and the numbers may have moved.
		holdings, err := tx.LocationsHolding(ctx, line.ItemID)
		if err != nil {
			return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
		}
		plan, err := allocation.Plan(holdings, line.ItemID, line.Qty)
		if err != nil {
			return domain.FulfillmentResult{}, err
		}
		for _, slice := range plan {
			if err := tx.DecrementStock(ctx, slice.LocationID, line.ItemID, slice.Qty); err != nil {
				var insufficient *store.InsufficientStockError
				if errors.As(err, &insufficient) {
					return domain.FulfillmentResult{}, err
				}
				return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
			}
		}

		med := medicines[line.ItemID]
		lineTotal := med.UnitPriceCents * int64(line.Qty)
		totalCents += lineTotal
		prescriptionLines = append(prescriptionLines, domain.PrescriptionLine{
			PrescriptionID: prescription.ID,
			ItemID:         line.ItemID,
			Qty:            line.Qty,
			Instructions:   line.Instructions,
		})
		invoiceLines = append(invoiceLines, domain.InvoiceLine{
			InvoiceID:      invoiceID,
			ItemID:         line.ItemID,
			Qty:            line.Qty,
			UnitPriceCents: med.UnitPriceCents,
			LineTotalCents: lineTotal,
		})
	}

	// The header is written only once the total is known; the persisted
	// prescription row must carry the same amount as the invoice.
	prescription.TotalCents = totalCents
	if err := tx.InsertPrescription(ctx, prescription); err != nil {
		return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
	}
	for _, line := range prescriptionLines {
		if err := tx.InsertPrescriptionLine(ctx, line); err != nil {
			return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
		}
	}

	invoice := domain.Invoice{
		ID:         invoiceID,
		CustomerID: customerID,
		IssuedAt:   prescription.IssuedAt,
		TotalCents: totalCents,
		Status:     domain.InvoiceStatusIssued,
	}
	if err := tx.InsertInvoice(ctx, invoice); err != nil {
		return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
	}
	for _, line := range invoiceLines {
		if err := tx.InsertInvoiceLine(ctx, line); err != nil {
			return domain.FulfillmentResult{}, &store.FulfillmentFailedError{Err: err}
		}
	}

	prescription.Lines = prescriptionLines

	return domain.FulfillmentResult{
		Prescription: prescription,
		InvoiceID:    invoiceID,
		CustomerID:   customerID,
		TotalCents:   totalCents,
		Lines:        invoiceLines,
	}, nil
}

func (s *Service) GetPrescription(ctx context.Context, id string) (domain.Prescription, error) {
	p, err := s.repo.GetPrescription(ctx, id)
	if err != nil {
		return domain.Prescription{}, err
	}
	return *p, nil
}

func (s *Service) ListPrescriptionsByPet(ctx context.Context, petID string) ([]domain.Prescription, error) {
	return s.repo.ListPrescriptionsByPet(ctx, petID)
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) ListInvoicesByCustomer(ctx context.Context, customerID string) ([]domain.Invoice, error) {
	return s.repo.ListInvoicesByCustomer(ctx, customerID)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Customer{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{Name: req.Name, Phone: req.Phone})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, created.Name)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) CreatePet(ctx context.Context, req domain.PetCreateRequest) (domain.Pet, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Name = strings.TrimSpace(req.Name)
	req.Species = strings.TrimSpace(req.Species)
	if req.OwnerID == "" || req.Name == "" || req.Species == "" {
		return domain.Pet{}, store.ErrInvalidRequest
	}

	if _, err := s.repo.GetCustomer(ctx, req.OwnerID); err != nil {
		return domain.Pet{}, err
	}

	created, err := s.repo.CreatePet(ctx, domain.Pet{
		OwnerID:   req.OwnerID,
		Name:      req.Name,
		Species:   req.Species,
		Breed:     strings.TrimSpace(req.Breed),
		BirthDate: strings.TrimSpace(req.BirthDate),
	})
	if err != nil {
		return domain.Pet{}, err
	}
	s.logAudit(ctx, "pet_create", "pet", created.ID, fmt.Sprintf("owner=%s,name=%s", created.OwnerID, created.Name))
	return *created, nil
}

func (s *Service) GetPet(ctx context.Context, id string) (domain.Pet, error) {
	pet, err := s.repo.GetPet(ctx, id)
	if err != nil {
		return domain.Pet{}, err
	}
	return *pet, nil
}

func (s *Service) ListPetsByOwner(ctx context.Context, ownerID string) ([]domain.Pet, error) {
	return s.repo.ListPetsByOwner(ctx, ownerID)
}

func (s *Service) BookAppointment(ctx context.Context, req domain.AppointmentBookRequest) (domain.Appointment, error) {
	req.PetID = strings.TrimSpace(req.PetID)
	req.VetUsername = strings.TrimSpace(req.VetUsername)
	if req.PetID == "" || req.VetUsername == "" {
		return domain.Appointment{}, store.ErrInvalidRequest
	}
	scheduledAt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledAt))
	if err != nil {
		return domain.Appointment{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateAppointment(ctx, domain.Appointment{
		PetID:       req.PetID,
		VetUsername: req.VetUsername,
		ScheduledAt: scheduledAt.UTC(),
		Reason:      strings.TrimSpace(req.Reason),
		Status:      domain.AppointmentStatusBooked,
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	s.logAudit(ctx, "appointment_book", "appointment", created.ID, fmt.Sprintf("pet=%s,at=%s", created.PetID, created.ScheduledAt.Format(time.RFC3339)))
	return *created, nil
}

func (s *Service) ListAppointments(ctx context.Context, day time.Time) ([]domain.Appointment, error) {
	return s.repo.ListAppointments(ctx, day)
}

func (s *Service) UpdateAppointmentStatus(ctx context.Context, id string, status string) (domain.Appointment, error) {
	switch status {
	case domain.AppointmentStatusBooked, domain.AppointmentStatusCompleted, domain.AppointmentStatusCancelled:
	default:
		return domain.Appointment{}, store.ErrInvalidRequest
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, status)
	if err != nil {
		return domain.Appointment{}, err
	}
	s.logAudit(ctx, "appointment_status", "appointment", id, status)
	return *updated, nil
}

func (s *Service) CreateClinicalRecord(ctx context.Context, req domain.ClinicalRecordCreateRequest) (domain.ClinicalRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ClinicalRecord{}, fmt.Errorf("authenticated vet required")
	}

	req.PetID = strings.TrimSpace(req.PetID)
	req.Diagnosis = strings.TrimSpace(req.Diagnosis)
	if req.PetID == "" || req.Diagnosis == "" {
		return domain.ClinicalRecord{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateClinicalRecord(ctx, domain.ClinicalRecord{
		PetID:       req.PetID,
		VetUsername: actor.Username,
		Diagnosis:   req.Diagnosis,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.ClinicalRecord{}, err
	}
	s.logAudit(ctx, "clinical_record_create", "clinical_record", created.ID, fmt.Sprintf("pet=%s", created.PetID))
	return *created, nil
}

func (s *Service) GetClinicalRecord(ctx context.Context, id string) (domain.ClinicalRecord, error) {
	rec, err := s.repo.GetClinicalRecord(ctx, id)
	if err != nil {
		return domain.ClinicalRecord{}, err
	}
	return *rec, nil
}

func (s *Service) ListClinicalRecordsByPet(ctx context.Context, petID string) ([]domain.ClinicalRecord, error) {
	return s.repo.ListClinicalRecordsByPet(ctx, petID)
}

func (s *Service) CreateMedicine(ctx context.Context, req domain.MedicineCreateRequest) (domain.Medicine, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Medicine{}, fmt.Errorf("admin role required")
	}

	req.ItemID = strings.ToUpper(strings.TrimSpace(req.ItemID))
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.ItemID == "" || req.Name == "" || req.Unit == "" || req.UnitPriceCents < 1 {
		return domain.Medicine{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateMedicine(ctx, domain.Medicine{
		ItemID:         req.ItemID,
		Name:           req.Name,
		Unit:           req.Unit,
		UnitPriceCents: req.UnitPriceCents,
		Active:         true,
	})
	if err != nil {
		return domain.Medicine{}, err
	}

	s.invalidateCatalogCache(ctx)
	s.logAudit(ctx, "medicine_create", "medicine", created.ItemID, fmt.Sprintf("name=%s,price=%d", created.Name, created.UnitPriceCents))
	return *created, nil
}

func (s *Service) UpdateMedicine(ctx context.Context, itemID string, req domain.MedicineUpdateRequest) (domain.Medicine, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Medicine{}, fmt.Errorf("admin role required")
	}

	itemID = strings.ToUpper(strings.TrimSpace(itemID))
	if itemID == "" {
		return domain.Medicine{}, store.ErrInvalidRequest
	}

	existing, err := s.repo.GetMedicine(ctx, itemID)
	if err != nil {
		return domain.Medicine{}, err
	}

	med := *existing
	if req.Name != nil {
		med.Name = strings.TrimSpace(*req.Name)
	}
	if req.Unit != nil {
		med.Unit = strings.TrimSpace(*req.Unit)
	}
	if req.UnitPriceCents != nil {
		med.UnitPriceCents = *req.UnitPriceCents
	}
	if req.Active != nil {
		med.Active = *req.Active
	}
	if med.Name == "" || med.Unit == "" || med.UnitPriceCents < 1 {
		return domain.Medicine{}, store.ErrInvalidRequest
	}

	updated, err := s.repo.UpdateMedicine(ctx, med)
	if err != nil {
		return domain.Medicine{}, err
	}

	s.invalidateCatalogCache(ctx)
	s.logAudit(ctx, "medicine_update", "medicine", updated.ItemID, fmt.Sprintf("active=%t,price=%d", updated.Active, updated.UnitPriceCents))
	return *updated, nil
}

func (s *Service) GetMedicine(ctx context.Context, itemID string) (domain.Medicine, error) {
	med, err := s.repo.GetMedicine(ctx, strings.ToUpper(strings.TrimSpace(itemID)))
	if err != nil {
		return domain.Medicine{}, err
	}
	return *med, nil
}

// ListMedicines serves the catalog listing through the cache. Stock levels
// are intentionally not part of the payload; quantities are always read
// fresh from the ledger.
func (s *Service) ListMedicines(ctx context.Context) ([]domain.Medicine, error) {
	if cached, ok, err := s.catalogCache.GetMedicines(ctx, medicineCatalogCacheKey); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: catalog cache read failed: %v", err)
	}

	medicines, err := s.repo.ListMedicines(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.catalogCache.SetMedicines(ctx, medicineCatalogCacheKey, medicines, s.catalogCacheTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed: %v", err)
	}
	return medicines, nil
}

func (s *Service) invalidateCatalogCache(ctx context.Context) {
	if err := s.catalogCache.Invalidate(ctx, medicineCatalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
	}
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest) (domain.StockLot, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.StockLot{}, fmt.Errorf("admin role required")
	}

	req.LocationID = strings.ToUpper(strings.TrimSpace(req.LocationID))
	req.ItemID = strings.ToUpper(strings.TrimSpace(req.ItemID))
	if req.LocationID == "" || req.ItemID == "" || req.Qty < 1 {
		return domain.StockLot{}, store.ErrInvalidRequest
	}

	if _, err := s.repo.GetMedicine(ctx, req.ItemID); err != nil {
		return domain.StockLot{}, err
	}

	lot, err := s.repo.ReceiveStock(ctx, req.LocationID, req.ItemID, req.Qty)
	if err != nil {
		return domain.StockLot{}, err
	}
	s.logAudit(ctx, "stock_receive", "stock_lot", fmt.Sprintf("%s/%s", lot.LocationID, lot.ItemID), fmt.Sprintf("received=%d,qty=%d", req.Qty, lot.Qty))
	return *lot, nil
}

func (s *Service) GetStock(ctx context.Context, itemID string) (domain.StockListResponse, error) {
	itemID = strings.ToUpper(strings.TrimSpace(itemID))
	if itemID == "" {
		return domain.StockListResponse{}, store.ErrInvalidRequest
	}
	if _, err := s.repo.GetMedicine(ctx, itemID); err != nil {
		return domain.StockListResponse{}, err
	}

	holdings, err := s.repo.ListStock(ctx, itemID)
	if err != nil {
		return domain.StockListResponse{}, err
	}
	total := 0
	for _, holding := range holdings {
		total += holding.Qty
	}
	return domain.StockListResponse{
		ItemID:         itemID,
		TotalAvailable: total,
		Locations:      holdings,
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
