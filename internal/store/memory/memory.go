package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"klinikvet/backend/internal/domain"
	"klinikvet/backend/internal/store"
	"klinikvet/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	customers       map[string]domain.Customer
	pets            map[string]domain.Pet
	appointments    map[string]domain.Appointment
	clinicalRecords map[string]domain.ClinicalRecord
	medicines       map[string]domain.Medicine
	stock           map[string]map[string]int // itemID -> locationID -> qty
	stockUpdatedAt  map[string]map[string]time.Time
	prescriptions   map[string]*domain.Prescription
	invoices        map[string]*domain.Invoice
	auditLogs       []domain.AuditLog
	staffByUsername map[string]domain.StaffAccount
}

// seedStaff builds the initial in-memory staff accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_VET_PASSWORD; hardcoded
// dev defaults are used with a warning when unset. These accounts are never
// used in production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedStaff() map[string]domain.StaffAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	vetPwd := envOr("SEED_VET_PASSWORD", "vet123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_VET_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_VET_PASSWORD to override.")
	}

	now := time.Now().UTC()
	staff := map[string]domain.StaffAccount{}
	for _, member := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"drg.rani", vetPwd, domain.RoleVet},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(member.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", member.username, err)
		}
		staff[member.username] = domain.StaffAccount{
			Username:  member.username,
			Password:  string(hash),
			Role:      member.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return staff
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	customers := map[string]domain.Customer{
		"cust-1": {ID: "cust-1", Name: "Budi Santoso", Phone: "0812-1111-2222", CreatedAt: now},
		"cust-2": {ID: "cust-2", Name: "Sari Wulandari", Phone: "0813-3333-4444", CreatedAt: now},
	}

	pets := map[string]domain.Pet{
		"pet-1": {ID: "pet-1", OwnerID: "cust-1", Name: "Milo", Species: "cat", Breed: "domestic shorthair", CreatedAt: now},
		"pet-2": {ID: "pet-2", OwnerID: "cust-2", Name: "Bruno", Species: "dog", Breed: "golden retriever", CreatedAt: now},
		"pet-3": {ID: "pet-3", OwnerID: "", Name: "Stray", Species: "cat", CreatedAt: now},
	}

	medicines := map[string]domain.Medicine{
		"MED-AMOX-250":  {ItemID: "MED-AMOX-250", Name: "Amoxicillin 250mg", Unit: "tablet", UnitPriceCents: 1500, Active: true},
		"MED-CARP-50":   {ItemID: "MED-CARP-50", Name: "Carprofen 50mg", Unit: "tablet", UnitPriceCents: 4200, Active: true},
		"MED-MELOX-15":  {ItemID: "MED-MELOX-15", Name: "Meloxicam 1.5mg/ml", Unit: "bottle", UnitPriceCents: 18500, Active: true},
		"MED-OTIC-SOL":  {ItemID: "MED-OTIC-SOL", Name: "Otic Cleansing Solution", Unit: "bottle", UnitPriceCents: 9800, Active: true},
		"MED-DEWRM-CAT": {ItemID: "MED-DEWRM-CAT", Name: "Feline Dewormer", Unit: "tablet", UnitPriceCents: 2600, Active: true},
	}

	stock := map[string]map[string]int{
		"MED-AMOX-250":  {"GUDANG-A": 40, "GUDANG-B": 25},
		"MED-CARP-50":   {"GUDANG-A": 12},
		"MED-MELOX-15":  {"GUDANG-A": 6, "GUDANG-B": 4},
		"MED-OTIC-SOL":  {"GUDANG-B": 15},
		"MED-DEWRM-CAT": {"GUDANG-A": 30, "GUDANG-B": 30},
	}
	stockUpdatedAt := map[string]map[string]time.Time{}
	for itemID, locations := range stock {
		stockUpdatedAt[itemID] = map[string]time.Time{}
		for locationID := range locations {
			stockUpdatedAt[itemID][locationID] = now
		}
	}

	return &Store{
		customers:       customers,
		pets:            pets,
		appointments:    make(map[string]domain.Appointment),
		clinicalRecords: make(map[string]domain.ClinicalRecord),
		medicines:       medicines,
		stock:           stock,
		stockUpdatedAt:  stockUpdatedAt,
		prescriptions:   make(map[string]*domain.Prescription),
		invoices:        make(map[string]*domain.Invoice),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		staffByUsername: seedStaff(),
	}
}

// New returns an empty store, useful for tests that want full control over
// seeded data.
func New() *Store {
	s := NewSeeded()
	s.customers = make(map[string]domain.Customer)
	s.pets = make(map[string]domain.Pet)
	s.medicines = make(map[string]domain.Medicine)
	s.stock = make(map[string]map[string]int)
	s.stockUpdatedAt = make(map[string]map[string]time.Time)
	return s
}

// tx holds the store's write lock from Begin until Commit or Rollback, so a
// fulfillment in flight serializes against every other store access exactly
// like the serializable SQL transaction does in the postgres store. Rollback
// replays the undo journal in reverse.
type tx struct {
	s    *Store
	done bool
	undo []func()
}

func (s *Store) Begin(_ context.Context) (store.FulfillmentTx, error) {
	s.mu.Lock()
	return &tx{s: s}, nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) LocationsHolding(_ context.Context, itemID string) ([]domain.LocationStock, error) {
	return t.s.locationsHoldingLocked(itemID), nil
}

func (t *tx) DecrementStock(_ context.Context, locationID string, itemID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidRequest
	}
	locations, ok := t.s.stock[itemID]
	if !ok {
		return &store.InsufficientStockError{ItemID: itemID, Requested: qty, Available: 0}
	}
	current := locations[locationID]
	if current < qty {
		return &store.InsufficientStockError{ItemID: itemID, Requested: qty, Available: current}
	}
	stamps := t.s.stockUpdatedAt[itemID]
	if stamps == nil {
		stamps = map[string]time.Time{}
		t.s.stockUpdatedAt[itemID] = stamps
	}
	prevStamp := stamps[locationID]
	locations[locationID] = current - qty
	stamps[locationID] = time.Now().UTC()
	t.undo = append(t.undo, func() {
		locations[locationID] = current
		stamps[locationID] = prevStamp
	})
	return nil
}

func (t *tx) InsertPrescription(_ context.Context, p domain.Prescription) error {
	stored := p
	stored.Lines = append([]domain.PrescriptionLine(nil), p.Lines...)
	t.s.prescriptions[p.ID] = &stored
	t.undo = append(t.undo, func() {
		delete(t.s.prescriptions, p.ID)
	})
	return nil
}

func (t *tx) InsertPrescriptionLine(_ context.Context, line domain.PrescriptionLine) error {
	p, ok := t.s.prescriptions[line.PrescriptionID]
	if !ok {
		return store.ErrNotFound
	}
	p.Lines = append(p.Lines, line)
	t.undo = append(t.undo, func() {
		if p, ok := t.s.prescriptions[line.PrescriptionID]; ok && len(p.Lines) > 0 {
			p.Lines = p.Lines[:len(p.Lines)-1]
		}
	})
	return nil
}

func (t *tx) InsertInvoice(_ context.Context, inv domain.Invoice) error {
	stored := inv
	stored.Lines = append([]domain.InvoiceLine(nil), inv.Lines...)
	t.s.invoices[inv.ID] = &stored
	t.undo = append(t.undo, func() {
		delete(t.s.invoices, inv.ID)
	})
	return nil
}

func (t *tx) InsertInvoiceLine(_ context.Context, line domain.InvoiceLine) error {
	inv, ok := t.s.invoices[line.InvoiceID]
	if !ok {
		return store.ErrNotFound
	}
	inv.Lines = append(inv.Lines, line)
	t.undo = append(t.undo, func() {
		if inv, ok := t.s.invoices[line.InvoiceID]; ok && len(inv.Lines) > 0 {
			inv.Lines = inv.Lines[:len(inv.Lines)-1]
		}
	})
	return nil
}

func (s *Store) locationsHoldingLocked(itemID string) []domain.LocationStock {
	locations := s.stock[itemID]
	holdings := make([]domain.LocationStock, 0, len(locations))
	for locationID, qty := range locations {
		holdings = append(holdings, domain.LocationStock{LocationID: locationID, Qty: qty})
	}
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].LocationID < holdings[j].LocationID
	})
	return holdings
}

func (s *Store) TotalAvailable(_ context.Context, itemID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, qty := range s.stock[itemID] {
		total += qty
	}
	return total, nil
}

func (s *Store) ListStock(_ context.Context, itemID string) ([]domain.LocationStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locationsHoldingLocked(itemID), nil
}

func (s *Store) ReceiveStock(_ context.Context, locationID string, itemID string, qty int) (*domain.StockLot, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.medicines[itemID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.stock[itemID]; !ok {
		s.stock[itemID] = map[string]int{}
		s.stockUpdatedAt[itemID] = map[string]time.Time{}
	}
	s.stock[itemID][locationID] += qty
	now := time.Now().UTC()
	s.stockUpdatedAt[itemID][locationID] = now

	return &domain.StockLot{
		LocationID: locationID,
		ItemID:     itemID,
		Qty:        s.stock[itemID][locationID],
		UpdatedAt:  now,
	}, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		customers = append(customers, customer)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) CreatePet(_ context.Context, pet domain.Pet) (*domain.Pet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pet.OwnerID != "" {
		if _, ok := s.customers[pet.OwnerID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if pet.ID == "" {
		pet.ID = xid.New("pet")
	}
	if pet.CreatedAt.IsZero() {
		pet.CreatedAt = time.Now().UTC()
	}
	s.pets[pet.ID] = pet
	created := pet
	return &created, nil
}

func (s *Store) GetPet(_ context.Context, id string) (*domain.Pet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pet, ok := s.pets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := pet
	return &found, nil
}

func (s *Store) ListPetsByOwner(_ context.Context, ownerID string) ([]domain.Pet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pets := make([]domain.Pet, 0, 8)
	for _, pet := range s.pets {
		if pet.OwnerID == ownerID {
			pets = append(pets, pet)
		}
	}
	sort.Slice(pets, func(i, j int) bool { return pets[i].ID < pets[j].ID })
	return pets, nil
}

func (s *Store) CreateAppointment(_ context.Context, appt domain.Appointment) (*domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pets[appt.PetID]; !ok {
		return nil, store.ErrNotFound
	}
	if appt.ID == "" {
		appt.ID = xid.New("appt")
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	if appt.Status == "" {
		appt.Status = domain.AppointmentStatusBooked
	}
	s.appointments[appt.ID] = appt
	created := appt
	return &created, nil
}

func (s *Store) ListAppointments(_ context.Context, day time.Time) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	appointments := make([]domain.Appointment, 0, 16)
	for _, appt := range s.appointments {
		at := appt.ScheduledAt.UTC()
		if !at.Before(dayStart) && at.Before(dayEnd) {
			appointments = append(appointments, appt)
		}
	}
	sort.Slice(appointments, func(i, j int) bool {
		return appointments[i].ScheduledAt.Before(appointments[j].ScheduledAt)
	})
	return appointments, nil
}

func (s *Store) UpdateAppointmentStatus(_ context.Context, id string, status string) (*domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	appt.Status = status
	s.appointments[id] = appt
	updated := appt
	return &updated, nil
}

func (s *Store) CreateClinicalRecord(_ context.Context, rec domain.ClinicalRecord) (*domain.ClinicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pets[rec.PetID]; !ok {
		return nil, store.ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = xid.New("rec")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.clinicalRecords[rec.ID] = rec
	created := rec
	return &created, nil
}

func (s *Store) GetClinicalRecord(_ context.Context, id string) (*domain.ClinicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clinicalRecords[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := rec
	return &found, nil
}

func (s *Store) ListClinicalRecordsByPet(_ context.Context, petID string) ([]domain.ClinicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.ClinicalRecord, 0, 8)
	for _, rec := range s.clinicalRecords {
		if rec.PetID == petID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

func (s *Store) CreateMedicine(_ context.Context, med domain.Medicine) (*domain.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.medicines[med.ItemID]; exists {
		return nil, store.ErrInvalidRequest
	}
	med.Active = true
	s.medicines[med.ItemID] = med
	created := med
	return &created, nil
}

func (s *Store) GetMedicine(_ context.Context, itemID string) (*domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	med, ok := s.medicines[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := med
	return &found, nil
}

func (s *Store) UpdateMedicine(_ context.Context, med domain.Medicine) (*domain.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.medicines[med.ItemID]; !ok {
		return nil, store.ErrNotFound
	}
	s.medicines[med.ItemID] = med
	updated := med
	return &updated, nil
}

func (s *Store) ListMedicines(_ context.Context) ([]domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	medicines := make([]domain.Medicine, 0, len(s.medicines))
	for _, med := range s.medicines {
		if med.Active {
			medicines = append(medicines, med)
		}
	}
	sort.Slice(medicines, func(i, j int) bool { return medicines[i].ItemID < medicines[j].ItemID })
	return medicines, nil
}

func clonePrescription(p *domain.Prescription) *domain.Prescription {
	cloned := *p
	cloned.Lines = append([]domain.PrescriptionLine(nil), p.Lines...)
	return &cloned
}

func cloneInvoice(inv *domain.Invoice) *domain.Invoice {
	cloned := *inv
	cloned.Lines = append([]domain.InvoiceLine(nil), inv.Lines...)
	return &cloned
}

func (s *Store) GetPrescription(_ context.Context, id string) (*domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePrescription(p), nil
}

func (s *Store) ListPrescriptionsByPet(_ context.Context, petID string) ([]domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prescriptions := make([]domain.Prescription, 0, 8)
	for _, p := range s.prescriptions {
		if p.PetID == petID {
			prescriptions = append(prescriptions, *clonePrescription(p))
		}
	}
	sort.Slice(prescriptions, func(i, j int) bool {
		return prescriptions[i].IssuedAt.Before(prescriptions[j].IssuedAt)
	})
	return prescriptions, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *Store) ListInvoicesByCustomer(_ context.Context, customerID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices := make([]domain.Invoice, 0, 8)
	for _, inv := range s.invoices {
		if inv.CustomerID == customerID {
			invoices = append(invoices, *cloneInvoice(inv))
		}
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].IssuedAt.Before(invoices[j].IssuedAt) })
	return invoices, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateStaff(_ context.Context, account domain.StaffAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.TrimSpace(account.Username)
	if username == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.staffByUsername[username]; exists {
		return store.ErrInvalidRequest
	}
	account.Username = username
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.staffByUsername[username] = account
	return nil
}

func (s *Store) ListStaff(_ context.Context) ([]domain.StaffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staff := make([]domain.StaffAccount, 0, len(s.staffByUsername))
	for _, account := range s.staffByUsername {
		staff = append(staff, account)
	}
	sort.Slice(staff, func(i, j int) bool { return staff[i].Username < staff[j].Username })
	return staff, nil
}

func (s *Store) UpdateStaffPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.staffByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	account.Password = password
	s.staffByUsername[username] = account
	return nil
}
