package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"klinikvet/backend/internal/domain"
	"klinikvet/backend/internal/store"
	"klinikvet/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// fulfillmentTx wraps one serializable SQL transaction. LocationsHolding
// takes row locks (FOR UPDATE) so that the subsequent decrements cannot race
// a concurrent fulfillment on the same lots.
type fulfillmentTx struct {
	tx *sql.Tx
}

func (s *Store) Begin(ctx context.Context) (store.FulfillmentTx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &fulfillmentTx{tx: tx}, nil
}

func (t *fulfillmentTx) Commit() error {
	return t.tx.Commit()
}

func (t *fulfillmentTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *fulfillmentTx) LocationsHolding(ctx context.Context, itemID string) ([]domain.LocationStock, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT location_id, qty
		FROM stock_lots
		WHERE item_id = $1
		ORDER BY location_id ASC
		FOR UPDATE
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holdings := make([]domain.LocationStock, 0, 8)
	for rows.Next() {
		var holding domain.LocationStock
		if err := rows.Scan(&holding.LocationID, &holding.Qty); err != nil {
			return nil, err
		}
		holdings = append(holdings, holding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holdings, nil
}

func (t *fulfillmentTx) DecrementStock(ctx context.Context, locationID string, itemID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidRequest
	}

	// Conditional subtract: the WHERE clause guarantees the row can never go
	// negative, even if the quantity changed between the holdings read and
	// this statement.
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_lots
		SET qty = qty - $1, updated_at = now()
		WHERE location_id = $2 AND item_id = $3 AND qty >= $1
	`, qty, locationID, itemID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		available := 0
		err := t.tx.QueryRowContext(ctx, `
			SELECT qty FROM stock_lots WHERE location_id = $1 AND item_id = $2
		`, locationID, itemID).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return &store.InsufficientStockError{ItemID: itemID, Requested: qty, Available: available}
	}
	return nil
}

func (t *fulfillmentTx) InsertPrescription(ctx context.Context, p domain.Prescription) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO prescriptions (id, pet_id, clinician_id, clinical_record_id, issued_at, total_cents)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.ID, p.PetID, p.ClinicianID, p.ClinicalRecordID, p.IssuedAt, p.TotalCents)
	return err
}

func (t *fulfillmentTx) InsertPrescriptionLine(ctx context.Context, line domain.PrescriptionLine) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO prescription_items (prescription_id, item_id, qty, instructions)
		VALUES ($1,$2,$3,$4)
	`, line.PrescriptionID, line.ItemID, line.Qty, line.Instructions)
	return err
}

func (t *fulfillmentTx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (id, customer_id, issued_at, total_cents, status)
		VALUES ($1,$2,$3,$4,$5)
	`, inv.ID, inv.CustomerID, inv.IssuedAt, inv.TotalCents, inv.Status)
	return err
}

func (t *fulfillmentTx) InsertInvoiceLine(ctx context.Context, line domain.InvoiceLine) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_items (invoice_id, item_id, qty, unit_price_cents, line_total_cents)
		VALUES ($1,$2,$3,$4,$5)
	`, line.InvoiceID, line.ItemID, line.Qty, line.UnitPriceCents, line.LineTotalCents)
	return err
}

func (s *Store) TotalAvailable(ctx context.Context, itemID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM stock_lots WHERE item_id = $1
	`, itemID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListStock(ctx context.Context, itemID string) ([]domain.LocationStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, qty
		FROM stock_lots
		WHERE item_id = $1
		ORDER BY location_id ASC
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holdings := make([]domain.LocationStock, 0, 8)
	for rows.Next() {
		var holding domain.LocationStock
		if err := rows.Scan(&holding.LocationID, &holding.Qty); err != nil {
			return nil, err
		}
		holdings = append(holdings, holding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holdings, nil
}

func (s *Store) ReceiveStock(ctx context.Context, locationID string, itemID string, qty int) (*domain.StockLot, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	var lot domain.StockLot
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stock_lots (location_id, item_id, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (location_id, item_id)
		DO UPDATE SET qty = stock_lots.qty + EXCLUDED.qty, updated_at = now()
		RETURNING location_id, item_id, qty, updated_at
	`, locationID, itemID, qty).Scan(&lot.LocationID, &lot.ItemID, &lot.Qty, &lot.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lot.UpdatedAt = lot.UpdatedAt.UTC()
	return &lot, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, customer.ID, customer.Name, customer.Phone, customer.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, created_at
		FROM customers
		ORDER BY name ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		var customer domain.Customer
		if err := rows.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.CreatedAt); err != nil {
			return nil, err
		}
		customer.CreatedAt = customer.CreatedAt.UTC()
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreatePet(ctx context.Context, pet domain.Pet) (*domain.Pet, error) {
	if pet.ID == "" {
		pet.ID = xid.New("pet")
	}
	if pet.CreatedAt.IsZero() {
		pet.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pets (id, owner_id, name, species, breed, birth_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, pet.ID, nullIfEmpty(pet.OwnerID), pet.Name, pet.Species, nullIfEmpty(pet.Breed), nullIfEmpty(pet.BirthDate), pet.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := pet
	return &created, nil
}

func (s *Store) GetPet(ctx context.Context, id string) (*domain.Pet, error) {
	var pet domain.Pet
	var ownerID, breed, birthDate sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, species, breed, birth_date, created_at
		FROM pets
		WHERE id = $1
	`, id).Scan(&pet.ID, &ownerID, &pet.Name, &pet.Species, &breed, &birthDate, &pet.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	pet.OwnerID = ownerID.String
	pet.Breed = breed.String
	pet.BirthDate = birthDate.String
	pet.CreatedAt = pet.CreatedAt.UTC()
	return &pet, nil
}

func (s *Store) ListPetsByOwner(ctx context.Context, ownerID string) ([]domain.Pet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, species, breed, birth_date, created_at
		FROM pets
		WHERE owner_id = $1
		ORDER BY id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pets := make([]domain.Pet, 0, 8)
	for rows.Next() {
		var pet domain.Pet
		var owner, breed, birthDate sql.NullString
		if err := rows.Scan(&pet.ID, &owner, &pet.Name, &pet.Species, &breed, &birthDate, &pet.CreatedAt); err != nil {
			return nil, err
		}
		pet.OwnerID = owner.String
		pet.Breed = breed.String
		pet.BirthDate = birthDate.String
		pet.CreatedAt = pet.CreatedAt.UTC()
		pets = append(pets, pet)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pets, nil
}

func (s *Store) CreateAppointment(ctx context.Context, appt domain.Appointment) (*domain.Appointment, error) {
	if appt.ID == "" {
		appt.ID = xid.New("appt")
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	if appt.Status == "" {
		appt.Status = domain.AppointmentStatusBooked
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, pet_id, vet_username, scheduled_at, reason, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, appt.ID, appt.PetID, appt.VetUsername, appt.ScheduledAt, appt.Reason, appt.Status, appt.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := appt
	return &created, nil
}

func (s *Store) ListAppointments(ctx context.Context, day time.Time) ([]domain.Appointment, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pet_id, vet_username, scheduled_at, reason, status, created_at
		FROM appointments
		WHERE scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY scheduled_at ASC
	`, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appointments := make([]domain.Appointment, 0, 16)
	for rows.Next() {
		var appt domain.Appointment
		if err := rows.Scan(&appt.ID, &appt.PetID, &appt.VetUsername, &appt.ScheduledAt, &appt.Reason, &appt.Status, &appt.CreatedAt); err != nil {
			return nil, err
		}
		appt.ScheduledAt = appt.ScheduledAt.UTC()
		appt.CreatedAt = appt.CreatedAt.UTC()
		appointments = append(appointments, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return appointments, nil
}

func (s *Store) UpdateAppointmentStatus(ctx context.Context, id string, status string) (*domain.Appointment, error) {
	var appt domain.Appointment
	err := s.db.QueryRowContext(ctx, `
		UPDATE appointments
		SET status = $1
		WHERE id = $2
		RETURNING id, pet_id, vet_username, scheduled_at, reason, status, created_at
	`, status, id).Scan(&appt.ID, &appt.PetID, &appt.VetUsername, &appt.ScheduledAt, &appt.Reason, &appt.Status, &appt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	appt.ScheduledAt = appt.ScheduledAt.UTC()
	appt.CreatedAt = appt.CreatedAt.UTC()
	return &appt, nil
}

func (s *Store) CreateClinicalRecord(ctx context.Context, rec domain.ClinicalRecord) (*domain.ClinicalRecord, error) {
	if rec.ID == "" {
		rec.ID = xid.New("rec")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clinical_records (id, pet_id, vet_username, diagnosis, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.PetID, rec.VetUsername, rec.Diagnosis, nullIfEmpty(rec.Notes), rec.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := rec
	return &created, nil
}

func (s *Store) GetClinicalRecord(ctx context.Context, id string) (*domain.ClinicalRecord, error) {
	var rec domain.ClinicalRecord
	var notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pet_id, vet_username, diagnosis, notes, created_at
		FROM clinical_records
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.PetID, &rec.VetUsername, &rec.Diagnosis, &notes, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.Notes = notes.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *Store) ListClinicalRecordsByPet(ctx context.Context, petID string) ([]domain.ClinicalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pet_id, vet_username, diagnosis, notes, created_at
		FROM clinical_records
		WHERE pet_id = $1
		ORDER BY created_at ASC
	`, petID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ClinicalRecord, 0, 8)
	for rows.Next() {
		var rec domain.ClinicalRecord
		var notes sql.NullString
		if err := rows.Scan(&rec.ID, &rec.PetID, &rec.VetUsername, &rec.Diagnosis, &notes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Notes = notes.String
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreateMedicine(ctx context.Context, med domain.Medicine) (*domain.Medicine, error) {
	med.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medicines (item_id, name, unit, unit_price_cents, active)
		VALUES ($1,$2,$3,$4,$5)
	`, med.ItemID, med.Name, med.Unit, med.UnitPriceCents, med.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}
	created := med
	return &created, nil
}

func (s *Store) GetMedicine(ctx context.Context, itemID string) (*domain.Medicine, error) {
	var med domain.Medicine
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, name, unit, unit_price_cents, active
		FROM medicines
		WHERE item_id = $1
	`, itemID).Scan(&med.ItemID, &med.Name, &med.Unit, &med.UnitPriceCents, &med.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &med, nil
}

func (s *Store) UpdateMedicine(ctx context.Context, med domain.Medicine) (*domain.Medicine, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE medicines
		SET name = $1, unit = $2, unit_price_cents = $3, active = $4
		WHERE item_id = $5
	`, med.Name, med.Unit, med.UnitPriceCents, med.Active, med.ItemID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := med
	return &updated, nil
}

func (s *Store) ListMedicines(ctx context.Context) ([]domain.Medicine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, name, unit, unit_price_cents, active
		FROM medicines
		WHERE active = true
		ORDER BY item_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	medicines := make([]domain.Medicine, 0, 64)
	for rows.Next() {
		var med domain.Medicine
		if err := rows.Scan(&med.ItemID, &med.Name, &med.Unit, &med.UnitPriceCents, &med.Active); err != nil {
			return nil, err
		}
		medicines = append(medicines, med)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return medicines, nil
}

func (s *Store) GetPrescription(ctx context.Context, id string) (*domain.Prescription, error) {
	var p domain.Prescription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pet_id, clinician_id, clinical_record_id, issued_at, total_cents
		FROM prescriptions
		WHERE id = $1
	`, id).Scan(&p.ID, &p.PetID, &p.ClinicianID, &p.ClinicalRecordID, &p.IssuedAt, &p.TotalCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.IssuedAt = p.IssuedAt.UTC()

	lines, err := s.prescriptionLines(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Lines = lines
	return &p, nil
}

func (s *Store) prescriptionLines(ctx context.Context, prescriptionID string) ([]domain.PrescriptionLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prescription_id, item_id, qty, instructions
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY id ASC
	`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.PrescriptionLine, 0, 8)
	for rows.Next() {
		var line domain.PrescriptionLine
		if err := rows.Scan(&line.PrescriptionID, &line.ItemID, &line.Qty, &line.Instructions); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListPrescriptionsByPet(ctx context.Context, petID string) ([]domain.Prescription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pet_id, clinician_id, clinical_record_id, issued_at, total_cents
		FROM prescriptions
		WHERE pet_id = $1
		ORDER BY issued_at ASC
	`, petID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prescriptions := make([]domain.Prescription, 0, 8)
	for rows.Next() {
		var p domain.Prescription
		if err := rows.Scan(&p.ID, &p.PetID, &p.ClinicianID, &p.ClinicalRecordID, &p.IssuedAt, &p.TotalCents); err != nil {
			return nil, err
		}
		p.IssuedAt = p.IssuedAt.UTC()
		prescriptions = append(prescriptions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range prescriptions {
		lines, err := s.prescriptionLines(ctx, prescriptions[i].ID)
		if err != nil {
			return nil, err
		}
		prescriptions[i].Lines = lines
	}
	return prescriptions, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, issued_at, total_cents, status
		FROM invoices
		WHERE id = $1
	`, id).Scan(&inv.ID, &inv.CustomerID, &inv.IssuedAt, &inv.TotalCents, &inv.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	inv.IssuedAt = inv.IssuedAt.UTC()

	lines, err := s.invoiceLines(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return &inv, nil
}

func (s *Store) invoiceLines(ctx context.Context, invoiceID string) ([]domain.InvoiceLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, item_id, qty, unit_price_cents, line_total_cents
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY id ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.InvoiceLine, 0, 8)
	for rows.Next() {
		var line domain.InvoiceLine
		if err := rows.Scan(&line.InvoiceID, &line.ItemID, &line.Qty, &line.UnitPriceCents, &line.LineTotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListInvoicesByCustomer(ctx context.Context, customerID string) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, issued_at, total_cents, status
		FROM invoices
		WHERE customer_id = $1
		ORDER BY issued_at ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 8)
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(&inv.ID, &inv.CustomerID, &inv.IssuedAt, &inv.TotalCents, &inv.Status); err != nil {
			return nil, err
		}
		inv.IssuedAt = inv.IssuedAt.UTC()
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range invoices {
		lines, err := s.invoiceLines(ctx, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Lines = lines
	}
	return invoices, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateStaff(ctx context.Context, account domain.StaffAccount) error {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_accounts (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, account.Username, account.Password, account.Role, account.Active, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListStaff(ctx context.Context) ([]domain.StaffAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM staff_accounts
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staff := make([]domain.StaffAccount, 0, 16)
	for rows.Next() {
		var account domain.StaffAccount
		if err := rows.Scan(&account.Username, &account.Password, &account.Role, &account.Active, &account.CreatedAt); err != nil {
			return nil, err
		}
		account.CreatedAt = account.CreatedAt.UTC()
		staff = append(staff, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return staff, nil
}

func (s *Store) UpdateStaffPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE staff_accounts SET password = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
