package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"klinikvet/backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrPetHasNoOwner  = errors.New("pet has no registered owner")
)

// InsufficientStockError reports the exact item and shortfall so the caller
// can tell the clinician which line could not be fulfilled.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

// FulfillmentFailedError wraps an unexpected persistence failure during the
// transactional phase. The transaction is always rolled back before this
// error is returned.
type FulfillmentFailedError struct {
	Err error
}

func (e *FulfillmentFailedError) Error() string {
	return fmt.Sprintf("fulfillment failed: %v", e.Err)
}

func (e *FulfillmentFailedError) Unwrap() error {
	return e.Err
}

// StockLedger is the transactional view of per-(location, item) stock.
// LocationsHolding returns holdings ordered by location id ascending; that
// stable ordering is the consumption order during fulfillment and must not
// change. DecrementStock is an atomic check-and-subtract: it fails with
// *InsufficientStockError instead of ever writing a negative quantity.
type StockLedger interface {
	LocationsHolding(ctx context.Context, itemID string) ([]domain.LocationStock, error)
	DecrementStock(ctx context.Context, locationID string, itemID string, qty int) error
}

// RecordWriter persists prescription and invoice rows exactly as given.
// It applies no business rules; totals and identifiers are computed by the
// coordinator.
type RecordWriter interface {
	InsertPrescription(ctx context.Context, p domain.Prescription) error
	InsertPrescriptionLine(ctx context.Context, line domain.PrescriptionLine) error
	InsertInvoice(ctx context.Context, inv domain.Invoice) error
	InsertInvoiceLine(ctx context.Context, line domain.InvoiceLine) error
}

// FulfillmentTx is the explicit transaction handle for one fulfillment.
// All writes between Begin and Commit are atomic; Rollback discards them.
// Rollback after Commit is a no-op, so callers may defer it unconditionally.
type FulfillmentTx interface {
	StockLedger
	RecordWriter
	Commit() error
	Rollback() error
}

type Repository interface {
	Begin(ctx context.Context) (FulfillmentTx, error)

	TotalAvailable(ctx context.Context, itemID string) (int, error)
	ListStock(ctx context.Context, itemID string) ([]domain.LocationStock, error)
	ReceiveStock(ctx context.Context, locationID string, itemID string, qty int) (*domain.StockLot, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)

	CreatePet(ctx context.Context, pet domain.Pet) (*domain.Pet, error)
	GetPet(ctx context.Context, id string) (*domain.Pet, error)
	ListPetsByOwner(ctx context.Context, ownerID string) ([]domain.Pet, error)

	CreateAppointment(ctx context.Context, appt domain.Appointment) (*domain.Appointment, error)
	ListAppointments(ctx context.Context, day time.Time) ([]domain.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id string, status string) (*domain.Appointment, error)

	CreateClinicalRecord(ctx context.Context, rec domain.ClinicalRecord) (*domain.ClinicalRecord, error)
	GetClinicalRecord(ctx context.Context, id string) (*domain.ClinicalRecord, error)
	ListClinicalRecordsByPet(ctx context.Context, petID string) ([]domain.ClinicalRecord, error)

	CreateMedicine(ctx context.Context, med domain.Medicine) (*domain.Medicine, error)
	GetMedicine(ctx context.Context, itemID string) (*domain.Medicine, error)
	UpdateMedicine(ctx context.Context, med domain.Medicine) (*domain.Medicine, error)
	ListMedicines(ctx context.Context) ([]domain.Medicine, error)

	GetPrescription(ctx context.Context, id string) (*domain.Prescription, error)
	ListPrescriptionsByPet(ctx context.Context, petID string) ([]domain.Prescription, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoicesByCustomer(ctx context.Context, customerID string) ([]domain.Invoice, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateStaff(ctx context.Context, account domain.StaffAccount) error
	ListStaff(ctx context.Context) ([]domain.StaffAccount, error)
	UpdateStaffPassword(ctx context.Context, username string, password string) error
}
