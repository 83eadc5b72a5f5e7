package domain

import "time"

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Pet struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Species   string    `json:"species"`
	Breed     string    `json:"breed,omitempty"`
	BirthDate string    `json:"birth_date,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type PetCreateRequest struct {
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	Species   string `json:"species"`
	Breed     string `json:"breed"`
	BirthDate string `json:"birth_date"`
}

type Appointment struct {
	ID          string    `json:"id"`
	PetID       string    `json:"pet_id"`
	VetUsername string    `json:"vet_username"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type AppointmentBookRequest struct {
	PetID       string `json:"pet_id"`
	VetUsername string `json:"vet_username"`
	ScheduledAt string `json:"scheduled_at"`
	Reason      string `json:"reason"`
}

type AppointmentStatusRequest struct {
	Status string `json:"status"`
}

type ClinicalRecord struct {
	ID          string    `json:"id"`
	PetID       string    `json:"pet_id"`
	VetUsername string    `json:"vet_username"`
	Diagnosis   string    `json:"diagnosis"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ClinicalRecordCreateRequest struct {
	PetID     string `json:"pet_id"`
	Diagnosis string `json:"diagnosis"`
	Notes     string `json:"notes"`
}

// Medicine is a sellable catalog item that is clinically classified as a
// medicine. Prices are in cents, same as every money field in this backend.
type Medicine struct {
	ItemID         string `json:"item_id"`
	Name           string `json:"name"`
	Unit           string `json:"unit"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Active         bool   `json:"active"`
}

type MedicineCreateRequest struct {
	ItemID         string `json:"item_id"`
	Name           string `json:"name"`
	Unit           string `json:"unit"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type MedicineUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	Unit           *string `json:"unit,omitempty"`
	UnitPriceCents *int64  `json:"unit_price_cents,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

// StockLot is the quantity of one item held at one location. (LocationID,
// ItemID) is unique; Qty never goes below zero.
type StockLot struct {
	LocationID string    `json:"location_id"`
	ItemID     string    `json:"item_id"`
	Qty        int       `json:"qty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LocationStock is one entry of an ordered holdings listing for an item,
// ordered by location id ascending. The ordering is the consumption order
// used during fulfillment.
type LocationStock struct {
	LocationID string `json:"location_id"`
	Qty        int    `json:"qty"`
}

// AllocationSlice is one (location, amount) step of an allocation plan.
// Plans are transient and never persisted.
type AllocationSlice struct {
	LocationID string `json:"location_id"`
	Qty        int    `json:"qty"`
}

type StockReceiveRequest struct {
	LocationID string `json:"location_id"`
	ItemID     string `json:"item_id"`
	Qty        int    `json:"qty"`
}

type StockListResponse struct {
	ItemID         string          `json:"item_id"`
	TotalAvailable int             `json:"total_available"`
	Locations      []LocationStock `json:"locations"`
}

type PrescriptionLine struct {
	PrescriptionID string `json:"prescription_id"`
	ItemID         string `json:"item_id"`
	Qty            int    `json:"qty"`
	Instructions   string `json:"instructions,omitempty"`
}

type Prescription struct {
	ID               string             `json:"id"`
	PetID            string             `json:"pet_id"`
	ClinicianID      string             `json:"clinician_id"`
	ClinicalRecordID string             `json:"clinical_record_id"`
	IssuedAt         time.Time          `json:"issued_at"`
	TotalCents       int64              `json:"total_cents"`
	Lines            []PrescriptionLine `json:"lines"`
}

type InvoiceLine struct {
	InvoiceID      string `json:"invoice_id"`
	ItemID         string `json:"item_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type Invoice struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id"`
	IssuedAt   time.Time     `json:"issued_at"`
	TotalCents int64         `json:"total_cents"`
	Status     string        `json:"status"`
	Lines      []InvoiceLine `json:"lines"`
}

type FulfillmentLine struct {
	ItemID       string `json:"item_id"`
	Qty          int    `json:"qty"`
	Instructions string `json:"instructions"`
}

type FulfillmentRequest struct {
	PetID            string            `json:"pet_id"`
	ClinicalRecordID string            `json:"clinical_record_id"`
	Lines            []FulfillmentLine `json:"lines"`
}

// FulfillmentResult carries everything the caller needs to render a receipt
// without a second read.
type FulfillmentResult struct {
	Prescription Prescription  `json:"prescription"`
	InvoiceID    string        `json:"invoice_id"`
	CustomerID   string        `json:"customer_id"`
	TotalCents   int64         `json:"total_cents"`
	Lines        []InvoiceLine `json:"lines"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffMember struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// StaffAccount is an internal persistence model for auth credentials.
type StaffAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleVet   = "vet"
	RoleAdmin = "admin"
)

const (
	AppointmentStatusBooked    = "booked"
	AppointmentStatusCompleted = "completed"
	AppointmentStatusCancelled = "cancelled"
)

const (
	InvoiceStatusIssued = "issued"
	InvoiceStatusPaid   = "paid"
)
