package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BookingRecord represents the bookings table.
type BookingRecord struct {
	BookingID            string    `gorm:"type:uuid;primaryKey"`
	Reference            string    `gorm:"not null;uniqueIndex:uniq_booking_reference"`
	ClientID             string    `gorm:"not null;index:idx_bookings_client"`
	ProviderID           string    `gorm:"not null;index:idx_bookings_provider"`
	Tier                 int       `gorm:"not null"`
	Status               string    `gorm:"not null;index:idx_bookings_status"`
	PriceCents           int64     `gorm:"not null"`
	ScheduledAt          time.Time `gorm:"not null"`
	Address              string    `gorm:"not null"`
	Latitude             float64   `gorm:""`
	Longitude            float64   `gorm:""`
	Scope                string    `gorm:"type:text"`
	CompletedAt          *time.Time
	CaptureTransactionID string
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (BookingRecord) TableName() string { return "bookings" }

func (record *BookingRecord) BeforeCreate(tx *gorm.DB) error {
	if record.BookingID == "" {
		record.BookingID = uuid.NewString()
	}
	return nil
}

// LedgerRecord mirrors the escrow_ledgers table, 1:1 with bookings.
type LedgerRecord struct {
	BookingID          string    `gorm:"type:uuid;primaryKey"`
	TotalHeldCents     int64     `gorm:"not null"`
	CommitmentCents    int64     `gorm:"not null"`
	BalanceCents       int64     `gorm:"not null"`
	CommitmentReleased bool      `gorm:"not null"`
	BalanceReleased    bool      `gorm:"not null"`
	Frozen             bool      `gorm:"not null"`
	Refunded           bool      `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (LedgerRecord) TableName() string { return "escrow_ledgers" }

// TimelineRecord is one append-only audit line per transition.
type TimelineRecord struct {
	EventID    string    `gorm:"type:uuid;primaryKey"`
	BookingID  string    `gorm:"type:uuid;not null;index:idx_timeline_booking_occurred,priority:1"`
	Status     string    `gorm:"not null"`
	OccurredAt time.Time `gorm:"not null;index:idx_timeline_booking_occurred,priority:2"`
	Note       string    `gorm:"type:text"`
}

func (TimelineRecord) TableName() string { return "timeline_events" }

func (record *TimelineRecord) BeforeCreate(tx *gorm.DB) error {
	if record.EventID == "" {
		record.EventID = uuid.NewString()
	}
	return nil
}

// OTPRecordModel mirrors the otp_records table. Regeneration supersedes
// rows; nothing is deleted.
type OTPRecordModel struct {
	OTPID       string    `gorm:"type:uuid;primaryKey"`
	BookingID   string    `gorm:"type:uuid;not null;index:idx_otp_booking"`
	Code        string    `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	Attempts    int       `gorm:"not null"`
	MaxAttempts int       `gorm:"not null"`
	Verified    bool      `gorm:"not null"`
	Locked      bool      `gorm:"not null"`
	Superseded  bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (OTPRecordModel) TableName() string { return "otp_records" }

func (record *OTPRecordModel) BeforeCreate(tx *gorm.DB) error {
	if record.OTPID == "" {
		record.OTPID = uuid.NewString()
	}
	return nil
}

// RectificationRecord mirrors the rectification_cases table.
type RectificationRecord struct {
	CaseID           string    `gorm:"type:uuid;primaryKey"`
	BookingID        string    `gorm:"type:uuid;not null;index:idx_rectification_booking"`
	Description      string    `gorm:"type:text;not null"`
	Status           string    `gorm:"not null"`
	ReportedAt       time.Time `gorm:"not null"`
	ResponseDeadline time.Time `gorm:"not null"`
	FixScheduledAt   *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (RectificationRecord) TableName() string { return "rectification_cases" }

// InvoiceRecord mirrors the scope_change_invoices table.
type InvoiceRecord struct {
	InvoiceID            string    `gorm:"type:uuid;primaryKey"`
	BookingID            string    `gorm:"type:uuid;not null;index:idx_invoices_booking"`
	Description          string    `gorm:"type:text;not null"`
	AmountCents          int64     `gorm:"not null"`
	Status               string    `gorm:"not null"`
	CaptureTransactionID string
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (InvoiceRecord) TableName() string { return "scope_change_invoices" }

// IncidentRecord mirrors the safety_incidents table.
type IncidentRecord struct {
	IncidentID  string         `gorm:"type:uuid;primaryKey"`
	BookingID   string         `gorm:"type:uuid;not null;index:idx_incidents_booking"`
	TriggeredBy string         `gorm:"not null"`
	Details     datatypes.JSON `gorm:"type:jsonb"`
	TriggeredAt time.Time      `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (IncidentRecord) TableName() string { return "safety_incidents" }

// CommandKeyRecord tracks client idempotency keys per booking.
type CommandKeyRecord struct {
	BookingID string    `gorm:"primaryKey"`
	Key       string    `gorm:"primaryKey"`
	Command   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (CommandKeyRecord) TableName() string { return "command_keys" }
