package booking

import "context"

// Store is the persistence contract used by Service.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateBooking(ctx context.Context, record Booking) error
	GetBooking(ctx context.Context, bookingID string) (Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID string, from, to BookingStatus) error
	SetBookingCompletedAt(ctx context.Context, bookingID string, completedUnixUTC int64) error
	SetBookingCaptureTransaction(ctx context.Context, bookingID string, transactionID string) error

	AppendTimeline(ctx context.Context, event TimelineEvent) error
	ListTimeline(ctx context.Context, bookingID string) ([]TimelineEvent, error)

	CreateLedger(ctx context.Context, record Ledger) error
	GetLedger(ctx context.Context, bookingID string) (Ledger, error)
	SaveLedger(ctx context.Context, record Ledger) error

	CreateOTP(ctx context.Context, record OTPRecord) error
	GetActiveOTP(ctx context.Context, bookingID string) (OTPRecord, error)
	SaveOTP(ctx context.Context, record OTPRecord) error
	SupersedeOTPs(ctx context.Context, bookingID string) error

	CreateRectificationCase(ctx context.Context, record RectificationCase) error
	GetRectificationCase(ctx context.Context, caseID string) (RectificationCase, error)
	GetOpenRectificationCase(ctx context.Context, bookingID string) (RectificationCase, bool, error)
	UpdateRectificationStatus(ctx context.Context, caseID string, from, to RectificationStatus) error
	SetRectificationFixSchedule(ctx context.Context, caseID string, fixUnixUTC int64) error

	CreateInvoice(ctx context.Context, record ScopeChangeInvoice) error
	GetInvoice(ctx context.Context, invoiceID string) (ScopeChangeInvoice, error)
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, from, to InvoiceStatus) error
	SetInvoiceCaptureTransaction(ctx context.Context, invoiceID string, transactionID string) error

	CreateSafetyIncident(ctx context.Context, record SafetyIncident) error

	// ScheduleTask persists a time-based obligation. Called inside the
	// same transaction as the transition that creates the obligation so
	// a deadline can never be lost between a commit and a crash.
	ScheduleTask(ctx context.Context, kind TaskKind, bookingID string, runAtUnixUTC int64) error

	// RecordCommand stores a command idempotency key. It reports true when
	// the same key was already recorded for the same command (a retry the
	// caller should treat as a no-op success) and ErrDuplicateIdempotencyKey
	// when the key was used by a different command.
	RecordCommand(ctx context.Context, bookingID string, key string, command string) (bool, error)
	DeleteCommand(ctx context.Context, bookingID string, key string) error
}

// PaymentGateway captures funds into escrow and refunds them. Calls are
// synchronous and happen before the matching transition commits; a
// gateway failure leaves booking and ledger untouched.
type PaymentGateway interface {
	Capture(ctx context.Context, amount AmountCents, paymentMethodRef string) (string, error)
	Refund(ctx context.Context, transactionID string, amount AmountCents) error
}

// TaskKind enumerates scheduled obligations.
type TaskKind string

const (
	TaskAutoRelease             TaskKind = "auto_release"
	TaskNoShowCheck             TaskKind = "no_show_check"
	TaskRectificationEscalation TaskKind = "rectification_escalation"
)

// String returns the kind value.
func (kind TaskKind) String() string {
	return string(kind)
}

// Notifier publishes fire-and-forget transition events. Delivery failure
// must never block or roll back a transition.
type Notifier interface {
	Publish(ctx context.Context, event string, payload map[string]any) error
}
