package booking

import (
	"fmt"
	"strings"
)

// AmountCents is an integer currency in minor units.
type AmountCents int64

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// BookingID identifies a booking.
type BookingID struct {
	value string
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// PartyID identifies a client or provider account.
type PartyID struct {
	value string
}

// NewPartyID validates and normalizes a party id.
func NewPartyID(raw string) (PartyID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PartyID{}, fmt.Errorf("%w: empty value", ErrInvalidPartyID)
	}
	return PartyID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PartyID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection for commands.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Tier determines the commitment-fee share and observation window length.
type Tier int

const (
	tierMin = 1
	tierMax = 4

	secondsPerDay  = 24 * 60 * 60
	secondsPerHour = 60 * 60
)

// NewTier validates a tier value.
func NewTier(raw int) (Tier, error) {
	if raw < tierMin || raw > tierMax {
		return 0, fmt.Errorf("%w: must be between %d and %d", ErrInvalidTier, tierMin, tierMax)
	}
	return Tier(raw), nil
}

// Int returns the raw tier.
func (tier Tier) Int() int {
	return int(tier)
}

// CommitmentPercent is the share of the price released at check-in.
func (tier Tier) CommitmentPercent() int64 {
	return int64(tier) * 10
}

// CommitmentCents computes the commitment slice of a price. The remainder
// stays in the balance slice so the two always add up to the price.
func (tier Tier) CommitmentCents(price AmountCents) AmountCents {
	return AmountCents(price.Int64() * tier.CommitmentPercent() / 100)
}

var tierObservationDays = map[Tier]int64{1: 1, 2: 3, 3: 7, 4: 14}

// ObservationSeconds is the post-completion window before balance auto-release.
func (tier Tier) ObservationSeconds() int64 {
	return tierObservationDays[tier] * secondsPerDay
}

// ReopenSeconds is the shortened observation window after a rectified fix.
// Half the tier window, never below one day.
func (tier Tier) ReopenSeconds() int64 {
	half := tierObservationDays[tier] * secondsPerDay / 2
	if half < secondsPerDay {
		return secondsPerDay
	}
	return half
}

// BookingStatus defines the booking lifecycle.
type BookingStatus string

const (
	StatusRequested        BookingStatus = "requested"
	StatusConfirmed        BookingStatus = "confirmed"
	StatusProviderAccepted BookingStatus = "provider_confirmed"
	StatusEnRoute          BookingStatus = "en_route"
	StatusCheckedIn        BookingStatus = "checked_in"
	StatusObservation      BookingStatus = "observation"
	StatusRectification    BookingStatus = "rectification"
	StatusReleased         BookingStatus = "released"
	StatusAutoReleased     BookingStatus = "auto_released"
	StatusCancelled        BookingStatus = "cancelled"
	StatusNoShow           BookingStatus = "no_show"
	StatusDisputed         BookingStatus = "disputed"
)

// String returns the status value.
func (status BookingStatus) String() string {
	return string(status)
}

// ParseBookingStatus validates a stored status value.
func ParseBookingStatus(raw string) (BookingStatus, error) {
	status := BookingStatus(raw)
	switch status {
	case StatusRequested, StatusConfirmed, StatusProviderAccepted, StatusEnRoute,
		StatusCheckedIn, StatusObservation, StatusRectification, StatusReleased,
		StatusAutoReleased, StatusCancelled, StatusNoShow, StatusDisputed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBookingStatus, raw)
}

// IsTerminal reports whether no further transition is legal.
func (status BookingStatus) IsTerminal() bool {
	switch status {
	case StatusReleased, StatusAutoReleased, StatusCancelled, StatusNoShow, StatusDisputed:
		return true
	}
	return false
}

// IsReleased reports whether the balance left escrow, by auto-release or early release.
func (status BookingStatus) IsReleased() bool {
	return status == StatusReleased || status == StatusAutoReleased
}

// Booking is the authoritative record for one service engagement.
type Booking struct {
	BookingID            string
	Reference            string
	ClientID             string
	ProviderID           string
	Tier                 Tier
	Status               BookingStatus
	PriceCents           AmountCents
	ScheduledAtUnixUTC   int64
	Address              string
	Latitude             float64
	Longitude            float64
	Scope                string
	CompletedAtUnixUTC   int64
	CaptureTransactionID string
	CreatedUnixUTC       int64
}

// TimelineEvent is one immutable line in a booking's audit trail.
type TimelineEvent struct {
	BookingID       string
	Status          string
	OccurredUnixUTC int64
	Note            string
}

// RectificationStatus defines the defect-case lifecycle.
type RectificationStatus string

const (
	RectificationReported     RectificationStatus = "reported"
	RectificationAccepted     RectificationStatus = "accepted"
	RectificationFixScheduled RectificationStatus = "fix_scheduled"
	RectificationDisputed     RectificationStatus = "disputed"
	RectificationEscalated    RectificationStatus = "escalated"
	RectificationResolved     RectificationStatus = "resolved"
)

// String returns the status value.
func (status RectificationStatus) String() string {
	return string(status)
}

// ParseRectificationStatus validates a stored case status.
func ParseRectificationStatus(raw string) (RectificationStatus, error) {
	status := RectificationStatus(raw)
	switch status {
	case RectificationReported, RectificationAccepted, RectificationFixScheduled,
		RectificationDisputed, RectificationEscalated, RectificationResolved:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRectificationStatus, raw)
}

// IsOpen reports whether the case still blocks balance release.
func (status RectificationStatus) IsOpen() bool {
	switch status {
	case RectificationReported, RectificationAccepted, RectificationFixScheduled, RectificationDisputed:
		return true
	}
	return false
}

// RectificationCase records a client-reported defect during observation.
type RectificationCase struct {
	CaseID                  string
	BookingID               string
	Description             string
	Status                  RectificationStatus
	ReportedUnixUTC         int64
	ResponseDeadlineUnixUTC int64
	FixScheduledUnixUTC     int64
}

// InvoiceStatus defines the scope-change invoice lifecycle.
type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoiceApproved InvoiceStatus = "approved"
	InvoiceRejected InvoiceStatus = "rejected"
)

// String returns the status value.
func (status InvoiceStatus) String() string {
	return string(status)
}

// ParseInvoiceStatus validates a stored invoice status.
func ParseInvoiceStatus(raw string) (InvoiceStatus, error) {
	status := InvoiceStatus(raw)
	switch status {
	case InvoicePending, InvoiceApproved, InvoiceRejected:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInvoiceStatus, raw)
}

// ScopeChangeInvoice is a provider request for additional escrowed work.
type ScopeChangeInvoice struct {
	InvoiceID            string
	BookingID            string
	Description          string
	AmountCents          AmountCents
	Status               InvoiceStatus
	CaptureTransactionID string
	CreatedUnixUTC       int64
}

// SafetyIncident records an SOS trigger by either party. DetailsJSON
// carries whatever context the triggering client sent (location, notes)
// for the support team; the engine never interprets it.
type SafetyIncident struct {
	IncidentID       string
	BookingID        string
	TriggeredBy      string
	DetailsJSON      string
	TriggeredUnixUTC int64
}

// Snapshot is the read model returned to callers: current status, the
// full timeline, and the escrow ledger if one exists yet.
type Snapshot struct {
	Booking  Booking
	Timeline []TimelineEvent
	Ledger   *Ledger
}
