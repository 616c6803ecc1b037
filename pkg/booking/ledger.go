package booking

import "fmt"

// EscrowStatus is the collapsed display status of a booking's ledger.
type EscrowStatus string

const (
	EscrowHeld               EscrowStatus = "held"
	EscrowCommitmentReleased EscrowStatus = "commitment_released"
	EscrowBalanceReleased    EscrowStatus = "balance_released"
	EscrowFrozen             EscrowStatus = "frozen"
	EscrowRefunded           EscrowStatus = "refunded"
)

// String returns the status value.
func (status EscrowStatus) String() string {
	return string(status)
}

// Ledger is the per-booking escrow state. The commitment and balance
// slices always add up to TotalHeldCents; release flags track which
// slices have left escrow. Frozen overlays every state and blocks all
// releases without clawing back anything already paid out.
type Ledger struct {
	BookingID          string
	TotalHeldCents     AmountCents
	CommitmentCents    AmountCents
	BalanceCents       AmountCents
	CommitmentReleased bool
	BalanceReleased    bool
	Frozen             bool
	Refunded           bool
}

// NewLedger splits a captured price into commitment and balance slices.
func NewLedger(bookingID string, price AmountCents, tier Tier) (Ledger, error) {
	if bookingID == "" {
		return Ledger{}, fmt.Errorf("%w: empty booking id", ErrInvalidBookingID)
	}
	if price <= 0 {
		return Ledger{}, fmt.Errorf("%w: price must be positive", ErrInvalidAmountCents)
	}
	commitment := tier.CommitmentCents(price)
	return Ledger{
		BookingID:       bookingID,
		TotalHeldCents:  price,
		CommitmentCents: commitment,
		BalanceCents:    price - commitment,
	}, nil
}

// Status collapses the internal flags into the display status. Refunded
// and frozen dominate the release flags.
func (ledger Ledger) Status() EscrowStatus {
	switch {
	case ledger.Refunded:
		return EscrowRefunded
	case ledger.Frozen:
		return EscrowFrozen
	case ledger.BalanceReleased:
		return EscrowBalanceReleased
	case ledger.CommitmentReleased:
		return EscrowCommitmentReleased
	}
	return EscrowHeld
}

// ReleaseCommitment marks the commitment slice paid out. Idempotent;
// a no-op while frozen. Returns whether the ledger changed.
func (ledger *Ledger) ReleaseCommitment() bool {
	if ledger.Frozen || ledger.Refunded || ledger.CommitmentReleased {
		return false
	}
	ledger.CommitmentReleased = true
	return true
}

// ReleaseBalance marks the balance slice paid out. Idempotent; a no-op
// while frozen.
func (ledger *Ledger) ReleaseBalance() bool {
	if ledger.Frozen || ledger.Refunded || ledger.BalanceReleased {
		return false
	}
	ledger.BalanceReleased = true
	return true
}

// Freeze blocks all future releases. Always succeeds regardless of
// current state; safety must never be blocked by a ledger invariant.
func (ledger *Ledger) Freeze() bool {
	if ledger.Frozen {
		return false
	}
	ledger.Frozen = true
	return true
}

// Unfreeze lifts the freeze overlay.
func (ledger *Ledger) Unfreeze() bool {
	if !ledger.Frozen {
		return false
	}
	ledger.Frozen = false
	return true
}

// Refund marks the full held amount returned to the client. Idempotent;
// a no-op while frozen.
func (ledger *Ledger) Refund() bool {
	if ledger.Frozen || ledger.Refunded {
		return false
	}
	ledger.Refunded = true
	return true
}

// IncreaseBalance adds approved scope-change funds to the held total and
// the balance slice atomically. A no-op while frozen.
func (ledger *Ledger) IncreaseBalance(amount AmountCents) bool {
	if ledger.Frozen || ledger.Refunded || amount <= 0 {
		return false
	}
	ledger.TotalHeldCents += amount
	ledger.BalanceCents += amount
	return true
}

// CheckInvariant verifies commitment + balance == total. A violation is
// fatal for the booking and must halt further processing.
func (ledger Ledger) CheckInvariant() error {
	if ledger.CommitmentCents+ledger.BalanceCents != ledger.TotalHeldCents {
		return fmt.Errorf("%w: commitment %d + balance %d != total %d for booking %s",
			ErrLedgerInvariant, ledger.CommitmentCents, ledger.BalanceCents, ledger.TotalHeldCents, ledger.BookingID)
	}
	return nil
}
