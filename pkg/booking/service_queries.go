package booking

import (
	"context"
	"errors"
)

// GetSnapshot returns the booking's authoritative status, its full
// timeline, and the escrow ledger when one exists. Readers never mutate
// the record.
func (service *Service) GetSnapshot(requestContext context.Context, bookingID BookingID) (Snapshot, error) {
	record, err := service.store.GetBooking(requestContext, bookingID.String())
	if err != nil {
		return Snapshot{}, err
	}
	timeline, err := service.store.ListTimeline(requestContext, bookingID.String())
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{Booking: record, Timeline: timeline}
	ledgerRecord, ledgerErr := service.store.GetLedger(requestContext, bookingID.String())
	if ledgerErr == nil {
		snapshot.Ledger = &ledgerRecord
	} else if !errors.Is(ledgerErr, ErrLedgerNotFound) {
		return Snapshot{}, ledgerErr
	}
	return snapshot, nil
}

// GetEscrowStatus returns the collapsed escrow status for a booking.
func (service *Service) GetEscrowStatus(requestContext context.Context, bookingID BookingID) (EscrowStatus, error) {
	ledgerRecord, err := service.store.GetLedger(requestContext, bookingID.String())
	if err != nil {
		return "", err
	}
	return ledgerRecord.Status(), nil
}
