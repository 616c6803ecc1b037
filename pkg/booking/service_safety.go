package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// TriggerSOS records a safety incident, freezes the escrow, and forces
// the booking to disputed. This is the only transition with no
// precondition on current state beyond the booking existing and not
// already being refunded or cancelled: real-world safety short-circuits
// all financial bookkeeping.
func (service *Service) TriggerSOS(requestContext context.Context, bookingID BookingID, triggeredBy PartyID, detailsJSON string, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationTriggerSOS)
	if err != nil || replayed {
		return err
	}
	incident := SafetyIncident{
		IncidentID:       uuid.NewString(),
		BookingID:        bookingID.String(),
		TriggeredBy:      triggeredBy.String(),
		DetailsJSON:      detailsJSON,
		TriggeredUnixUTC: service.nowFn(),
	}
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status == StatusCancelled || record.Status == StatusNoShow {
			return invalidTransition(operationTriggerSOS, record.Status)
		}
		if err := txStore.CreateSafetyIncident(ctx, incident); err != nil {
			return err
		}
		// A ledger only exists once the booking was confirmed; freeze it
		// when present. Freeze always succeeds regardless of ledger state.
		ledgerRecord, ledgerErr := txStore.GetLedger(ctx, record.BookingID)
		if ledgerErr == nil {
			ledgerRecord.Freeze()
			if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
				return err
			}
		} else if !errors.Is(ledgerErr, ErrLedgerNotFound) {
			return ledgerErr
		}
		if record.Status != StatusDisputed {
			if err := txStore.UpdateBookingStatus(ctx, record.BookingID, record.Status, StatusDisputed); err != nil {
				return err
			}
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusDisputed, "safety incident")
	})
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	} else {
		service.publish(requestContext, eventSafetyTriggered, map[string]any{
			"booking_id":   bookingID.String(),
			"triggered_by": triggeredBy.String(),
		})
		service.publish(requestContext, eventEscrowFrozen, map[string]any{"booking_id": bookingID.String()})
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationTriggerSOS,
		BookingID:      bookingID.String(),
		ActorID:        triggeredBy.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}
