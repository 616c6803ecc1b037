package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateBookingParams carries the client's initial request.
type CreateBookingParams struct {
	ClientID           PartyID
	ProviderID         PartyID
	Tier               Tier
	PriceCents         AmountCents
	ScheduledAtUnixUTC int64
	Address            string
	Latitude           float64
	Longitude          float64
	Scope              string
}

// Create registers a new booking in the requested state. No funds move
// until Confirm.
func (service *Service) Create(requestContext context.Context, params CreateBookingParams) (Booking, error) {
	record := Booking{
		BookingID:          uuid.NewString(),
		Reference:          newBookingReference(),
		ClientID:           params.ClientID.String(),
		ProviderID:         params.ProviderID.String(),
		Tier:               params.Tier,
		Status:             StatusRequested,
		PriceCents:         params.PriceCents,
		ScheduledAtUnixUTC: params.ScheduledAtUnixUTC,
		Address:            params.Address,
		Latitude:           params.Latitude,
		Longitude:          params.Longitude,
		Scope:              params.Scope,
		CreatedUnixUTC:     service.nowFn(),
	}
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		if err := txStore.CreateBooking(ctx, record); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusRequested, params.Scope)
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationCreate,
		BookingID: record.BookingID,
		ActorID:   record.ClientID,
		Amount:    record.PriceCents,
		Error:     operationError,
	})
	if operationError != nil {
		return Booking{}, operationError
	}
	service.publish(requestContext, eventBookingRequested, map[string]any{
		"booking_id": record.BookingID,
		"reference":  record.Reference,
	})
	return record, nil
}

// Confirm captures the full price into escrow and moves the booking to
// confirmed. The gateway call happens before the transition commits; a
// declined capture leaves the booking in requested.
func (service *Service) Confirm(requestContext context.Context, bookingID BookingID, paymentMethodRef string, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationConfirm)
	if err != nil || replayed {
		return err
	}
	operationError := service.confirmLocked(requestContext, bookingID, paymentMethodRef)
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationConfirm,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

func (service *Service) confirmLocked(requestContext context.Context, bookingID BookingID, paymentMethodRef string) error {
	record, err := service.store.GetBooking(requestContext, bookingID.String())
	if err != nil {
		return err
	}
	if record.Status != StatusRequested {
		return invalidTransition(operationConfirm, record.Status)
	}
	transactionID, err := service.gateway.Capture(requestContext, record.PriceCents, paymentMethodRef)
	if err != nil {
		return WrapError(operationConfirm, "gateway", "capture_declined", fmt.Errorf("%w: %v", ErrPaymentCapture, err))
	}
	ledgerRecord, err := NewLedger(record.BookingID, record.PriceCents, record.Tier)
	if err != nil {
		return err
	}
	if err := ledgerRecord.CheckInvariant(); err != nil {
		return err
	}
	transitionError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusRequested, StatusConfirmed); err != nil {
			return err
		}
		if err := txStore.SetBookingCaptureTransaction(ctx, record.BookingID, transactionID); err != nil {
			return err
		}
		if err := txStore.CreateLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusConfirmed, "")
	})
	if transitionError != nil {
		return transitionError
	}
	service.publish(requestContext, eventBookingConfirmed, map[string]any{
		"booking_id":       record.BookingID,
		"total_held_cents": ledgerRecord.TotalHeldCents.Int64(),
	})
	return nil
}

// ProviderAccept moves the booking to provider_confirmed and arms the
// no-show check at the grace deadline. The deadline commits with the
// transition; no ledger effect.
func (service *Service) ProviderAccept(requestContext context.Context, bookingID BookingID, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationProviderAccept)
	if err != nil || replayed {
		return err
	}
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status != StatusConfirmed {
			return invalidTransition(operationProviderAccept, record.Status)
		}
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusConfirmed, StatusProviderAccepted); err != nil {
			return err
		}
		if err := txStore.ScheduleTask(ctx, TaskNoShowCheck, record.BookingID, record.ScheduledAtUnixUTC+noShowGraceSeconds); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusProviderAccepted, "")
	})
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	} else {
		service.publish(requestContext, eventBookingProviderAccept, map[string]any{"booking_id": bookingID.String()})
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationProviderAccept,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

// MarkEnRoute moves the booking to en_route and issues the arrival code.
func (service *Service) MarkEnRoute(requestContext context.Context, bookingID BookingID, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationMarkEnRoute)
	if err != nil || replayed {
		return err
	}
	var issued OTPRecord
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status != StatusProviderAccepted {
			return invalidTransition(operationMarkEnRoute, record.Status)
		}
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusProviderAccepted, StatusEnRoute); err != nil {
			return err
		}
		issued, err = service.issueOTPTx(ctx, txStore, record.BookingID)
		if err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusEnRoute, "")
	})
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	} else {
		service.publish(requestContext, eventBookingEnRoute, map[string]any{"booking_id": bookingID.String()})
		service.publish(requestContext, eventOTPIssued, map[string]any{
			"booking_id": bookingID.String(),
			"code":       issued.Code,
			"expires_at": issued.ExpiresAtUnixUTC,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationMarkEnRoute,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

// RegenerateOTP supersedes the active arrival code with a fresh one.
// Valid only while the provider is en route.
func (service *Service) RegenerateOTP(requestContext context.Context, bookingID BookingID) (OTPRecord, error) {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	var issued OTPRecord
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status != StatusEnRoute {
			return invalidTransition(operationRegenerateOTP, record.Status)
		}
		issued, err = service.issueOTPTx(ctx, txStore, record.BookingID)
		return err
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationRegenerateOTP,
		BookingID: bookingID.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return OTPRecord{}, operationError
	}
	service.publish(requestContext, eventOTPIssued, map[string]any{
		"booking_id": bookingID.String(),
		"code":       issued.Code,
		"expires_at": issued.ExpiresAtUnixUTC,
	})
	return issued, nil
}

func (service *Service) issueOTPTx(ctx context.Context, txStore Store, bookingID string) (OTPRecord, error) {
	if err := txStore.SupersedeOTPs(ctx, bookingID); err != nil {
		return OTPRecord{}, err
	}
	record, err := newOTPRecord(bookingID, service.nowFn())
	if err != nil {
		return OTPRecord{}, err
	}
	record.OTPID = uuid.NewString()
	if err := txStore.CreateOTP(ctx, record); err != nil {
		return OTPRecord{}, err
	}
	return record, nil
}

// CheckIn verifies the arrival code and releases the commitment slice.
// Failed attempts are persisted even though the command fails, so the
// brute-force counter survives. The freeze overlay is checked before
// any verification or release; a frozen escrow always wins.
func (service *Service) CheckIn(requestContext context.Context, bookingID BookingID, code string, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationCheckIn)
	if err != nil || replayed {
		return err
	}
	operationError := service.checkInLocked(requestContext, bookingID, code)
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationCheckIn,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

func (service *Service) checkInLocked(requestContext context.Context, bookingID BookingID, code string) error {
	// Attempt bookkeeping commits in its own transaction: a mismatch must
	// persist the incremented counter even though the command fails.
	var verifyError error
	txError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status != StatusEnRoute {
			return invalidTransition(operationCheckIn, record.Status)
		}
		ledgerRecord, err := txStore.GetLedger(ctx, record.BookingID)
		if err != nil {
			return err
		}
		if ledgerRecord.Frozen {
			return WrapError(operationCheckIn, "ledger", "frozen", ErrEscrowFrozen)
		}
		otpRecord, err := txStore.GetActiveOTP(ctx, record.BookingID)
		if err != nil {
			return err
		}
		verifyError = otpRecord.Verify(code, service.nowFn())
		return txStore.SaveOTP(ctx, otpRecord)
	})
	if txError != nil {
		return txError
	}
	if verifyError != nil {
		return WrapError(operationCheckIn, "otp", "verify", verifyError)
	}

	var ledgerRecord Ledger
	transitionError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		var err error
		ledgerRecord, err = txStore.GetLedger(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if ledgerRecord.Frozen {
			return WrapError(operationCheckIn, "ledger", "frozen", ErrEscrowFrozen)
		}
		ledgerRecord.ReleaseCommitment()
		if err := ledgerRecord.CheckInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		if err := txStore.UpdateBookingStatus(ctx, bookingID.String(), StatusEnRoute, StatusCheckedIn); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, bookingID.String(), StatusCheckedIn, "")
	})
	if transitionError != nil {
		return transitionError
	}
	service.publish(requestContext, eventBookingCheckedIn, map[string]any{"booking_id": bookingID.String()})
	service.publish(requestContext, eventEscrowCommitment, map[string]any{
		"booking_id":   bookingID.String(),
		"amount_cents": ledgerRecord.CommitmentCents.Int64(),
	})
	return nil
}

// Complete records provider checkout and opens the observation window
// as one atomic transition. The balance auto-release deadline commits
// with the transition so it survives a crash and cannot be lost to a
// failed schedule write.
func (service *Service) Complete(requestContext context.Context, bookingID BookingID, notes string, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationComplete)
	if err != nil || replayed {
		return err
	}
	completedAt := service.nowFn()
	var releaseAt int64
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status != StatusCheckedIn {
			return invalidTransition(operationComplete, record.Status)
		}
		ledgerRecord, err := txStore.GetLedger(ctx, record.BookingID)
		if err != nil {
			return err
		}
		if ledgerRecord.Frozen {
			return WrapError(operationComplete, "ledger", "frozen", ErrEscrowFrozen)
		}
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusCheckedIn, StatusObservation); err != nil {
			return err
		}
		if err := txStore.SetBookingCompletedAt(ctx, record.BookingID, completedAt); err != nil {
			return err
		}
		releaseAt = completedAt + record.Tier.ObservationSeconds()
		if err := txStore.ScheduleTask(ctx, TaskAutoRelease, record.BookingID, releaseAt); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusObservation, notes)
	})
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	} else {
		service.publish(requestContext, eventBookingObservation, map[string]any{
			"booking_id": bookingID.String(),
			"release_at": releaseAt,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationComplete,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

// AutoRelease is the scheduled observation-expiry callback. It is safe
// to run more than once: if the booking already left observation it is
// a no-op. While a rectification case is open or the escrow is frozen
// the obligation is deferred, not dropped.
func (service *Service) AutoRelease(requestContext context.Context, bookingID string) error {
	return service.releaseBalance(requestContext, bookingID, operationAutoRelease, StatusAutoReleased)
}

// ReleaseEarly is the client-initiated early balance release from
// observation. Ledger-equivalent to auto-release.
func (service *Service) ReleaseEarly(requestContext context.Context, bookingID BookingID, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationReleaseEarly)
	if err != nil || replayed {
		return err
	}
	operationError := service.releaseBalanceLocked(requestContext, bookingID.String(), operationReleaseEarly, StatusReleased)
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationReleaseEarly,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

func (service *Service) releaseBalance(requestContext context.Context, bookingID string, operation string, terminal BookingStatus) error {
	unlock := service.locks.lock(bookingID)
	defer unlock()
	operationError := service.releaseBalanceLocked(requestContext, bookingID, operation, terminal)
	service.logOperation(requestContext, OperationLog{
		Operation: operation,
		BookingID: bookingID,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) releaseBalanceLocked(requestContext context.Context, bookingID string, operation string, terminal BookingStatus) error {
	var released AmountCents
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if record.Status != StatusObservation {
			if operation == operationAutoRelease {
				// Already moved on; the scheduled event is satisfied.
				return nil
			}
			return invalidTransition(operation, record.Status)
		}
		if _, open, err := txStore.GetOpenRectificationCase(ctx, record.BookingID); err != nil {
			return err
		} else if open {
			return WrapError(operation, "rectification", "case_open", ErrReleaseDeferred)
		}
		ledgerRecord, err := txStore.GetLedger(ctx, record.BookingID)
		if err != nil {
			return err
		}
		if ledgerRecord.Frozen {
			return WrapError(operation, "ledger", "frozen", ErrReleaseDeferred)
		}
		ledgerRecord.ReleaseBalance()
		if err := ledgerRecord.CheckInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		released = ledgerRecord.BalanceCents
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusObservation, terminal); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, terminal, "")
	})
	if operationError != nil {
		return operationError
	}
	if released > 0 {
		service.publish(requestContext, eventEscrowReleased, map[string]any{
			"booking_id":   bookingID,
			"amount_cents": released.Int64(),
			"status":       terminal.String(),
		})
	}
	return nil
}

// Cancel refunds the full held amount and terminates the booking.
// Valid pre-work only: from requested or confirmed.
func (service *Service) Cancel(requestContext context.Context, bookingID BookingID, reason string, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationCancel)
	if err != nil || replayed {
		return err
	}
	operationError := service.cancelLocked(requestContext, bookingID, reason)
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationCancel,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

func (service *Service) cancelLocked(requestContext context.Context, bookingID BookingID, reason string) error {
	record, err := service.store.GetBooking(requestContext, bookingID.String())
	if err != nil {
		return err
	}
	switch record.Status {
	case StatusRequested:
		transitionError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
			if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusRequested, StatusCancelled); err != nil {
				return err
			}
			return service.appendTimeline(ctx, txStore, record.BookingID, StatusCancelled, reason)
		})
		if transitionError != nil {
			return transitionError
		}
		service.publish(requestContext, eventBookingCancelled, map[string]any{"booking_id": record.BookingID})
		return nil
	case StatusConfirmed:
		return service.refundAndTerminate(requestContext, record, operationCancel, StatusCancelled, reason, eventBookingCancelled)
	}
	return invalidTransition(operationCancel, record.Status)
}

// ReportNoShow terminates the booking with a full refund after the
// provider failed to attempt check-in within the grace period.
func (service *Service) ReportNoShow(requestContext context.Context, bookingID BookingID, idempotencyKey IdempotencyKey) error {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationReportNoShow)
	if err != nil || replayed {
		return err
	}
	operationError := service.noShowLocked(requestContext, bookingID.String(), false)
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationReportNoShow,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

// NoShowCheck is the scheduled grace-deadline callback armed at
// provider acceptance. If the provider never attempted check-in it has
// the same effect as ReportNoShow; otherwise it is a no-op.
func (service *Service) NoShowCheck(requestContext context.Context, bookingID string) error {
	unlock := service.locks.lock(bookingID)
	defer unlock()
	operationError := service.noShowLocked(requestContext, bookingID, true)
	service.logOperation(requestContext, OperationLog{
		Operation: operationReportNoShow,
		BookingID: bookingID,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) noShowLocked(requestContext context.Context, bookingID string, scheduled bool) error {
	record, err := service.store.GetBooking(requestContext, bookingID)
	if err != nil {
		return err
	}
	if record.Status != StatusProviderAccepted && record.Status != StatusEnRoute {
		if scheduled {
			// Check-in happened or the booking terminated; nothing to do.
			return nil
		}
		return invalidTransition(operationReportNoShow, record.Status)
	}
	if service.nowFn() < record.ScheduledAtUnixUTC+noShowGraceSeconds {
		if scheduled {
			return WrapError(operationReportNoShow, "booking", "grace_pending", ErrReleaseDeferred)
		}
		return WrapError(operationReportNoShow, "booking", "grace_pending", ErrGracePeriodNotElapsed)
	}
	return service.refundAndTerminate(requestContext, record, operationReportNoShow, StatusNoShow, "", eventBookingNoShow)
}

// refundAndTerminate refunds the total held amount through the gateway
// and commits the terminal transition. The gateway call precedes the
// commit so a refund failure leaves the booking untouched.
func (service *Service) refundAndTerminate(requestContext context.Context, record Booking, operation string, terminal BookingStatus, note string, event string) error {
	ledgerRecord, err := service.store.GetLedger(requestContext, record.BookingID)
	if err != nil {
		return err
	}
	if ledgerRecord.Frozen {
		return WrapError(operation, "ledger", "frozen", ErrEscrowFrozen)
	}
	if refundErr := service.gateway.Refund(requestContext, record.CaptureTransactionID, ledgerRecord.TotalHeldCents); refundErr != nil {
		return WrapError(operation, "gateway", "refund_failed", fmt.Errorf("%w: %v", ErrRefundFailed, refundErr))
	}
	transitionError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		ledgerRecord.Refund()
		if err := ledgerRecord.CheckInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, record.Status, terminal); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, terminal, note)
	})
	if transitionError != nil {
		return transitionError
	}
	service.publish(requestContext, event, map[string]any{"booking_id": record.BookingID})
	service.publish(requestContext, eventEscrowRefunded, map[string]any{
		"booking_id":   record.BookingID,
		"amount_cents": ledgerRecord.TotalHeldCents.Int64(),
	})
	return nil
}
