package booking

import (
	"context"

	"github.com/google/uuid"
)

// ReportIssue opens a rectification case for a defect found during the
// observation window. The escrow freezes immediately, covering the
// balance and any not-yet-released commitment; funds already paid out
// are not clawed back.
func (service *Service) ReportIssue(requestContext context.Context, bookingID BookingID, description string, idempotencyKey IdempotencyKey) (RectificationCase, error) {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationReportIssue)
	if err != nil || replayed {
		return RectificationCase{}, err
	}
	now := service.nowFn()
	caseRecord := RectificationCase{
		CaseID:                  uuid.NewString(),
		BookingID:               bookingID.String(),
		Description:             description,
		Status:                  RectificationReported,
		ReportedUnixUTC:         now,
		ResponseDeadlineUnixUTC: now + rectificationResponseSeconds,
	}
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if record.Status != StatusObservation {
			return invalidTransition(operationReportIssue, record.Status)
		}
		ledgerRecord, err := txStore.GetLedger(ctx, record.BookingID)
		if err != nil {
			return err
		}
		ledgerRecord.Freeze()
		if err := ledgerRecord.CheckInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		if err := txStore.CreateRectificationCase(ctx, caseRecord); err != nil {
			return err
		}
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusObservation, StatusRectification); err != nil {
			return err
		}
		if err := txStore.ScheduleTask(ctx, TaskRectificationEscalation, record.BookingID, caseRecord.ResponseDeadlineUnixUTC); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusRectification, description)
	})
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	} else {
		service.publish(requestContext, eventRectificationReported, map[string]any{
			"booking_id": bookingID.String(),
			"case_id":    caseRecord.CaseID,
		})
		service.publish(requestContext, eventEscrowFrozen, map[string]any{"booking_id": bookingID.String()})
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationReportIssue,
		BookingID:      bookingID.String(),
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	if operationError != nil {
		return RectificationCase{}, operationError
	}
	return caseRecord, nil
}

// AcceptIssue records the provider acknowledging the defect before a
// fix visit is agreed. Acknowledgement stops the escalation clock; the
// case advances to fix_scheduled once AcceptFix names a date.
func (service *Service) AcceptIssue(requestContext context.Context, caseID string) error {
	caseRecord, err := service.store.GetRectificationCase(requestContext, caseID)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(caseRecord.BookingID)
	defer unlock()

	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetRectificationCase(ctx, caseID)
		if err != nil {
			return err
		}
		if current.Status != RectificationReported {
			return WrapError(operationAcceptIssue, "case", "closed", ErrCaseClosed)
		}
		if err := txStore.UpdateRectificationStatus(ctx, caseID, RectificationReported, RectificationAccepted); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, current.BookingID, StatusRectification, "issue accepted")
	})
	if operationError == nil {
		service.publish(requestContext, eventRectificationAccepted, map[string]any{
			"booking_id": caseRecord.BookingID,
			"case_id":    caseID,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationAcceptIssue,
		BookingID: caseRecord.BookingID,
		Error:     operationError,
	})
	return operationError
}

// AcceptFix records the provider accepting the defect and scheduling a
// fix visit. The booking stays in rectification until the provider
// confirms the re-fix is done.
func (service *Service) AcceptFix(requestContext context.Context, caseID string, fixUnixUTC int64, notes string) error {
	caseRecord, err := service.store.GetRectificationCase(requestContext, caseID)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(caseRecord.BookingID)
	defer unlock()

	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetRectificationCase(ctx, caseID)
		if err != nil {
			return err
		}
		from := current.Status
		if from != RectificationReported && from != RectificationAccepted {
			return WrapError(operationAcceptFix, "case", "closed", ErrCaseClosed)
		}
		if err := txStore.UpdateRectificationStatus(ctx, caseID, from, RectificationFixScheduled); err != nil {
			return err
		}
		if err := txStore.SetRectificationFixSchedule(ctx, caseID, fixUnixUTC); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, current.BookingID, StatusRectification, notes)
	})
	if operationError == nil {
		service.publish(requestContext, eventRectificationScheduled, map[string]any{
			"booking_id": caseRecord.BookingID,
			"case_id":    caseID,
			"fix_at":     fixUnixUTC,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationAcceptFix,
		BookingID: caseRecord.BookingID,
		Error:     operationError,
	})
	return operationError
}

// ConfirmFixDone resolves the case after the provider reports the
// re-fix complete. The escrow unfreezes, the booking re-enters a
// shortened observation window, and auto-release is re-armed.
func (service *Service) ConfirmFixDone(requestContext context.Context, caseID string) error {
	caseRecord, err := service.store.GetRectificationCase(requestContext, caseID)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(caseRecord.BookingID)
	defer unlock()

	var releaseAt int64
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetRectificationCase(ctx, caseID)
		if err != nil {
			return err
		}
		if current.Status != RectificationFixScheduled {
			return WrapError(operationConfirmFixDone, "case", "not_scheduled", ErrCaseClosed)
		}
		record, err := txStore.GetBooking(ctx, current.BookingID)
		if err != nil {
			return err
		}
		if record.Status != StatusRectification {
			return invalidTransition(operationConfirmFixDone, record.Status)
		}
		if err := txStore.UpdateRectificationStatus(ctx, caseID, RectificationFixScheduled, RectificationResolved); err != nil {
			return err
		}
		ledgerRecord, err := txStore.GetLedger(ctx, record.BookingID)
		if err != nil {
			return err
		}
		ledgerRecord.Unfreeze()
		if err := ledgerRecord.CheckInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		if err := txStore.UpdateBookingStatus(ctx, record.BookingID, StatusRectification, StatusObservation); err != nil {
			return err
		}
		releaseAt = service.nowFn() + record.Tier.ReopenSeconds()
		if err := txStore.ScheduleTask(ctx, TaskAutoRelease, record.BookingID, releaseAt); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, record.BookingID, StatusObservation, "fix confirmed")
	})
	if operationError == nil {
		service.publish(requestContext, eventRectificationResolved, map[string]any{
			"booking_id": caseRecord.BookingID,
			"case_id":    caseID,
			"release_at": releaseAt,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationConfirmFixDone,
		BookingID: caseRecord.BookingID,
		Error:     operationError,
	})
	return operationError
}

// DisputeIssue marks the case disputed by the provider. Resolution now
// rests on the escalation deadline already armed at report time.
func (service *Service) DisputeIssue(requestContext context.Context, caseID string, reason string) error {
	caseRecord, err := service.store.GetRectificationCase(requestContext, caseID)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(caseRecord.BookingID)
	defer unlock()

	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetRectificationCase(ctx, caseID)
		if err != nil {
			return err
		}
		from := current.Status
		if from != RectificationReported && from != RectificationAccepted && from != RectificationFixScheduled {
			return WrapError(operationDisputeIssue, "case", "closed", ErrCaseClosed)
		}
		if err := txStore.UpdateRectificationStatus(ctx, caseID, from, RectificationDisputed); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, current.BookingID, StatusRectification, reason)
	})
	if operationError == nil {
		service.publish(requestContext, eventRectificationDisputed, map[string]any{
			"booking_id": caseRecord.BookingID,
			"case_id":    caseID,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationDisputeIssue,
		BookingID: caseRecord.BookingID,
		Error:     operationError,
	})
	return operationError
}

// EscalationCheck is the scheduled response-deadline callback. A case
// still unresolved past its deadline escalates: the case moves to
// escalated and the booking to disputed, pending human support. Cases
// already scheduled for a fix or resolved are left alone.
func (service *Service) EscalationCheck(requestContext context.Context, bookingID string) error {
	unlock := service.locks.lock(bookingID)
	defer unlock()

	var escalatedCaseID string
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		caseRecord, open, err := txStore.GetOpenRectificationCase(ctx, bookingID)
		if err != nil {
			return err
		}
		if !open {
			return nil
		}
		if caseRecord.Status != RectificationReported && caseRecord.Status != RectificationDisputed {
			return nil
		}
		if service.nowFn() < caseRecord.ResponseDeadlineUnixUTC {
			return nil
		}
		record, err := txStore.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if record.Status != StatusRectification {
			return nil
		}
		if err := txStore.UpdateRectificationStatus(ctx, caseRecord.CaseID, caseRecord.Status, RectificationEscalated); err != nil {
			return err
		}
		if err := txStore.UpdateBookingStatus(ctx, bookingID, StatusRectification, StatusDisputed); err != nil {
			return err
		}
		escalatedCaseID = caseRecord.CaseID
		return service.appendTimeline(ctx, txStore, bookingID, StatusDisputed, "rectification escalated")
	})
	if operationError == nil && escalatedCaseID != "" {
		service.publish(requestContext, eventRectificationEscalated, map[string]any{
			"booking_id": bookingID,
			"case_id":    escalatedCaseID,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationEscalate,
		BookingID: bookingID,
		Error:     operationError,
	})
	return operationError
}
