package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// scopeChangeLegal reports whether add-on work can still be invoiced.
// Active, pre-observation states only: once the work is under
// observation or terminal there is nothing left to extend.
func scopeChangeLegal(status BookingStatus) bool {
	switch status {
	case StatusConfirmed, StatusProviderAccepted, StatusEnRoute, StatusCheckedIn:
		return true
	}
	return false
}

// RequestScopeChange files a pending add-on invoice. No ledger effect
// until approval.
func (service *Service) RequestScopeChange(requestContext context.Context, bookingID BookingID, description string, amount AmountCents, idempotencyKey IdempotencyKey) (ScopeChangeInvoice, error) {
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationScopeRequest)
	if err != nil || replayed {
		return ScopeChangeInvoice{}, err
	}
	invoice := ScopeChangeInvoice{
		InvoiceID:      uuid.NewString(),
		BookingID:      bookingID.String(),
		Description:    description,
		AmountCents:    amount,
		Status:         InvoicePending,
		CreatedUnixUTC: service.nowFn(),
	}
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		record, err := txStore.GetBooking(ctx, bookingID.String())
		if err != nil {
			return err
		}
		if !scopeChangeLegal(record.Status) {
			return invalidTransition(operationScopeRequest, record.Status)
		}
		return txStore.CreateInvoice(ctx, invoice)
	})
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	} else {
		service.publish(requestContext, eventScopeChangeRequested, map[string]any{
			"booking_id":   bookingID.String(),
			"invoice_id":   invoice.InvoiceID,
			"amount_cents": amount.Int64(),
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationScopeRequest,
		BookingID:      bookingID.String(),
		Amount:         amount,
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	if operationError != nil {
		return ScopeChangeInvoice{}, operationError
	}
	return invoice, nil
}

// ApproveScopeChange captures the add-on amount and, only on gateway
// success, atomically marks the invoice approved and grows the escrow
// balance. A failed capture leaves the invoice pending and the ledger
// untouched.
func (service *Service) ApproveScopeChange(requestContext context.Context, invoiceID string, paymentMethodRef string, idempotencyKey IdempotencyKey) error {
	invoice, err := service.store.GetInvoice(requestContext, invoiceID)
	if err != nil {
		return err
	}
	bookingID, err := NewBookingID(invoice.BookingID)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(bookingID.String())
	defer unlock()

	replayed, err := service.beginCommand(requestContext, bookingID, idempotencyKey, operationScopeApprove)
	if err != nil || replayed {
		return err
	}
	operationError := service.approveScopeChangeLocked(requestContext, invoiceID, paymentMethodRef)
	if operationError != nil {
		service.rollbackCommand(requestContext, bookingID, idempotencyKey)
	}
	service.logOperation(requestContext, OperationLog{
		Operation:      operationScopeApprove,
		BookingID:      invoice.BookingID,
		Amount:         invoice.AmountCents,
		IdempotencyKey: idempotencyKey.String(),
		Error:          operationError,
	})
	return operationError
}

func (service *Service) approveScopeChangeLocked(requestContext context.Context, invoiceID string, paymentMethodRef string) error {
	invoice, err := service.store.GetInvoice(requestContext, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != InvoicePending {
		return WrapError(operationScopeApprove, "invoice", "closed", ErrInvoiceClosed)
	}
	record, err := service.store.GetBooking(requestContext, invoice.BookingID)
	if err != nil {
		return err
	}
	if !scopeChangeLegal(record.Status) {
		return invalidTransition(operationScopeApprove, record.Status)
	}
	// Frozen must be checked before the capture: charging the client and
	// then rejecting the approval would strand a captured amount with no
	// matching ledger entry.
	currentLedger, err := service.store.GetLedger(requestContext, invoice.BookingID)
	if err != nil {
		return err
	}
	if currentLedger.Frozen {
		return WrapError(operationScopeApprove, "ledger", "frozen", ErrEscrowFrozen)
	}
	transactionID, err := service.gateway.Capture(requestContext, invoice.AmountCents, paymentMethodRef)
	if err != nil {
		return WrapError(operationScopeApprove, "gateway", "capture_declined", fmt.Errorf("%w: %v", ErrPaymentCapture, err))
	}
	transitionError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		ledgerRecord, err := txStore.GetLedger(ctx, invoice.BookingID)
		if err != nil {
			return err
		}
		if ledgerRecord.Frozen {
			return WrapError(operationScopeApprove, "ledger", "frozen", ErrEscrowFrozen)
		}
		ledgerRecord.IncreaseBalance(invoice.AmountCents)
		if err := ledgerRecord.CheckInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveLedger(ctx, ledgerRecord); err != nil {
			return err
		}
		if err := txStore.UpdateInvoiceStatus(ctx, invoiceID, InvoicePending, InvoiceApproved); err != nil {
			return err
		}
		if err := txStore.SetInvoiceCaptureTransaction(ctx, invoiceID, transactionID); err != nil {
			return err
		}
		return service.appendTimeline(ctx, txStore, invoice.BookingID, record.Status, "scope change approved")
	})
	if transitionError != nil {
		return transitionError
	}
	service.publish(requestContext, eventScopeChangeApproved, map[string]any{
		"booking_id":   invoice.BookingID,
		"invoice_id":   invoiceID,
		"amount_cents": invoice.AmountCents.Int64(),
	})
	return nil
}

// RejectScopeChange declines a pending invoice. No ledger effect.
func (service *Service) RejectScopeChange(requestContext context.Context, invoiceID string) error {
	invoice, err := service.store.GetInvoice(requestContext, invoiceID)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(invoice.BookingID)
	defer unlock()

	operationError := service.store.WithTx(requestContext, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if current.Status != InvoicePending {
			return WrapError(operationScopeReject, "invoice", "closed", ErrInvoiceClosed)
		}
		return txStore.UpdateInvoiceStatus(ctx, invoiceID, InvoicePending, InvoiceRejected)
	})
	if operationError == nil {
		service.publish(requestContext, eventScopeChangeRejected, map[string]any{
			"booking_id": invoice.BookingID,
			"invoice_id": invoiceID,
		})
	}
	service.logOperation(requestContext, OperationLog{
		Operation: operationScopeReject,
		BookingID: invoice.BookingID,
		Error:     operationError,
	})
	return operationError
}
