package booking

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service owns every booking transition and the escrow mutations they
// imply. All work for a given booking is serialized through a
// per-booking lock; scheduler callbacks go through the same lock.
type Service struct {
	store    Store
	gateway  PaymentGateway
	notifier Notifier
	nowFn    func() int64
	logger   OperationLogger
	locks    *bookingLocks
}

// NewService wires a Service.
func NewService(store Store, gateway PaymentGateway, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		gateway: gateway,
		nowFn:   now,
		locks:   newBookingLocks(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// beginCommand records an idempotency key. A replayed key for the same
// command reports true and the caller returns success without acting.
func (service *Service) beginCommand(ctx context.Context, bookingID BookingID, key IdempotencyKey, command string) (bool, error) {
	return service.store.RecordCommand(ctx, bookingID.String(), key.String(), command)
}

// rollbackCommand releases a key after a failed command so the caller
// can retry with the same key.
func (service *Service) rollbackCommand(ctx context.Context, bookingID BookingID, key IdempotencyKey) {
	_ = service.store.DeleteCommand(ctx, bookingID.String(), key.String())
}

func (service *Service) publish(ctx context.Context, event string, payload map[string]any) {
	if service.notifier == nil {
		return
	}
	// Fire and forget; a delivery failure never rolls back a transition.
	_ = service.notifier.Publish(ctx, event, payload)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) appendTimeline(ctx context.Context, txStore Store, bookingID string, status BookingStatus, note string) error {
	return txStore.AppendTimeline(ctx, TimelineEvent{
		BookingID:       bookingID,
		Status:          status.String(),
		OccurredUnixUTC: service.nowFn(),
		Note:            note,
	})
}

func invalidTransition(operation string, current BookingStatus) error {
	return WrapError(operation, "booking", "invalid_transition",
		fmt.Errorf("%w: not legal from %s", ErrInvalidTransition, current))
}

func newBookingReference() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "PB-" + raw[:8]
}
