package booking

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"testing"
)

type stubStore struct {
	bookings    map[string]Booking
	ledgers     map[string]Ledger
	timeline    []TimelineEvent
	otps        []OTPRecord
	cases       map[string]RectificationCase
	invoices    map[string]ScopeChangeInvoice
	incidents   []SafetyIncident
	tasks       []scheduledTask
	commands    map[string]string
	scheduleErr error
}

func newStubStore() *stubStore {
	return &stubStore{
		bookings: make(map[string]Booking),
		ledgers:  make(map[string]Ledger),
		cases:    make(map[string]RectificationCase),
		invoices: make(map[string]ScopeChangeInvoice),
		commands: make(map[string]string),
	}
}

// WithTx snapshots the state and restores it when fn fails, so tests
// see the same all-or-nothing commit behavior as the real store.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := stubStore{
		bookings:    maps.Clone(store.bookings),
		ledgers:     maps.Clone(store.ledgers),
		timeline:    slices.Clone(store.timeline),
		otps:        slices.Clone(store.otps),
		cases:       maps.Clone(store.cases),
		invoices:    maps.Clone(store.invoices),
		incidents:   slices.Clone(store.incidents),
		tasks:       slices.Clone(store.tasks),
		commands:    maps.Clone(store.commands),
		scheduleErr: store.scheduleErr,
	}
	if err := fn(ctx, store); err != nil {
		*store = snapshot
		return err
	}
	return nil
}

func (store *stubStore) CreateBooking(ctx context.Context, record Booking) error {
	store.bookings[record.BookingID] = record
	return nil
}

func (store *stubStore) GetBooking(ctx context.Context, bookingID string) (Booking, error) {
	record, ok := store.bookings[bookingID]
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	return record, nil
}

func (store *stubStore) UpdateBookingStatus(ctx context.Context, bookingID string, from, to BookingStatus) error {
	record, ok := store.bookings[bookingID]
	if !ok {
		return ErrBookingNotFound
	}
	if record.Status != from {
		return ErrInvalidTransition
	}
	record.Status = to
	store.bookings[bookingID] = record
	return nil
}

func (store *stubStore) SetBookingCompletedAt(ctx context.Context, bookingID string, completedUnixUTC int64) error {
	record, ok := store.bookings[bookingID]
	if !ok {
		return ErrBookingNotFound
	}
	record.CompletedAtUnixUTC = completedUnixUTC
	store.bookings[bookingID] = record
	return nil
}

func (store *stubStore) SetBookingCaptureTransaction(ctx context.Context, bookingID string, transactionID string) error {
	record, ok := store.bookings[bookingID]
	if !ok {
		return ErrBookingNotFound
	}
	record.CaptureTransactionID = transactionID
	store.bookings[bookingID] = record
	return nil
}

func (store *stubStore) AppendTimeline(ctx context.Context, event TimelineEvent) error {
	store.timeline = append(store.timeline, event)
	return nil
}

func (store *stubStore) ListTimeline(ctx context.Context, bookingID string) ([]TimelineEvent, error) {
	events := make([]TimelineEvent, 0)
	for _, event := range store.timeline {
		if event.BookingID == bookingID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (store *stubStore) CreateLedger(ctx context.Context, record Ledger) error {
	store.ledgers[record.BookingID] = record
	return nil
}

func (store *stubStore) GetLedger(ctx context.Context, bookingID string) (Ledger, error) {
	record, ok := store.ledgers[bookingID]
	if !ok {
		return Ledger{}, ErrLedgerNotFound
	}
	return record, nil
}

func (store *stubStore) SaveLedger(ctx context.Context, record Ledger) error {
	if _, ok := store.ledgers[record.BookingID]; !ok {
		return ErrLedgerNotFound
	}
	store.ledgers[record.BookingID] = record
	return nil
}

func (store *stubStore) CreateOTP(ctx context.Context, record OTPRecord) error {
	store.otps = append(store.otps, record)
	return nil
}

func (store *stubStore) GetActiveOTP(ctx context.Context, bookingID string) (OTPRecord, error) {
	for index := len(store.otps) - 1; index >= 0; index-- {
		if store.otps[index].BookingID == bookingID && !store.otps[index].Superseded {
			return store.otps[index], nil
		}
	}
	return OTPRecord{}, ErrOTPNotIssued
}

func (store *stubStore) SaveOTP(ctx context.Context, record OTPRecord) error {
	for index := range store.otps {
		if store.otps[index].OTPID == record.OTPID {
			store.otps[index] = record
			return nil
		}
	}
	return ErrOTPNotIssued
}

func (store *stubStore) SupersedeOTPs(ctx context.Context, bookingID string) error {
	for index := range store.otps {
		if store.otps[index].BookingID == bookingID {
			store.otps[index].Superseded = true
		}
	}
	return nil
}

func (store *stubStore) CreateRectificationCase(ctx context.Context, record RectificationCase) error {
	store.cases[record.CaseID] = record
	return nil
}

func (store *stubStore) GetRectificationCase(ctx context.Context, caseID string) (RectificationCase, error) {
	record, ok := store.cases[caseID]
	if !ok {
		return RectificationCase{}, ErrCaseNotFound
	}
	return record, nil
}

func (store *stubStore) GetOpenRectificationCase(ctx context.Context, bookingID string) (RectificationCase, bool, error) {
	for _, record := range store.cases {
		if record.BookingID == bookingID && record.Status.IsOpen() {
			return record, true, nil
		}
	}
	return RectificationCase{}, false, nil
}

func (store *stubStore) UpdateRectificationStatus(ctx context.Context, caseID string, from, to RectificationStatus) error {
	record, ok := store.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if record.Status != from {
		return ErrCaseClosed
	}
	record.Status = to
	store.cases[caseID] = record
	return nil
}

func (store *stubStore) SetRectificationFixSchedule(ctx context.Context, caseID string, fixUnixUTC int64) error {
	record, ok := store.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	record.FixScheduledUnixUTC = fixUnixUTC
	store.cases[caseID] = record
	return nil
}

func (store *stubStore) CreateInvoice(ctx context.Context, record ScopeChangeInvoice) error {
	store.invoices[record.InvoiceID] = record
	return nil
}

func (store *stubStore) GetInvoice(ctx context.Context, invoiceID string) (ScopeChangeInvoice, error) {
	record, ok := store.invoices[invoiceID]
	if !ok {
		return ScopeChangeInvoice{}, ErrInvoiceNotFound
	}
	return record, nil
}

func (store *stubStore) UpdateInvoiceStatus(ctx context.Context, invoiceID string, from, to InvoiceStatus) error {
	record, ok := store.invoices[invoiceID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if record.Status != from {
		return ErrInvoiceClosed
	}
	record.Status = to
	store.invoices[invoiceID] = record
	return nil
}

func (store *stubStore) SetInvoiceCaptureTransaction(ctx context.Context, invoiceID string, transactionID string) error {
	record, ok := store.invoices[invoiceID]
	if !ok {
		return ErrInvoiceNotFound
	}
	record.CaptureTransactionID = transactionID
	store.invoices[invoiceID] = record
	return nil
}

func (store *stubStore) CreateSafetyIncident(ctx context.Context, record SafetyIncident) error {
	store.incidents = append(store.incidents, record)
	return nil
}

func (store *stubStore) ScheduleTask(ctx context.Context, kind TaskKind, bookingID string, runAtUnixUTC int64) error {
	if store.scheduleErr != nil {
		return store.scheduleErr
	}
	store.tasks = append(store.tasks, scheduledTask{kind: kind, bookingID: bookingID, runAtUnixUTC: runAtUnixUTC})
	return nil
}

func (store *stubStore) RecordCommand(ctx context.Context, bookingID string, key string, command string) (bool, error) {
	mapKey := bookingID + "|" + key
	existing, ok := store.commands[mapKey]
	if !ok {
		store.commands[mapKey] = command
		return false, nil
	}
	if existing == command {
		return true, nil
	}
	return false, ErrDuplicateIdempotencyKey
}

func (store *stubStore) DeleteCommand(ctx context.Context, bookingID string, key string) error {
	delete(store.commands, bookingID+"|"+key)
	return nil
}

func (store *stubStore) mustLedger(test *testing.T, bookingID string) Ledger {
	test.Helper()
	record, ok := store.ledgers[bookingID]
	if !ok {
		test.Fatalf("ledger for booking %s not found", bookingID)
	}
	return record
}

func (store *stubStore) mustBooking(test *testing.T, bookingID string) Booking {
	test.Helper()
	record, ok := store.bookings[bookingID]
	if !ok {
		test.Fatalf("booking %s not found", bookingID)
	}
	return record
}

func (store *stubStore) mustActiveOTP(test *testing.T, bookingID string) OTPRecord {
	test.Helper()
	record, err := store.GetActiveOTP(context.Background(), bookingID)
	if err != nil {
		test.Fatalf("active otp for booking %s: %v", bookingID, err)
	}
	return record
}

type capturedCharge struct {
	amount           AmountCents
	paymentMethodRef string
}

type issuedRefund struct {
	transactionID string
	amount        AmountCents
}

type fakeGateway struct {
	captures   []capturedCharge
	refunds    []issuedRefund
	captureErr error
	refundErr  error
}

func (gateway *fakeGateway) Capture(ctx context.Context, amount AmountCents, paymentMethodRef string) (string, error) {
	if gateway.captureErr != nil {
		return "", gateway.captureErr
	}
	gateway.captures = append(gateway.captures, capturedCharge{amount: amount, paymentMethodRef: paymentMethodRef})
	return fmt.Sprintf("chrg-%d", len(gateway.captures)), nil
}

func (gateway *fakeGateway) Refund(ctx context.Context, transactionID string, amount AmountCents) error {
	if gateway.refundErr != nil {
		return gateway.refundErr
	}
	gateway.refunds = append(gateway.refunds, issuedRefund{transactionID: transactionID, amount: amount})
	return nil
}

type scheduledTask struct {
	kind         TaskKind
	bookingID    string
	runAtUnixUTC int64
}

func (store *stubStore) mustTask(test *testing.T, kind TaskKind, bookingID string) scheduledTask {
	test.Helper()
	for index := len(store.tasks) - 1; index >= 0; index-- {
		if store.tasks[index].kind == kind && store.tasks[index].bookingID == bookingID {
			return store.tasks[index]
		}
	}
	test.Fatalf("no %s task scheduled for booking %s", kind, bookingID)
	return scheduledTask{}
}

type publishedEvent struct {
	event   string
	payload map[string]any
}

type recorderNotifier struct {
	events []publishedEvent
}

func (notifier *recorderNotifier) Publish(ctx context.Context, event string, payload map[string]any) error {
	notifier.events = append(notifier.events, publishedEvent{event: event, payload: payload})
	return nil
}

func (notifier *recorderNotifier) has(event string) bool {
	for _, published := range notifier.events {
		if published.event == event {
			return true
		}
	}
	return false
}

type stubClock struct {
	now int64
}

func (clock *stubClock) fn() func() int64 {
	return func() int64 { return clock.now }
}

func (clock *stubClock) advance(seconds int64) {
	clock.now += seconds
}

type fixture struct {
	store    *stubStore
	gateway  *fakeGateway
	notifier *recorderNotifier
	clock    *stubClock
	service  *Service
	keySeq   int
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	f := &fixture{
		store:    newStubStore(),
		gateway:  &fakeGateway{},
		notifier: &recorderNotifier{},
		clock:    &stubClock{now: 1_700_000_000},
	}
	service, err := NewService(f.store, f.gateway, f.clock.fn(), WithNotifier(f.notifier))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	f.service = service
	return f
}

func (f *fixture) nextKey(test *testing.T) IdempotencyKey {
	test.Helper()
	f.keySeq++
	return mustIdempotencyKey(test, fmt.Sprintf("key-%d", f.keySeq))
}

func (f *fixture) createBooking(test *testing.T, tier int, priceCents int64) Booking {
	test.Helper()
	record, err := f.service.Create(context.Background(), CreateBookingParams{
		ClientID:           mustPartyID(test, "client-1"),
		ProviderID:         mustPartyID(test, "provider-1"),
		Tier:               mustTier(test, tier),
		PriceCents:         mustAmount(test, priceCents),
		ScheduledAtUnixUTC: f.clock.now + secondsPerHour,
		Address:            "12 Canal St",
		Scope:              "fix the kitchen sink",
	})
	if err != nil {
		test.Fatalf("create booking: %v", err)
	}
	return record
}

func (f *fixture) confirm(test *testing.T, bookingID string) {
	test.Helper()
	if err := f.service.Confirm(context.Background(), mustBookingID(test, bookingID), "card-token", f.nextKey(test)); err != nil {
		test.Fatalf("confirm: %v", err)
	}
}

func (f *fixture) advanceToEnRoute(test *testing.T, bookingID string) {
	test.Helper()
	f.confirm(test, bookingID)
	if err := f.service.ProviderAccept(context.Background(), mustBookingID(test, bookingID), f.nextKey(test)); err != nil {
		test.Fatalf("provider accept: %v", err)
	}
	if err := f.service.MarkEnRoute(context.Background(), mustBookingID(test, bookingID), f.nextKey(test)); err != nil {
		test.Fatalf("mark en route: %v", err)
	}
}

func (f *fixture) advanceToCheckedIn(test *testing.T, bookingID string) {
	test.Helper()
	f.advanceToEnRoute(test, bookingID)
	code := f.store.mustActiveOTP(test, bookingID).Code
	if err := f.service.CheckIn(context.Background(), mustBookingID(test, bookingID), code, f.nextKey(test)); err != nil {
		test.Fatalf("check in: %v", err)
	}
}

func (f *fixture) advanceToObservation(test *testing.T, bookingID string) {
	test.Helper()
	f.advanceToCheckedIn(test, bookingID)
	if err := f.service.Complete(context.Background(), mustBookingID(test, bookingID), "done", f.nextKey(test)); err != nil {
		test.Fatalf("complete: %v", err)
	}
}

func mustBookingID(test *testing.T, raw string) BookingID {
	test.Helper()
	value, err := NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	return value
}

func mustPartyID(test *testing.T, raw string) PartyID {
	test.Helper()
	value, err := NewPartyID(raw)
	if err != nil {
		test.Fatalf("party id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	value, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustTier(test *testing.T, raw int) Tier {
	test.Helper()
	value, err := NewTier(raw)
	if err != nil {
		test.Fatalf("tier: %v", err)
	}
	return value
}
