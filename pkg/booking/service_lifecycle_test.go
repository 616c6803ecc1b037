package booking

import (
	"context"
	"errors"
	"testing"
)

func TestHappyPathThroughAutoRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)

	f.confirm(t, record.BookingID)
	ledger := f.store.mustLedger(t, record.BookingID)
	if ledger.TotalHeldCents.Int64() != 10000 {
		t.Fatalf("expected 10000 held, got %d", ledger.TotalHeldCents.Int64())
	}
	if ledger.CommitmentCents.Int64() != 2000 {
		t.Fatalf("expected tier-2 commitment 2000, got %d", ledger.CommitmentCents.Int64())
	}
	if len(f.gateway.captures) != 1 || f.gateway.captures[0].amount.Int64() != 10000 {
		t.Fatalf("expected one capture of 10000, got %+v", f.gateway.captures)
	}

	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("provider accept: %v", err)
	}
	noShowTask := f.store.mustTask(t, TaskNoShowCheck, record.BookingID)
	if noShowTask.runAtUnixUTC != record.ScheduledAtUnixUTC+noShowGraceSeconds {
		t.Fatalf("no-show check armed at %d, expected %d", noShowTask.runAtUnixUTC, record.ScheduledAtUnixUTC+noShowGraceSeconds)
	}

	if err := f.service.MarkEnRoute(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("mark en route: %v", err)
	}
	code := f.store.mustActiveOTP(t, record.BookingID).Code
	if err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), code, f.nextKey(t)); err != nil {
		t.Fatalf("check in: %v", err)
	}
	ledger = f.store.mustLedger(t, record.BookingID)
	if !ledger.CommitmentReleased {
		t.Fatal("commitment should release at check-in")
	}
	if ledger.BalanceReleased {
		t.Fatal("balance must stay held at check-in")
	}

	completedAt := f.clock.now
	if err := f.service.Complete(context.Background(), mustBookingID(t, record.BookingID), "done", f.nextKey(t)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	releaseTask := f.store.mustTask(t, TaskAutoRelease, record.BookingID)
	wantReleaseAt := completedAt + mustTier(t, 2).ObservationSeconds()
	if releaseTask.runAtUnixUTC != wantReleaseAt {
		t.Fatalf("auto-release armed at %d, expected %d", releaseTask.runAtUnixUTC, wantReleaseAt)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusObservation {
		t.Fatalf("expected observation, got %s", got.Status)
	}

	f.clock.advance(mustTier(t, 2).ObservationSeconds() + 1)
	if err := f.service.AutoRelease(context.Background(), record.BookingID); err != nil {
		t.Fatalf("auto release: %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusAutoReleased {
		t.Fatalf("expected auto_released, got %s", got.Status)
	}
	ledger = f.store.mustLedger(t, record.BookingID)
	if ledger.Status() != EscrowBalanceReleased {
		t.Fatalf("expected balance_released, got %s", ledger.Status())
	}
	if !f.notifier.has("escrow.released") {
		t.Fatal("expected escrow.released event")
	}
}

func TestAutoReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 1, 5000)
	f.advanceToObservation(t, record.BookingID)

	if err := f.service.AutoRelease(context.Background(), record.BookingID); err != nil {
		t.Fatalf("first auto release: %v", err)
	}
	if err := f.service.AutoRelease(context.Background(), record.BookingID); err != nil {
		t.Fatalf("second auto release should be a no-op, got %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusAutoReleased {
		t.Fatalf("expected auto_released, got %s", got.Status)
	}
}

func TestReleaseEarlyFromObservation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 3, 9000)
	f.advanceToObservation(t, record.BookingID)

	if err := f.service.ReleaseEarly(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("release early: %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusReleased {
		t.Fatalf("expected released, got %s", got.Status)
	}
	if !f.store.mustLedger(t, record.BookingID).BalanceReleased {
		t.Fatal("balance should be released")
	}
}

func TestReleaseEarlyOutsideObservationRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToCheckedIn(t, record.BookingID)

	err := f.service.ReleaseEarly(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmCaptureDeclinedLeavesRequested(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.gateway.captureErr = errors.New("card declined")
	key := f.nextKey(t)

	err := f.service.Confirm(context.Background(), mustBookingID(t, record.BookingID), "card-token", key)
	if !errors.Is(err, ErrPaymentCapture) {
		t.Fatalf("expected ErrPaymentCapture, got %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusRequested {
		t.Fatalf("declined capture must leave requested, got %s", got.Status)
	}
	if _, err := f.store.GetLedger(context.Background(), record.BookingID); !errors.Is(err, ErrLedgerNotFound) {
		t.Fatalf("no ledger should exist after declined capture, got %v", err)
	}

	// The failed command releases its key so a retry with the same key works.
	f.gateway.captureErr = nil
	if err := f.service.Confirm(context.Background(), mustBookingID(t, record.BookingID), "card-token", key); err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
}

func TestCheckInWrongCodePersistsAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToEnRoute(t, record.BookingID)

	err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), "000000", f.nextKey(t))
	if !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch, got %v", err)
	}
	otp := f.store.mustActiveOTP(t, record.BookingID)
	if otp.Attempts != 1 {
		t.Fatalf("failed attempt must persist, got %d attempts", otp.Attempts)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusEnRoute {
		t.Fatalf("expected en_route after failed check-in, got %s", got.Status)
	}

	if err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), otp.Code, f.nextKey(t)); err != nil {
		t.Fatalf("check in with correct code: %v", err)
	}
}

func TestCheckInLocksAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToEnRoute(t, record.BookingID)

	for attempt := 1; attempt < otpMaxAttempts; attempt++ {
		err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), "000000", f.nextKey(t))
		if !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("attempt %d: expected ErrOTPMismatch, got %v", attempt, err)
		}
	}
	err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), "000000", f.nextKey(t))
	if !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected ErrOTPLocked, got %v", err)
	}
	// Locked for the correct code too; the client must regenerate.
	code := f.store.mustActiveOTP(t, record.BookingID).Code
	err = f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), code, f.nextKey(t))
	if !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected ErrOTPLocked with correct code, got %v", err)
	}

	regenerated, err := f.service.RegenerateOTP(context.Background(), mustBookingID(t, record.BookingID))
	if err != nil {
		t.Fatalf("regenerate otp: %v", err)
	}
	if err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), regenerated.Code, f.nextKey(t)); err != nil {
		t.Fatalf("check in after regeneration: %v", err)
	}
}

func TestCheckInBlockedWhileFrozen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToEnRoute(t, record.BookingID)

	ledger := f.store.mustLedger(t, record.BookingID)
	ledger.Freeze()
	if err := f.store.SaveLedger(context.Background(), ledger); err != nil {
		t.Fatalf("save ledger: %v", err)
	}

	code := f.store.mustActiveOTP(t, record.BookingID).Code
	err := f.service.CheckIn(context.Background(), mustBookingID(t, record.BookingID), code, f.nextKey(t))
	if !errors.Is(err, ErrEscrowFrozen) {
		t.Fatalf("expected ErrEscrowFrozen, got %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusEnRoute {
		t.Fatalf("expected en_route, got %s", got.Status)
	}
}

func TestCancelRequestedNoRefundNeeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 1, 4000)

	if err := f.service.Cancel(context.Background(), mustBookingID(t, record.BookingID), "changed my mind", f.nextKey(t)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if len(f.gateway.refunds) != 0 {
		t.Fatalf("no refund expected before capture, got %+v", f.gateway.refunds)
	}
}

func TestCancelConfirmedRefundsFullAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)

	if err := f.service.Cancel(context.Background(), mustBookingID(t, record.BookingID), "", f.nextKey(t)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if len(f.gateway.refunds) != 1 || f.gateway.refunds[0].amount.Int64() != 10000 {
		t.Fatalf("expected full refund of 10000, got %+v", f.gateway.refunds)
	}
	if !f.store.mustLedger(t, record.BookingID).Refunded {
		t.Fatal("ledger should be marked refunded")
	}
}

func TestCancelAfterProviderAcceptRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)
	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("provider accept: %v", err)
	}

	err := f.service.Cancel(context.Background(), mustBookingID(t, record.BookingID), "", f.nextKey(t))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReportNoShowBeforeGraceRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)
	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("provider accept: %v", err)
	}

	err := f.service.ReportNoShow(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t))
	if !errors.Is(err, ErrGracePeriodNotElapsed) {
		t.Fatalf("expected ErrGracePeriodNotElapsed, got %v", err)
	}
}

func TestReportNoShowAfterGraceRefunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)
	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("provider accept: %v", err)
	}

	f.clock.now = record.ScheduledAtUnixUTC + noShowGraceSeconds + 1
	if err := f.service.ReportNoShow(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("report no show: %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusNoShow {
		t.Fatalf("expected no_show, got %s", got.Status)
	}
	if len(f.gateway.refunds) != 1 || f.gateway.refunds[0].amount.Int64() != 10000 {
		t.Fatalf("expected full refund, got %+v", f.gateway.refunds)
	}
}

func TestNoShowCheckAfterCheckInIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToCheckedIn(t, record.BookingID)

	f.clock.now = record.ScheduledAtUnixUTC + noShowGraceSeconds + 1
	if err := f.service.NoShowCheck(context.Background(), record.BookingID); err != nil {
		t.Fatalf("scheduled no-show check should no-op, got %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusCheckedIn {
		t.Fatalf("expected checked_in, got %s", got.Status)
	}
}

func TestNoShowCheckBeforeGraceDefers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)
	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), f.nextKey(t)); err != nil {
		t.Fatalf("provider accept: %v", err)
	}

	err := f.service.NoShowCheck(context.Background(), record.BookingID)
	if !errors.Is(err, ErrReleaseDeferred) {
		t.Fatalf("expected ErrReleaseDeferred before grace, got %v", err)
	}
}

func TestIdempotentCommandReplayIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)
	key := f.nextKey(t)

	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), key); err != nil {
		t.Fatalf("provider accept: %v", err)
	}
	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), key); err != nil {
		t.Fatalf("replay with same key must be a no-op success, got %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusProviderAccepted {
		t.Fatalf("expected provider_confirmed, got %s", got.Status)
	}
}

func TestIdempotencyKeyReuseAcrossCommandsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.confirm(t, record.BookingID)
	key := f.nextKey(t)

	if err := f.service.ProviderAccept(context.Background(), mustBookingID(t, record.BookingID), key); err != nil {
		t.Fatalf("provider accept: %v", err)
	}
	err := f.service.MarkEnRoute(context.Background(), mustBookingID(t, record.BookingID), key)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestCommandOnTerminalBookingRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 1, 3000)
	if err := f.service.Cancel(context.Background(), mustBookingID(t, record.BookingID), "", f.nextKey(t)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := f.service.Confirm(context.Background(), mustBookingID(t, record.BookingID), "card-token", f.nextKey(t))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteScheduleFailureRollsBackTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToCheckedIn(t, record.BookingID)

	// The observation deadline commits in the same transaction as the
	// status change. If the task row cannot be written, the booking must
	// stay checked_in so a retry can complete it again.
	f.store.scheduleErr = errors.New("task table unavailable")
	key := f.nextKey(t)
	if err := f.service.Complete(context.Background(), mustBookingID(t, record.BookingID), "done", key); err == nil {
		t.Fatal("expected complete to fail")
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusCheckedIn {
		t.Fatalf("failed scheduling must leave checked_in, got %s", got.Status)
	}
	if f.notifier.has("booking.observation") {
		t.Fatal("no observation event may publish for a rolled back transition")
	}

	f.store.scheduleErr = nil
	if err := f.service.Complete(context.Background(), mustBookingID(t, record.BookingID), "done", key); err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
	if got := f.store.mustBooking(t, record.BookingID); got.Status != StatusObservation {
		t.Fatalf("expected observation after retry, got %s", got.Status)
	}
	f.store.mustTask(t, TaskAutoRelease, record.BookingID)
}

func TestTimelineRecordsEveryTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := f.createBooking(t, 2, 10000)
	f.advanceToObservation(t, record.BookingID)

	events, err := f.store.ListTimeline(context.Background(), record.BookingID)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	want := []string{
		StatusRequested.String(),
		StatusConfirmed.String(),
		StatusProviderAccepted.String(),
		StatusEnRoute.String(),
		StatusCheckedIn.String(),
		StatusObservation.String(),
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d timeline events, got %d", len(want), len(events))
	}
	for index, status := range want {
		if events[index].Status != status {
			t.Fatalf("event %d: expected %s, got %s", index, status, events[index].Status)
		}
	}
}
