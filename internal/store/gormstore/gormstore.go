package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/probook/internal/scheduler"
	"github.com/MarkoPoloResearchLab/probook/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore       = "store"
	errorSubjectBooking       = "booking"
	errorSubjectLedger        = "ledger"
	errorSubjectTimeline      = "timeline"
	errorSubjectOTP           = "otp"
	errorSubjectRectification = "rectification"
	errorSubjectInvoice       = "invoice"
	errorSubjectIncident      = "incident"
	errorSubjectTask          = "task"
	errorSubjectCommand       = "command"
	errorCodeCreate           = "create"
	errorCodeGet              = "get"
	errorCodeList             = "list"
	errorCodeUpdate           = "update"
	errorCodeInvalid          = "invalid"
	errorCodeDuplicate        = "duplicate"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Models lists every table the store owns, for AutoMigrate.
func Models() []any {
	return []any{
		&BookingRecord{},
		&LedgerRecord{},
		&TimelineRecord{},
		&OTPRecordModel{},
		&RectificationRecord{},
		&InvoiceRecord{},
		&IncidentRecord{},
		&CommandKeyRecord{},
	}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateBooking(ctx context.Context, record booking.Booking) error {
	model := BookingRecord{
		BookingID:            record.BookingID,
		Reference:            record.Reference,
		ClientID:             record.ClientID,
		ProviderID:           record.ProviderID,
		Tier:                 record.Tier.Int(),
		Status:               record.Status.String(),
		PriceCents:           record.PriceCents.Int64(),
		ScheduledAt:          time.Unix(record.ScheduledAtUnixUTC, 0).UTC(),
		Address:              record.Address,
		Latitude:             record.Latitude,
		Longitude:            record.Longitude,
		Scope:                record.Scope,
		CaptureTransactionID: record.CaptureTransactionID,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBooking(ctx context.Context, bookingID string) (booking.Booking, error) {
	var model BookingRecord
	err := store.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrBookingNotFound)
		}
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	return mapBooking(model)
}

func (store *Store) UpdateBookingStatus(ctx context.Context, bookingID string, from, to booking.BookingStatus) error {
	result := store.db.WithContext(ctx).
		Model(&BookingRecord{}).
		Where("booking_id = ? AND status = ?", bookingID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, booking.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) SetBookingCompletedAt(ctx context.Context, bookingID string, completedUnixUTC int64) error {
	completedAt := time.Unix(completedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&BookingRecord{}).
		Where("booking_id = ?", bookingID).
		Update("completed_at", &completedAt)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, booking.ErrBookingNotFound)
	}
	return nil
}

func (store *Store) SetBookingCaptureTransaction(ctx context.Context, bookingID string, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&BookingRecord{}).
		Where("booking_id = ?", bookingID).
		Update("capture_transaction_id", transactionID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, booking.ErrBookingNotFound)
	}
	return nil
}

func (store *Store) AppendTimeline(ctx context.Context, event booking.TimelineEvent) error {
	model := TimelineRecord{
		BookingID:  event.BookingID,
		Status:     event.Status,
		OccurredAt: time.Unix(event.OccurredUnixUTC, 0).UTC(),
		Note:       event.Note,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTimeline, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ListTimeline(ctx context.Context, bookingID string) ([]booking.TimelineEvent, error) {
	var rows []TimelineRecord
	err := store.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("occurred_at ASC, event_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTimeline, errorCodeList, err)
	}
	events := make([]booking.TimelineEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, booking.TimelineEvent{
			BookingID:       row.BookingID,
			Status:          row.Status,
			OccurredUnixUTC: row.OccurredAt.Unix(),
			Note:            row.Note,
		})
	}
	return events, nil
}

func (store *Store) CreateLedger(ctx context.Context, record booking.Ledger) error {
	model := LedgerRecord{
		BookingID:          record.BookingID,
		TotalHeldCents:     record.TotalHeldCents.Int64(),
		CommitmentCents:    record.CommitmentCents.Int64(),
		BalanceCents:       record.BalanceCents.Int64(),
		CommitmentReleased: record.CommitmentReleased,
		BalanceReleased:    record.BalanceReleased,
		Frozen:             record.Frozen,
		Refunded:           record.Refunded,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetLedger(ctx context.Context, bookingID string) (booking.Ledger, error) {
	var model LedgerRecord
	err := store.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, booking.ErrLedgerNotFound)
		}
		return booking.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return booking.Ledger{
		BookingID:          model.BookingID,
		TotalHeldCents:     booking.AmountCents(model.TotalHeldCents),
		CommitmentCents:    booking.AmountCents(model.CommitmentCents),
		BalanceCents:       booking.AmountCents(model.BalanceCents),
		CommitmentReleased: model.CommitmentReleased,
		BalanceReleased:    model.BalanceReleased,
		Frozen:             model.Frozen,
		Refunded:           model.Refunded,
	}, nil
}

func (store *Store) SaveLedger(ctx context.Context, record booking.Ledger) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerRecord{}).
		Where("booking_id = ?", record.BookingID).
		Updates(map[string]interface{}{
			"total_held_cents":    record.TotalHeldCents.Int64(),
			"commitment_cents":    record.CommitmentCents.Int64(),
			"balance_cents":       record.BalanceCents.Int64(),
			"commitment_released": record.CommitmentReleased,
			"balance_released":    record.BalanceReleased,
			"frozen":              record.Frozen,
			"refunded":            record.Refunded,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeUpdate, booking.ErrLedgerNotFound)
	}
	return nil
}

func (store *Store) CreateOTP(ctx context.Context, record booking.OTPRecord) error {
	model := OTPRecordModel{
		OTPID:       record.OTPID,
		BookingID:   record.BookingID,
		Code:        record.Code,
		ExpiresAt:   time.Unix(record.ExpiresAtUnixUTC, 0).UTC(),
		Attempts:    record.Attempts,
		MaxAttempts: record.MaxAttempts,
		Verified:    record.Verified,
		Locked:      record.Locked,
		Superseded:  record.Superseded,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOTP, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetActiveOTP(ctx context.Context, bookingID string) (booking.OTPRecord, error) {
	var model OTPRecordModel
	err := store.db.WithContext(ctx).
		Where("booking_id = ? AND superseded = ?", bookingID, false).
		Order("created_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.OTPRecord{}, wrapStoreError(errorSubjectOTP, errorCodeGet, booking.ErrOTPNotIssued)
		}
		return booking.OTPRecord{}, wrapStoreError(errorSubjectOTP, errorCodeGet, err)
	}
	return booking.OTPRecord{
		OTPID:            model.OTPID,
		BookingID:        model.BookingID,
		Code:             model.Code,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		Attempts:         model.Attempts,
		MaxAttempts:      model.MaxAttempts,
		Verified:         model.Verified,
		Locked:           model.Locked,
		Superseded:       model.Superseded,
	}, nil
}

func (store *Store) SaveOTP(ctx context.Context, record booking.OTPRecord) error {
	result := store.db.WithContext(ctx).
		Model(&OTPRecordModel{}).
		Where("otp_id = ?", record.OTPID).
		Updates(map[string]interface{}{
			"attempts":   record.Attempts,
			"verified":   record.Verified,
			"locked":     record.Locked,
			"superseded": record.Superseded,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOTP, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOTP, errorCodeUpdate, booking.ErrOTPNotIssued)
	}
	return nil
}

func (store *Store) SupersedeOTPs(ctx context.Context, bookingID string) error {
	err := store.db.WithContext(ctx).
		Model(&OTPRecordModel{}).
		Where("booking_id = ? AND superseded = ?", bookingID, false).
		Update("superseded", true).Error
	if err != nil {
		return wrapStoreError(errorSubjectOTP, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) CreateRectificationCase(ctx context.Context, record booking.RectificationCase) error {
	model := RectificationRecord{
		CaseID:           record.CaseID,
		BookingID:        record.BookingID,
		Description:      record.Description,
		Status:           record.Status.String(),
		ReportedAt:       time.Unix(record.ReportedUnixUTC, 0).UTC(),
		ResponseDeadline: time.Unix(record.ResponseDeadlineUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRectification, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetRectificationCase(ctx context.Context, caseID string) (booking.RectificationCase, error) {
	var model RectificationRecord
	err := store.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.RectificationCase{}, wrapStoreError(errorSubjectRectification, errorCodeGet, booking.ErrCaseNotFound)
		}
		return booking.RectificationCase{}, wrapStoreError(errorSubjectRectification, errorCodeGet, err)
	}
	return mapRectification(model)
}

func (store *Store) GetOpenRectificationCase(ctx context.Context, bookingID string) (booking.RectificationCase, bool, error) {
	var model RectificationRecord
	err := store.db.WithContext(ctx).
		Where("booking_id = ? AND status IN ?", bookingID, []string{
			booking.RectificationReported.String(),
			booking.RectificationAccepted.String(),
			booking.RectificationFixScheduled.String(),
			booking.RectificationDisputed.String(),
		}).
		Order("reported_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.RectificationCase{}, false, nil
		}
		return booking.RectificationCase{}, false, wrapStoreError(errorSubjectRectification, errorCodeGet, err)
	}
	caseRecord, mapErr := mapRectification(model)
	if mapErr != nil {
		return booking.RectificationCase{}, false, mapErr
	}
	return caseRecord, true, nil
}

func (store *Store) UpdateRectificationStatus(ctx context.Context, caseID string, from, to booking.RectificationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&RectificationRecord{}).
		Where("case_id = ? AND status = ?", caseID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectRectification, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRectification, errorCodeUpdate, booking.ErrCaseClosed)
	}
	return nil
}

func (store *Store) SetRectificationFixSchedule(ctx context.Context, caseID string, fixUnixUTC int64) error {
	fixAt := time.Unix(fixUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&RectificationRecord{}).
		Where("case_id = ?", caseID).
		Update("fix_scheduled_at", &fixAt)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRectification, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRectification, errorCodeUpdate, booking.ErrCaseNotFound)
	}
	return nil
}

func (store *Store) CreateInvoice(ctx context.Context, record booking.ScopeChangeInvoice) error {
	model := InvoiceRecord{
		InvoiceID:            record.InvoiceID,
		BookingID:            record.BookingID,
		Description:          record.Description,
		AmountCents:          record.AmountCents.Int64(),
		Status:               record.Status.String(),
		CaptureTransactionID: record.CaptureTransactionID,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetInvoice(ctx context.Context, invoiceID string) (booking.ScopeChangeInvoice, error) {
	var model InvoiceRecord
	err := store.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.ScopeChangeInvoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, booking.ErrInvoiceNotFound)
		}
		return booking.ScopeChangeInvoice{}, wrapStoreError(errorSubjectInvoice, errorCodeGet, err)
	}
	status, parseErr := booking.ParseInvoiceStatus(model.Status)
	if parseErr != nil {
		return booking.ScopeChangeInvoice{}, wrapStoreError(errorSubjectInvoice, errorCodeInvalid, parseErr)
	}
	return booking.ScopeChangeInvoice{
		InvoiceID:            model.InvoiceID,
		BookingID:            model.BookingID,
		Description:          model.Description,
		AmountCents:          booking.AmountCents(model.AmountCents),
		Status:               status,
		CaptureTransactionID: model.CaptureTransactionID,
		CreatedUnixUTC:       model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) UpdateInvoiceStatus(ctx context.Context, invoiceID string, from, to booking.InvoiceStatus) error {
	result := store.db.WithContext(ctx).
		Model(&InvoiceRecord{}).
		Where("invoice_id = ? AND status = ?", invoiceID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdate, booking.ErrInvoiceClosed)
	}
	return nil
}

func (store *Store) SetInvoiceCaptureTransaction(ctx context.Context, invoiceID string, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&InvoiceRecord{}).
		Where("invoice_id = ?", invoiceID).
		Update("capture_transaction_id", transactionID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectInvoice, errorCodeUpdate, booking.ErrInvoiceNotFound)
	}
	return nil
}

func (store *Store) CreateSafetyIncident(ctx context.Context, record booking.SafetyIncident) error {
	model := IncidentRecord{
		IncidentID:  record.IncidentID,
		BookingID:   record.BookingID,
		TriggeredBy: record.TriggeredBy,
		TriggeredAt: time.Unix(record.TriggeredUnixUTC, 0).UTC(),
	}
	if record.DetailsJSON != "" {
		model.Details = datatypes.JSON(record.DetailsJSON)
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectIncident, errorCodeCreate, err)
	}
	return nil
}

// ScheduleTask persists a pending deadline row for the runner to pick
// up. Runs inside the caller's transaction so the obligation commits
// atomically with the transition that created it.
func (store *Store) ScheduleTask(ctx context.Context, kind booking.TaskKind, bookingID string, runAtUnixUTC int64) error {
	record := scheduler.NewTask(kind, bookingID, runAtUnixUTC)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return wrapStoreError(errorSubjectTask, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) RecordCommand(ctx context.Context, bookingID string, key string, command string) (bool, error) {
	model := CommandKeyRecord{
		BookingID: bookingID,
		Key:       key,
		Command:   command,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if err == nil {
		return false, nil
	}
	if !isUniqueViolation(err) {
		return false, wrapStoreError(errorSubjectCommand, errorCodeCreate, err)
	}
	var existing CommandKeyRecord
	lookupErr := store.db.WithContext(ctx).
		Where("booking_id = ? AND key = ?", bookingID, key).
		Take(&existing).Error
	if lookupErr != nil {
		return false, wrapStoreError(errorSubjectCommand, errorCodeGet, lookupErr)
	}
	if existing.Command == command {
		return true, nil
	}
	return false, wrapStoreError(errorSubjectCommand, errorCodeDuplicate, booking.ErrDuplicateIdempotencyKey)
}

func (store *Store) DeleteCommand(ctx context.Context, bookingID string, key string) error {
	err := store.db.WithContext(ctx).
		Where("booking_id = ? AND key = ?", bookingID, key).
		Delete(&CommandKeyRecord{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCommand, errorCodeUpdate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func mapBooking(model BookingRecord) (booking.Booking, error) {
	tier, err := booking.NewTier(model.Tier)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	status, err := booking.ParseBookingStatus(model.Status)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	record := booking.Booking{
		BookingID:            model.BookingID,
		Reference:            model.Reference,
		ClientID:             model.ClientID,
		ProviderID:           model.ProviderID,
		Tier:                 tier,
		Status:               status,
		PriceCents:           booking.AmountCents(model.PriceCents),
		ScheduledAtUnixUTC:   model.ScheduledAt.Unix(),
		Address:              model.Address,
		Latitude:             model.Latitude,
		Longitude:            model.Longitude,
		Scope:                model.Scope,
		CaptureTransactionID: model.CaptureTransactionID,
		CreatedUnixUTC:       model.CreatedAt.Unix(),
	}
	if model.CompletedAt != nil {
		record.CompletedAtUnixUTC = model.CompletedAt.Unix()
	}
	return record, nil
}

func mapRectification(model RectificationRecord) (booking.RectificationCase, error) {
	status, err := booking.ParseRectificationStatus(model.Status)
	if err != nil {
		return booking.RectificationCase{}, wrapStoreError(errorSubjectRectification, errorCodeInvalid, err)
	}
	record := booking.RectificationCase{
		CaseID:                  model.CaseID,
		BookingID:               model.BookingID,
		Description:             model.Description,
		Status:                  status,
		ReportedUnixUTC:         model.ReportedAt.Unix(),
		ResponseDeadlineUnixUTC: model.ResponseDeadline.Unix(),
	}
	if model.FixScheduledAt != nil {
		record.FixScheduledUnixUTC = model.FixScheduledAt.Unix()
	}
	return record, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
