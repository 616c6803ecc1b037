// Package scheduler persists time-based obligations and fires their
// handlers when due. Tasks survive restarts; handlers are expected to
// be idempotent so a crash between execution and acknowledgement is
// harmless.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/probook/pkg/booking"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	taskStatusPending = "pending"
	taskStatusDone    = "done"
	taskStatusFailed  = "failed"

	defaultPollInterval = 5 * time.Second
	defaultRetryDelay   = time.Minute
	defaultMaxDelay     = time.Hour
	defaultBatchSize    = 50

	// Attempts past this threshold escalate the log level; the task
	// itself keeps retrying until it succeeds or an operator intervenes.
	alertAttempts = 10
)

// TaskRecord is one persisted deadline.
type TaskRecord struct {
	TaskID    string    `gorm:"type:uuid;primaryKey"`
	BookingID string    `gorm:"type:uuid;not null;index:idx_tasks_booking"`
	Kind      string    `gorm:"not null"`
	RunAt     time.Time `gorm:"not null;index:idx_tasks_due,priority:2"`
	Status    string    `gorm:"not null;index:idx_tasks_due,priority:1"`
	Attempts  int       `gorm:"not null"`
	LastError string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (TaskRecord) TableName() string { return "scheduled_tasks" }

func (record *TaskRecord) BeforeCreate(tx *gorm.DB) error {
	if record.TaskID == "" {
		record.TaskID = uuid.NewString()
	}
	return nil
}

// NewTask builds a pending task row. Callers persist it in the same
// transaction as the transition that created the obligation.
func NewTask(kind booking.TaskKind, bookingID string, runAtUnixUTC int64) TaskRecord {
	return TaskRecord{
		BookingID: bookingID,
		Kind:      kind.String(),
		RunAt:     time.Unix(runAtUnixUTC, 0).UTC(),
		Status:    taskStatusPending,
	}
}

// Handler executes one due task for a booking.
type Handler func(ctx context.Context, bookingID string) error

// RunnerOption configures optional Runner settings.
type RunnerOption func(*Runner)

// WithPollInterval overrides how often due tasks are looked up.
func WithPollInterval(interval time.Duration) RunnerOption {
	return func(runner *Runner) {
		runner.pollInterval = interval
	}
}

// WithRetryDelay overrides the delay before a failed or deferred task
// is attempted again.
func WithRetryDelay(delay time.Duration) RunnerOption {
	return func(runner *Runner) {
		runner.retryDelay = delay
	}
}

// WithClock overrides the time source, in unix seconds UTC.
func WithClock(now func() int64) RunnerOption {
	return func(runner *Runner) {
		runner.nowFn = now
	}
}

// Runner polls persisted deadlines and drives registered handlers.
type Runner struct {
	db           *gorm.DB
	logger       *zap.Logger
	handlers     map[booking.TaskKind]Handler
	pollInterval time.Duration
	retryDelay   time.Duration
	maxDelay     time.Duration
	nowFn        func() int64
}

// New constructs a Runner over the given database.
func New(db *gorm.DB, logger *zap.Logger, options ...RunnerOption) *Runner {
	runner := &Runner{
		db:           db,
		logger:       logger,
		handlers:     make(map[booking.TaskKind]Handler),
		pollInterval: defaultPollInterval,
		retryDelay:   defaultRetryDelay,
		maxDelay:     defaultMaxDelay,
		nowFn:        func() int64 { return time.Now().UTC().Unix() },
	}
	for _, option := range options {
		option(runner)
	}
	return runner
}

// Register binds a handler to a task kind. Must be called before Run.
func (runner *Runner) Register(kind booking.TaskKind, handler Handler) {
	runner.handlers[kind] = handler
}

// Run polls for due tasks until the context is cancelled.
func (runner *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(runner.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runner.runDue(ctx)
		}
	}
}

// RunDueOnce processes the current batch of due tasks. Exposed for
// tests and manual draining.
func (runner *Runner) RunDueOnce(ctx context.Context) {
	runner.runDue(ctx)
}

func (runner *Runner) runDue(ctx context.Context) {
	now := time.Unix(runner.nowFn(), 0).UTC()
	var due []TaskRecord
	err := runner.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", taskStatusPending, now).
		Order("run_at ASC").
		Limit(defaultBatchSize).
		Find(&due).Error
	if err != nil {
		runner.logger.Error("scheduler poll failed", zap.Error(err))
		return
	}
	for _, task := range due {
		runner.execute(ctx, task)
	}
}

func (runner *Runner) execute(ctx context.Context, task TaskRecord) {
	handler, registered := runner.handlers[booking.TaskKind(task.Kind)]
	if !registered {
		runner.logger.Error("no handler registered",
			zap.String("kind", task.Kind),
			zap.String("task_id", task.TaskID))
		runner.finish(ctx, task, taskStatusFailed, "no handler registered")
		return
	}
	handlerError := handler(ctx, task.BookingID)
	if handlerError == nil {
		runner.finish(ctx, task, taskStatusDone, "")
		return
	}
	// A deferred obligation is not a failure: the engine told us the
	// moment has not arrived. Push the deadline forward and retry.
	if errors.Is(handlerError, booking.ErrReleaseDeferred) {
		runner.reschedule(ctx, task, handlerError.Error())
		return
	}
	// A failed obligation is never dropped: it retries with growing
	// delay until it succeeds or an operator freezes the booking.
	task.Attempts++
	fields := []zap.Field{
		zap.String("kind", task.Kind),
		zap.String("booking_id", task.BookingID),
		zap.Int("attempts", task.Attempts),
		zap.Error(handlerError),
	}
	if task.Attempts >= alertAttempts {
		runner.logger.Error("task keeps failing, needs operator attention", fields...)
	} else {
		runner.logger.Warn("task failed, will retry", fields...)
	}
	runner.retry(ctx, task, handlerError.Error())
}

// backoff doubles the retry delay per attempt up to the cap.
func (runner *Runner) backoff(attempts int) time.Duration {
	delay := runner.retryDelay
	for attempt := 1; attempt < attempts && delay < runner.maxDelay; attempt++ {
		delay *= 2
	}
	if delay > runner.maxDelay {
		delay = runner.maxDelay
	}
	return delay
}

func (runner *Runner) finish(ctx context.Context, task TaskRecord, status string, lastError string) {
	err := runner.db.WithContext(ctx).
		Model(&TaskRecord{}).
		Where("task_id = ?", task.TaskID).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   task.Attempts,
			"last_error": lastError,
		}).Error
	if err != nil {
		runner.logger.Error("task status update failed",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func (runner *Runner) retry(ctx context.Context, task TaskRecord, lastError string) {
	nextRun := time.Unix(runner.nowFn(), 0).UTC().Add(runner.backoff(task.Attempts))
	err := runner.db.WithContext(ctx).
		Model(&TaskRecord{}).
		Where("task_id = ?", task.TaskID).
		Updates(map[string]interface{}{
			"run_at":     nextRun,
			"attempts":   task.Attempts,
			"last_error": lastError,
		}).Error
	if err != nil {
		runner.logger.Error("task retry update failed",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func (runner *Runner) reschedule(ctx context.Context, task TaskRecord, lastError string) {
	nextRun := time.Unix(runner.nowFn(), 0).UTC().Add(runner.retryDelay)
	err := runner.db.WithContext(ctx).
		Model(&TaskRecord{}).
		Where("task_id = ?", task.TaskID).
		Updates(map[string]interface{}{
			"run_at":     nextRun,
			"last_error": lastError,
		}).Error
	if err != nil {
		runner.logger.Error("task reschedule failed",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}
