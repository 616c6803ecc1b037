// Package httpserver exposes the booking engine over HTTP. It is a
// thin façade: validation beyond JSON shape, every state rule, and all
// ledger arithmetic live in pkg/booking.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/probook/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const headerIdempotencyKey = "Idempotency-Key"

// Run boots the HTTP server and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config, service *booking.Service, logger *zap.Logger) error {
	router := setupRouter(cfg, &httpHandler{logger: logger, service: service})
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerIdempotencyKey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))

	api.POST("/bookings", handler.handleCreate)
	api.GET("/bookings/:bookingId", handler.handleSnapshot)
	api.GET("/bookings/:bookingId/escrow", handler.handleEscrowStatus)
	api.POST("/bookings/:bookingId/confirm", handler.handleConfirm)
	api.POST("/bookings/:bookingId/accept", handler.handleProviderAccept)
	api.POST("/bookings/:bookingId/en-route", handler.handleEnRoute)
	api.POST("/bookings/:bookingId/otp", handler.handleRegenerateOTP)
	api.POST("/bookings/:bookingId/check-in", handler.handleCheckIn)
	api.POST("/bookings/:bookingId/complete", handler.handleComplete)
	api.POST("/bookings/:bookingId/release", handler.handleReleaseEarly)
	api.POST("/bookings/:bookingId/cancel", handler.handleCancel)
	api.POST("/bookings/:bookingId/no-show", handler.handleReportNoShow)
	api.POST("/bookings/:bookingId/issues", handler.handleReportIssue)
	api.POST("/bookings/:bookingId/scope-changes", handler.handleRequestScopeChange)
	api.POST("/bookings/:bookingId/sos", handler.handleTriggerSOS)
	api.POST("/cases/:caseId/accept", handler.handleAcceptIssue)
	api.POST("/cases/:caseId/schedule-fix", handler.handleAcceptFix)
	api.POST("/cases/:caseId/fix-done", handler.handleConfirmFixDone)
	api.POST("/cases/:caseId/dispute", handler.handleDisputeIssue)
	api.POST("/invoices/:invoiceId/approve", handler.handleApproveScopeChange)
	api.POST("/invoices/:invoiceId/reject", handler.handleRejectScopeChange)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *booking.Service
}

type createBookingRequest struct {
	ClientID           string  `json:"client_id" binding:"required"`
	ProviderID         string  `json:"provider_id" binding:"required"`
	Tier               int     `json:"tier" binding:"required"`
	PriceCents         int64   `json:"price_cents" binding:"required"`
	ScheduledAtUnixUTC int64   `json:"scheduled_at_unix_utc" binding:"required"`
	Address            string  `json:"address" binding:"required"`
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	Scope              string  `json:"scope"`
}

func (handler *httpHandler) handleCreate(ctx *gin.Context) {
	var request createBookingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	clientID, err := booking.NewPartyID(request.ClientID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_client_id", err.Error()))
		return
	}
	providerID, err := booking.NewPartyID(request.ProviderID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_provider_id", err.Error()))
		return
	}
	tier, err := booking.NewTier(request.Tier)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_tier", err.Error()))
		return
	}
	price, err := booking.NewAmountCents(request.PriceCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_price", err.Error()))
		return
	}
	record, err := handler.service.Create(ctx.Request.Context(), booking.CreateBookingParams{
		ClientID:           clientID,
		ProviderID:         providerID,
		Tier:               tier,
		PriceCents:         price,
		ScheduledAtUnixUTC: request.ScheduledAtUnixUTC,
		Address:            request.Address,
		Latitude:           request.Latitude,
		Longitude:          request.Longitude,
		Scope:              request.Scope,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"booking_id": record.BookingID,
		"reference":  record.Reference,
		"status":     record.Status.String(),
	})
}

func (handler *httpHandler) handleSnapshot(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	snapshot, err := handler.service.GetSnapshot(ctx.Request.Context(), bookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, snapshotPayload(snapshot))
}

func (handler *httpHandler) handleEscrowStatus(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	status, err := handler.service.GetEscrowStatus(ctx.Request.Context(), bookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"escrow_status": status.String()})
}

type confirmRequest struct {
	PaymentMethodRef string `json:"payment_method_ref" binding:"required"`
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	handler.respondCommand(ctx, handler.service.Confirm(ctx.Request.Context(), bookingID, request.PaymentMethodRef, key))
}

func (handler *httpHandler) handleProviderAccept(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	handler.respondCommand(ctx, handler.service.ProviderAccept(ctx.Request.Context(), bookingID, key))
}

func (handler *httpHandler) handleEnRoute(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	handler.respondCommand(ctx, handler.service.MarkEnRoute(ctx.Request.Context(), bookingID, key))
}

func (handler *httpHandler) handleRegenerateOTP(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	issued, err := handler.service.RegenerateOTP(ctx.Request.Context(), bookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"expires_at_unix_utc": issued.ExpiresAtUnixUTC,
	})
}

type checkInRequest struct {
	Code string `json:"code" binding:"required"`
}

func (handler *httpHandler) handleCheckIn(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request checkInRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	handler.respondCommand(ctx, handler.service.CheckIn(ctx.Request.Context(), bookingID, request.Code, key))
}

type completeRequest struct {
	Notes string `json:"notes"`
}

func (handler *httpHandler) handleComplete(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request completeRequest
	_ = ctx.ShouldBindJSON(&request)
	handler.respondCommand(ctx, handler.service.Complete(ctx.Request.Context(), bookingID, request.Notes, key))
}

func (handler *httpHandler) handleReleaseEarly(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	handler.respondCommand(ctx, handler.service.ReleaseEarly(ctx.Request.Context(), bookingID, key))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request cancelRequest
	_ = ctx.ShouldBindJSON(&request)
	handler.respondCommand(ctx, handler.service.Cancel(ctx.Request.Context(), bookingID, request.Reason, key))
}

func (handler *httpHandler) handleReportNoShow(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	handler.respondCommand(ctx, handler.service.ReportNoShow(ctx.Request.Context(), bookingID, key))
}

type reportIssueRequest struct {
	Description string `json:"description" binding:"required"`
}

func (handler *httpHandler) handleReportIssue(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request reportIssueRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	caseRecord, err := handler.service.ReportIssue(ctx.Request.Context(), bookingID, request.Description, key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"case_id":                    caseRecord.CaseID,
		"status":                     caseRecord.Status.String(),
		"response_deadline_unix_utc": caseRecord.ResponseDeadlineUnixUTC,
	})
}

type scopeChangeRequest struct {
	Description string `json:"description" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
}

func (handler *httpHandler) handleRequestScopeChange(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request scopeChangeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	amount, err := booking.NewAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	invoice, err := handler.service.RequestScopeChange(ctx.Request.Context(), bookingID, request.Description, amount, key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"invoice_id": invoice.InvoiceID,
		"status":     invoice.Status.String(),
	})
}

type sosRequest struct {
	Details map[string]any `json:"details"`
}

func (handler *httpHandler) handleTriggerSOS(ctx *gin.Context) {
	bookingID, ok := handler.bookingID(ctx)
	if !ok {
		return
	}
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	triggeredBy, err := booking.NewPartyID(authSubject(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
		return
	}
	var request sosRequest
	_ = ctx.ShouldBindJSON(&request)
	detailsJSON := ""
	if len(request.Details) > 0 {
		if raw, marshalErr := json.Marshal(request.Details); marshalErr == nil {
			detailsJSON = string(raw)
		}
	}
	handler.respondCommand(ctx, handler.service.TriggerSOS(ctx.Request.Context(), bookingID, triggeredBy, detailsJSON, key))
}

func (handler *httpHandler) handleAcceptIssue(ctx *gin.Context) {
	handler.respondCommand(ctx, handler.service.AcceptIssue(ctx.Request.Context(), ctx.Param("caseId")))
}

type acceptFixRequest struct {
	FixScheduledAtUnixUTC int64  `json:"fix_scheduled_at_unix_utc" binding:"required"`
	Notes                 string `json:"notes"`
}

func (handler *httpHandler) handleAcceptFix(ctx *gin.Context) {
	var request acceptFixRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	handler.respondCommand(ctx, handler.service.AcceptFix(ctx.Request.Context(), ctx.Param("caseId"), request.FixScheduledAtUnixUTC, request.Notes))
}

func (handler *httpHandler) handleConfirmFixDone(ctx *gin.Context) {
	handler.respondCommand(ctx, handler.service.ConfirmFixDone(ctx.Request.Context(), ctx.Param("caseId")))
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (handler *httpHandler) handleDisputeIssue(ctx *gin.Context) {
	var request disputeRequest
	_ = ctx.ShouldBindJSON(&request)
	handler.respondCommand(ctx, handler.service.DisputeIssue(ctx.Request.Context(), ctx.Param("caseId"), request.Reason))
}

type approveInvoiceRequest struct {
	PaymentMethodRef string `json:"payment_method_ref" binding:"required"`
}

func (handler *httpHandler) handleApproveScopeChange(ctx *gin.Context) {
	key, ok := handler.idempotencyKey(ctx)
	if !ok {
		return
	}
	var request approveInvoiceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	handler.respondCommand(ctx, handler.service.ApproveScopeChange(ctx.Request.Context(), ctx.Param("invoiceId"), request.PaymentMethodRef, key))
}

func (handler *httpHandler) handleRejectScopeChange(ctx *gin.Context) {
	handler.respondCommand(ctx, handler.service.RejectScopeChange(ctx.Request.Context(), ctx.Param("invoiceId")))
}

func (handler *httpHandler) bookingID(ctx *gin.Context) (booking.BookingID, bool) {
	bookingID, err := booking.NewBookingID(ctx.Param("bookingId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_booking_id", err.Error()))
		return booking.BookingID{}, false
	}
	return bookingID, true
}

func (handler *httpHandler) idempotencyKey(ctx *gin.Context) (booking.IdempotencyKey, bool) {
	key, err := booking.NewIdempotencyKey(ctx.GetHeader(headerIdempotencyKey))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_idempotency_key", "Idempotency-Key header required"))
		return booking.IdempotencyKey{}, false
	}
	return key, true
}

func (handler *httpHandler) respondCommand(ctx *gin.Context, err error) {
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := mapToHTTPError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("command failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

// mapToHTTPError translates domain sentinels into transport statuses.
func mapToHTTPError(err error) (int, string) {
	switch {
	case errors.Is(err, booking.ErrBookingNotFound):
		return http.StatusNotFound, "booking_not_found"
	case errors.Is(err, booking.ErrLedgerNotFound):
		return http.StatusNotFound, "ledger_not_found"
	case errors.Is(err, booking.ErrCaseNotFound):
		return http.StatusNotFound, "case_not_found"
	case errors.Is(err, booking.ErrInvoiceNotFound):
		return http.StatusNotFound, "invoice_not_found"
	case errors.Is(err, booking.ErrOTPNotIssued):
		return http.StatusNotFound, "otp_not_issued"
	case errors.Is(err, booking.ErrOTPMismatch):
		return http.StatusUnprocessableEntity, "otp_mismatch"
	case errors.Is(err, booking.ErrOTPExpired):
		return http.StatusUnprocessableEntity, "otp_expired"
	case errors.Is(err, booking.ErrOTPLocked):
		return http.StatusUnprocessableEntity, "otp_locked"
	case errors.Is(err, booking.ErrOTPAlreadyUsed):
		return http.StatusUnprocessableEntity, "otp_already_used"
	case errors.Is(err, booking.ErrPaymentCapture):
		return http.StatusPaymentRequired, "capture_declined"
	case errors.Is(err, booking.ErrRefundFailed):
		return http.StatusBadGateway, "refund_failed"
	case errors.Is(err, booking.ErrEscrowFrozen):
		return http.StatusConflict, "escrow_frozen"
	case errors.Is(err, booking.ErrReleaseDeferred):
		return http.StatusConflict, "release_deferred"
	case errors.Is(err, booking.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case errors.Is(err, booking.ErrGracePeriodNotElapsed):
		return http.StatusConflict, "grace_period_not_elapsed"
	case errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, booking.ErrCaseClosed):
		return http.StatusConflict, "case_closed"
	case errors.Is(err, booking.ErrInvoiceClosed):
		return http.StatusConflict, "invoice_closed"
	case errors.Is(err, booking.ErrInvalidTier),
		errors.Is(err, booking.ErrInvalidAmountCents),
		errors.Is(err, booking.ErrInvalidBookingID),
		errors.Is(err, booking.ErrInvalidPartyID),
		errors.Is(err, booking.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "invalid_argument"
	}
	return http.StatusInternalServerError, "internal"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func snapshotPayload(snapshot booking.Snapshot) gin.H {
	timeline := make([]gin.H, 0, len(snapshot.Timeline))
	for _, event := range snapshot.Timeline {
		timeline = append(timeline, gin.H{
			"status":            event.Status,
			"occurred_unix_utc": event.OccurredUnixUTC,
			"note":              event.Note,
		})
	}
	payload := gin.H{
		"booking": gin.H{
			"booking_id":            snapshot.Booking.BookingID,
			"reference":             snapshot.Booking.Reference,
			"client_id":             snapshot.Booking.ClientID,
			"provider_id":           snapshot.Booking.ProviderID,
			"tier":                  snapshot.Booking.Tier.Int(),
			"status":                snapshot.Booking.Status.String(),
			"price_cents":           snapshot.Booking.PriceCents.Int64(),
			"scheduled_at_unix_utc": snapshot.Booking.ScheduledAtUnixUTC,
			"address":               snapshot.Booking.Address,
			"scope":                 snapshot.Booking.Scope,
			"completed_at_unix_utc": snapshot.Booking.CompletedAtUnixUTC,
			"created_unix_utc":      snapshot.Booking.CreatedUnixUTC,
		},
		"timeline": timeline,
	}
	if snapshot.Ledger != nil {
		payload["ledger"] = gin.H{
			"total_held_cents":    snapshot.Ledger.TotalHeldCents.Int64(),
			"commitment_cents":    snapshot.Ledger.CommitmentCents.Int64(),
			"balance_cents":       snapshot.Ledger.BalanceCents.Int64(),
			"commitment_released": snapshot.Ledger.CommitmentReleased,
			"balance_released":    snapshot.Ledger.BalanceReleased,
			"frozen":              snapshot.Ledger.Frozen,
			"refunded":            snapshot.Ledger.Refunded,
			"escrow_status":       snapshot.Ledger.Status().String(),
		}
	}
	return payload
}
