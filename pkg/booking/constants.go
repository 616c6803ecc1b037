package booking

const (
	operationCreate          = "create"
	operationConfirm         = "confirm"
	operationProviderAccept  = "provider_accept"
	operationMarkEnRoute     = "mark_en_route"
	operationCheckIn         = "check_in"
	operationRegenerateOTP   = "regenerate_otp"
	operationComplete        = "complete"
	operationAutoRelease     = "auto_release"
	operationReleaseEarly    = "release_early"
	operationCancel          = "cancel"
	operationReportNoShow    = "report_no_show"
	operationReportIssue     = "report_issue"
	operationAcceptIssue     = "accept_issue"
	operationAcceptFix       = "accept_fix"
	operationConfirmFixDone  = "confirm_fix_done"
	operationDisputeIssue    = "dispute_issue"
	operationEscalate        = "escalate"
	operationScopeRequest    = "scope_request"
	operationScopeApprove    = "scope_approve"
	operationScopeReject     = "scope_reject"
	operationTriggerSOS      = "trigger_sos"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	eventBookingRequested       = "booking.requested"
	eventBookingConfirmed       = "booking.confirmed"
	eventBookingProviderAccept  = "booking.provider_confirmed"
	eventBookingEnRoute         = "booking.en_route"
	eventBookingCheckedIn       = "booking.checked_in"
	eventBookingObservation     = "booking.observation"
	eventBookingCancelled       = "booking.cancelled"
	eventBookingNoShow          = "booking.no_show"
	eventEscrowCommitment       = "escrow.commitment_released"
	eventEscrowReleased         = "escrow.released"
	eventEscrowFrozen           = "escrow.frozen"
	eventEscrowRefunded         = "escrow.refunded"
	eventOTPIssued              = "otp.issued"
	eventRectificationReported  = "rectification.reported"
	eventRectificationAccepted  = "rectification.accepted"
	eventRectificationScheduled = "rectification.fix_scheduled"
	eventRectificationResolved  = "rectification.resolved"
	eventRectificationDisputed  = "rectification.disputed"
	eventRectificationEscalated = "rectification.escalated"
	eventScopeChangeRequested   = "scope_change.requested"
	eventScopeChangeApproved    = "scope_change.approved"
	eventScopeChangeRejected    = "scope_change.rejected"
	eventSafetyTriggered        = "safety.triggered"

	// Grace period past scheduledAt before a no-show can be declared.
	noShowGraceSeconds int64 = 2 * secondsPerHour

	// Window the provider has to respond to a reported defect.
	rectificationResponseSeconds int64 = 48 * secondsPerHour
)
