package booking

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	otpCodeMin     int64 = 100000
	otpCodeSpan    int64 = 900000
	otpTTLSeconds  int64 = 10 * 60
	otpMaxAttempts       = 5
)

// OTPRecord is one issued arrival code. Records are superseded, never
// mutated, on regeneration; a verified, expired, or locked record can
// never become verifiable again.
type OTPRecord struct {
	OTPID            string
	BookingID        string
	Code             string
	CreatedUnixUTC   int64
	ExpiresAtUnixUTC int64
	Attempts         int
	MaxAttempts      int
	Verified         bool
	Locked           bool
	Superseded       bool
}

// generateOTPCode returns a crypto-random 6-digit numeric code.
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpCodeSpan))
	if err != nil {
		return "", fmt.Errorf("otp code generation: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+otpCodeMin), nil
}

// newOTPRecord issues a fresh record for a booking.
func newOTPRecord(bookingID string, nowUnixUTC int64) (OTPRecord, error) {
	code, err := generateOTPCode()
	if err != nil {
		return OTPRecord{}, err
	}
	return OTPRecord{
		BookingID:        bookingID,
		Code:             code,
		CreatedUnixUTC:   nowUnixUTC,
		ExpiresAtUnixUTC: nowUnixUTC + otpTTLSeconds,
		MaxAttempts:      otpMaxAttempts,
	}, nil
}

// Verify checks a submitted code against the record, mutating the
// attempt counter. It returns nil on a match and one of the OTP
// sentinel errors otherwise. Lock and expiry checks run before the
// code comparison so a locked record never verifies, even on correct
// input.
func (record *OTPRecord) Verify(code string, nowUnixUTC int64) error {
	if record.Verified {
		return ErrOTPAlreadyUsed
	}
	if record.Locked || record.Superseded {
		return ErrOTPLocked
	}
	if nowUnixUTC >= record.ExpiresAtUnixUTC {
		return ErrOTPExpired
	}
	if record.Code != code {
		record.Attempts++
		if record.Attempts >= record.MaxAttempts {
			record.Locked = true
			return ErrOTPLocked
		}
		return ErrOTPMismatch
	}
	record.Verified = true
	return nil
}
