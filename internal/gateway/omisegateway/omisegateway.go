// Package omisegateway adapts the Omise payment API to the engine's
// gateway contract. Captures and refunds are synchronous; a non-final
// charge status is treated as a decline because escrow accounting
// needs settled funds before any transition commits.
package omisegateway

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/probook/pkg/booking"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"go.uber.org/zap"
)

const chargeStatusSuccessful = "successful"

// Config carries the Omise API credentials.
type Config struct {
	PublicKey string
	SecretKey string
	Currency  string
}

// Gateway implements booking.PaymentGateway over the Omise client.
type Gateway struct {
	client   *omise.Client
	currency string
	logger   *zap.Logger
}

// New constructs a Gateway from credentials.
func New(config Config, logger *zap.Logger) (*Gateway, error) {
	client, err := omise.NewClient(config.PublicKey, config.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	currency := config.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Gateway{client: client, currency: currency, logger: logger}, nil
}

// Capture charges the stored payment method for the full amount and
// returns the charge identifier used later for refunds.
func (gateway *Gateway) Capture(ctx context.Context, amount booking.AmountCents, paymentMethodRef string) (string, error) {
	charge := &omise.Charge{}
	createCharge := &operations.CreateCharge{
		Amount:   amount.Int64(),
		Currency: gateway.currency,
		Card:     paymentMethodRef,
	}
	if err := gateway.client.Do(charge, createCharge); err != nil {
		return "", fmt.Errorf("create charge: %w", err)
	}
	if string(charge.Status) != chargeStatusSuccessful {
		gateway.logger.Warn("charge not successful",
			zap.String("charge_id", charge.ID),
			zap.String("status", string(charge.Status)))
		return "", fmt.Errorf("charge %s status %s", charge.ID, charge.Status)
	}
	gateway.logger.Info("charge captured",
		zap.String("charge_id", charge.ID),
		zap.Int64("amount_cents", amount.Int64()))
	return charge.ID, nil
}

// Refund returns funds against a prior charge.
func (gateway *Gateway) Refund(ctx context.Context, transactionID string, amount booking.AmountCents) error {
	refund := &omise.Refund{}
	createRefund := &operations.CreateRefund{
		ChargeID: transactionID,
		Amount:   amount.Int64(),
	}
	if err := gateway.client.Do(refund, createRefund); err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	gateway.logger.Info("charge refunded",
		zap.String("charge_id", transactionID),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount_cents", amount.Int64()))
	return nil
}
