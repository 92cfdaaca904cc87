// Package processor talks to the payment processor that charges donors,
// refunds charges and transfers payouts to organizations.
package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/shopspring/decimal"
)

// ErrDeclined is returned when the processor refuses a charge.
var ErrDeclined = fmt.Errorf("%w: the payment was declined", models.ErrExternal)

// Processor is the payment processor.
//
// All methods are idempotent for the same idempotency key, which is the
// ID of the donation, refund or payout.
type Processor interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	Transfer(ctx context.Context, req TransferRequest) (Transfer, error)
}

type ChargeRequest struct {
	DonationID  uuid.UUID         `json:"-"`
	Attempt     int               `json:"-"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

type Charge struct {
	Reference    string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Status       string `json:"status"`
}

type RefundRequest struct {
	RefundID  uuid.UUID       `json:"-"`
	Reference string          `json:"charge"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reason    string          `json:"reason"`
}

type RefundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type TransferRequest struct {
	PayoutID       uuid.UUID       `json:"-"`
	OrganizationID uuid.UUID       `json:"destination"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

type Transfer struct {
	Reference string `json:"id"`
}

// MetadataDonationID is the charge metadata key for the donation ID. Webhooks
// carry it back and it identifies the donation if the reference is unknown.
const MetadataDonationID = "donationId"
