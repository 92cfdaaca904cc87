package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"gorm.io/gorm"
)

type DonationKind string

const (
	DonationKindOneTime   DonationKind = "one-time"
	DonationKindRecurring DonationKind = "recurring"
	DonationKindRoundUp   DonationKind = "round-up"
)

// Valid reports if the kind is known.
func (k DonationKind) Valid() bool {
	return slices.Contains([]DonationKind{DonationKindOneTime, DonationKindRecurring, DonationKindRoundUp}, k)
}

type DonationStatus string

const (
	DonationStatusPending    DonationStatus = "pending"
	DonationStatusProcessing DonationStatus = "processing"
	DonationStatusCompleted  DonationStatus = "completed"
	DonationStatusFailed     DonationStatus = "failed"
	DonationStatusCancelled  DonationStatus = "cancelled"
	DonationStatusRefunded   DonationStatus = "refunded"
)

// Terminal reports if the status ends the payment lifecycle. Amounts of
// donations in terminal states are never modified.
func (s DonationStatus) Terminal() bool {
	return slices.Contains([]DonationStatus{DonationStatusCompleted, DonationStatusFailed, DonationStatusCancelled, DonationStatusRefunded}, s)
}

// Donation is one attempted or completed transfer of money from a donor to an
// organization.
//
// The amount fields are computed once at creation. Lifecycle updates only ever
// touch the status, the timestamps, the processor fields and the refund totals.
type Donation struct {
	DefaultModel
	DonorID        uuid.UUID    `gorm:"type:uuid;index"`
	OrganizationID uuid.UUID    `gorm:"type:uuid;index"`
	CauseID        *uuid.UUID   `gorm:"type:uuid"`
	Kind           DonationKind `gorm:"size:16"`
	Currency       string       `gorm:"size:3"`

	BaseAmount         decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	FeesCoveredByDonor bool
	ChargeAmount       decimal.Decimal `gorm:"type:DECIMAL(20,2)"` // What the donor is charged
	NetToOrg           decimal.Decimal `gorm:"type:DECIMAL(20,2)"` // What the organization receives
	PlatformFee        decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	TaxOnFee           decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	ProcessorFee       decimal.Decimal `gorm:"type:DECIMAL(20,2)"`

	RefundedAmount decimal.Decimal `gorm:"type:DECIMAL(20,2)"` // Sum of succeeded and pending refunds
	NetReversed    decimal.Decimal `gorm:"type:DECIMAL(20,2)"` // Share of NetToOrg reversed by refunds

	Status             DonationStatus `gorm:"size:16;index"`
	ProcessorReference *string        `gorm:"uniqueIndex"`
	ClientSecret       string
	FailureReason      string
	Attempts           int
	Version            int64 // Incremented by every write after creation

	RoundUpConfigurationID *uuid.UUID `gorm:"type:uuid;index"`
	RecurringDonationID    *uuid.UUID `gorm:"type:uuid;index"`

	ProcessingAt *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	CancelledAt  *time.Time
	RefundedAt   *time.Time
}

// RemainingRefundable is the part of the charge that has not been refunded.
func (d Donation) RemainingRefundable() decimal.Decimal {
	return d.ChargeAmount.Sub(d.RefundedAmount)
}

// PayableNet is the amount the organization is owed for the donation.
func (d Donation) PayableNet() decimal.Decimal {
	return d.NetToOrg.Sub(d.NetReversed)
}

// BeforeSave normalizes the fields that are set by callers.
func (d *Donation) BeforeSave(_ *gorm.DB) error {
	d.FailureReason = strings.TrimSpace(d.FailureReason)

	if d.ProcessorReference != nil && strings.TrimSpace(*d.ProcessorReference) == "" {
		d.ProcessorReference = nil
	}

	if d.Currency != "" {
		c, err := NormalizeCurrency(d.Currency)
		if err != nil {
			return err
		}
		d.Currency = c
	}

	if d.Kind != "" && !d.Kind.Valid() {
		return ErrKindInvalid
	}

	return nil
}

func (d *Donation) AfterFind(tx *gorm.DB) error {
	err := d.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	d.ProcessingAt = utc(d.ProcessingAt)
	d.CompletedAt = utc(d.CompletedAt)
	d.FailedAt = utc(d.FailedAt)
	d.CancelledAt = utc(d.CancelledAt)
	d.RefundedAt = utc(d.RefundedAt)
	return nil
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

type RefundSource string

const (
	RefundSourceAPI       RefundSource = "api"
	RefundSourceProcessor RefundSource = "processor"
)

// Refund is a partial or full return of a completed donation's charge to the donor.
type Refund struct {
	DefaultModel
	DonationID        uuid.UUID       `gorm:"type:uuid;index"`
	Amount            decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	NetReversal       decimal.Decimal `gorm:"type:DECIMAL(20,2)"` // The organization's share of the refund
	Currency          string          `gorm:"size:3"`
	Reason            string
	Status            RefundStatus `gorm:"size:16"`
	Source            RefundSource `gorm:"size:16"`
	ProcessorRefundID *string      `gorm:"uniqueIndex"`
	FailureReason     string
}

func (r *Refund) BeforeSave(_ *gorm.DB) error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.ProcessorRefundID != nil && strings.TrimSpace(*r.ProcessorRefundID) == "" {
		r.ProcessorRefundID = nil
	}

	return nil
}
