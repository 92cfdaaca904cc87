package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/httputil"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/types"
)

type DonationLinks struct {
	Self    string `json:"self" example:"https://example.com/api/v1/donations/d1e9f6b2-0b7a-4b1e-9d57-8d0f7c1c9a51"`
	Refunds string `json:"refunds" example:"https://example.com/api/v1/donations/d1e9f6b2-0b7a-4b1e-9d57-8d0f7c1c9a51/refunds"`
	Payout  string `json:"payout" example:"https://example.com/api/v1/donations/d1e9f6b2-0b7a-4b1e-9d57-8d0f7c1c9a51/payout"`
}

// Donation is the API representation of a donation.
type Donation struct {
	models.DefaultModel
	DonorID                uuid.UUID             `json:"donorId"`
	OrganizationID         uuid.UUID             `json:"organizationId"`
	CauseID                *uuid.UUID            `json:"causeId"`
	Kind                   models.DonationKind   `json:"kind" example:"one-time"`
	Currency               string                `json:"currency" example:"AUD"`
	BaseAmount             types.Money           `json:"baseAmount" swaggertype:"string" example:"100.00"`
	FeesCoveredByDonor     bool                  `json:"feesCoveredByDonor"`
	ChargeAmount           types.Money           `json:"chargeAmount" swaggertype:"string" example:"107.68"`
	NetToOrg               types.Money           `json:"netToOrg" swaggertype:"string" example:"100.00"`
	PlatformFee            types.Money           `json:"platformFee" swaggertype:"string" example:"5.00"`
	TaxOnFee               types.Money           `json:"taxOnFee" swaggertype:"string" example:"0.50"`
	ProcessorFee           types.Money           `json:"processorFee" swaggertype:"string" example:"2.18"`
	RefundedAmount         types.Money           `json:"refundedAmount" swaggertype:"string" example:"0.00"`
	NetReversed            types.Money           `json:"netReversed" swaggertype:"string" example:"0.00"`
	Status                 models.DonationStatus `json:"status" example:"processing"`
	ProcessorReference     *string               `json:"processorReference"`
	ClientSecret           string                `json:"clientSecret,omitempty"` // Only set while the charge awaits confirmation
	FailureReason          string                `json:"failureReason,omitempty"`
	Attempts               int                   `json:"attempts"`
	RoundUpConfigurationID *uuid.UUID            `json:"roundUpConfigurationId,omitempty"`
	RecurringDonationID    *uuid.UUID            `json:"recurringDonationId,omitempty"`
	ProcessingAt           *time.Time            `json:"processingAt"`
	CompletedAt            *time.Time            `json:"completedAt"`
	FailedAt               *time.Time            `json:"failedAt"`
	CancelledAt            *time.Time            `json:"cancelledAt"`
	RefundedAt             *time.Time            `json:"refundedAt"`
	Links                  DonationLinks         `json:"links"`
}

func newDonation(c *gin.Context, d models.Donation) Donation {
	self := httputil.BaseURL(c) + "/v1/donations/" + d.ID.String()

	secret := ""
	if d.Status == models.DonationStatusProcessing {
		secret = d.ClientSecret
	}

	return Donation{
		DefaultModel:           d.DefaultModel,
		DonorID:                d.DonorID,
		OrganizationID:         d.OrganizationID,
		CauseID:                d.CauseID,
		Kind:                   d.Kind,
		Currency:               d.Currency,
		BaseAmount:             types.NewMoney(d.BaseAmount),
		FeesCoveredByDonor:     d.FeesCoveredByDonor,
		ChargeAmount:           types.NewMoney(d.ChargeAmount),
		NetToOrg:               types.NewMoney(d.NetToOrg),
		PlatformFee:            types.NewMoney(d.PlatformFee),
		TaxOnFee:               types.NewMoney(d.TaxOnFee),
		ProcessorFee:           types.NewMoney(d.ProcessorFee),
		RefundedAmount:         types.NewMoney(d.RefundedAmount),
		NetReversed:            types.NewMoney(d.NetReversed),
		Status:                 d.Status,
		ProcessorReference:     d.ProcessorReference,
		ClientSecret:           secret,
		FailureReason:          d.FailureReason,
		Attempts:               d.Attempts,
		RoundUpConfigurationID: d.RoundUpConfigurationID,
		RecurringDonationID:    d.RecurringDonationID,
		ProcessingAt:           d.ProcessingAt,
		CompletedAt:            d.CompletedAt,
		FailedAt:               d.FailedAt,
		CancelledAt:            d.CancelledAt,
		RefundedAt:             d.RefundedAt,
		Links: DonationLinks{
			Self:    self,
			Refunds: self + "/refunds",
			Payout:  self + "/payout",
		},
	}
}

type Refund struct {
	models.DefaultModel
	DonationID        uuid.UUID           `json:"donationId"`
	Amount            types.Money         `json:"amount" swaggertype:"string" example:"25.00"`
	NetReversal       types.Money         `json:"netReversal" swaggertype:"string" example:"23.22"` // The organization's share of the refund
	Currency          string              `json:"currency" example:"AUD"`
	Reason            string              `json:"reason"`
	Status            models.RefundStatus `json:"status" example:"succeeded"`
	Source            models.RefundSource `json:"source" example:"api"`
	ProcessorRefundID *string             `json:"processorRefundId"`
	FailureReason     string              `json:"failureReason,omitempty"`
}

func newRefund(r models.Refund) Refund {
	return Refund{
		DefaultModel:      r.DefaultModel,
		DonationID:        r.DonationID,
		Amount:            types.NewMoney(r.Amount),
		NetReversal:       types.NewMoney(r.NetReversal),
		Currency:          r.Currency,
		Reason:            r.Reason,
		Status:            r.Status,
		Source:            r.Source,
		ProcessorRefundID: r.ProcessorRefundID,
		FailureReason:     r.FailureReason,
	}
}

type RecurringDonation struct {
	models.DefaultModel
	DonorID            uuid.UUID                `json:"donorId"`
	OrganizationID     uuid.UUID                `json:"organizationId"`
	CauseID            *uuid.UUID               `json:"causeId"`
	BaseAmount         types.Money              `json:"baseAmount" swaggertype:"string" example:"20.00"`
	FeesCoveredByDonor bool                     `json:"feesCoveredByDonor"`
	Currency           string                   `json:"currency" example:"AUD"`
	Interval           models.RecurringInterval `json:"interval" example:"monthly"`
	NextRunAt          time.Time                `json:"nextRunAt"`
	Active             bool                     `json:"active"`
	LastDonationID     *uuid.UUID               `json:"lastDonationId"`
}

func newRecurringDonation(r models.RecurringDonation) RecurringDonation {
	return RecurringDonation{
		DefaultModel:       r.DefaultModel,
		DonorID:            r.DonorID,
		OrganizationID:     r.OrganizationID,
		CauseID:            r.CauseID,
		BaseAmount:         types.NewMoney(r.BaseAmount),
		FeesCoveredByDonor: r.FeesCoveredByDonor,
		Currency:           r.Currency,
		Interval:           r.Interval,
		NextRunAt:          r.NextRunAt,
		Active:             r.Active,
		LastDonationID:     r.LastDonationID,
	}
}

type RoundUpLinks struct {
	Self         string `json:"self" example:"https://example.com/api/v1/roundups/4d1c0fd1-3b1b-4a55-b5c6-6b4e1e8e0a11"`
	Transactions string `json:"transactions" example:"https://example.com/api/v1/roundups/4d1c0fd1-3b1b-4a55-b5c6-6b4e1e8e0a11/transactions"`
}

type RoundUpConfiguration struct {
	models.DefaultModel
	DonorID            uuid.UUID            `json:"donorId"`
	OrganizationID     uuid.UUID            `json:"organizationId"`
	CauseID            *uuid.UUID           `json:"causeId"`
	BankConnectionID   uuid.UUID            `json:"bankConnectionId"`
	ThresholdType      models.ThresholdType `json:"thresholdType" example:"fixed"`
	MonthlyThreshold   types.Money          `json:"monthlyThreshold" swaggertype:"string" example:"10.00"`
	AutoDonate         bool                 `json:"autoDonate"`
	FeesCoveredByDonor bool                 `json:"feesCoveredByDonor"`
	Currency           string               `json:"currency" example:"AUD"`
	Active             bool                 `json:"active"`
	Enabled            bool                 `json:"enabled"` // False while paused
	CurrentMonthTotal  types.Money          `json:"currentMonthTotal" swaggertype:"string" example:"3.47"`
	TotalAccumulated   types.Money          `json:"totalAccumulated" swaggertype:"string" example:"41.20"`
	LastMonthReset     types.Month          `json:"lastMonthReset" swaggertype:"string" example:"2024-05"`
	LastCharitySwitch  *time.Time           `json:"lastCharitySwitch"`
	Status             models.RoundUpStatus `json:"status" example:"pending"`
	Links              RoundUpLinks         `json:"links"`
}

func newRoundUpConfiguration(c *gin.Context, r models.RoundUpConfiguration) RoundUpConfiguration {
	self := httputil.BaseURL(c) + "/v1/roundups/" + r.ID.String()

	return RoundUpConfiguration{
		DefaultModel:       r.DefaultModel,
		DonorID:            r.DonorID,
		OrganizationID:     r.OrganizationID,
		CauseID:            r.CauseID,
		BankConnectionID:   r.BankConnectionID,
		ThresholdType:      r.ThresholdType,
		MonthlyThreshold:   types.NewMoney(r.MonthlyThreshold),
		AutoDonate:         r.AutoDonate,
		FeesCoveredByDonor: r.FeesCoveredByDonor,
		Currency:           r.Currency,
		Active:             r.Active,
		Enabled:            r.Enabled,
		CurrentMonthTotal:  types.NewMoney(r.CurrentMonthTotal),
		TotalAccumulated:   types.NewMoney(r.TotalAccumulated),
		LastMonthReset:     r.LastMonthReset,
		LastCharitySwitch:  r.LastCharitySwitch,
		Status:             r.Status,
		Links: RoundUpLinks{
			Self:         self,
			Transactions: self + "/transactions",
		},
	}
}

type RoundUpTransaction struct {
	models.DefaultModel
	RoundUpConfigurationID uuid.UUID                   `json:"roundUpConfigurationId"`
	ExternalID             string                      `json:"externalId" example:"txn_8812"`
	Amount                 types.Money                 `json:"amount" swaggertype:"string" example:"-4.53"`
	Direction              models.TransactionDirection `json:"direction" example:"debit"`
	Category               string                      `json:"category" example:"groceries"`
	Description            string                      `json:"description"`
	TransactionDate        time.Time                   `json:"transactionDate"`
	RoundUpAmount          types.Money                 `json:"roundUpAmount" swaggertype:"string" example:"0.47"`
	Eligible               bool                        `json:"eligible"`
	IneligibleReason       string                      `json:"ineligibleReason,omitempty"`
	Processed              bool                        `json:"processed"`
	Expired                bool                        `json:"expired"`
	DonationID             *uuid.UUID                  `json:"donationId"`
}

func newRoundUpTransaction(t models.RoundUpTransaction) RoundUpTransaction {
	return RoundUpTransaction{
		DefaultModel:           t.DefaultModel,
		RoundUpConfigurationID: t.RoundUpConfigurationID,
		ExternalID:             t.ExternalID,
		Amount:                 types.NewMoney(t.Amount),
		Direction:              t.Direction,
		Category:               t.Category,
		Description:            t.Description,
		TransactionDate:        t.TransactionDate,
		RoundUpAmount:          types.NewMoney(t.RoundUpAmount),
		Eligible:               t.Eligible,
		IneligibleReason:       t.IneligibleReason,
		Processed:              t.Processed,
		Expired:                t.Expired,
		DonationID:             t.DonationID,
	}
}

type BankConnection struct {
	models.DefaultModel
	DonorID           uuid.UUID            `json:"donorId"`
	ExternalAccountID string               `json:"externalAccountId" example:"acc_0192"`
	Institution       string               `json:"institution" example:"Example Bank"`
	ConsentStatus     models.ConsentStatus `json:"consentStatus" example:"active"`
	ConsentExpiresAt  *time.Time           `json:"consentExpiresAt"`
	LastSyncedAt      *time.Time           `json:"lastSyncedAt"`
}

func newBankConnection(b models.BankConnection) BankConnection {
	return BankConnection{
		DefaultModel:      b.DefaultModel,
		DonorID:           b.DonorID,
		ExternalAccountID: b.ExternalAccountID,
		Institution:       b.Institution,
		ConsentStatus:     b.ConsentStatus,
		ConsentExpiresAt:  b.ConsentExpiresAt,
		LastSyncedAt:      b.LastSyncedAt,
	}
}

type PayoutLinks struct {
	Self      string `json:"self" example:"https://example.com/api/v1/payouts/7f0e5cb3-95d4-4b33-9a0b-1b2f3f1d8c22"`
	Donations string `json:"donations" example:"https://example.com/api/v1/payouts/7f0e5cb3-95d4-4b33-9a0b-1b2f3f1d8c22/donations"`
	Statement string `json:"statement" example:"https://example.com/api/v1/payouts/7f0e5cb3-95d4-4b33-9a0b-1b2f3f1d8c22/statement"`
}

type Payout struct {
	models.DefaultModel
	OrganizationID     uuid.UUID           `json:"organizationId"`
	Currency           string              `json:"currency" example:"AUD"`
	Amount             types.Money         `json:"amount" swaggertype:"string" example:"1250.40"`
	DonationCount      int                 `json:"donationCount" example:"37"`
	Status             models.PayoutStatus `json:"status" example:"scheduled"`
	ScheduledFor       time.Time           `json:"scheduledFor"`
	ProcessingAt       *time.Time          `json:"processingAt"`
	ExecutedAt         *time.Time          `json:"executedAt"`
	CancelledAt        *time.Time          `json:"cancelledAt"`
	FailedAt           *time.Time          `json:"failedAt"`
	TransferReference  *string             `json:"transferReference"`
	RequestedBy        string              `json:"requestedBy" example:"finance@example.org"`
	CancellationReason string              `json:"cancellationReason,omitempty"`
	FailureReason      string              `json:"failureReason,omitempty"`
	Links              PayoutLinks         `json:"links"`
}

func newPayout(c *gin.Context, p models.Payout) Payout {
	self := httputil.BaseURL(c) + "/v1/payouts/" + p.ID.String()

	return Payout{
		DefaultModel:       p.DefaultModel,
		OrganizationID:     p.OrganizationID,
		Currency:           p.Currency,
		Amount:             types.NewMoney(p.Amount),
		DonationCount:      p.DonationCount,
		Status:             p.Status,
		ScheduledFor:       p.ScheduledFor,
		ProcessingAt:       p.ProcessingAt,
		ExecutedAt:         p.ExecutedAt,
		CancelledAt:        p.CancelledAt,
		FailedAt:           p.FailedAt,
		TransferReference:  p.TransferReference,
		RequestedBy:        p.RequestedBy,
		CancellationReason: p.CancellationReason,
		FailureReason:      p.FailureReason,
		Links: PayoutLinks{
			Self:      self,
			Donations: self + "/donations",
			Statement: self + "/statement",
		},
	}
}

// DonationPayout is the snapshot of one donation in a payout.
type DonationPayout struct {
	models.DefaultModel
	DonationID        uuid.UUID                   `json:"donationId"`
	PayoutID          uuid.UUID                   `json:"payoutId"`
	OrganizationID    uuid.UUID                   `json:"organizationId"`
	BaseAmount        types.Money                 `json:"baseAmount" swaggertype:"string" example:"100.00"`
	TaxAmount         types.Money                 `json:"taxAmount" swaggertype:"string" example:"0.50"`
	TotalAmount       types.Money                 `json:"totalAmount" swaggertype:"string" example:"100.00"` // Net amount paid to the organization
	Currency          string                      `json:"currency" example:"AUD"`
	Status            models.DonationPayoutStatus `json:"status" example:"paid"`
	PaidAt            *time.Time                  `json:"paidAt"`
	CancelledAt       *time.Time                  `json:"cancelledAt"`
	TransferReference *string                     `json:"transferReference"`
	Actor             string                      `json:"actor"`
}

func newDonationPayout(d models.DonationPayout) DonationPayout {
	return DonationPayout{
		DefaultModel:      d.DefaultModel,
		DonationID:        d.DonationID,
		PayoutID:          d.PayoutID,
		OrganizationID:    d.OrganizationID,
		BaseAmount:        types.NewMoney(d.BaseAmount),
		TaxAmount:         types.NewMoney(d.TaxAmount),
		TotalAmount:       types.NewMoney(d.TotalAmount),
		Currency:          d.Currency,
		Status:            d.Status,
		PaidAt:            d.PaidAt,
		CancelledAt:       d.CancelledAt,
		TransferReference: d.TransferReference,
		Actor:             d.Actor,
	}
}

// mapAll converts a list of models to their API representation.
func mapAll[M, A any](items []M, f func(M) A) []A {
	out := make([]A, 0, len(items))
	for _, item := range items {
		out = append(out, f(item))
	}

	return out
}
