package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutStatusScheduled  PayoutStatus = "scheduled"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// Payout is one transfer of accumulated net amounts to an organization.
type Payout struct {
	DefaultModel
	OrganizationID     uuid.UUID       `gorm:"type:uuid;index"`
	Currency           string          `gorm:"size:3"`
	Amount             decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	DonationCount      int
	Status             PayoutStatus `gorm:"size:16;index"`
	ScheduledFor       time.Time
	ProcessingAt       *time.Time
	ExecutedAt         *time.Time
	CancelledAt        *time.Time
	FailedAt           *time.Time
	TransferReference  *string
	RequestedBy        string
	CancellationReason string
	FailureReason      string
}

func (p *Payout) BeforeSave(_ *gorm.DB) error {
	p.RequestedBy = strings.TrimSpace(p.RequestedBy)
	p.CancellationReason = strings.TrimSpace(p.CancellationReason)
	p.ScheduledFor = p.ScheduledFor.In(time.UTC)

	if p.Currency != "" {
		cur, err := NormalizeCurrency(p.Currency)
		if err != nil {
			return err
		}
		p.Currency = cur
	}

	return nil
}

func (p *Payout) AfterFind(tx *gorm.DB) error {
	err := p.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	p.ScheduledFor = p.ScheduledFor.In(time.UTC)
	p.ProcessingAt = utc(p.ProcessingAt)
	p.ExecutedAt = utc(p.ExecutedAt)
	p.CancelledAt = utc(p.CancelledAt)
	p.FailedAt = utc(p.FailedAt)
	return nil
}

type DonationPayoutStatus string

const (
	DonationPayoutStatusPending    DonationPayoutStatus = "pending"
	DonationPayoutStatusScheduled  DonationPayoutStatus = "scheduled"
	DonationPayoutStatusProcessing DonationPayoutStatus = "processing"
	DonationPayoutStatusPaid       DonationPayoutStatus = "paid"
	DonationPayoutStatusCancelled  DonationPayoutStatus = "cancelled"
	DonationPayoutStatusFailed     DonationPayoutStatus = "failed"
	DonationPayoutStatusRefunded   DonationPayoutStatus = "refunded"
)

// ActiveDonationPayoutStatuses are the statuses in which a DonationPayout
// exclusively claims its donation.
var ActiveDonationPayoutStatuses = []DonationPayoutStatus{DonationPayoutStatusScheduled, DonationPayoutStatusProcessing}

// Active reports if the status claims the donation.
func (s DonationPayoutStatus) Active() bool {
	return slices.Contains(ActiveDonationPayoutStatuses, s)
}

// DonationPayout binds one donation to one payout with a snapshot of the
// amounts at the time the payout was created. The snapshot is never updated.
type DonationPayout struct {
	DefaultModel
	DonationID        uuid.UUID            `gorm:"type:uuid;index"`
	PayoutID          uuid.UUID            `gorm:"type:uuid;index"`
	OrganizationID    uuid.UUID            `gorm:"type:uuid;index"`
	BaseAmount        decimal.Decimal      `gorm:"type:DECIMAL(20,2)"`
	TaxAmount         decimal.Decimal      `gorm:"type:DECIMAL(20,2)"`
	TotalAmount       decimal.Decimal      `gorm:"type:DECIMAL(20,2)"` // Net amount paid to the organization
	Currency          string               `gorm:"size:3"`
	Status            DonationPayoutStatus `gorm:"size:16;index"`
	PaidAt            *time.Time
	CancelledAt       *time.Time
	TransferReference *string
	Actor             string // Who caused the last status change
}

func (d *DonationPayout) AfterFind(tx *gorm.DB) error {
	err := d.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	d.PaidAt = utc(d.PaidAt)
	d.CancelledAt = utc(d.CancelledAt)
	return nil
}

// ActiveClaims returns the IDs of the donations among ids that are claimed by
// a scheduled or processing payout.
func ActiveClaims(tx *gorm.DB, ids []uuid.UUID) ([]uuid.UUID, error) {
	claimed := make([]uuid.UUID, 0)
	if len(ids) == 0 {
		return claimed, nil
	}

	err := tx.Model(&DonationPayout{}).
		Where("donation_id IN ? AND status IN ?", ids, ActiveDonationPayoutStatuses).
		Distinct().
		Pluck("donation_id", &claimed).Error
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// ClaimDonations increments the version of every donation that is still
// completed at the version it was read with. Writers that read a donation
// before the claim fail with ErrConcurrentUpdate.
func ClaimDonations(tx *gorm.DB, donations []Donation) error {
	for _, d := range donations {
		result := tx.Model(&Donation{}).
			Where("id = ? AND version = ? AND status = ?", d.ID, d.Version, DonationStatusCompleted).
			UpdateColumn("version", gorm.Expr("version + 1"))
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
	}

	return nil
}

// DropScheduledClaims takes the donation out of every scheduled payout and
// reduces the payout totals by the donation's snapshot. Payouts left without
// donations are cancelled. It returns the IDs of the affected payouts.
//
// Claims of processing payouts are kept, their transfer is underway.
func DropScheduledClaims(tx *gorm.DB, donationID uuid.UUID, reason string, now time.Time) ([]uuid.UUID, error) {
	var links []DonationPayout
	err := tx.Where("donation_id = ? AND status = ?", donationID, DonationPayoutStatusScheduled).Find(&links).Error
	if err != nil {
		return nil, err
	}

	affected := make([]uuid.UUID, 0, len(links))
	for _, link := range links {
		var payout Payout
		if err := tx.First(&payout, "id = ?", link.PayoutID).Error; err != nil {
			return nil, err
		}

		if payout.Status != PayoutStatusScheduled {
			return nil, ErrConcurrentUpdate
		}

		err := tx.Model(&link).Updates(map[string]any{
			"status":       DonationPayoutStatusCancelled,
			"cancelled_at": now,
			"actor":        reason,
		}).Error
		if err != nil {
			return nil, err
		}

		updates := map[string]any{
			"amount":         payout.Amount.Sub(link.TotalAmount),
			"donation_count": payout.DonationCount - 1,
		}
		if payout.DonationCount <= 1 {
			updates["status"] = PayoutStatusCancelled
			updates["cancelled_at"] = now
			updates["cancellation_reason"] = "all donations were removed by " + reason
		}

		result := tx.Model(&Payout{}).
			Where("id = ? AND status = ?", payout.ID, PayoutStatusScheduled).
			Updates(updates)
		if result.Error != nil {
			return nil, result.Error
		}

		if result.RowsAffected == 0 {
			return nil, ErrConcurrentUpdate
		}

		affected = append(affected, payout.ID)
	}

	return affected, nil
}
