package payouts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/shopspring/decimal"
)

// DonationStatus is the payout state of one donation.
type DonationStatus struct {
	DonationID uuid.UUID                   `json:"donationId"`
	Status     models.DonationPayoutStatus `json:"status" example:"paid"` // pending if the donation was never part of a payout
	PayoutID   *uuid.UUID                  `json:"payoutId"`
	PaidAt     *time.Time                  `json:"paidAt"`
}

// StatusForDonation returns the payout state of a donation from its most
// recent payout.
func (s *Service) StatusForDonation(ctx context.Context, donationID uuid.UUID) (DonationStatus, error) {
	status := DonationStatus{DonationID: donationID, Status: models.DonationPayoutStatusPending}

	var d models.Donation
	if err := s.db.WithContext(ctx).First(&d, "id = ?", donationID).Error; err != nil {
		return status, err
	}

	var link models.DonationPayout
	err := s.db.WithContext(ctx).
		Where(&models.DonationPayout{DonationID: donationID}).
		Order("created_at DESC").
		First(&link).Error
	if errors.Is(err, models.ErrResourceNotFound) {
		return status, nil
	} else if err != nil {
		return status, err
	}

	status.Status = link.Status
	status.PayoutID = &link.PayoutID
	status.PaidAt = link.PaidAt
	return status, nil
}

// PaidDonations returns the donation payouts of an organization that were
// paid in [from, until). Zero times are not checked. Donations refunded after
// they were paid are included with the refunded status.
func (s *Service) PaidDonations(ctx context.Context, organizationID uuid.UUID, from, until time.Time) ([]models.DonationPayout, error) {
	query := s.db.WithContext(ctx).
		Where(&models.DonationPayout{OrganizationID: organizationID}).
		Where("status IN ?", []models.DonationPayoutStatus{models.DonationPayoutStatusPaid, models.DonationPayoutStatusRefunded})

	if !from.IsZero() {
		query = query.Where("paid_at >= ?", from.In(time.UTC))
	}

	if !until.IsZero() {
		query = query.Where("paid_at < ?", until.In(time.UTC))
	}

	paid := make([]models.DonationPayout, 0)
	return paid, query.Order("paid_at ASC").Find(&paid).Error
}

// Get returns a payout.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	var payout models.Payout
	err := s.db.WithContext(ctx).First(&payout, "id = ?", id).Error
	return payout, err
}

// List returns the payouts of an organization with an optional status,
// newest first. uuid.Nil lists all organizations.
func (s *Service) List(ctx context.Context, organizationID uuid.UUID, status models.PayoutStatus) ([]models.Payout, error) {
	payouts := make([]models.Payout, 0)
	err := s.db.WithContext(ctx).
		Where(&models.Payout{OrganizationID: organizationID, Status: status}).
		Order("created_at DESC").
		Find(&payouts).Error
	return payouts, err
}

// Donations returns the donation payouts bound to a payout.
func (s *Service) Donations(ctx context.Context, payoutID uuid.UUID) ([]models.DonationPayout, error) {
	if _, err := s.Get(ctx, payoutID); err != nil {
		return nil, err
	}

	links := make([]models.DonationPayout, 0)
	err := s.db.WithContext(ctx).
		Where(&models.DonationPayout{PayoutID: payoutID}).
		Order("created_at ASC").
		Find(&links).Error
	return links, err
}

// Balance returns the net ledger balance of an organization. A negative
// balance is owed by the organization after refunds of paid donations.
func (s *Service) Balance(ctx context.Context, organizationID uuid.UUID, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = s.opts.Currency
	}

	currency, err := models.NormalizeCurrency(currency)
	if err != nil {
		return decimal.Zero, err
	}

	return models.LedgerBalance(s.db.WithContext(ctx), organizationID, currency)
}
