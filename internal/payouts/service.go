// Package payouts batches the net amounts of completed donations into
// transfers to their organizations.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/metrics"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNoEligibleDonations = fmt.Errorf("%w: there are no donations eligible for a payout", models.ErrValidation)
	ErrDonationNotEligible = fmt.Errorf("%w: only completed, unpaid donations of the organization in the payout currency can be paid out", models.ErrValidation)
)

// ConflictError is returned when donations of a new payout are already
// claimed by a scheduled or processing payout.
type ConflictError struct {
	DonationIDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.DonationIDs))
	for _, id := range e.DonationIDs {
		ids = append(ids, id.String())
	}

	return fmt.Sprintf("the donations %s are already part of an active payout", strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error {
	return models.ErrConflict
}

type Options struct {
	Currency  string
	MinAmount decimal.Decimal // Smallest payout created by ScheduleAll
	Locks     *locks.Keyed
	Notifier  *notify.Dispatcher
	Now       func() time.Time
}

// Service creates and executes payouts. It is safe for concurrent use.
type Service struct {
	db        *gorm.DB
	processor processor.Processor
	opts      Options

	transfers sync.Map // IDs of payouts whose transfer is in flight
}

// NewService creates a payout service. opts.Locks must be set.
func NewService(db *gorm.DB, p processor.Processor, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		db:        db,
		processor: p,
		opts:      opts,
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().In(time.UTC)
}

// Filter selects the donations of an organization.
type Filter struct {
	OrganizationID uuid.UUID           `json:"organizationId"`
	Currency       string              `json:"currency" example:"AUD"`
	CauseID        *uuid.UUID          `json:"causeId,omitempty"`
	Kind           models.DonationKind `json:"kind,omitempty"`
	From           *time.Time          `json:"from,omitempty"`  // Completed at or after
	Until          *time.Time          `json:"until,omitempty"` // Completed before
}

// unpaid are the payout statuses that exclude a donation from new payouts.
var unpaid = []models.DonationPayoutStatus{
	models.DonationPayoutStatusScheduled,
	models.DonationPayoutStatusProcessing,
	models.DonationPayoutStatusPaid,
}

// Eligible returns the completed donations matching the filter that have not
// been paid out, are not part of an active payout and have no refund in
// progress, oldest first.
func (s *Service) Eligible(ctx context.Context, filter Filter) ([]models.Donation, error) {
	return s.eligible(s.db.WithContext(ctx), filter)
}

func (s *Service) eligible(tx *gorm.DB, filter Filter) ([]models.Donation, error) {
	if filter.Currency == "" {
		filter.Currency = s.opts.Currency
	}

	query := tx.Where(&models.Donation{
		OrganizationID: filter.OrganizationID,
		Currency:       filter.Currency,
		Status:         models.DonationStatusCompleted,
		Kind:           filter.Kind,
	}).Where("NOT EXISTS (SELECT 1 FROM donation_payouts WHERE donation_payouts.donation_id = donations.id AND donation_payouts.status IN ?)", unpaid).
		Where("NOT EXISTS (SELECT 1 FROM refunds WHERE refunds.donation_id = donations.id AND refunds.status = ?)", models.RefundStatusPending)

	if filter.CauseID != nil {
		query = query.Where("cause_id = ?", *filter.CauseID)
	}

	if filter.From != nil {
		query = query.Where("completed_at >= ?", filter.From.In(time.UTC))
	}

	if filter.Until != nil {
		query = query.Where("completed_at < ?", filter.Until.In(time.UTC))
	}

	var candidates []models.Donation
	if err := query.Order("completed_at ASC").Find(&candidates).Error; err != nil {
		return nil, err
	}

	donations := make([]models.Donation, 0, len(candidates))
	for _, d := range candidates {
		if d.PayableNet().IsPositive() {
			donations = append(donations, d)
		}
	}

	return donations, nil
}

// Request describes a new payout. Without donation IDs, all eligible
// donations matching the filter are included.
type Request struct {
	Filter
	DonationIDs  []uuid.UUID `json:"donationIds,omitempty"`
	ScheduledFor *time.Time  `json:"scheduledFor,omitempty"` // Defaults to now
	RequestedBy  string      `json:"requestedBy" example:"finance@example.org"`
}

// Create schedules a payout for the donations of the request.
//
// All donations are checked for active claims in the same transaction that
// claims them. If any is already claimed, no payout is created and a
// *ConflictError names every contested donation.
func (s *Service) Create(ctx context.Context, req Request) (models.Payout, error) {
	err := validation.ValidateStruct(&req,
		validation.Field(&req.OrganizationID, models.RequiredID),
		validation.Field(&req.RequestedBy, validation.Required),
	)
	if err != nil {
		return models.Payout{}, models.ValidationFailed(err)
	}

	if req.Currency == "" {
		req.Currency = s.opts.Currency
	}

	currency, err := models.NormalizeCurrency(req.Currency)
	if err != nil {
		return models.Payout{}, err
	}
	req.Currency = currency

	unlock, err := s.opts.Locks.Lock(ctx, locks.Key(locks.KindOrganization, req.OrganizationID))
	if err != nil {
		return models.Payout{}, err
	}
	defer unlock()

	var payout models.Payout
	var ids []uuid.UUID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		donations, err := s.candidates(tx, req)
		if err != nil {
			return err
		}

		ids = make([]uuid.UUID, 0, len(donations))
		total := decimal.Zero
		for _, d := range donations {
			ids = append(ids, d.ID)
			total = total.Add(d.PayableNet())
		}

		claimed, err := models.ActiveClaims(tx, ids)
		if err != nil {
			return err
		}

		if len(claimed) > 0 {
			return &ConflictError{DonationIDs: claimed}
		}

		// Refunds reserved after the donations were read fail the claim
		if err := models.ClaimDonations(tx, donations); err != nil {
			return err
		}

		scheduledFor := s.now()
		if req.ScheduledFor != nil {
			scheduledFor = *req.ScheduledFor
		}

		payout = models.Payout{
			OrganizationID: req.OrganizationID,
			Currency:       req.Currency,
			Amount:         total,
			DonationCount:  len(donations),
			Status:         models.PayoutStatusScheduled,
			ScheduledFor:   scheduledFor,
			RequestedBy:    req.RequestedBy,
		}
		if err := tx.Create(&payout).Error; err != nil {
			return err
		}

		links := make([]models.DonationPayout, 0, len(donations))
		for _, d := range donations {
			links = append(links, models.DonationPayout{
				DonationID:     d.ID,
				PayoutID:       payout.ID,
				OrganizationID: d.OrganizationID,
				BaseAmount:     d.BaseAmount,
				TaxAmount:      d.TaxOnFee,
				TotalAmount:    d.PayableNet(),
				Currency:       d.Currency,
				Status:         models.DonationPayoutStatusScheduled,
				Actor:          req.RequestedBy,
			})
		}

		return tx.Create(&links).Error
	})

	// The unique index caught a claim by another process
	if errors.Is(err, models.ErrDonationInActivePayout) {
		claimed, claimErr := models.ActiveClaims(s.db.WithContext(ctx), ids)
		if claimErr == nil && len(claimed) > 0 {
			err = &ConflictError{DonationIDs: claimed}
		}
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		metrics.PayoutConflicts.Inc()
		log.Info().Str("organization", req.OrganizationID.String()).Int("contested", len(conflict.DonationIDs)).Msg("payout rejected, donations already claimed")
	}

	if err != nil {
		return models.Payout{}, err
	}

	metrics.Payouts.WithLabelValues(string(payout.Status)).Inc()
	log.Info().Str("payout", payout.ID.String()).Str("amount", payout.Amount.StringFixed(2)).Int("donations", payout.DonationCount).Msg("payout scheduled")
	return payout, nil
}

// candidates resolves the donations of a payout request.
func (s *Service) candidates(tx *gorm.DB, req Request) ([]models.Donation, error) {
	if len(req.DonationIDs) == 0 {
		donations, err := s.eligible(tx, req.Filter)
		if err != nil {
			return nil, err
		}

		if len(donations) == 0 {
			return nil, ErrNoEligibleDonations
		}

		return donations, nil
	}

	var donations []models.Donation
	if err := tx.Where("id IN ?", req.DonationIDs).Order("completed_at ASC").Find(&donations).Error; err != nil {
		return nil, err
	}

	if len(donations) != len(req.DonationIDs) {
		return nil, fmt.Errorf("%w: some of the donations do not exist", ErrDonationNotEligible)
	}

	// Active claims are reported as a conflict by the caller
	var paid int64
	err := tx.Model(&models.DonationPayout{}).
		Where("donation_id IN ? AND status = ?", req.DonationIDs, models.DonationPayoutStatusPaid).
		Count(&paid).Error
	if err != nil {
		return nil, err
	}

	if paid > 0 {
		return nil, fmt.Errorf("%w: some of the donations have been paid out already", ErrDonationNotEligible)
	}

	var refunding int64
	err = tx.Model(&models.Refund{}).
		Where("donation_id IN ? AND status = ?", req.DonationIDs, models.RefundStatusPending).
		Count(&refunding).Error
	if err != nil {
		return nil, err
	}

	if refunding > 0 {
		return nil, fmt.Errorf("%w: some of the donations are being refunded", ErrDonationNotEligible)
	}

	for _, d := range donations {
		if d.OrganizationID != req.OrganizationID || d.Currency != req.Currency || d.Status != models.DonationStatusCompleted || !d.PayableNet().IsPositive() {
			return nil, fmt.Errorf("%w: donation %s", ErrDonationNotEligible, d.ID)
		}
	}

	return donations, nil
}

// ScheduleAll creates a payout for every organization and currency whose
// eligible net total reaches the minimum payout amount. It returns the
// number of payouts created.
func (s *Service) ScheduleAll(ctx context.Context) (int, error) {
	var groups []struct {
		OrganizationID uuid.UUID
		Currency       string
	}

	err := s.db.WithContext(ctx).Model(&models.Donation{}).
		Where("status = ?", models.DonationStatusCompleted).
		Distinct("organization_id", "currency").
		Find(&groups).Error
	if err != nil {
		return 0, err
	}

	created := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}

		filter := Filter{OrganizationID: g.OrganizationID, Currency: g.Currency}
		donations, err := s.Eligible(ctx, filter)
		if err != nil {
			return created, err
		}

		total := decimal.Zero
		for _, d := range donations {
			total = total.Add(d.PayableNet())
		}

		if len(donations) == 0 || total.LessThan(s.opts.MinAmount) {
			continue
		}

		_, err = s.Create(ctx, Request{Filter: filter, RequestedBy: "scheduler"})
		if err != nil {
			log.Warn().Err(err).Str("organization", g.OrganizationID.String()).Msg("could not schedule payout")
			continue
		}

		created++
	}

	return created, nil
}
