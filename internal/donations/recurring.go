package donations

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RecurringInput describes a new recurring donation schedule.
type RecurringInput struct {
	DonorID            uuid.UUID                `json:"donorId"`
	OrganizationID     uuid.UUID                `json:"organizationId"`
	CauseID            *uuid.UUID               `json:"causeId,omitempty"`
	BaseAmount         decimal.Decimal          `json:"baseAmount" example:"20.00"`
	FeesCoveredByDonor bool                     `json:"feesCoveredByDonor"`
	Currency           string                   `json:"currency" example:"AUD"`
	Interval           models.RecurringInterval `json:"interval" example:"monthly"`
	StartAt            *time.Time               `json:"startAt,omitempty"` // Defaults to now
}

// CreateRecurring stores a recurring donation schedule. The first donation is
// created by the next RunDue at or after the start.
func (s *Service) CreateRecurring(ctx context.Context, in RecurringInput) (models.RecurringDonation, error) {
	if in.Currency == "" {
		in.Currency = s.opts.Currency
	}

	err := validation.ValidateStruct(&in,
		validation.Field(&in.DonorID, models.RequiredID),
		validation.Field(&in.OrganizationID, models.RequiredID),
		validation.Field(&in.BaseAmount, models.ValidAmount, models.AmountBetween(s.opts.MinAmount, s.opts.MaxAmount)),
	)
	if err != nil {
		return models.RecurringDonation{}, models.ValidationFailed(err)
	}

	start := s.now()
	if in.StartAt != nil {
		start = in.StartAt.In(time.UTC)
	}

	r := models.RecurringDonation{
		DonorID:            in.DonorID,
		OrganizationID:     in.OrganizationID,
		CauseID:            in.CauseID,
		BaseAmount:         in.BaseAmount,
		FeesCoveredByDonor: in.FeesCoveredByDonor,
		Currency:           in.Currency,
		Interval:           in.Interval,
		NextRunAt:          start,
		Active:             true,
	}

	return r, s.db.WithContext(ctx).Create(&r).Error
}

// CancelRecurring stops a schedule. Donations that were already created are
// not affected.
func (s *Service) CancelRecurring(ctx context.Context, id uuid.UUID) (models.RecurringDonation, error) {
	var r models.RecurringDonation
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return r, err
	}

	r.Active = false
	err := s.db.WithContext(ctx).Model(&r).Update("active", false).Error
	return r, err
}

// ListRecurring returns the schedules of a donor. uuid.Nil lists all.
func (s *Service) ListRecurring(ctx context.Context, donorID uuid.UUID) ([]models.RecurringDonation, error) {
	schedules := make([]models.RecurringDonation, 0)
	err := s.db.WithContext(ctx).
		Where(&models.RecurringDonation{DonorID: donorID}).
		Order("created_at ASC").
		Find(&schedules).Error
	return schedules, err
}

// RunDue creates and submits one donation for every active schedule that is
// due. Runs that were missed are not made up for. It returns the number of
// donations created.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	now := s.now()

	var due []models.RecurringDonation
	err := s.db.WithContext(ctx).
		Where("active = ? AND next_run_at <= ?", true, now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	created := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}

		d, err := s.runSchedule(r, now)
		if errors.Is(err, models.ErrConcurrentUpdate) {
			continue
		} else if err != nil {
			log.Error().Err(err).Str("schedule", r.ID.String()).Msg("could not run recurring donation")
			continue
		}

		created++
		if _, err := s.Submit(ctx, d.ID); err != nil {
			log.Error().Err(err).Str("donation", d.ID.String()).Msg("could not submit recurring donation")
		}
	}

	return created, nil
}

// runSchedule creates the donation for a due schedule and advances it. The
// schedule is only advanced if it is still due.
func (s *Service) runSchedule(r models.RecurringDonation, now time.Time) (models.Donation, error) {
	next := r.NextRunAt
	for !next.After(now) {
		next = r.Interval.Next(next)
	}

	var d models.Donation
	err := s.db.Transaction(func(tx *gorm.DB) (err error) {
		result := tx.Model(&models.RecurringDonation{}).
			Where("id = ? AND active = ? AND next_run_at <= ?", r.ID, true, now).
			UpdateColumn("next_run_at", next)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return models.ErrConcurrentUpdate
		}

		d, err = s.CreatePending(tx, Input{
			DonorID:             r.DonorID,
			OrganizationID:      r.OrganizationID,
			CauseID:             r.CauseID,
			Kind:                models.DonationKindRecurring,
			BaseAmount:          r.BaseAmount,
			FeesCoveredByDonor:  r.FeesCoveredByDonor,
			Currency:            r.Currency,
			RecurringDonationID: &r.ID,
		})
		if err != nil {
			return err
		}

		return tx.Model(&models.RecurringDonation{}).Where("id = ?", r.ID).UpdateColumn("last_donation_id", d.ID).Error
	})

	return d, err
}
