package roundup

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrBankConnectionForeign = fmt.Errorf("%w: the bank connection belongs to another donor", models.ErrValidation)
	ErrSameOrganization      = fmt.Errorf("%w: the configuration already donates to this organization", models.ErrValidation)
	ErrNoActiveConfiguration = fmt.Errorf("%w active round-up configuration for the bank connection", models.ErrResourceNotFound)
)

// SwitchTooSoonError is returned when the charity of a configuration is
// switched again before the switch interval elapsed.
type SwitchTooSoonError struct {
	NextAllowed time.Time
}

func (e *SwitchTooSoonError) Error() string {
	return fmt.Sprintf("the charity can be switched again at %s", e.NextAllowed.Format(time.RFC3339))
}

func (e *SwitchTooSoonError) Unwrap() error {
	return models.ErrState
}

// Donations creates the round-up donations.
type Donations interface {
	CreatePending(tx *gorm.DB, in donations.Input) (models.Donation, error)
	Submit(ctx context.Context, id uuid.UUID) (models.Donation, error)
}

type Options struct {
	Rules          Rules
	MinDonation    decimal.Decimal // Smallest total donated at a month end, cancellation or switch
	SwitchInterval time.Duration
	FlushOnSwitch  bool // Donate the unconverted total to the old organization on a switch
	Currency       string
	Locks          *locks.Keyed
	Notifier       *notify.Dispatcher
	Now            func() time.Time
}

// Service manages round-up configurations and accumulates round-ups.
type Service struct {
	db        *gorm.DB
	donations Donations
	opts      Options
}

// NewService creates a round-up service. opts.Locks must be set.
func NewService(db *gorm.DB, d Donations, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		db:        db,
		donations: d,
		opts:      opts,
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().In(time.UTC)
}

func (s *Service) lock(ctx context.Context, kind string, id uuid.UUID) (func(), error) {
	return s.opts.Locks.Lock(ctx, locks.Key(kind, id))
}

// ConfigurationInput describes a new round-up configuration.
type ConfigurationInput struct {
	DonorID            uuid.UUID            `json:"donorId"`
	OrganizationID     uuid.UUID            `json:"organizationId"`
	CauseID            *uuid.UUID           `json:"causeId,omitempty"`
	BankConnectionID   uuid.UUID            `json:"bankConnectionId"`
	ThresholdType      models.ThresholdType `json:"thresholdType" example:"fixed"`
	MonthlyThreshold   decimal.Decimal      `json:"monthlyThreshold" example:"10.00"`
	AutoDonate         *bool                `json:"autoDonate,omitempty"` // Defaults to true
	FeesCoveredByDonor bool                 `json:"feesCoveredByDonor"`
	Currency           string               `json:"currency" example:"AUD"`
}

// Create stores a configuration. A bank connection can only have one active
// configuration.
func (s *Service) Create(ctx context.Context, in ConfigurationInput) (models.RoundUpConfiguration, error) {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.DonorID, models.RequiredID),
		validation.Field(&in.OrganizationID, models.RequiredID),
		validation.Field(&in.BankConnectionID, models.RequiredID),
	)
	if err != nil {
		return models.RoundUpConfiguration{}, models.ValidationFailed(err)
	}

	if in.Currency == "" {
		in.Currency = s.opts.Currency
	}

	autoDonate := true
	if in.AutoDonate != nil {
		autoDonate = *in.AutoDonate
	}

	unlock, err := s.lock(ctx, locks.KindBank, in.BankConnectionID)
	if err != nil {
		return models.RoundUpConfiguration{}, err
	}
	defer unlock()

	c := models.RoundUpConfiguration{
		DonorID:            in.DonorID,
		OrganizationID:     in.OrganizationID,
		CauseID:            in.CauseID,
		BankConnectionID:   in.BankConnectionID,
		ThresholdType:      in.ThresholdType,
		MonthlyThreshold:   in.MonthlyThreshold,
		AutoDonate:         autoDonate,
		FeesCoveredByDonor: in.FeesCoveredByDonor,
		Currency:           in.Currency,
		Active:             true,
		Enabled:            true,
		CurrentMonthTotal:  decimal.Zero,
		TotalAccumulated:   decimal.Zero,
		LastMonthReset:     types.MonthOf(s.now()),
		Status:             models.RoundUpStatusPending,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn models.BankConnection
		if err := tx.First(&conn, "id = ?", in.BankConnectionID).Error; err != nil {
			return err
		}

		if conn.DonorID != in.DonorID {
			return ErrBankConnectionForeign
		}

		var active int64
		err := tx.Model(&models.RoundUpConfiguration{}).
			Where(&models.RoundUpConfiguration{BankConnectionID: conn.ID, Active: true}).
			Count(&active).Error
		if err != nil {
			return err
		}

		if active > 0 {
			return models.ErrBankConnectionInUse
		}

		return tx.Create(&c).Error
	})

	return c, err
}

// UpdateInput changes a configuration. Nil fields are left unchanged.
type UpdateInput struct {
	ThresholdType      *models.ThresholdType `json:"thresholdType,omitempty"`
	MonthlyThreshold   *decimal.Decimal      `json:"monthlyThreshold,omitempty"`
	AutoDonate         *bool                 `json:"autoDonate,omitempty"`
	FeesCoveredByDonor *bool                 `json:"feesCoveredByDonor,omitempty"`
}

// Update changes the threshold and donation settings. If the current total
// reaches a lowered threshold, it is donated right away.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (models.RoundUpConfiguration, error) {
	return s.modify(ctx, id, func(tx *gorm.DB, c *models.RoundUpConfiguration) (*models.Donation, error) {
		if in.ThresholdType != nil {
			c.ThresholdType = *in.ThresholdType
		}

		if in.MonthlyThreshold != nil {
			c.MonthlyThreshold = *in.MonthlyThreshold
		}

		if in.AutoDonate != nil {
			c.AutoDonate = *in.AutoDonate
		}

		if in.FeesCoveredByDonor != nil {
			c.FeesCoveredByDonor = *in.FeesCoveredByDonor
		}

		if c.Enabled && c.ThresholdReached() {
			return s.tryConvert(tx, c, c.OrganizationID)
		}

		return nil, nil
	})
}

// Pause stops accumulating. Transactions are still recorded while paused.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (models.RoundUpConfiguration, error) {
	return s.modify(ctx, id, func(_ *gorm.DB, c *models.RoundUpConfiguration) (*models.Donation, error) {
		c.Enabled = false
		return nil, nil
	})
}

// Resume continues accumulating.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (models.RoundUpConfiguration, error) {
	return s.modify(ctx, id, func(_ *gorm.DB, c *models.RoundUpConfiguration) (*models.Donation, error) {
		c.Enabled = true
		return nil, nil
	})
}

// Cancel ends the configuration. With autoDonate, a total of at least the
// minimum donation is donated.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (models.RoundUpConfiguration, error) {
	return s.modify(ctx, id, func(tx *gorm.DB, c *models.RoundUpConfiguration) (d *models.Donation, err error) {
		if c.AutoDonate && c.CurrentMonthTotal.GreaterThanOrEqual(s.opts.MinDonation) {
			d, err = s.tryConvert(tx, c, c.OrganizationID)
			if err != nil {
				return nil, err
			}
		}

		c.Active = false
		c.Enabled = false
		c.Status = models.RoundUpStatusCancelled
		return d, nil
	})
}

// SwitchInput names the new organization of a configuration.
type SwitchInput struct {
	OrganizationID uuid.UUID  `json:"organizationId"`
	CauseID        *uuid.UUID `json:"causeId,omitempty"`
}

// Switch moves the configuration to another organization.
//
// Depending on the options, the unconverted total is donated to the old
// organization first or carried over to the new one.
func (s *Service) Switch(ctx context.Context, id uuid.UUID, in SwitchInput) (models.RoundUpConfiguration, error) {
	if err := validation.ValidateStruct(&in, validation.Field(&in.OrganizationID, models.RequiredID)); err != nil {
		return models.RoundUpConfiguration{}, models.ValidationFailed(err)
	}

	return s.modify(ctx, id, func(tx *gorm.DB, c *models.RoundUpConfiguration) (d *models.Donation, err error) {
		if c.OrganizationID == in.OrganizationID {
			return nil, ErrSameOrganization
		}

		now := s.now()
		if c.LastCharitySwitch != nil {
			next := c.LastCharitySwitch.Add(s.opts.SwitchInterval)
			if now.Before(next) {
				return nil, &SwitchTooSoonError{NextAllowed: next}
			}
		}

		if s.opts.FlushOnSwitch && c.CurrentMonthTotal.GreaterThanOrEqual(s.opts.MinDonation) {
			d, err = s.tryConvert(tx, c, c.OrganizationID)
			if err != nil {
				return nil, err
			}
		}

		log.Info().Str("configuration", c.ID.String()).Str("from", c.OrganizationID.String()).Str("to", in.OrganizationID.String()).Msg("round-up charity switched")
		c.OrganizationID = in.OrganizationID
		c.CauseID = in.CauseID
		c.LastCharitySwitch = &now
		return d, nil
	})
}

// modify runs change on an active configuration under its lock and saves it.
// A donation returned by change is submitted after the commit.
func (s *Service) modify(ctx context.Context, id uuid.UUID, change func(*gorm.DB, *models.RoundUpConfiguration) (*models.Donation, error)) (models.RoundUpConfiguration, error) {
	unlock, err := s.lock(ctx, locks.KindRoundUp, id)
	if err != nil {
		return models.RoundUpConfiguration{}, err
	}

	var c models.RoundUpConfiguration
	var donation *models.Donation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}

		if !c.Active {
			return models.ErrConfigurationCancelled
		}

		d, err := s.rollover(tx, &c)
		if err != nil {
			return err
		}
		donation = d

		d, err = change(tx, &c)
		if err != nil {
			return err
		}

		if d != nil {
			donation = d
		}

		return models.SaveRoundUpConfiguration(tx, &c)
	})

	// Submitting transitions the donation, which takes the configuration lock
	unlock()
	if err != nil {
		return c, err
	}

	s.submit(ctx, c, donation)
	return c, nil
}

// tryConvert converts the current total and keeps accumulating if the total
// cannot be donated, e.g. because the fees would exceed it.
func (s *Service) tryConvert(tx *gorm.DB, c *models.RoundUpConfiguration, organizationID uuid.UUID) (*models.Donation, error) {
	d, err := s.convert(tx, c, organizationID)
	if errors.Is(err, models.ErrValidation) {
		log.Warn().Err(err).Str("configuration", c.ID.String()).Str("total", c.CurrentMonthTotal.StringFixed(2)).Msg("round-up total cannot be donated yet")
		return nil, nil
	}

	return d, err
}

// convert creates a pending round-up donation for the current total, links
// the contributing transactions and resets the total. The caller saves the
// configuration.
func (s *Service) convert(tx *gorm.DB, c *models.RoundUpConfiguration, organizationID uuid.UUID) (*models.Donation, error) {
	if !c.CurrentMonthTotal.IsPositive() {
		return nil, nil
	}

	d, err := s.donations.CreatePending(tx, donations.Input{
		DonorID:                c.DonorID,
		OrganizationID:         organizationID,
		CauseID:                c.CauseID,
		Kind:                   models.DonationKindRoundUp,
		BaseAmount:             c.CurrentMonthTotal,
		FeesCoveredByDonor:     c.FeesCoveredByDonor,
		Currency:               c.Currency,
		RoundUpConfigurationID: &c.ID,
	})
	if err != nil {
		return nil, err
	}

	err = tx.Model(&models.RoundUpTransaction{}).
		Where("round_up_configuration_id = ? AND processed = ? AND expired = ? AND donation_id IS NULL", c.ID, true, false).
		UpdateColumns(map[string]any{
			"donation_id":               d.ID,
			"released_from_donation_id": nil,
		}).Error
	if err != nil {
		return nil, err
	}

	log.Info().Str("configuration", c.ID.String()).Str("donation", d.ID.String()).Str("amount", d.BaseAmount.StringFixed(2)).Msg("round-up total converted")
	c.CurrentMonthTotal = decimal.Zero
	c.Status = models.RoundUpStatusProcessing
	return &d, nil
}

// submit requests the charge for a converted total after the commit.
func (s *Service) submit(ctx context.Context, c models.RoundUpConfiguration, d *models.Donation) {
	if d == nil {
		return
	}

	s.opts.Notifier.Fire(notify.RoundUpThresholdReached, notify.Payload{
		"configurationId": c.ID.String(),
		"donorId":         c.DonorID.String(),
		"organizationId":  d.OrganizationID.String(),
		"donationId":      d.ID.String(),
		"amount":          d.BaseAmount.StringFixed(2),
		"currency":        d.Currency,
	})

	if _, err := s.donations.Submit(ctx, d.ID); err != nil {
		log.Error().Err(err).Str("donation", d.ID.String()).Msg("could not submit round-up donation")
	}
}

// Get returns a configuration.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.RoundUpConfiguration, error) {
	var c models.RoundUpConfiguration
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	return c, err
}

// List returns the configurations of a donor. uuid.Nil lists all.
func (s *Service) List(ctx context.Context, donorID uuid.UUID) ([]models.RoundUpConfiguration, error) {
	configs := make([]models.RoundUpConfiguration, 0)
	err := s.db.WithContext(ctx).
		Where(&models.RoundUpConfiguration{DonorID: donorID}).
		Order("created_at ASC").
		Find(&configs).Error
	return configs, err
}

// Transactions returns the recorded transactions of a configuration, newest first.
func (s *Service) Transactions(ctx context.Context, id uuid.UUID) ([]models.RoundUpTransaction, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	transactions := make([]models.RoundUpTransaction, 0)
	err := s.db.WithContext(ctx).
		Where(&models.RoundUpTransaction{RoundUpConfigurationID: id}).
		Order("transaction_date DESC").
		Find(&transactions).Error
	return transactions, err
}
