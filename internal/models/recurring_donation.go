package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type RecurringInterval string

const (
	IntervalWeekly      RecurringInterval = "weekly"
	IntervalFortnightly RecurringInterval = "fortnightly"
	IntervalMonthly     RecurringInterval = "monthly"
)

// Next returns the run after t.
func (i RecurringInterval) Next(t time.Time) time.Time {
	switch i {
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalFortnightly:
		return t.AddDate(0, 0, 14)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// RecurringDonation is a schedule that creates a recurring donation at every interval.
type RecurringDonation struct {
	DefaultModel
	DonorID            uuid.UUID  `gorm:"type:uuid;index"`
	OrganizationID     uuid.UUID  `gorm:"type:uuid;index"`
	CauseID            *uuid.UUID `gorm:"type:uuid"`
	BaseAmount         decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	FeesCoveredByDonor bool
	Currency           string            `gorm:"size:3"`
	Interval           RecurringInterval `gorm:"size:16"`
	NextRunAt          time.Time         `gorm:"index"`
	Active             bool
	LastDonationID     *uuid.UUID `gorm:"type:uuid"`
}

func (r *RecurringDonation) BeforeSave(_ *gorm.DB) error {
	switch r.Interval {
	case IntervalWeekly, IntervalFortnightly, IntervalMonthly:
	default:
		return ErrIntervalInvalid
	}

	if err := CheckAmount(r.BaseAmount); err != nil {
		return err
	}

	cur, err := NormalizeCurrency(r.Currency)
	if err != nil {
		return err
	}
	r.Currency = cur
	r.NextRunAt = r.NextRunAt.In(time.UTC)

	return nil
}

func (r *RecurringDonation) AfterFind(tx *gorm.DB) error {
	err := r.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	r.NextRunAt = r.NextRunAt.In(time.UTC)
	return nil
}
