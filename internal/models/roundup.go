package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ThresholdType string

const (
	ThresholdFixed   ThresholdType = "fixed"
	ThresholdNoLimit ThresholdType = "no-limit"
)

type RoundUpStatus string

const (
	RoundUpStatusPending    RoundUpStatus = "pending"    // Accumulating
	RoundUpStatusProcessing RoundUpStatus = "processing" // A round-up donation is in flight
	RoundUpStatusCompleted  RoundUpStatus = "completed"  // The last round-up donation succeeded
	RoundUpStatusCancelled  RoundUpStatus = "cancelled"
	RoundUpStatusFailed     RoundUpStatus = "failed" // The last round-up donation failed
)

// RoundUpConfiguration is a donor's standing instruction to round up purchases
// on a bank connection toward an organization.
//
// CurrentMonthTotal and TotalAccumulated are only written through
// SaveRoundUpConfiguration, which checks Version.
type RoundUpConfiguration struct {
	DefaultModel
	DonorID            uuid.UUID     `gorm:"type:uuid;index"`
	OrganizationID     uuid.UUID     `gorm:"type:uuid;index"`
	CauseID            *uuid.UUID    `gorm:"type:uuid"`
	BankConnectionID   uuid.UUID     `gorm:"type:uuid;index"`
	ThresholdType      ThresholdType `gorm:"size:16"`
	MonthlyThreshold   decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	AutoDonate         bool
	FeesCoveredByDonor bool
	Currency           string `gorm:"size:3"`
	Active             bool   // False once cancelled
	Enabled            bool   // False while paused by the donor

	CurrentMonthTotal decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	TotalAccumulated  decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	LastMonthReset    types.Month
	LastCharitySwitch *time.Time
	Status            RoundUpStatus `gorm:"size:16"`
	Version           int64
}

// ThresholdReached reports if a fixed threshold is configured and the
// current month total reached it.
func (c RoundUpConfiguration) ThresholdReached() bool {
	return c.ThresholdType == ThresholdFixed && c.CurrentMonthTotal.GreaterThanOrEqual(c.MonthlyThreshold)
}

func (c *RoundUpConfiguration) BeforeSave(_ *gorm.DB) error {
	if c.ThresholdType == "" {
		c.ThresholdType = ThresholdFixed
	}

	switch c.ThresholdType {
	case ThresholdFixed:
		if !c.MonthlyThreshold.IsPositive() {
			return ErrThresholdNotPositive
		}
	case ThresholdNoLimit:
		c.MonthlyThreshold = decimal.Zero
	default:
		return ErrThresholdTypeInvalid
	}

	if c.Currency != "" {
		cur, err := NormalizeCurrency(c.Currency)
		if err != nil {
			return err
		}
		c.Currency = cur
	}

	if c.Status == "" {
		c.Status = RoundUpStatusPending
	}

	return nil
}

func (c *RoundUpConfiguration) AfterFind(tx *gorm.DB) error {
	err := c.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	c.LastCharitySwitch = utc(c.LastCharitySwitch)
	return nil
}

// SaveRoundUpConfiguration writes all fields of the configuration if the
// stored version still matches and increments the version.
func SaveRoundUpConfiguration(tx *gorm.DB, c *RoundUpConfiguration) error {
	expected := c.Version
	c.Version++

	result := tx.Model(c).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(c)
	if result.Error != nil {
		c.Version = expected
		return fmt.Errorf("saving round-up configuration %s failed: %w", c.ID, result.Error)
	}

	if result.RowsAffected == 0 {
		c.Version = expected
		return ErrConcurrentUpdate
	}

	return nil
}

type TransactionDirection string

const (
	DirectionDebit  TransactionDirection = "debit"
	DirectionCredit TransactionDirection = "credit"
)

// RoundUpTransaction is one classified bank transaction and the round-up it contributed.
type RoundUpTransaction struct {
	DefaultModel
	RoundUpConfigurationID uuid.UUID            `gorm:"type:uuid;index"`
	BankConnectionID       uuid.UUID            `gorm:"type:uuid;uniqueIndex:idx_bank_external"`
	ExternalID             string               `gorm:"uniqueIndex:idx_bank_external"` // Deduplication key
	Amount                 decimal.Decimal      `gorm:"type:DECIMAL(20,2)"`
	Direction              TransactionDirection `gorm:"size:8"`
	Category               string
	Description            string
	TransactionDate        time.Time
	RoundUpAmount          decimal.Decimal `gorm:"type:DECIMAL(20,2)"`
	Eligible               bool
	IneligibleReason       string
	Processed              bool       // The round-up was added to the configuration's totals
	Expired                bool       // The total was reset at a month end without a donation
	DonationID             *uuid.UUID `gorm:"type:uuid;index"` // The round-up donation this transaction was folded into
	ReleasedFromDonationID *uuid.UUID `gorm:"type:uuid;index"` // Set when that donation failed and the round-up was returned
}

func (t *RoundUpTransaction) BeforeSave(_ *gorm.DB) error {
	t.ExternalID = strings.TrimSpace(t.ExternalID)
	t.Category = strings.TrimSpace(t.Category)
	t.Description = strings.TrimSpace(t.Description)
	t.TransactionDate = t.TransactionDate.In(time.UTC)

	return nil
}

func (t *RoundUpTransaction) AfterFind(tx *gorm.DB) error {
	err := t.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	t.TransactionDate = t.TransactionDate.In(time.UTC)
	return nil
}

// ReleaseRoundUp returns the value of a failed, cancelled or expired round-up
// donation to its configuration and unlinks the contributing transactions so
// that they are part of the next batch.
func ReleaseRoundUp(tx *gorm.DB, donation Donation) error {
	if donation.RoundUpConfigurationID == nil {
		return nil
	}

	var config RoundUpConfiguration
	err := tx.First(&config, "id = ?", *donation.RoundUpConfigurationID).Error
	if err != nil {
		return err
	}

	config.CurrentMonthTotal = config.CurrentMonthTotal.Add(donation.BaseAmount)
	if config.Active {
		config.Status = RoundUpStatusFailed
	}
	err = SaveRoundUpConfiguration(tx, &config)
	if err != nil {
		return err
	}

	return tx.Model(&RoundUpTransaction{}).
		Where("donation_id = ?", donation.ID).
		Updates(map[string]any{
			"donation_id":               nil,
			"released_from_donation_id": donation.ID,
		}).Error
}

// ReserveRoundUp takes the value of a retried round-up donation out of its
// configuration's total again and relinks the released transactions.
func ReserveRoundUp(tx *gorm.DB, donation Donation) error {
	if donation.RoundUpConfigurationID == nil {
		return nil
	}

	var config RoundUpConfiguration
	err := tx.First(&config, "id = ?", *donation.RoundUpConfigurationID).Error
	if err != nil {
		return err
	}

	if config.CurrentMonthTotal.LessThan(donation.BaseAmount) {
		return ErrRoundUpAlreadyDonated
	}

	config.CurrentMonthTotal = config.CurrentMonthTotal.Sub(donation.BaseAmount)
	if config.Active {
		config.Status = RoundUpStatusProcessing
	}
	err = SaveRoundUpConfiguration(tx, &config)
	if err != nil {
		return err
	}

	return tx.Model(&RoundUpTransaction{}).
		Where("released_from_donation_id = ? AND donation_id IS NULL", donation.ID).
		Updates(map[string]any{
			"donation_id":               donation.ID,
			"released_from_donation_id": nil,
		}).Error
}

// ErrRoundUpAlreadyDonated is returned when the released value of a failed
// round-up donation has been donated by another batch in the meantime.
var ErrRoundUpAlreadyDonated = stateError("the round-up value of this donation has already been donated in another batch")
