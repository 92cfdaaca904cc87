package models_test

import (
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
)

func (suite *TestSuiteStandard) createTestConfiguration() models.RoundUpConfiguration {
	c := models.RoundUpConfiguration{
		DonorID:          uuid.New(),
		OrganizationID:   uuid.New(),
		BankConnectionID: uuid.New(),
		MonthlyThreshold: d("10.00"),
		Currency:         "aud",
		Active:           true,
		Enabled:          true,
	}

	suite.Require().Nil(suite.db.Create(&c).Error)
	return c
}

func (suite *TestSuiteStandard) TestConfigurationDefaults() {
	c := suite.createTestConfiguration()

	suite.Equal(models.ThresholdFixed, c.ThresholdType)
	suite.Equal(models.RoundUpStatusPending, c.Status)
	suite.Equal("AUD", c.Currency)
}

func (suite *TestSuiteStandard) TestConfigurationThresholdRules() {
	err := suite.db.Create(&models.RoundUpConfiguration{ThresholdType: models.ThresholdFixed}).Error
	suite.ErrorIs(err, models.ErrThresholdNotPositive)

	err = suite.db.Create(&models.RoundUpConfiguration{ThresholdType: "weekly"}).Error
	suite.ErrorIs(err, models.ErrThresholdTypeInvalid)

	c := models.RoundUpConfiguration{ThresholdType: models.ThresholdNoLimit, MonthlyThreshold: d("25.00")}
	suite.Require().Nil(suite.db.Create(&c).Error)
	suite.True(c.MonthlyThreshold.IsZero())
}

func (suite *TestSuiteStandard) TestThresholdReached() {
	c := models.RoundUpConfiguration{ThresholdType: models.ThresholdFixed, MonthlyThreshold: d("10.00"), CurrentMonthTotal: d("9.99")}
	suite.False(c.ThresholdReached())

	c.CurrentMonthTotal = d("10.00")
	suite.True(c.ThresholdReached())

	c.ThresholdType = models.ThresholdNoLimit
	suite.False(c.ThresholdReached())
}

func (suite *TestSuiteStandard) TestSaveConfigurationChecksVersion() {
	c := suite.createTestConfiguration()
	stale := c

	c.CurrentMonthTotal = d("3.47")
	suite.Require().Nil(models.SaveRoundUpConfiguration(suite.db, &c))
	suite.Equal(int64(1), c.Version)

	stale.CurrentMonthTotal = d("1.00")
	err := models.SaveRoundUpConfiguration(suite.db, &stale)
	suite.ErrorIs(err, models.ErrConcurrentUpdate)
	suite.Equal(int64(0), stale.Version)

	var stored models.RoundUpConfiguration
	suite.Require().Nil(suite.db.First(&stored, "id = ?", c.ID).Error)
	suite.True(d("3.47").Equal(stored.CurrentMonthTotal))
}

func (suite *TestSuiteStandard) TestReleaseAndReserveRoundUp() {
	c := suite.createTestConfiguration()
	donation := suite.createTestDonation(models.Donation{
		Kind:                   models.DonationKindRoundUp,
		BaseAmount:             d("10.40"),
		RoundUpConfigurationID: &c.ID,
		Status:                 models.DonationStatusFailed,
	})

	t := models.RoundUpTransaction{
		RoundUpConfigurationID: c.ID,
		BankConnectionID:       c.BankConnectionID,
		ExternalID:             "t1",
		RoundUpAmount:          d("0.40"),
		Eligible:               true,
		Processed:              true,
		DonationID:             &donation.ID,
	}
	suite.Require().Nil(suite.db.Create(&t).Error)

	suite.Require().Nil(models.ReleaseRoundUp(suite.db, donation))

	var stored models.RoundUpConfiguration
	suite.Require().Nil(suite.db.First(&stored, "id = ?", c.ID).Error)
	suite.True(d("10.40").Equal(stored.CurrentMonthTotal))
	suite.Equal(models.RoundUpStatusFailed, stored.Status)

	var released models.RoundUpTransaction
	suite.Require().Nil(suite.db.First(&released, "id = ?", t.ID).Error)
	suite.Nil(released.DonationID)
	suite.Equal(donation.ID, *released.ReleasedFromDonationID)

	suite.Require().Nil(models.ReserveRoundUp(suite.db, donation))
	suite.Require().Nil(suite.db.First(&stored, "id = ?", c.ID).Error)
	suite.True(stored.CurrentMonthTotal.IsZero())
	suite.Equal(models.RoundUpStatusProcessing, stored.Status)

	// The value is gone now
	suite.ErrorIs(models.ReserveRoundUp(suite.db, donation), models.ErrRoundUpAlreadyDonated)
}
