package models_test

import (
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
)

func (suite *TestSuiteStandard) TestClaimDonationsChecksVersion() {
	donation := suite.createTestDonation(models.Donation{NetToOrg: d("10.00")})
	suite.Require().Nil(models.ClaimDonations(suite.db, []models.Donation{donation}))

	var stored models.Donation
	suite.Require().Nil(suite.db.First(&stored, "id = ?", donation.ID).Error)
	suite.Equal(donation.Version+1, stored.Version)

	// The copy read before the claim is stale now
	suite.ErrorIs(models.ClaimDonations(suite.db, []models.Donation{donation}), models.ErrConcurrentUpdate)

	refunded := suite.createTestDonation(models.Donation{Status: models.DonationStatusRefunded})
	suite.ErrorIs(models.ClaimDonations(suite.db, []models.Donation{refunded}), models.ErrConcurrentUpdate)
}

func (suite *TestSuiteStandard) TestDropScheduledClaims() {
	org := uuid.New()
	first := suite.createTestDonation(models.Donation{OrganizationID: org, NetToOrg: d("30.00")})
	second := suite.createTestDonation(models.Donation{OrganizationID: org, NetToOrg: d("12.50")})

	payout := models.Payout{
		OrganizationID: org,
		Currency:       "AUD",
		Amount:         d("42.50"),
		DonationCount:  2,
		Status:         models.PayoutStatusScheduled,
	}
	suite.Require().Nil(suite.db.Create(&payout).Error)

	for _, donation := range []models.Donation{first, second} {
		suite.Require().Nil(suite.db.Create(&models.DonationPayout{
			DonationID:     donation.ID,
			PayoutID:       payout.ID,
			OrganizationID: org,
			TotalAmount:    donation.NetToOrg,
			Currency:       "AUD",
			Status:         models.DonationPayoutStatusScheduled,
		}).Error)
	}

	now := time.Now()
	dropped, err := models.DropScheduledClaims(suite.db, first.ID, "refund", now)
	suite.Require().Nil(err)
	suite.Equal([]uuid.UUID{payout.ID}, dropped)

	suite.Require().Nil(suite.db.First(&payout, "id = ?", payout.ID).Error)
	suite.Equal(models.PayoutStatusScheduled, payout.Status)
	suite.Equal(1, payout.DonationCount)
	suite.True(payout.Amount.Equal(d("12.50")), payout.Amount.String())

	claims, err := models.ActiveClaims(suite.db, []uuid.UUID{first.ID, second.ID})
	suite.Require().Nil(err)
	suite.Equal([]uuid.UUID{second.ID}, claims)

	// Nothing left to drop
	dropped, err = models.DropScheduledClaims(suite.db, first.ID, "refund", now)
	suite.Require().Nil(err)
	suite.Empty(dropped)

	// The last donation cancels the payout
	_, err = models.DropScheduledClaims(suite.db, second.ID, "refund", now)
	suite.Require().Nil(err)

	suite.Require().Nil(suite.db.First(&payout, "id = ?", payout.ID).Error)
	suite.Equal(models.PayoutStatusCancelled, payout.Status)
	suite.True(payout.Amount.IsZero())
	suite.NotNil(payout.CancelledAt)
	suite.Contains(payout.CancellationReason, "refund")
}

func (suite *TestSuiteStandard) TestDropScheduledClaimsKeepsProcessing() {
	donation := suite.createTestDonation(models.Donation{NetToOrg: d("30.00")})
	payout := models.Payout{
		OrganizationID: donation.OrganizationID,
		Currency:       "AUD",
		Amount:         d("30.00"),
		DonationCount:  1,
		Status:         models.PayoutStatusProcessing,
	}
	suite.Require().Nil(suite.db.Create(&payout).Error)
	suite.Require().Nil(suite.db.Create(&models.DonationPayout{
		DonationID:     donation.ID,
		PayoutID:       payout.ID,
		OrganizationID: donation.OrganizationID,
		TotalAmount:    donation.NetToOrg,
		Currency:       "AUD",
		Status:         models.DonationPayoutStatusProcessing,
	}).Error)

	dropped, err := models.DropScheduledClaims(suite.db, donation.ID, "refund", time.Now())
	suite.Require().Nil(err)
	suite.Empty(dropped)

	claims, err := models.ActiveClaims(suite.db, []uuid.UUID{donation.ID})
	suite.Require().Nil(err)
	suite.Len(claims, 1)
}
