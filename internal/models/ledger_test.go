package models_test

import (
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
)

func (suite *TestSuiteStandard) TestLedgerBalance() {
	org := uuid.New()

	balance, err := models.LedgerBalance(suite.db, org, "AUD")
	suite.Require().Nil(err)
	suite.True(balance.IsZero())

	entries := []models.LedgerEntry{
		{OrganizationID: org, Currency: "AUD", Kind: models.LedgerDonationCredit, Amount: d("100.00")},
		{OrganizationID: org, Currency: "AUD", Kind: models.LedgerDonationCredit, Amount: d("22.88")},
		{OrganizationID: org, Currency: "AUD", Kind: models.LedgerRefundReversal, Amount: d("-50.00")},
		{OrganizationID: org, Currency: "AUD", Kind: models.LedgerRefundReversal, Amount: d("0")},
		{OrganizationID: org, Currency: "NZD", Kind: models.LedgerDonationCredit, Amount: d("7.00")},
		{OrganizationID: uuid.New(), Currency: "AUD", Kind: models.LedgerDonationCredit, Amount: d("5.00")},
	}
	for _, e := range entries {
		suite.Require().Nil(models.PostLedgerEntry(suite.db, e))
	}

	balance, err = models.LedgerBalance(suite.db, org, "AUD")
	suite.Require().Nil(err)
	suite.Equal("72.88", balance.StringFixed(2))

	var count int64
	suite.Require().Nil(suite.db.Model(&models.LedgerEntry{}).Where("organization_id = ?", org).Count(&count).Error)
	suite.Equal(int64(4), count, "zero entries are not posted")

	// Paying out more than the balance leaves a debt
	suite.Require().Nil(models.PostLedgerEntry(suite.db, models.LedgerEntry{OrganizationID: org, Currency: "AUD", Kind: models.LedgerPayoutDebit, Amount: d("-100.00")}))
	balance, err = models.LedgerBalance(suite.db, org, "AUD")
	suite.Require().Nil(err)
	suite.Equal("-27.12", balance.StringFixed(2))
}
