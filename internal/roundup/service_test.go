package roundup_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/aggregator"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/kindly-giving/backend/internal/roundup"
	"github.com/kindly-giving/backend/test"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type RoundUpSuite struct {
	suite.Suite
	db         *gorm.DB
	processor  *processor.Sandbox
	aggregator *aggregator.Sandbox
	keyed      *locks.Keyed
	donations  *donations.Service
	service    *roundup.Service
	syncer     *roundup.Syncer
	now        time.Time
}

func TestRoundUpService(t *testing.T) {
	suite.Run(t, new(RoundUpSuite))
}

func (suite *RoundUpSuite) SetupTest() {
	suite.db = test.Database(suite.T())
	suite.processor = processor.NewSandbox()
	suite.aggregator = aggregator.NewSandbox()
	suite.now = time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)

	var err error
	suite.keyed, err = locks.New(1000)
	suite.Require().Nil(err)

	dispatcher := notify.NewDispatcher(time.Second)
	clock := func() time.Time { return suite.now }

	suite.donations = donations.NewService(suite.db, suite.processor, donations.Options{
		Policy:    fees.DefaultPolicy,
		Currency:  "AUD",
		MinAmount: d("1.00"),
		Locks:     suite.keyed,
		Notifier:  dispatcher,
		Now:       clock,
	})

	suite.service = suite.newService(true)
	suite.syncer = roundup.NewSyncer(suite.db, suite.aggregator, suite.service)
}

func (suite *RoundUpSuite) newService(flush bool) *roundup.Service {
	return roundup.NewService(suite.db, suite.donations, roundup.Options{
		Rules:          rules,
		MinDonation:    d("1.00"),
		SwitchInterval: 30 * 24 * time.Hour,
		FlushOnSwitch:  flush,
		Currency:       "AUD",
		Locks:          suite.keyed,
		Notifier:       notify.NewDispatcher(time.Second),
		Now:            func() time.Time { return suite.now },
	})
}

func (suite *RoundUpSuite) connection() models.BankConnection {
	conn, err := suite.syncer.CreateBankConnection(context.Background(), roundup.BankConnectionInput{
		DonorID:           uuid.New(),
		ExternalAccountID: "acc_" + uuid.NewString(),
		Institution:       "Example Bank",
	})
	suite.Require().Nil(err)
	return conn
}

func (suite *RoundUpSuite) configuration(threshold string) models.RoundUpConfiguration {
	conn := suite.connection()

	input := roundup.ConfigurationInput{
		DonorID:            conn.DonorID,
		OrganizationID:     uuid.New(),
		BankConnectionID:   conn.ID,
		ThresholdType:      models.ThresholdFixed,
		FeesCoveredByDonor: true,
	}

	if threshold == "" {
		input.ThresholdType = models.ThresholdNoLimit
	} else {
		input.MonthlyThreshold = d(threshold)
	}

	c, err := suite.service.Create(context.Background(), input)
	suite.Require().Nil(err)
	return c
}

func (suite *RoundUpSuite) reload(c models.RoundUpConfiguration) models.RoundUpConfiguration {
	c, err := suite.service.Get(context.Background(), c.ID)
	suite.Require().Nil(err)
	return c
}

func purchase(id, amount string) aggregator.Transaction {
	return aggregator.Transaction{ID: id, Amount: d(amount), Category: "Groceries", PostedAt: time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)}
}

func (suite *RoundUpSuite) ingest(c models.RoundUpConfiguration, transactions ...aggregator.Transaction) roundup.Result {
	result, err := suite.service.Ingest(context.Background(), c.BankConnectionID, transactions)
	suite.Require().Nil(err)
	return result
}

func (suite *RoundUpSuite) TestIngestAccumulates() {
	c := suite.configuration("10.00")

	result := suite.ingest(c,
		purchase("t1", "-4.47"),
		purchase("t2", "-12.01"),
		purchase("t3", "-20.00"),
		aggregator.Transaction{ID: "t4", Amount: d("100.00"), Category: "Salary"},
		aggregator.Transaction{ID: "t5", Amount: d("-2.50"), Category: "Fees"},
	)

	suite.Equal(5, result.Received)
	suite.Equal(2, result.Processed)
	suite.Equal(2, result.Ineligible)
	suite.True(result.RoundUp.Equal(d("1.52")), result.RoundUp.String())
	suite.Empty(result.Donations)

	c = suite.reload(c)
	suite.True(c.CurrentMonthTotal.Equal(d("1.52")))
	suite.True(c.TotalAccumulated.Equal(d("1.52")))

	transactions, err := suite.service.Transactions(context.Background(), c.ID)
	suite.Require().Nil(err)
	suite.Len(transactions, 5)

	for _, t := range transactions {
		if t.ExternalID == "t3" {
			suite.True(t.Eligible)
			suite.False(t.Processed, "whole dollar amounts are not processed")
		}
	}
}

func (suite *RoundUpSuite) TestIngestDeduplicates() {
	c := suite.configuration("10.00")

	suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))
	result := suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"), purchase("t3", "-1.10"), purchase("t3", "-1.10"))

	suite.Equal(3, result.Duplicates)
	suite.Equal(1, result.Processed)
	suite.True(suite.reload(c).CurrentMonthTotal.Equal(d("2.42")))
}

func (suite *RoundUpSuite) TestThresholdCreatesDonation() {
	c := suite.configuration("1.00")

	result := suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))
	suite.Require().Len(result.Donations, 1)

	c = suite.reload(c)
	suite.True(c.CurrentMonthTotal.IsZero())
	suite.True(c.TotalAccumulated.Equal(d("1.52")))
	suite.Equal(models.RoundUpStatusProcessing, c.Status)

	donation, err := suite.donations.Get(context.Background(), result.Donations[0])
	suite.Require().Nil(err)
	suite.Equal(models.DonationKindRoundUp, donation.Kind)
	suite.Equal(models.DonationStatusProcessing, donation.Status)
	suite.True(donation.BaseAmount.Equal(d("1.52")))
	suite.Equal(c.ID, *donation.RoundUpConfigurationID)

	var linked int64
	suite.Require().Nil(suite.db.Model(&models.RoundUpTransaction{}).Where("donation_id = ?", donation.ID).Count(&linked).Error)
	suite.Equal(int64(2), linked)

	_, err = suite.donations.HandleEvent(context.Background(), processor.Event{
		ID:        "evt_1",
		Type:      processor.EventSucceeded,
		Reference: *donation.ProcessorReference,
	})
	suite.Require().Nil(err)
	suite.Equal(models.RoundUpStatusCompleted, suite.reload(c).Status)
}

func (suite *RoundUpSuite) TestFailedDonationReleasesTotal() {
	c := suite.configuration("1.00")
	suite.processor.FailCharges(processor.ErrDeclined)

	result := suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))
	suite.Require().Len(result.Donations, 1)

	c = suite.reload(c)
	suite.True(c.CurrentMonthTotal.Equal(d("1.52")), c.CurrentMonthTotal.String())
	suite.Equal(models.RoundUpStatusFailed, c.Status)

	var released int64
	suite.Require().Nil(suite.db.Model(&models.RoundUpTransaction{}).Where("released_from_donation_id = ?", result.Donations[0]).Count(&released).Error)
	suite.Equal(int64(2), released)

	suite.processor.FailCharges(nil)
	donation, err := suite.donations.Retry(context.Background(), result.Donations[0])
	suite.Require().Nil(err)
	suite.Equal(models.DonationStatusProcessing, donation.Status)

	c = suite.reload(c)
	suite.True(c.CurrentMonthTotal.IsZero())
	suite.Equal(models.RoundUpStatusProcessing, c.Status)
}

func (suite *RoundUpSuite) TestPause() {
	c := suite.configuration("10.00")

	_, err := suite.service.Pause(context.Background(), c.ID)
	suite.Require().Nil(err)

	result := suite.ingest(c, purchase("t1", "-4.47"))
	suite.Equal(1, result.Ineligible)
	suite.True(suite.reload(c).CurrentMonthTotal.IsZero())

	_, err = suite.service.Resume(context.Background(), c.ID)
	suite.Require().Nil(err)

	result = suite.ingest(c, purchase("t2", "-4.47"))
	suite.Equal(1, result.Processed)
}

func (suite *RoundUpSuite) TestLoweredThresholdConverts() {
	c := suite.configuration("10.00")
	suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))

	threshold := d("1.50")
	c, err := suite.service.Update(context.Background(), c.ID, roundup.UpdateInput{MonthlyThreshold: &threshold})
	suite.Require().Nil(err)
	suite.True(c.CurrentMonthTotal.IsZero())
	suite.Equal(models.RoundUpStatusProcessing, c.Status)
}

func (suite *RoundUpSuite) TestMonthEndExpiresSmallTotal() {
	c := suite.configuration("10.00")
	suite.ingest(c, purchase("t1", "-4.10"))

	suite.now = suite.now.AddDate(0, 1, 0)
	suite.ingest(c)

	c = suite.reload(c)
	suite.True(c.CurrentMonthTotal.IsZero())
	suite.Equal("2024-06", c.LastMonthReset.String())

	transactions, err := suite.service.Transactions(context.Background(), c.ID)
	suite.Require().Nil(err)
	suite.Require().Len(transactions, 1)
	suite.True(transactions[0].Expired)
	suite.Nil(transactions[0].DonationID)
}

func (suite *RoundUpSuite) TestMonthEndDonates() {
	c := suite.configuration("")
	suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))
	suite.True(suite.reload(c).CurrentMonthTotal.Equal(d("1.52")))

	rolled, err := suite.service.SweepMonthEnd(context.Background())
	suite.Require().Nil(err)
	suite.Equal(0, rolled)

	suite.now = suite.now.AddDate(0, 1, 0)
	rolled, err = suite.service.SweepMonthEnd(context.Background())
	suite.Require().Nil(err)
	suite.Equal(1, rolled)

	c = suite.reload(c)
	suite.True(c.CurrentMonthTotal.IsZero())
	suite.Equal(models.RoundUpStatusProcessing, c.Status)

	list, err := suite.donations.List(context.Background(), donations.Filter{Kind: models.DonationKindRoundUp})
	suite.Require().Nil(err)
	suite.Require().Len(list, 1)
	suite.True(list[0].BaseAmount.Equal(d("1.52")))
}

func (suite *RoundUpSuite) TestSwitchFlushes() {
	c := suite.configuration("10.00")
	oldOrganization := c.OrganizationID
	suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))

	newOrganization := uuid.New()
	c, err := suite.service.Switch(context.Background(), c.ID, roundup.SwitchInput{OrganizationID: newOrganization})
	suite.Require().Nil(err)
	suite.Equal(newOrganization, c.OrganizationID)
	suite.True(c.CurrentMonthTotal.IsZero())
	suite.NotNil(c.LastCharitySwitch)

	list, err := suite.donations.List(context.Background(), donations.Filter{OrganizationID: oldOrganization})
	suite.Require().Nil(err)
	suite.Len(list, 1)

	_, err = suite.service.Switch(context.Background(), c.ID, roundup.SwitchInput{OrganizationID: oldOrganization})
	var tooSoon *roundup.SwitchTooSoonError
	suite.Require().True(errors.As(err, &tooSoon), err)
	suite.True(suite.now.Add(30*24*time.Hour).Equal(tooSoon.NextAllowed), tooSoon.NextAllowed)
	suite.ErrorIs(err, models.ErrState)

	suite.now = suite.now.Add(31 * 24 * time.Hour)
	_, err = suite.service.Switch(context.Background(), c.ID, roundup.SwitchInput{OrganizationID: oldOrganization})
	suite.Nil(err)
}

func (suite *RoundUpSuite) TestSwitchCarries() {
	c := suite.configuration("10.00")
	suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))

	c, err := suite.newService(false).Switch(context.Background(), c.ID, roundup.SwitchInput{OrganizationID: uuid.New()})
	suite.Require().Nil(err)
	suite.True(c.CurrentMonthTotal.Equal(d("1.52")))

	_, err = suite.service.Switch(context.Background(), c.ID, roundup.SwitchInput{OrganizationID: c.OrganizationID})
	suite.ErrorIs(err, roundup.ErrSameOrganization)
}

func (suite *RoundUpSuite) TestOneActiveConfigurationPerConnection() {
	c := suite.configuration("10.00")

	_, err := suite.service.Create(context.Background(), roundup.ConfigurationInput{
		DonorID:          c.DonorID,
		OrganizationID:   uuid.New(),
		BankConnectionID: c.BankConnectionID,
		MonthlyThreshold: d("5.00"),
	})
	suite.ErrorIs(err, models.ErrBankConnectionInUse)

	_, err = suite.service.Create(context.Background(), roundup.ConfigurationInput{
		DonorID:          uuid.New(),
		OrganizationID:   uuid.New(),
		BankConnectionID: c.BankConnectionID,
		MonthlyThreshold: d("5.00"),
	})
	suite.ErrorIs(err, roundup.ErrBankConnectionForeign)

	_, err = suite.service.Cancel(context.Background(), c.ID)
	suite.Require().Nil(err)

	_, err = suite.service.Create(context.Background(), roundup.ConfigurationInput{
		DonorID:          c.DonorID,
		OrganizationID:   uuid.New(),
		BankConnectionID: c.BankConnectionID,
		MonthlyThreshold: d("5.00"),
	})
	suite.Nil(err)
}

func (suite *RoundUpSuite) TestCancelDonatesRemaining() {
	c := suite.configuration("10.00")
	suite.ingest(c, purchase("t1", "-4.47"), purchase("t2", "-12.01"))

	c, err := suite.service.Cancel(context.Background(), c.ID)
	suite.Require().Nil(err)
	suite.False(c.Active)
	suite.Equal(models.RoundUpStatusCancelled, c.Status)
	suite.True(c.CurrentMonthTotal.IsZero())

	list, err := suite.donations.List(context.Background(), donations.Filter{Kind: models.DonationKindRoundUp})
	suite.Require().Nil(err)
	suite.Len(list, 1)

	_, err = suite.service.Pause(context.Background(), c.ID)
	suite.ErrorIs(err, models.ErrConfigurationCancelled)

	_, err = suite.service.Ingest(context.Background(), c.BankConnectionID, nil)
	suite.ErrorIs(err, roundup.ErrNoActiveConfiguration)
}

func (suite *RoundUpSuite) TestSync() {
	c := suite.configuration("")

	var conn models.BankConnection
	suite.Require().Nil(suite.db.First(&conn, "id = ?", c.BankConnectionID).Error)
	account := conn.ExternalAccountID

	for i := range 120 {
		suite.aggregator.Add(account, purchase(fmt.Sprintf("tx-%d", i), "-3.25"))
	}

	result, err := suite.syncer.Sync(context.Background(), c.BankConnectionID)
	suite.Require().Nil(err)
	suite.Equal(120, result.Received)
	suite.Equal(120, result.Processed)
	suite.True(suite.reload(c).CurrentMonthTotal.Equal(d("90.00")))

	suite.Require().Nil(suite.db.First(&conn, "id = ?", c.BankConnectionID).Error)
	suite.Equal("100", conn.SyncCursor)
	suite.NotNil(conn.LastSyncedAt)

	suite.aggregator.Add(account, purchase("tx-new", "-3.25"))
	result, err = suite.syncer.Sync(context.Background(), c.BankConnectionID)
	suite.Require().Nil(err)
	suite.Equal(20, result.Duplicates)
	suite.Equal(1, result.Processed)
}

func (suite *RoundUpSuite) TestSyncConsentInactive() {
	c := suite.configuration("10.00")

	var conn models.BankConnection
	suite.Require().Nil(suite.db.First(&conn, "id = ?", c.BankConnectionID).Error)
	suite.aggregator.SetConsent(conn.ExternalAccountID, aggregator.Consent{Status: string(models.ConsentRevoked)})

	_, err := suite.syncer.Sync(context.Background(), c.BankConnectionID)
	suite.ErrorIs(err, models.ErrConsentInactive)

	suite.Require().Nil(suite.db.First(&conn, "id = ?", c.BankConnectionID).Error)
	suite.Equal(models.ConsentRevoked, conn.ConsentStatus)
}

func (suite *RoundUpSuite) TestSyncAll() {
	suite.configuration("10.00")
	suite.configuration("10.00")

	synced, err := suite.syncer.SyncAll(context.Background())
	suite.Require().Nil(err)
	suite.Equal(2, synced)
}
