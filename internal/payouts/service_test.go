package payouts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/payouts"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/kindly-giving/backend/test"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type PayoutSuite struct {
	suite.Suite
	db        *gorm.DB
	processor *processor.Sandbox
	opts      payouts.Options
	service   *payouts.Service
	now       time.Time
}

// transferHook runs a function before every transfer.
type transferHook struct {
	*processor.Sandbox
	before func()
}

func (p transferHook) Transfer(ctx context.Context, req processor.TransferRequest) (processor.Transfer, error) {
	p.before()
	return p.Sandbox.Transfer(ctx, req)
}

func TestPayouts(t *testing.T) {
	suite.Run(t, new(PayoutSuite))
}

func (suite *PayoutSuite) SetupTest() {
	suite.db = test.Database(suite.T())
	suite.processor = processor.NewSandbox()
	suite.now = time.Now().In(time.UTC)

	keyed, err := locks.New(1000)
	suite.Require().Nil(err)

	suite.opts = payouts.Options{
		Currency:  "AUD",
		MinAmount: d("50.00"),
		Locks:     keyed,
		Notifier:  notify.NewDispatcher(time.Second),
		Now:       func() time.Time { return suite.now },
	}
	suite.service = payouts.NewService(suite.db, suite.processor, suite.opts)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// completed stores a completed donation with its ledger credit.
func (suite *PayoutSuite) completed(organizationID uuid.UUID, net string) models.Donation {
	completedAt := suite.now
	donation := models.Donation{
		DonorID:        uuid.New(),
		OrganizationID: organizationID,
		Kind:           models.DonationKindOneTime,
		Currency:       "AUD",
		BaseAmount:     d(net),
		ChargeAmount:   d(net),
		NetToOrg:       d(net),
		PlatformFee:    decimal.Zero,
		TaxOnFee:       decimal.Zero,
		ProcessorFee:   decimal.Zero,
		RefundedAmount: decimal.Zero,
		NetReversed:    decimal.Zero,
		Status:         models.DonationStatusCompleted,
		CompletedAt:    &completedAt,
	}
	suite.Require().Nil(suite.db.Create(&donation).Error)

	suite.Require().Nil(models.PostLedgerEntry(suite.db, models.LedgerEntry{
		OrganizationID: organizationID,
		Currency:       "AUD",
		Kind:           models.LedgerDonationCredit,
		Amount:         donation.NetToOrg,
		DonationID:     &donation.ID,
	}))

	return donation
}

func (suite *PayoutSuite) create(organizationID uuid.UUID, ids ...uuid.UUID) (models.Payout, error) {
	return suite.service.Create(context.Background(), payouts.Request{
		Filter:      payouts.Filter{OrganizationID: organizationID},
		DonationIDs: ids,
		RequestedBy: "finance@example.org",
	})
}

func (suite *PayoutSuite) links(payout models.Payout) []models.DonationPayout {
	links, err := suite.service.Donations(context.Background(), payout.ID)
	suite.Require().Nil(err)
	return links
}

func (suite *PayoutSuite) TestCreateFromEligible() {
	org := uuid.New()
	suite.completed(org, "10.00")
	suite.completed(org, "20.50")
	suite.completed(org, "5.25")
	suite.completed(uuid.New(), "99.00")

	pending := suite.completed(org, "7.00")
	suite.Require().Nil(suite.db.Model(&pending).Update("status", models.DonationStatusPending).Error)

	payout, err := suite.create(org)
	suite.Require().Nil(err)
	suite.Equal(models.PayoutStatusScheduled, payout.Status)
	suite.Equal(3, payout.DonationCount)
	suite.True(payout.Amount.Equal(d("35.75")), payout.Amount.String())

	links := suite.links(payout)
	suite.Len(links, 3)
	for _, l := range links {
		suite.Equal(models.DonationPayoutStatusScheduled, l.Status)
		suite.Equal(org, l.OrganizationID)
	}

	_, err = suite.create(org)
	suite.ErrorIs(err, payouts.ErrNoEligibleDonations)
}

func (suite *PayoutSuite) TestCreateValidation() {
	_, err := suite.service.Create(context.Background(), payouts.Request{RequestedBy: "finance@example.org"})
	suite.ErrorIs(err, models.ErrValidation)

	_, err = suite.service.Create(context.Background(), payouts.Request{Filter: payouts.Filter{OrganizationID: uuid.New()}})
	suite.ErrorIs(err, models.ErrValidation)

	other := suite.completed(uuid.New(), "10.00")
	_, err = suite.create(uuid.New(), other.ID)
	suite.ErrorIs(err, payouts.ErrDonationNotEligible)
}

func (suite *PayoutSuite) TestConflictNamesContestedDonations() {
	org := uuid.New()
	a := suite.completed(org, "10.00")
	b := suite.completed(org, "10.00")
	c := suite.completed(org, "10.00")

	_, err := suite.create(org, a.ID, b.ID)
	suite.Require().Nil(err)

	_, err = suite.create(org, b.ID, c.ID)
	var conflict *payouts.ConflictError
	suite.Require().True(errors.As(err, &conflict), err)
	suite.Equal([]uuid.UUID{b.ID}, conflict.DonationIDs)
	suite.ErrorIs(err, models.ErrConflict)

	// Nothing of the rejected batch was claimed
	status, err := suite.service.StatusForDonation(context.Background(), c.ID)
	suite.Require().Nil(err)
	suite.Equal(models.DonationPayoutStatusPending, status.Status)
}

func (suite *PayoutSuite) TestConcurrentOverlappingPayouts() {
	org := uuid.New()
	a := suite.completed(org, "10.00")
	b := suite.completed(org, "10.00")
	c := suite.completed(org, "10.00")

	requests := [][]uuid.UUID{{a.ID, b.ID}, {b.ID, c.ID}}
	errs := make([]error, len(requests))

	var wg sync.WaitGroup
	for i, ids := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = suite.create(org, ids...)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}

		var conflict *payouts.ConflictError
		suite.Require().True(errors.As(err, &conflict), err)
		suite.Equal([]uuid.UUID{b.ID}, conflict.DonationIDs)
	}
	suite.Equal(1, succeeded)

	claimed, err := models.ActiveClaims(suite.db, []uuid.UUID{a.ID, b.ID, c.ID})
	suite.Require().Nil(err)
	suite.Len(claimed, 2)
}

func (suite *PayoutSuite) TestExecute() {
	org := uuid.New()
	donation := suite.completed(org, "60.00")
	suite.completed(org, "15.00")

	payout, err := suite.create(org)
	suite.Require().Nil(err)

	payout, err = suite.service.Execute(context.Background(), payout.ID)
	suite.Require().Nil(err)
	suite.Equal(models.PayoutStatusCompleted, payout.Status)
	suite.Require().NotNil(payout.TransferReference)
	suite.NotNil(payout.ExecutedAt)
	suite.Len(suite.processor.Transfers(), 1)

	for _, l := range suite.links(payout) {
		suite.Equal(models.DonationPayoutStatusPaid, l.Status)
		suite.NotNil(l.PaidAt)
		suite.Equal(*payout.TransferReference, *l.TransferReference)
	}

	balance, err := suite.service.Balance(context.Background(), org, "")
	suite.Require().Nil(err)
	suite.True(balance.IsZero(), balance.String())

	status, err := suite.service.StatusForDonation(context.Background(), donation.ID)
	suite.Require().Nil(err)
	suite.Equal(models.DonationPayoutStatusPaid, status.Status)
	suite.Equal(payout.ID, *status.PayoutID)

	_, err = suite.service.Execute(context.Background(), payout.ID)
	suite.ErrorIs(err, models.ErrPayoutNotScheduled)

	_, err = suite.create(org, donation.ID)
	suite.ErrorIs(err, payouts.ErrDonationNotEligible)

	_, err = suite.create(org)
	suite.ErrorIs(err, payouts.ErrNoEligibleDonations)
}

func (suite *PayoutSuite) TestExecuteTransferFailure() {
	org := uuid.New()
	suite.completed(org, "60.00")

	payout, err := suite.create(org)
	suite.Require().Nil(err)

	suite.processor.FailTransfers(errors.New("the bank is offline"))
	payout, err = suite.service.Execute(context.Background(), payout.ID)
	suite.ErrorIs(err, models.ErrExternal)
	suite.Equal(models.PayoutStatusFailed, payout.Status)
	suite.Contains(payout.FailureReason, "offline")

	for _, l := range suite.links(payout) {
		suite.Equal(models.DonationPayoutStatusFailed, l.Status)
	}

	// The donations are released
	suite.processor.FailTransfers(nil)
	_, err = suite.create(org)
	suite.Nil(err)
}

func (suite *PayoutSuite) TestCancelDuringTransfer() {
	org := uuid.New()
	suite.completed(org, "60.00")

	payout, err := suite.create(org)
	suite.Require().Nil(err)

	var service *payouts.Service
	var cancelErr error
	service = payouts.NewService(suite.db, transferHook{
		Sandbox: suite.processor,
		before: func() {
			// Returns instead of waiting for the payout lock
			_, cancelErr = service.Cancel(context.Background(), payout.ID, payouts.CancelInput{Reason: "Changed my mind"})
		},
	}, suite.opts)

	payout, err = service.Execute(context.Background(), payout.ID)
	suite.Require().Nil(err)
	suite.ErrorIs(cancelErr, models.ErrPayoutTransferRunning)
	suite.ErrorIs(cancelErr, models.ErrState)
	suite.Equal(models.PayoutStatusCompleted, payout.Status)

	for _, l := range suite.links(payout) {
		suite.Equal(models.DonationPayoutStatusPaid, l.Status)
	}

	// Once the transfer is done, cancelling fails on the status only
	_, err = service.Cancel(context.Background(), payout.ID, payouts.CancelInput{Reason: "Too late"})
	suite.ErrorIs(err, models.ErrPayoutNotCancellable)
}

func (suite *PayoutSuite) TestRefundingDonationsAreNotEligible() {
	org := uuid.New()
	refunding := suite.completed(org, "40.00")
	other := suite.completed(org, "20.00")

	suite.Require().Nil(suite.db.Create(&models.Refund{
		DonationID:  refunding.ID,
		Amount:      d("40.00"),
		NetReversal: d("40.00"),
		Currency:    "AUD",
		Reason:      "Donor asked",
		Status:      models.RefundStatusPending,
		Source:      models.RefundSourceAPI,
	}).Error)

	eligible, err := suite.service.Eligible(context.Background(), payouts.Filter{OrganizationID: org})
	suite.Require().Nil(err)
	suite.Require().Len(eligible, 1)
	suite.Equal(other.ID, eligible[0].ID)

	_, err = suite.create(org, refunding.ID)
	suite.ErrorIs(err, payouts.ErrDonationNotEligible)

	payout, err := suite.create(org)
	suite.Require().Nil(err)
	suite.True(payout.Amount.Equal(d("20.00")), payout.Amount.String())
}

func (suite *PayoutSuite) TestCreateFailsForDonationChangedAfterRead() {
	org := uuid.New()
	donation := suite.completed(org, "40.00")

	// A refund reservation that commits between the eligibility read and the claim
	fired := false
	suite.Require().Nil(suite.db.Callback().Query().After("gorm:query").Register("test:concurrent_refund", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "donation_payouts" {
			return
		}
		fired = true

		suite.Require().Nil(tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE donations SET version = version + 1, refunded_amount = ? WHERE id = ?", "10.00", donation.ID).Error)
	}))

	_, err := suite.create(org)
	suite.ErrorIs(err, models.ErrConcurrentUpdate)

	claimed, err := models.ActiveClaims(suite.db, []uuid.UUID{donation.ID})
	suite.Require().Nil(err)
	suite.Len(claimed, 0)
}

func (suite *PayoutSuite) TestCancel() {
	org := uuid.New()
	donation := suite.completed(org, "60.00")

	payout, err := suite.create(org)
	suite.Require().Nil(err)

	_, err = suite.service.Cancel(context.Background(), payout.ID, payouts.CancelInput{})
	suite.ErrorIs(err, models.ErrReasonRequired)

	payout, err = suite.service.Cancel(context.Background(), payout.ID, payouts.CancelInput{Reason: "Wrong account", Actor: "admin"})
	suite.Require().Nil(err)
	suite.Equal(models.PayoutStatusCancelled, payout.Status)
	suite.Equal("Wrong account", payout.CancellationReason)

	links := suite.links(payout)
	suite.Require().Len(links, 1)
	suite.Equal(models.DonationPayoutStatusCancelled, links[0].Status)
	suite.Equal("admin", links[0].Actor)

	_, err = suite.service.Cancel(context.Background(), payout.ID, payouts.CancelInput{Reason: "Again"})
	suite.ErrorIs(err, models.ErrPayoutNotCancellable)

	_, err = suite.service.Execute(context.Background(), payout.ID)
	suite.ErrorIs(err, models.ErrPayoutNotScheduled)

	_, err = suite.create(org, donation.ID)
	suite.Nil(err)
}

func (suite *PayoutSuite) TestPaidDonations() {
	org := uuid.New()
	suite.completed(org, "60.00")

	payout, err := suite.create(org)
	suite.Require().Nil(err)
	_, err = suite.service.Execute(context.Background(), payout.ID)
	suite.Require().Nil(err)

	paid, err := suite.service.PaidDonations(context.Background(), org, suite.now.Add(-time.Hour), suite.now.Add(time.Hour))
	suite.Require().Nil(err)
	suite.Len(paid, 1)

	paid, err = suite.service.PaidDonations(context.Background(), org, suite.now.Add(time.Hour), time.Time{})
	suite.Require().Nil(err)
	suite.Len(paid, 0)

	// Refunded after the payout, the organization was still paid
	suite.Require().Nil(suite.db.Model(&models.DonationPayout{}).
		Where("payout_id = ?", payout.ID).
		Update("status", models.DonationPayoutStatusRefunded).Error)

	paid, err = suite.service.PaidDonations(context.Background(), org, suite.now.Add(-time.Hour), suite.now.Add(time.Hour))
	suite.Require().Nil(err)
	suite.Require().Len(paid, 1)
	suite.Equal(models.DonationPayoutStatusRefunded, paid[0].Status)
}

func (suite *PayoutSuite) TestScheduleAll() {
	big := uuid.New()
	suite.completed(big, "30.00")
	suite.completed(big, "25.00")
	suite.completed(uuid.New(), "10.00")

	created, err := suite.service.ScheduleAll(context.Background())
	suite.Require().Nil(err)
	suite.Equal(1, created)

	list, err := suite.service.List(context.Background(), big, models.PayoutStatusScheduled)
	suite.Require().Nil(err)
	suite.Require().Len(list, 1)
	suite.Equal("scheduler", list[0].RequestedBy)

	created, err = suite.service.ScheduleAll(context.Background())
	suite.Require().Nil(err)
	suite.Equal(0, created)
}

func (suite *PayoutSuite) TestStatement() {
	org := uuid.New()
	suite.completed(org, "30.00")
	suite.completed(org, "25.00")

	payout, err := suite.create(org)
	suite.Require().Nil(err)

	f, err := suite.service.Statement(context.Background(), payout.ID)
	suite.Require().Nil(err)

	rows, err := f.GetRows("Payout")
	suite.Require().Nil(err)
	suite.Require().Len(rows, 4)
	suite.Equal("Donation", rows[0][0])
	suite.Equal("Total", rows[3][0])
	suite.Equal("55.00", rows[3][3])

	_, err = suite.service.Statement(context.Background(), uuid.New())
	suite.ErrorIs(err, models.ErrResourceNotFound)
}
