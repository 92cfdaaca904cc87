package donations_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/payouts"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/kindly-giving/backend/test"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"golang.org/x/exp/slices"
	"gorm.io/gorm"
)

const secret = "whsec_test"

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, event notify.Event, _ notify.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) has(event notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, event)
}

// refundHook runs a function before every refund request.
type refundHook struct {
	*processor.Sandbox
	before func()
}

func (p refundHook) Refund(ctx context.Context, req processor.RefundRequest) (processor.RefundResult, error) {
	p.before()
	return p.Sandbox.Refund(ctx, req)
}

type DonationSuite struct {
	suite.Suite
	db         *gorm.DB
	processor  *processor.Sandbox
	dispatcher *notify.Dispatcher
	recorder   *recorder
	opts       donations.Options
	service    *donations.Service
	now        time.Time
}

func TestDonations(t *testing.T) {
	suite.Run(t, new(DonationSuite))
}

func (suite *DonationSuite) SetupTest() {
	suite.db = test.Database(suite.T())
	suite.processor = processor.NewSandbox()
	suite.recorder = &recorder{}
	suite.dispatcher = notify.NewDispatcher(time.Second, suite.recorder)
	suite.now = time.Now().In(time.UTC)

	keyed, err := locks.New(1000)
	suite.Require().Nil(err)

	suite.opts = donations.Options{
		Policy:           fees.DefaultPolicy,
		Currency:         "AUD",
		MinAmount:        amount("1.00"),
		MaxAmount:        amount("100000.00"),
		PendingTimeout:   time.Hour,
		WebhookSecret:    secret,
		WebhookTolerance: 5 * time.Minute,
		Locks:            keyed,
		Notifier:         suite.dispatcher,
		Now:              func() time.Time { return suite.now },
	}
	suite.service = donations.NewService(suite.db, suite.processor, suite.opts)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (suite *DonationSuite) create(base string, covered bool) models.Donation {
	d, err := suite.service.Create(context.Background(), donations.Input{
		DonorID:            uuid.New(),
		OrganizationID:     uuid.New(),
		BaseAmount:         amount(base),
		FeesCoveredByDonor: covered,
	})
	suite.Require().Nil(err)
	return d
}

func (suite *DonationSuite) deliver(event processor.Event) (models.ProcessorEvent, error) {
	body, err := json.Marshal(event)
	suite.Require().Nil(err)

	return suite.service.HandleWebhook(context.Background(), body, processor.Sign(secret, suite.now, body))
}

func (suite *DonationSuite) succeed(d models.Donation) models.Donation {
	record, err := suite.deliver(processor.Event{
		ID:        uuid.NewString(),
		Type:      processor.EventSucceeded,
		Reference: *d.ProcessorReference,
	})
	suite.Require().Nil(err)
	suite.Require().Equal(models.EventApplied, record.Outcome, record.Detail)

	return suite.reload(d)
}

func (suite *DonationSuite) reload(d models.Donation) models.Donation {
	d, err := suite.service.Get(context.Background(), d.ID)
	suite.Require().Nil(err)
	return d
}

func (suite *DonationSuite) balance(d models.Donation) decimal.Decimal {
	balance, err := models.LedgerBalance(suite.db, d.OrganizationID, d.Currency)
	suite.Require().Nil(err)
	return balance
}

func (suite *DonationSuite) TestCreateSubmitsCharge() {
	d := suite.create("100.00", true)

	suite.Equal(models.DonationStatusProcessing, d.Status)
	suite.Equal("AUD", d.Currency)
	suite.Equal(models.DonationKindOneTime, d.Kind)
	suite.True(d.ChargeAmount.Equal(amount("107.68")), d.ChargeAmount.String())
	suite.True(d.NetToOrg.Equal(amount("100.00")))
	suite.Require().NotNil(d.ProcessorReference)
	suite.NotEmpty(d.ClientSecret)
	suite.Equal(1, d.Attempts)
	suite.Equal(1, suite.processor.Charges())
}

func (suite *DonationSuite) TestCreateValidation() {
	tests := []struct {
		name  string
		input donations.Input
	}{
		{"zero amount", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: decimal.Zero}},
		{"below minimum", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: amount("0.50")}},
		{"above maximum", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: amount("100000.01")}},
		{"precision", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: amount("10.001")}},
		{"no donor", donations.Input{OrganizationID: uuid.New(), BaseAmount: amount("10.00")}},
		{"no organization", donations.Input{DonorID: uuid.New(), BaseAmount: amount("10.00")}},
		{"currency", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: amount("10.00"), Currency: "DOLLARS"}},
		{"round-up without configuration", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: amount("10.00"), Kind: models.DonationKindRoundUp}},
		{"unknown kind", donations.Input{DonorID: uuid.New(), OrganizationID: uuid.New(), BaseAmount: amount("10.00"), Kind: "weekly"}},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			_, err := suite.service.Create(context.Background(), tt.input)
			suite.ErrorIs(err, models.ErrValidation)
		})
	}

	suite.Equal(0, suite.processor.Charges())
}

func (suite *DonationSuite) TestChargeDeclined() {
	suite.processor.FailCharges(processor.ErrDeclined)

	d := suite.create("25.00", false)
	suite.Equal(models.DonationStatusFailed, d.Status)
	suite.NotEmpty(d.FailureReason)
	suite.Nil(d.ProcessorReference)
	suite.Equal(1, d.Attempts)

	suite.dispatcher.Wait()
	suite.True(suite.recorder.has(notify.DonationFailed))
}

func (suite *DonationSuite) TestRetry() {
	suite.processor.FailCharges(processor.ErrDeclined)
	d := suite.create("25.00", false)
	suite.Require().Equal(models.DonationStatusFailed, d.Status)

	suite.processor.FailCharges(nil)
	d, err := suite.service.Retry(context.Background(), d.ID)
	suite.Require().Nil(err)
	suite.Equal(models.DonationStatusProcessing, d.Status)
	suite.Empty(d.FailureReason)
	suite.Equal(2, d.Attempts)

	_, err = suite.service.Retry(context.Background(), d.ID)
	suite.ErrorIs(err, models.ErrDonationNotFailed)
}

func (suite *DonationSuite) TestWebhookCompletesOnce() {
	d := suite.create("100.00", false)

	event := processor.Event{
		ID:        "evt_1",
		Type:      processor.EventSucceeded,
		Reference: *d.ProcessorReference,
	}

	record, err := suite.deliver(event)
	suite.Require().Nil(err)
	suite.Equal(models.EventApplied, record.Outcome)

	d = suite.reload(d)
	suite.Equal(models.DonationStatusCompleted, d.Status)
	suite.NotNil(d.CompletedAt)
	suite.True(suite.balance(d).Equal(amount("92.45")), suite.balance(d).String())

	record, err = suite.deliver(event)
	suite.Require().Nil(err)
	suite.Equal(models.EventDuplicate, record.Outcome)
	suite.True(suite.balance(d).Equal(amount("92.45")))

	suite.dispatcher.Wait()
	suite.True(suite.recorder.has(notify.DonationCompleted))
	suite.True(suite.recorder.has(notify.ReceiptRequested))
}

func (suite *DonationSuite) TestWebhookConcurrentDeliveries() {
	d := suite.create("50.00", true)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = suite.deliver(processor.Event{
				ID:        "evt_" + string(rune('a'+i)),
				Type:      processor.EventSucceeded,
				Reference: *d.ProcessorReference,
			})
		}()
	}
	wg.Wait()

	var credits int64
	suite.Require().Nil(suite.db.Model(&models.LedgerEntry{}).Where(&models.LedgerEntry{DonationID: &d.ID}).Count(&credits).Error)
	suite.Equal(int64(1), credits)
	suite.True(suite.balance(d).Equal(amount("50.00")))
}

func (suite *DonationSuite) TestWebhookSignature() {
	body := []byte(`{"id": "evt_1", "type": "succeeded", "reference": "ch_1"}`)

	_, err := suite.service.HandleWebhook(context.Background(), body, "")
	suite.ErrorIs(err, processor.ErrSignatureMissing)

	_, err = suite.service.HandleWebhook(context.Background(), body, processor.Sign("wrong", suite.now, body))
	suite.ErrorIs(err, processor.ErrSignatureInvalid)

	_, err = suite.service.HandleWebhook(context.Background(), body, processor.Sign(secret, suite.now.Add(-time.Hour), body))
	suite.ErrorIs(err, processor.ErrSignatureExpired)

	var count int64
	suite.Require().Nil(suite.db.Model(&models.ProcessorEvent{}).Count(&count).Error)
	suite.Equal(int64(0), count)
}

func (suite *DonationSuite) TestWebhookInvalidPayload() {
	body := []byte(`{"id": "evt_1", "type": "exploded"}`)

	record, err := suite.service.HandleWebhook(context.Background(), body, processor.Sign(secret, suite.now, body))
	suite.Require().Nil(err)
	suite.Equal(models.EventRejected, record.Outcome)
}

func (suite *DonationSuite) TestWebhookUnknownReference() {
	record, err := suite.deliver(processor.Event{ID: "evt_1", Type: processor.EventSucceeded, Reference: "ch_unknown"})
	suite.Require().Nil(err)
	suite.Equal(models.EventIgnored, record.Outcome)
}

func (suite *DonationSuite) TestWebhookMetadataFallback() {
	d := suite.create("10.00", true)

	record, err := suite.deliver(processor.Event{
		ID:       "evt_1",
		Type:     processor.EventFailed,
		Metadata: map[string]string{processor.MetadataDonationID: d.ID.String()},
	})
	suite.Require().Nil(err)
	suite.Equal(models.EventApplied, record.Outcome)
	suite.Equal(models.DonationStatusFailed, suite.reload(d).Status)
}

func (suite *DonationSuite) TestWebhookFailedAfterCompletedIsIgnored() {
	d := suite.succeed(suite.create("10.00", true))

	record, err := suite.deliver(processor.Event{ID: "evt_late", Type: processor.EventFailed, Reference: *d.ProcessorReference})
	suite.Require().Nil(err)
	suite.Equal(models.EventIgnored, record.Outcome)
	suite.Equal(models.DonationStatusCompleted, suite.reload(d).Status)
}

func (suite *DonationSuite) TestWebhookForSupersededCharge() {
	d := suite.create("10.00", true)
	first := *d.ProcessorReference

	record, err := suite.deliver(processor.Event{ID: "evt_failed", Type: processor.EventFailed, Reference: first})
	suite.Require().Nil(err)
	suite.Require().Equal(models.EventApplied, record.Outcome)

	d, err = suite.service.Retry(context.Background(), d.ID)
	suite.Require().Nil(err)
	suite.Require().NotEqual(first, *d.ProcessorReference)

	// A late delivery for the first charge names the donation in its metadata
	record, err = suite.deliver(processor.Event{
		ID:        "evt_late",
		Type:      processor.EventFailed,
		Reference: first,
		Metadata:  map[string]string{processor.MetadataDonationID: d.ID.String()},
	})
	suite.Require().Nil(err)
	suite.Equal(models.EventIgnored, record.Outcome)
	suite.Contains(record.Detail, first)
	suite.Equal(models.DonationStatusProcessing, suite.reload(d).Status)

	d = suite.succeed(d)
	suite.Equal(models.DonationStatusCompleted, d.Status)
}

func (suite *DonationSuite) TestCancel() {
	d := suite.create("10.00", true)

	d, err := suite.service.Cancel(context.Background(), d.ID)
	suite.Require().Nil(err)
	suite.Equal(models.DonationStatusCancelled, d.Status)
	suite.NotNil(d.CancelledAt)

	_, err = suite.service.Cancel(context.Background(), d.ID)
	suite.ErrorIs(err, models.ErrDonationNotCancellable)
}

func (suite *DonationSuite) TestRefundPartialThenFull() {
	d := suite.succeed(suite.create("100.00", true))
	suite.Require().True(d.ChargeAmount.Equal(amount("107.68")))

	refund, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{
		Amount: decimal.NewNullDecimal(amount("53.84")),
		Reason: "Donor asked for half back",
	})
	suite.Require().Nil(err)
	suite.Equal(models.RefundStatusSucceeded, refund.Status)
	suite.True(refund.NetReversal.Equal(amount("50.00")), refund.NetReversal.String())
	suite.NotNil(refund.ProcessorRefundID)

	d = suite.reload(d)
	suite.Equal(models.DonationStatusCompleted, d.Status)
	suite.True(d.RemainingRefundable().Equal(amount("53.84")))
	suite.True(suite.balance(d).Equal(amount("50.00")))

	refund, err = suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "The rest"})
	suite.Require().Nil(err)
	suite.True(refund.Amount.Equal(amount("53.84")))

	d = suite.reload(d)
	suite.Equal(models.DonationStatusRefunded, d.Status)
	suite.True(d.PayableNet().IsZero())
	suite.True(suite.balance(d).IsZero())

	_, err = suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "Again"})
	suite.ErrorIs(err, models.ErrDonationNotCompleted)

	refunds, err := suite.service.Refunds(context.Background(), d.ID)
	suite.Require().Nil(err)
	suite.Len(refunds, 2)
}

func (suite *DonationSuite) TestRefundValidation() {
	d := suite.succeed(suite.create("10.00", true))

	_, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Amount: decimal.NewNullDecimal(amount("1.00"))})
	suite.ErrorIs(err, models.ErrReasonRequired)

	_, err = suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Amount: decimal.NewNullDecimal(amount("1000.00")), Reason: "Too much"})
	suite.ErrorIs(err, models.ErrRefundExceedsRemaining)

	_, err = suite.service.Refund(context.Background(), suite.create("10.00", true).ID, donations.RefundInput{Reason: "Not completed"})
	suite.ErrorIs(err, models.ErrDonationNotCompleted)
}

func (suite *DonationSuite) TestRefundProcessorFailure() {
	d := suite.succeed(suite.create("10.00", true))
	suite.processor.FailRefunds(processor.ErrDeclined)

	refund, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "Please"})
	suite.ErrorIs(err, models.ErrExternal)
	suite.Equal(models.RefundStatusFailed, refund.Status)

	d = suite.reload(d)
	suite.Equal(models.DonationStatusCompleted, d.Status)
	suite.True(d.RefundedAmount.IsZero())
}

func (suite *DonationSuite) TestRefundBlockedByActivePayout() {
	d := suite.succeed(suite.create("10.00", true))

	suite.Require().Nil(suite.db.Create(&models.DonationPayout{
		DonationID:     d.ID,
		PayoutID:       uuid.New(),
		OrganizationID: d.OrganizationID,
		TotalAmount:    d.NetToOrg,
		Currency:       d.Currency,
		Status:         models.DonationPayoutStatusScheduled,
	}).Error)

	_, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "Please"})
	suite.ErrorIs(err, models.ErrDonationInActivePayout)
}

func (suite *DonationSuite) newPayouts() *payouts.Service {
	return payouts.NewService(suite.db, suite.processor, payouts.Options{
		Currency: "AUD",
		Locks:    suite.opts.Locks,
		Notifier: suite.dispatcher,
		Now:      func() time.Time { return suite.now },
	})
}

func (suite *DonationSuite) TestPayoutDuringRefund() {
	d := suite.succeed(suite.create("100.00", true))
	payoutService := suite.newPayouts()
	request := payouts.Request{
		Filter:      payouts.Filter{OrganizationID: d.OrganizationID},
		RequestedBy: "finance@example.org",
	}

	var duringErr, explicitErr error
	service := donations.NewService(suite.db, refundHook{
		Sandbox: suite.processor,
		before: func() {
			_, duringErr = payoutService.Create(context.Background(), request)

			explicit := request
			explicit.DonationIDs = []uuid.UUID{d.ID}
			_, explicitErr = payoutService.Create(context.Background(), explicit)
		},
	}, suite.opts)

	refund, err := service.Refund(context.Background(), d.ID, donations.RefundInput{
		Amount: decimal.NewNullDecimal(amount("53.84")),
		Reason: "Donor asked for half back",
	})
	suite.Require().Nil(err)
	suite.Equal(models.RefundStatusSucceeded, refund.Status)
	suite.ErrorIs(duringErr, payouts.ErrNoEligibleDonations)
	suite.ErrorIs(explicitErr, payouts.ErrDonationNotEligible)

	// Afterwards only the remaining net is paid out
	payout, err := payoutService.Create(context.Background(), request)
	suite.Require().Nil(err)
	suite.True(payout.Amount.Equal(amount("50.00")), payout.Amount.String())
}

func (suite *DonationSuite) TestProcessorRefundDropsScheduledPayout() {
	d := suite.succeed(suite.create("100.00", true))
	payoutService := suite.newPayouts()

	payout, err := payoutService.Create(context.Background(), payouts.Request{
		Filter:      payouts.Filter{OrganizationID: d.OrganizationID},
		RequestedBy: "finance@example.org",
	})
	suite.Require().Nil(err)
	suite.Require().True(payout.Amount.Equal(amount("100.00")))

	record, err := suite.deliver(processor.Event{
		ID:        "evt_dashboard_refund",
		Type:      processor.EventRefunded,
		Reference: *d.ProcessorReference,
		Amount:    d.ChargeAmount,
		RefundID:  "re_dashboard",
	})
	suite.Require().Nil(err)
	suite.Require().Equal(models.EventApplied, record.Outcome, record.Detail)
	suite.Equal(models.DonationStatusRefunded, suite.reload(d).Status)

	payout, err = payoutService.Get(context.Background(), payout.ID)
	suite.Require().Nil(err)
	suite.Equal(models.PayoutStatusCancelled, payout.Status)
	suite.True(payout.Amount.IsZero(), payout.Amount.String())
	suite.Equal(0, payout.DonationCount)

	links, err := payoutService.Donations(context.Background(), payout.ID)
	suite.Require().Nil(err)
	suite.Require().Len(links, 1)
	suite.Equal(models.DonationPayoutStatusCancelled, links[0].Status)
	suite.Equal("refund", links[0].Actor)

	_, err = payoutService.Execute(context.Background(), payout.ID)
	suite.ErrorIs(err, models.ErrPayoutNotScheduled)
	suite.Len(suite.processor.Transfers(), 0)
	suite.True(suite.balance(d).IsZero(), suite.balance(d).String())
}

func (suite *DonationSuite) TestRefundRejectsStaleReservation() {
	d := suite.succeed(suite.create("100.00", true))

	// Another instance writes the donation between the read and the write of
	// the reservation
	fired := false
	suite.Require().Nil(suite.db.Callback().Update().Before("gorm:update").Register("test:concurrent_refund", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "donations" {
			return
		}
		fired = true

		suite.Require().Nil(tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE donations SET version = version + 1 WHERE id = ?", d.ID).Error)
	}))

	_, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "First"})
	suite.ErrorIs(err, models.ErrConcurrentUpdate)

	refunds, err := suite.service.Refunds(context.Background(), d.ID)
	suite.Require().Nil(err)
	suite.Len(refunds, 0)
	suite.True(suite.reload(d).RefundedAmount.IsZero())

	refund, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "Second"})
	suite.Require().Nil(err)
	suite.True(refund.Amount.Equal(d.ChargeAmount))
	suite.Equal(models.DonationStatusRefunded, suite.reload(d).Status)
}

func (suite *DonationSuite) TestRefundAfterPaidPayout() {
	d := suite.succeed(suite.create("100.00", true))
	payoutID := uuid.New()

	suite.Require().Nil(suite.db.Create(&models.DonationPayout{
		DonationID:     d.ID,
		PayoutID:       payoutID,
		OrganizationID: d.OrganizationID,
		TotalAmount:    d.NetToOrg,
		Currency:       d.Currency,
		Status:         models.DonationPayoutStatusPaid,
	}).Error)
	suite.Require().Nil(models.PostLedgerEntry(suite.db, models.LedgerEntry{
		OrganizationID: d.OrganizationID,
		Currency:       d.Currency,
		Kind:           models.LedgerPayoutDebit,
		Amount:         d.NetToOrg.Neg(),
		PayoutID:       &payoutID,
	}))

	_, err := suite.service.Refund(context.Background(), d.ID, donations.RefundInput{Reason: "Chargeback"})
	suite.Require().Nil(err)

	var link models.DonationPayout
	suite.Require().Nil(suite.db.First(&link, "donation_id = ?", d.ID).Error)
	suite.Equal(models.DonationPayoutStatusRefunded, link.Status)
	suite.True(link.TotalAmount.Equal(amount("100.00")), "the snapshot is kept")

	// The organization owes the reversed amount
	suite.True(suite.balance(d).Equal(amount("-100.00")), suite.balance(d).String())
}

func (suite *DonationSuite) TestProcessorRefundWebhook() {
	d := suite.succeed(suite.create("100.00", false))

	event := processor.Event{
		ID:        "evt_refund",
		Type:      processor.EventRefunded,
		Reference: *d.ProcessorReference,
		Amount:    amount("20.00"),
		RefundID:  "re_dashboard",
	}

	record, err := suite.deliver(event)
	suite.Require().Nil(err)
	suite.Equal(models.EventApplied, record.Outcome, record.Detail)

	event.ID = "evt_refund_again"
	record, err = suite.deliver(event)
	suite.Require().Nil(err)
	suite.Equal(models.EventIgnored, record.Outcome)

	refunds, err := suite.service.Refunds(context.Background(), d.ID)
	suite.Require().Nil(err)
	suite.Require().Len(refunds, 1)
	suite.Equal(models.RefundSourceProcessor, refunds[0].Source)
	suite.True(refunds[0].NetReversal.Equal(amount("18.49")), refunds[0].NetReversal.String())
}

func (suite *DonationSuite) TestExpirePending() {
	var d models.Donation
	err := suite.db.Transaction(func(tx *gorm.DB) (err error) {
		d, err = suite.service.CreatePending(tx, donations.Input{
			DonorID:        uuid.New(),
			OrganizationID: uuid.New(),
			BaseAmount:     amount("10.00"),
		})
		return err
	})
	suite.Require().Nil(err)

	expired, err := suite.service.ExpirePending(context.Background())
	suite.Require().Nil(err)
	suite.Equal(0, expired)

	suite.now = suite.now.Add(2 * time.Hour)
	expired, err = suite.service.ExpirePending(context.Background())
	suite.Require().Nil(err)
	suite.Equal(1, expired)

	d = suite.reload(d)
	suite.Equal(models.DonationStatusFailed, d.Status)
	suite.Contains(d.FailureReason, "not confirmed")
}

func (suite *DonationSuite) TestExpirePendingRoundUp() {
	config := models.RoundUpConfiguration{
		DonorID:          uuid.New(),
		OrganizationID:   uuid.New(),
		BankConnectionID: uuid.New(),
		MonthlyThreshold: amount("10.00"),
		Currency:         "AUD",
		Active:           true,
		Enabled:          true,
		Status:           models.RoundUpStatusProcessing,
	}
	suite.Require().Nil(suite.db.Create(&config).Error)

	var d models.Donation
	err := suite.db.Transaction(func(tx *gorm.DB) (err error) {
		d, err = suite.service.CreatePending(tx, donations.Input{
			DonorID:                config.DonorID,
			OrganizationID:         config.OrganizationID,
			Kind:                   models.DonationKindRoundUp,
			BaseAmount:             amount("10.00"),
			RoundUpConfigurationID: &config.ID,
		})
		return err
	})
	suite.Require().Nil(err)

	for i, value := range []string{"6.25", "3.75"} {
		suite.Require().Nil(suite.db.Create(&models.RoundUpTransaction{
			RoundUpConfigurationID: config.ID,
			BankConnectionID:       config.BankConnectionID,
			ExternalID:             fmt.Sprintf("tx_%d", i),
			RoundUpAmount:          amount(value),
			Eligible:               true,
			Processed:              true,
			DonationID:             &d.ID,
		}).Error)
	}

	suite.now = suite.now.Add(2 * time.Hour)
	expired, err := suite.service.ExpirePending(context.Background())
	suite.Require().Nil(err)
	suite.Equal(1, expired)
	suite.Equal(models.DonationStatusFailed, suite.reload(d).Status)

	var stored models.RoundUpConfiguration
	suite.Require().Nil(suite.db.First(&stored, "id = ?", config.ID).Error)
	suite.True(stored.CurrentMonthTotal.Equal(amount("10.00")), stored.CurrentMonthTotal.String())
	suite.Equal(models.RoundUpStatusFailed, stored.Status)

	var transactions []models.RoundUpTransaction
	suite.Require().Nil(suite.db.Where("round_up_configuration_id = ?", config.ID).Find(&transactions).Error)
	suite.Require().Len(transactions, 2)
	for _, t := range transactions {
		suite.Nil(t.DonationID)
		suite.Require().NotNil(t.ReleasedFromDonationID)
		suite.Equal(d.ID, *t.ReleasedFromDonationID)
	}
}

func (suite *DonationSuite) TestRecurring() {
	start := suite.now.Add(-time.Minute)
	schedule, err := suite.service.CreateRecurring(context.Background(), donations.RecurringInput{
		DonorID:        uuid.New(),
		OrganizationID: uuid.New(),
		BaseAmount:     amount("20.00"),
		Interval:       models.IntervalMonthly,
		StartAt:        &start,
	})
	suite.Require().Nil(err)

	created, err := suite.service.RunDue(context.Background())
	suite.Require().Nil(err)
	suite.Equal(1, created)

	created, err = suite.service.RunDue(context.Background())
	suite.Require().Nil(err)
	suite.Equal(0, created)

	list, err := suite.service.List(context.Background(), donations.Filter{DonorID: schedule.DonorID})
	suite.Require().Nil(err)
	suite.Require().Len(list, 1)
	suite.Equal(models.DonationKindRecurring, list[0].Kind)
	suite.Equal(schedule.ID, *list[0].RecurringDonationID)
	suite.Equal(models.DonationStatusProcessing, list[0].Status)

	schedules, err := suite.service.ListRecurring(context.Background(), schedule.DonorID)
	suite.Require().Nil(err)
	suite.Require().Len(schedules, 1)
	suite.True(schedules[0].NextRunAt.After(suite.now))

	_, err = suite.service.CancelRecurring(context.Background(), schedule.ID)
	suite.Require().Nil(err)

	suite.now = suite.now.AddDate(0, 2, 0)
	created, err = suite.service.RunDue(context.Background())
	suite.Require().Nil(err)
	suite.Equal(0, created)
}

func (suite *DonationSuite) TestListFilter() {
	a := suite.create("10.00", true)
	suite.create("10.00", true)

	list, err := suite.service.List(context.Background(), donations.Filter{OrganizationID: a.OrganizationID})
	suite.Require().Nil(err)
	suite.Len(list, 1)

	list, err = suite.service.List(context.Background(), donations.Filter{Status: models.DonationStatusProcessing})
	suite.Require().Nil(err)
	suite.Len(list, 2)
}
