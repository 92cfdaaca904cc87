// Package donations implements the donation lifecycle from the charge request
// to completion, failure, cancellation or refund.
package donations

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/metrics"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"gorm.io/gorm"
)

// maxAttempts is how often a transition is re-evaluated after losing a race.
const maxAttempts = 3

type Options struct {
	Policy           fees.Policy
	Currency         string          // Used when a donation does not specify one
	MinAmount        decimal.Decimal // Zero is unbounded
	MaxAmount        decimal.Decimal // Zero is unbounded
	PendingTimeout   time.Duration
	WebhookSecret    string
	WebhookTolerance time.Duration
	Locks            *locks.Keyed
	Notifier         *notify.Dispatcher
	Now              func() time.Time
}

// Service manages donations. It is safe for concurrent use.
type Service struct {
	db        *gorm.DB
	processor processor.Processor
	opts      Options
}

// NewService creates a donation service. opts.Locks must be set.
func NewService(db *gorm.DB, p processor.Processor, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		db:        db,
		processor: p,
		opts:      opts,
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().In(time.UTC)
}

// Policy returns the fee policy donations are created with.
func (s *Service) Policy() fees.Policy {
	return s.opts.Policy
}

// Input describes a new donation.
type Input struct {
	DonorID                uuid.UUID           `json:"donorId" example:"1e777d24-3f5b-4c43-8000-04f65f895578"`
	OrganizationID         uuid.UUID           `json:"organizationId" example:"2b3f1e4e-5d33-4b49-8c2a-0f5e6f3d9a10"`
	CauseID                *uuid.UUID          `json:"causeId,omitempty"`
	Kind                   models.DonationKind `json:"kind" example:"one-time"` // Defaults to one-time
	BaseAmount             decimal.Decimal     `json:"baseAmount" example:"100.00"`
	FeesCoveredByDonor     bool                `json:"feesCoveredByDonor" example:"true"`
	Currency               string              `json:"currency" example:"AUD"`
	RoundUpConfigurationID *uuid.UUID          `json:"-"`
	RecurringDonationID    *uuid.UUID          `json:"-"`
}

func (s *Service) validate(in Input) error {
	// Round-up batches are bounded by the round-up settings instead
	limits := models.AmountBetween(s.opts.MinAmount, s.opts.MaxAmount)
	if in.Kind == models.DonationKindRoundUp {
		limits = models.AmountBetween(decimal.Zero, s.opts.MaxAmount)
	}

	err := validation.ValidateStruct(&in,
		validation.Field(&in.DonorID, models.RequiredID),
		validation.Field(&in.OrganizationID, models.RequiredID),
		validation.Field(&in.BaseAmount, models.ValidAmount, limits),
		validation.Field(&in.Kind, validation.By(func(any) error {
			if !in.Kind.Valid() {
				return models.ErrKindInvalid
			}
			return nil
		})),
		validation.Field(&in.RoundUpConfigurationID, validation.When(in.Kind == models.DonationKindRoundUp, models.RequiredID)),
		validation.Field(&in.RecurringDonationID, validation.When(in.Kind == models.DonationKindRecurring, models.RequiredID)),
	)

	return models.ValidationFailed(err)
}

// CreatePending validates the input, computes the fee split and stores a
// pending donation in the transaction.
func (s *Service) CreatePending(tx *gorm.DB, in Input) (models.Donation, error) {
	if in.Kind == "" {
		in.Kind = models.DonationKindOneTime
	}

	if in.Currency == "" {
		in.Currency = s.opts.Currency
	}

	currency, err := models.NormalizeCurrency(in.Currency)
	if err != nil {
		return models.Donation{}, err
	}

	if err := s.validate(in); err != nil {
		return models.Donation{}, err
	}

	split, err := fees.Compute(in.BaseAmount, in.FeesCoveredByDonor, s.opts.Policy)
	if err != nil {
		return models.Donation{}, err
	}

	d := models.Donation{
		DonorID:                in.DonorID,
		OrganizationID:         in.OrganizationID,
		CauseID:                in.CauseID,
		Kind:                   in.Kind,
		Currency:               currency,
		BaseAmount:             split.BaseAmount,
		FeesCoveredByDonor:     split.FeesCoveredByDonor,
		ChargeAmount:           split.ChargeAmount,
		NetToOrg:               split.NetToOrg,
		PlatformFee:            split.PlatformFee,
		TaxOnFee:               split.GSTOnFee,
		ProcessorFee:           split.ProcessorFee,
		RefundedAmount:         decimal.Zero,
		NetReversed:            decimal.Zero,
		Status:                 models.DonationStatusPending,
		RoundUpConfigurationID: in.RoundUpConfigurationID,
		RecurringDonationID:    in.RecurringDonationID,
	}

	if err := tx.Create(&d).Error; err != nil {
		return models.Donation{}, err
	}

	log.Debug().Str("donation", d.ID.String()).Str("kind", string(d.Kind)).Str("charge", d.ChargeAmount.StringFixed(2)).Msg("donation created")
	return d, nil
}

// Create stores a pending donation and requests the charge from the processor.
//
// If the processor fails, the donation is stored as failed with the reason
// and returned without an error.
func (s *Service) Create(ctx context.Context, in Input) (models.Donation, error) {
	var d models.Donation
	err := s.db.Transaction(func(tx *gorm.DB) (err error) {
		d, err = s.CreatePending(tx, in)
		return err
	})
	if err != nil {
		return models.Donation{}, err
	}

	return s.Submit(ctx, d.ID)
}

// Submit requests the charge for a pending donation. Donations in any other
// status are returned unchanged.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (models.Donation, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return models.Donation{}, err
	}
	defer unlock()

	return s.submit(ctx, id)
}

func (s *Service) submit(ctx context.Context, id uuid.UUID) (models.Donation, error) {
	var d models.Donation
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		return models.Donation{}, err
	}

	if d.Status != models.DonationStatusPending {
		return d, nil
	}

	charge, chargeErr := s.processor.CreateCharge(ctx, processor.ChargeRequest{
		DonationID:  d.ID,
		Attempt:     d.Attempts + 1,
		Amount:      d.ChargeAmount,
		Currency:    d.Currency,
		Description: fmt.Sprintf("Donation %s", d.ID),
		Metadata: map[string]string{
			processor.MetadataDonationID: d.ID.String(),
			"organizationId":             d.OrganizationID.String(),
		},
	})

	if chargeErr != nil {
		log.Warn().Err(chargeErr).Str("donation", d.ID.String()).Msg("charge request failed")

		event := EventFailed
		if errors.Is(chargeErr, processor.ErrDeclined) {
			event = EventRejected
		}

		d, _, err := s.apply(ctx, id, event, nil, func(d *models.Donation) {
			d.FailureReason = chargeErr.Error()
			d.Attempts++
		})
		return d, err
	}

	d, ok, err := s.apply(ctx, id, EventAccepted, nil, func(d *models.Donation) {
		d.ProcessorReference = &charge.Reference
		d.ClientSecret = charge.ClientSecret
		d.Attempts++
	})
	if err != nil {
		return d, err
	}

	// The processor's webhook overtook the charge response. Keep the reference
	// so that later events for the charge are found.
	if !ok && d.ProcessorReference == nil {
		err = s.db.Model(&models.Donation{}).
			Where("id = ? AND processor_reference IS NULL", id).
			Updates(map[string]any{
				"processor_reference": charge.Reference,
				"client_secret":       charge.ClientSecret,
				"version":             gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return d, err
		}

		return s.Get(ctx, id)
	}

	return d, nil
}

// Retry moves a failed donation back to pending and requests a new charge.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (models.Donation, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return models.Donation{}, err
	}
	defer unlock()

	_, ok, err := s.apply(ctx, id, EventRetry, nil, nil)
	if err != nil {
		return models.Donation{}, err
	}

	if !ok {
		return models.Donation{}, models.ErrDonationNotFailed
	}

	return s.submit(ctx, id)
}

// Cancel cancels a pending or processing donation.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (models.Donation, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return models.Donation{}, err
	}
	defer unlock()

	d, ok, err := s.apply(ctx, id, EventCancel, nil, nil)
	if err != nil {
		return models.Donation{}, err
	}

	if !ok {
		return d, models.ErrDonationNotCancellable
	}

	return d, nil
}

// ExpirePending fails all donations that have been pending for longer than
// the pending timeout and returns how many were expired.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	if s.opts.PendingTimeout <= 0 {
		return 0, nil
	}

	var ids []uuid.UUID
	err := s.db.Model(&models.Donation{}).
		Where("status = ? AND created_at < ?", models.DonationStatusPending, s.now().Add(-s.opts.PendingTimeout)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		ok, err := s.expire(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("donation", id.String()).Msg("could not expire donation")
			continue
		}

		if ok {
			expired++
		}
	}

	return expired, nil
}

func (s *Service) expire(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	_, ok, err := s.apply(ctx, id, EventTimeout, nil, func(d *models.Donation) {
		d.FailureReason = fmt.Sprintf("the charge was not confirmed within %s", s.opts.PendingTimeout)
	})
	return ok, err
}

func (s *Service) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	return s.opts.Locks.Lock(ctx, locks.Key(locks.KindDonation, id))
}

// mutableColumns are the columns a transition may write. Amount columns are
// never written after creation.
var mutableColumns = []string{
	"status", "failure_reason", "processor_reference", "client_secret", "attempts",
	"refunded_amount", "net_reversed", "version",
	"processing_at", "completed_at", "failed_at", "cancelled_at", "refunded_at",
	"updated_at",
}

// compareAndSet writes the mutable columns if the stored status is still from
// and the stored version is the one d was read with.
func compareAndSet(tx *gorm.DB, d *models.Donation, from models.DonationStatus) error {
	version := d.Version
	d.Version++

	result := tx.Model(d).Where("status = ? AND version = ?", from, version).Select(mutableColumns).Updates(d)
	if result.Error != nil {
		d.Version = version
		return result.Error
	}

	if result.RowsAffected == 0 {
		d.Version = version
		return models.ErrConcurrentUpdate
	}

	return nil
}

func setStatus(d *models.Donation, to models.DonationStatus, now time.Time) {
	d.Status = to

	switch to {
	case models.DonationStatusPending:
		d.FailureReason = ""
		d.FailedAt = nil
	case models.DonationStatusProcessing:
		d.ProcessingAt = &now
	case models.DonationStatusCompleted:
		if d.CompletedAt == nil {
			d.CompletedAt = &now
		}
	case models.DonationStatusFailed:
		d.FailedAt = &now
	case models.DonationStatusCancelled:
		d.CancelledAt = &now
	case models.DonationStatusRefunded:
		d.RefundedAt = &now
	}
}

// transition applies the event to the donation inside tx.
//
// ok is false if the donation cannot take the event, nothing is written then.
func (s *Service) transition(tx *gorm.DB, d *models.Donation, event Event, refund *models.Refund, mutate func(*models.Donation)) (effects []Effect, ok bool, err error) {
	from := d.Status
	to, effects, ok := Transition(from, event)
	if !ok {
		return nil, false, nil
	}

	setStatus(d, to, s.now())
	if mutate != nil {
		mutate(d)
	}

	if err := compareAndSet(tx, d, from); err != nil {
		return nil, false, err
	}

	if err := s.runEffects(tx, *d, effects, refund); err != nil {
		return nil, false, err
	}

	metrics.DonationTransitions.WithLabelValues(string(from), string(event), string(to)).Inc()
	log.Debug().Str("donation", d.ID.String()).Str("from", string(from)).Str("event", string(event)).Str("to", string(to)).Msg("donation transition")
	return effects, true, nil
}

// apply loads the donation and applies the event in its own transaction.
// A lost race re-reads the donation and re-evaluates the event.
//
// Callers must hold the donation lock.
func (s *Service) apply(ctx context.Context, id uuid.UUID, event Event, refund *models.Refund, mutate func(*models.Donation)) (models.Donation, bool, error) {
	var d models.Donation
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		return models.Donation{}, false, err
	}

	if d.RoundUpConfigurationID != nil {
		unlock, err := s.opts.Locks.Lock(ctx, locks.Key(locks.KindRoundUp, *d.RoundUpConfigurationID))
		if err != nil {
			return d, false, err
		}
		defer unlock()
	}

	var effects []Effect
	var ok bool
	var err error
	for range maxAttempts {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&d, "id = ?", id).Error; err != nil {
				return err
			}

			effects, ok, err = s.transition(tx, &d, event, refund, mutate)
			return err
		})

		if !errors.Is(err, models.ErrConcurrentUpdate) {
			break
		}
	}

	if err != nil {
		return d, false, err
	}

	if !ok {
		log.Debug().Str("donation", d.ID.String()).Str("status", string(d.Status)).Str("event", string(event)).Msg("event does not apply, ignoring it")
		return d, false, nil
	}

	s.fire(d, effects)
	return d, true, nil
}

func (s *Service) runEffects(tx *gorm.DB, d models.Donation, effects []Effect, refund *models.Refund) error {
	for _, effect := range effects {
		var err error

		switch effect {
		case EffectCreditLedger:
			err = models.PostLedgerEntry(tx, models.LedgerEntry{
				OrganizationID: d.OrganizationID,
				Currency:       d.Currency,
				Kind:           models.LedgerDonationCredit,
				Amount:         d.NetToOrg,
				DonationID:     &d.ID,
			})
			if err == nil && d.RoundUpConfigurationID != nil {
				err = tx.Model(&models.RoundUpConfiguration{}).
					Where("id = ? AND status = ?", *d.RoundUpConfigurationID, models.RoundUpStatusProcessing).
					UpdateColumns(map[string]any{"status": models.RoundUpStatusCompleted, "version": gorm.Expr("version + 1")}).Error
			}

		case EffectReleaseRoundUp:
			err = models.ReleaseRoundUp(tx, d)

		case EffectReserveRoundUp:
			err = models.ReserveRoundUp(tx, d)

		case EffectReverseLedger:
			if refund == nil {
				return fmt.Errorf("%w: ledger reversal without refund for donation %s", models.ErrGeneral, d.ID)
			}

			err = models.PostLedgerEntry(tx, models.LedgerEntry{
				OrganizationID: d.OrganizationID,
				Currency:       d.Currency,
				Kind:           models.LedgerRefundReversal,
				Amount:         refund.NetReversal.Neg(),
				DonationID:     &d.ID,
				RefundID:       &refund.ID,
			})

			// The payout snapshot stays as it was paid
			if err == nil && d.Status == models.DonationStatusRefunded {
				err = tx.Model(&models.DonationPayout{}).
					Where("donation_id = ? AND status = ?", d.ID, models.DonationPayoutStatusPaid).
					Updates(map[string]any{"status": models.DonationPayoutStatusRefunded, "actor": "refund"}).Error
			}
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// fire sends the notifications for the effects of a transition.
func (s *Service) fire(d models.Donation, effects []Effect) {
	payload := notify.Payload{
		"donationId":     d.ID.String(),
		"donorId":        d.DonorID.String(),
		"organizationId": d.OrganizationID.String(),
		"status":         string(d.Status),
		"chargeAmount":   d.ChargeAmount.StringFixed(2),
		"netToOrg":       d.NetToOrg.StringFixed(2),
		"currency":       d.Currency,
	}

	if slices.Contains(effects, EffectNotify) {
		var event notify.Event
		switch {
		case slices.Contains(effects, EffectReverseLedger):
			event = notify.DonationRefunded
			payload["refundedAmount"] = d.RefundedAmount.StringFixed(2)
		case d.Status == models.DonationStatusCompleted:
			event = notify.DonationCompleted
		case d.Status == models.DonationStatusFailed:
			event = notify.DonationFailed
			payload["reason"] = d.FailureReason
		case d.Status == models.DonationStatusCancelled:
			event = notify.DonationCancelled
		}

		if event != "" {
			s.opts.Notifier.Fire(event, payload)
		}
	}

	if slices.Contains(effects, EffectReceipt) {
		s.opts.Notifier.Fire(notify.ReceiptRequested, payload)
	}
}
