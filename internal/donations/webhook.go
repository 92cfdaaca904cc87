package donations

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/metrics"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrWebhookSecretMissing = fmt.Errorf("%w: no webhook secret is configured, webhooks are not accepted", models.ErrValidation)

// HandleWebhook verifies the signature of a webhook delivery and applies it.
//
// Deliveries with a missing or wrong signature are rejected with an error
// and not recorded. Correctly signed deliveries are always recorded in the
// inbox, with an outcome describing their effect.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (models.ProcessorEvent, error) {
	if s.opts.WebhookSecret == "" {
		return models.ProcessorEvent{}, ErrWebhookSecretMissing
	}

	err := processor.VerifySignature(s.opts.WebhookSecret, signature, body, s.now(), s.opts.WebhookTolerance)
	if err != nil {
		metrics.ProcessorEvents.WithLabelValues("unknown", "unauthenticated").Inc()
		return models.ProcessorEvent{}, err
	}

	event, err := processor.ParseEvent(body)
	if err != nil {
		record := models.ProcessorEvent{
			EventID: fmt.Sprintf("invalid-%s", uuid.New()),
			Outcome: models.EventRejected,
			Detail:  err.Error(),
		}

		return record, s.record(ctx, &record)
	}

	return s.HandleEvent(ctx, event)
}

// HandleEvent applies a processor event exactly once.
//
// Errors that are not caused by the event itself are returned without
// recording the event so that the processor delivers it again.
func (s *Service) HandleEvent(ctx context.Context, event processor.Event) (models.ProcessorEvent, error) {
	record := models.ProcessorEvent{
		EventID:   event.ID,
		Type:      string(event.Type),
		Reference: event.Reference,
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.ProcessorEvent{}).Where(&models.ProcessorEvent{EventID: event.ID}).Count(&count).Error
	if err != nil {
		return record, err
	}

	if count > 0 {
		record.Outcome = models.EventDuplicate
		metrics.ProcessorEvents.WithLabelValues(record.Type, string(record.Outcome)).Inc()
		return record, nil
	}

	d, err := s.findByEvent(ctx, event)
	if errors.Is(err, models.ErrResourceNotFound) {
		record.Outcome = models.EventIgnored
		record.Detail = "no donation matches the event"
		return record, s.record(ctx, &record)
	} else if err != nil {
		return record, err
	}

	unlock, err := s.lock(ctx, d.ID)
	if err != nil {
		return record, err
	}
	defer unlock()

	if err := s.db.WithContext(ctx).First(&d, "id = ?", d.ID).Error; err != nil {
		return record, err
	}

	// Events for a charge that a retry has replaced must not touch the
	// current attempt
	if stale(d, event) {
		log.Warn().Str("donation", d.ID.String()).Str("event", event.ID).Str("reference", event.Reference).Str("current", *d.ProcessorReference).Msg("event for a superseded charge")

		record.Outcome = models.EventIgnored
		record.Detail = fmt.Sprintf("the event is for charge %s, donation %s is at charge %s", event.Reference, d.ID, *d.ProcessorReference)
		return record, s.record(ctx, &record)
	}

	var ok bool
	switch event.Type {
	case processor.EventSucceeded:
		d, ok, err = s.apply(ctx, d.ID, EventSucceeded, nil, func(d *models.Donation) {
			if d.ProcessorReference == nil && event.Reference != "" {
				d.ProcessorReference = &event.Reference
			}
		})

	case processor.EventFailed:
		reason := event.FailureReason
		if reason == "" {
			reason = "the processor reported the charge as failed"
		}

		d, ok, err = s.apply(ctx, d.ID, EventFailed, nil, func(d *models.Donation) {
			d.FailureReason = reason
		})

	case processor.EventRefunded:
		d, ok, err = s.processorRefund(ctx, d.ID, event)
	}

	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrState), errors.Is(err, models.ErrProcessorReferenceNotFresh):
		record.Outcome = models.EventRejected
		record.Detail = err.Error()
	case err != nil:
		return record, err
	case ok:
		record.Outcome = models.EventApplied
		record.Detail = fmt.Sprintf("donation %s is %s", d.ID, d.Status)
	default:
		record.Outcome = models.EventIgnored
		record.Detail = fmt.Sprintf("donation %s is %s", d.ID, d.Status)
	}

	return record, s.record(ctx, &record)
}

// record stores the event in the inbox. A concurrent delivery of the same
// event turns it into a duplicate.
func (s *Service) record(ctx context.Context, record *models.ProcessorEvent) error {
	err := s.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, models.ErrDuplicateEvent) {
		record.Outcome = models.EventDuplicate
		err = nil
	}

	if err == nil {
		log.Debug().Str("event", record.EventID).Str("type", record.Type).Str("outcome", string(record.Outcome)).Msg("processor event")
		metrics.ProcessorEvents.WithLabelValues(record.Type, string(record.Outcome)).Inc()
	}

	return err
}

// findByEvent finds the donation by the processor reference and falls back
// to the donation ID in the event metadata.
func (s *Service) findByEvent(ctx context.Context, event processor.Event) (models.Donation, error) {
	var d models.Donation

	if event.Reference != "" {
		err := s.db.WithContext(ctx).Where(&models.Donation{ProcessorReference: &event.Reference}).First(&d).Error
		if err == nil || !errors.Is(err, models.ErrResourceNotFound) {
			return d, err
		}
	}

	id, ok := event.DonationID()
	if !ok {
		return d, fmt.Errorf("%w donation for reference %q", models.ErrResourceNotFound, event.Reference)
	}

	return d, s.db.WithContext(ctx).First(&d, "id = ?", id).Error
}

// stale reports if the event names a charge other than the donation's
// current one.
func stale(d models.Donation, event processor.Event) bool {
	return d.ProcessorReference != nil && event.Reference != "" && *d.ProcessorReference != event.Reference
}

// processorRefund records a refund that was issued at the processor. Refunds
// issued through the engine are already recorded and are ignored.
func (s *Service) processorRefund(ctx context.Context, id uuid.UUID, event processor.Event) (models.Donation, bool, error) {
	var d models.Donation

	if event.RefundID != "" {
		var count int64
		err := s.db.WithContext(ctx).Model(&models.Refund{}).Where(&models.Refund{ProcessorRefundID: &event.RefundID}).Count(&count).Error
		if err != nil {
			return d, false, err
		}

		if count > 0 {
			return d, false, s.db.First(&d, "id = ?", id).Error
		}
	}

	var effects []Effect
	var applied bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			return err
		}

		remaining := d.RemainingRefundable()
		if d.Status != models.DonationStatusCompleted || !remaining.IsPositive() {
			return nil
		}

		// The processor is authoritative for the amount, but the engine
		// never records more than what is left of the charge
		amount := event.Amount
		if !amount.IsPositive() || amount.GreaterThan(remaining) {
			amount = remaining
		}

		claims, err := models.ActiveClaims(tx, []uuid.UUID{d.ID})
		if err != nil {
			return err
		}

		if len(claims) > 0 {
			log.Warn().Str("donation", d.ID.String()).Msg("processor refunded a donation that is part of an active payout")
		}

		refund := models.Refund{
			DonationID:  d.ID,
			Amount:      amount,
			NetReversal: netReversal(d, amount),
			Currency:    d.Currency,
			Reason:      "refunded at the processor",
			Status:      models.RefundStatusPending,
			Source:      models.RefundSourceProcessor,
		}
		if event.RefundID != "" {
			refund.ProcessorRefundID = &event.RefundID
		}

		if err := tx.Create(&refund).Error; err != nil {
			return err
		}

		d.RefundedAmount = d.RefundedAmount.Add(amount)
		if err := compareAndSet(tx, &d, d.Status); err != nil {
			return err
		}

		d, effects, err = s.settleRefund(tx, &refund)
		applied = err == nil
		return err
	})
	if err != nil {
		return d, false, err
	}

	if applied {
		s.fire(d, effects)
	}

	return d, applied, nil
}
