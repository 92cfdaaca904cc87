package payouts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/metrics"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Execute transfers a scheduled payout to the organization.
//
// The payout moves to processing before the transfer is requested and to
// completed or failed afterwards. Failed payouts release their donations.
// The payout lock is not held during the transfer. Cancel rejects payouts
// whose transfer is in flight.
func (s *Service) Execute(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	payout, err := s.startTransfer(ctx, id)
	if err != nil {
		return payout, err
	}
	defer s.transfers.Delete(id)

	transfer, transferErr := s.processor.Transfer(ctx, processor.TransferRequest{
		PayoutID:       payout.ID,
		OrganizationID: payout.OrganizationID,
		Amount:         payout.Amount,
		Currency:       payout.Currency,
	})

	unlock, err := s.opts.Locks.Lock(ctx, locks.Key(locks.KindPayout, id))
	if err != nil {
		return payout, err
	}
	defer unlock()

	if transferErr != nil {
		log.Warn().Err(transferErr).Str("payout", payout.ID.String()).Msg("transfer failed")

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.now()
			payout.FailedAt = &now
			payout.FailureReason = transferErr.Error()
			return s.move(tx, &payout, models.PayoutStatusFailed, map[string]any{
				"status": models.DonationPayoutStatusFailed,
				"actor":  "processor",
			})
		})
		if err != nil {
			return payout, err
		}

		s.fire(notify.PayoutFailed, payout)
		if errors.Is(transferErr, models.ErrExternal) {
			return payout, transferErr
		}
		return payout, fmt.Errorf("%w: %w", models.ErrExternal, transferErr)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		payout.ExecutedAt = &now
		payout.TransferReference = &transfer.Reference

		err := s.move(tx, &payout, models.PayoutStatusCompleted, map[string]any{
			"status":             models.DonationPayoutStatusPaid,
			"paid_at":            now,
			"transfer_reference": transfer.Reference,
		})
		if err != nil {
			return err
		}

		return models.PostLedgerEntry(tx, models.LedgerEntry{
			OrganizationID: payout.OrganizationID,
			Currency:       payout.Currency,
			Kind:           models.LedgerPayoutDebit,
			Amount:         payout.Amount.Neg(),
			PayoutID:       &payout.ID,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("payout", payout.ID.String()).Str("transfer", transfer.Reference).Msg("transfer succeeded but the payout could not be completed")
		return payout, err
	}

	s.fire(notify.PayoutCompleted, payout)
	return payout, nil
}

// startTransfer moves a scheduled payout to processing and marks its
// transfer as in flight.
func (s *Service) startTransfer(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	unlock, err := s.opts.Locks.Lock(ctx, locks.Key(locks.KindPayout, id))
	if err != nil {
		return models.Payout{}, err
	}
	defer unlock()

	var payout models.Payout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&payout, "id = ?", id).Error; err != nil {
			return err
		}

		if payout.Status != models.PayoutStatusScheduled {
			return models.ErrPayoutNotScheduled
		}

		now := s.now()
		payout.ProcessingAt = &now
		return s.move(tx, &payout, models.PayoutStatusProcessing, map[string]any{
			"status": models.DonationPayoutStatusProcessing,
		})
	})
	if err != nil {
		return payout, err
	}

	s.transfers.Store(id, struct{}{})
	return payout, nil
}

// CancelInput describes a cancellation.
type CancelInput struct {
	Reason string `json:"reason" example:"Bank details are being updated"`
	Actor  string `json:"actor" example:"finance@example.org"`
}

// Cancel cancels a scheduled or processing payout and releases its donations.
// A payout whose transfer is in flight in this process cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, in CancelInput) (models.Payout, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return models.Payout{}, models.ErrReasonRequired
	}

	unlock, err := s.opts.Locks.Lock(ctx, locks.Key(locks.KindPayout, id))
	if err != nil {
		return models.Payout{}, err
	}
	defer unlock()

	if _, ok := s.transfers.Load(id); ok {
		return models.Payout{}, models.ErrPayoutTransferRunning
	}

	var payout models.Payout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&payout, "id = ?", id).Error; err != nil {
			return err
		}

		if payout.Status != models.PayoutStatusScheduled && payout.Status != models.PayoutStatusProcessing {
			return models.ErrPayoutNotCancellable
		}

		now := s.now()
		payout.CancelledAt = &now
		payout.CancellationReason = reason
		return s.move(tx, &payout, models.PayoutStatusCancelled, map[string]any{
			"status":       models.DonationPayoutStatusCancelled,
			"cancelled_at": now,
			"actor":        in.Actor,
		})
	})
	if err != nil {
		return payout, err
	}

	s.fire(notify.PayoutCancelled, payout)
	return payout, nil
}

// move saves the payout with the new status if its stored status is
// unchanged and applies rows to its active donation payouts.
func (s *Service) move(tx *gorm.DB, payout *models.Payout, to models.PayoutStatus, rows map[string]any) error {
	from := payout.Status
	payout.Status = to

	result := tx.Model(payout).Where("status = ?", from).Select("*").Omit("id", "created_at").Updates(payout)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return models.ErrConcurrentUpdate
	}

	err := tx.Model(&models.DonationPayout{}).
		Where("payout_id = ? AND status IN ?", payout.ID, models.ActiveDonationPayoutStatuses).
		Updates(rows).Error
	if err != nil {
		return err
	}

	metrics.Payouts.WithLabelValues(string(to)).Inc()
	log.Debug().Str("payout", payout.ID.String()).Str("from", string(from)).Str("to", string(to)).Msg("payout transition")
	return nil
}

func (s *Service) fire(event notify.Event, payout models.Payout) {
	payload := notify.Payload{
		"payoutId":       payout.ID.String(),
		"organizationId": payout.OrganizationID.String(),
		"amount":         payout.Amount.StringFixed(2),
		"currency":       payout.Currency,
		"donationCount":  payout.DonationCount,
		"status":         string(payout.Status),
	}

	switch event {
	case notify.PayoutFailed:
		payload["reason"] = payout.FailureReason
	case notify.PayoutCancelled:
		payload["reason"] = payout.CancellationReason
	}

	s.opts.Notifier.Fire(event, payload)
}
