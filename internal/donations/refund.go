package donations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundInput describes a refund request.
type RefundInput struct {
	Amount decimal.NullDecimal `json:"amount" swaggertype:"string" example:"25.00"` // Refunds the remaining amount if empty
	Reason string              `json:"reason" example:"Donor requested a refund"`
}

// Refund refunds all or part of a completed donation.
//
// The refund amount is reserved before the processor is called so that
// concurrent refunds can never exceed the charge. If the processor fails,
// the reservation is released and the refund is stored as failed.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, in RefundInput) (models.Refund, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return models.Refund{}, models.ErrReasonRequired
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return models.Refund{}, err
	}
	defer unlock()

	var refund models.Refund
	var d models.Donation
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			return err
		}

		if d.Status != models.DonationStatusCompleted {
			return models.ErrDonationNotCompleted
		}

		remaining := d.RemainingRefundable()
		amount := remaining
		if in.Amount.Valid {
			amount = in.Amount.Decimal
		}

		if err := models.CheckAmount(amount); err != nil {
			return err
		}

		if amount.GreaterThan(remaining) {
			return models.ErrRefundExceedsRemaining
		}

		claims, err := models.ActiveClaims(tx, []uuid.UUID{d.ID})
		if err != nil {
			return err
		}

		if len(claims) > 0 {
			return models.ErrDonationInActivePayout
		}

		refund = models.Refund{
			DonationID:  d.ID,
			Amount:      amount,
			NetReversal: netReversal(d, amount),
			Currency:    d.Currency,
			Reason:      reason,
			Status:      models.RefundStatusPending,
			Source:      models.RefundSourceAPI,
		}
		if err := tx.Create(&refund).Error; err != nil {
			return err
		}

		d.RefundedAmount = d.RefundedAmount.Add(amount)
		return compareAndSet(tx, &d, d.Status)
	})
	if err != nil {
		return models.Refund{}, err
	}

	result, refundErr := s.processor.Refund(ctx, processor.RefundRequest{
		RefundID:  refund.ID,
		Reference: reference(d),
		Amount:    refund.Amount,
		Currency:  refund.Currency,
		Reason:    refund.Reason,
	})

	if refundErr != nil {
		log.Warn().Err(refundErr).Str("donation", d.ID.String()).Str("refund", refund.ID.String()).Msg("refund request failed")

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&d, "id = ?", id).Error; err != nil {
				return err
			}

			d.RefundedAmount = d.RefundedAmount.Sub(refund.Amount)
			if err := compareAndSet(tx, &d, d.Status); err != nil {
				return err
			}

			refund.Status = models.RefundStatusFailed
			refund.FailureReason = refundErr.Error()
			return tx.Save(&refund).Error
		})
		if err != nil {
			return refund, err
		}

		return refund, external(refundErr)
	}

	refund.ProcessorRefundID = &result.ID

	var effects []Effect
	err = s.db.Transaction(func(tx *gorm.DB) (err error) {
		d, effects, err = s.settleRefund(tx, &refund)
		return err
	})
	if err != nil {
		return refund, err
	}

	s.fire(d, effects)
	return refund, nil
}

// settleRefund marks a reserved refund as succeeded, reverses the
// organization's share and moves the donation to refunded once the whole
// charge has been refunded.
func (s *Service) settleRefund(tx *gorm.DB, refund *models.Refund) (models.Donation, []Effect, error) {
	var d models.Donation
	if err := tx.First(&d, "id = ?", refund.DonationID).Error; err != nil {
		return d, nil, err
	}

	refund.Status = models.RefundStatusSucceeded
	if err := tx.Save(refund).Error; err != nil {
		return d, nil, err
	}

	event := EventRefundPartial
	if d.RefundedAmount.GreaterThanOrEqual(d.ChargeAmount) {
		event = EventRefundFull
	}

	effects, ok, err := s.transition(tx, &d, event, refund, func(d *models.Donation) {
		d.NetReversed = d.NetReversed.Add(refund.NetReversal)
	})
	if err != nil {
		return d, nil, err
	}

	if !ok {
		return d, nil, models.ErrDonationNotCompleted
	}

	// A refunded donation must not be paid out with its old net amount
	dropped, err := models.DropScheduledClaims(tx, d.ID, "refund", s.now())
	if err != nil {
		return d, nil, err
	}

	for _, id := range dropped {
		log.Warn().Str("donation", d.ID.String()).Str("payout", id.String()).Msg("refunded donation removed from scheduled payout")
	}

	return d, effects, nil
}

// netReversal is the organization's share of a refund. The last refund of a
// donation reverses everything that is left so that the shares add up to
// the net amount exactly.
func netReversal(d models.Donation, amount decimal.Decimal) decimal.Decimal {
	if amount.GreaterThanOrEqual(d.RemainingRefundable()) {
		return d.PayableNet()
	}

	share := d.NetToOrg.Mul(amount).Div(d.ChargeAmount).Round(2)
	if share.GreaterThan(d.PayableNet()) {
		return d.PayableNet()
	}

	return share
}

// Refunds returns all refunds of a donation, oldest first.
func (s *Service) Refunds(ctx context.Context, id uuid.UUID) ([]models.Refund, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	refunds := make([]models.Refund, 0)
	err := s.db.WithContext(ctx).
		Where(&models.Refund{DonationID: id}).
		Order("created_at ASC").
		Find(&refunds).Error
	return refunds, err
}

func reference(d models.Donation) string {
	if d.ProcessorReference == nil {
		return ""
	}

	return *d.ProcessorReference
}

// external makes sure that errors from the processor map to ErrExternal.
func external(err error) error {
	if errors.Is(err, models.ErrExternal) {
		return err
	}

	return fmt.Errorf("%w: %w", models.ErrExternal, err)
}
