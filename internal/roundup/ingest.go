package roundup

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/aggregator"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/metrics"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Result summarizes one ingested batch of transactions.
type Result struct {
	Received   int             `json:"received"`
	Duplicates int             `json:"duplicates"` // Transactions that were already recorded
	Ineligible int             `json:"ineligible"`
	Processed  int             `json:"processed"` // Transactions that added a round-up
	RoundUp    decimal.Decimal `json:"roundUp"`   // Sum of the added round-ups
	Donations  []uuid.UUID     `json:"donations"` // Round-up donations created by the batch
}

func (r *Result) add(o Result) {
	r.Received += o.Received
	r.Duplicates += o.Duplicates
	r.Ineligible += o.Ineligible
	r.Processed += o.Processed
	r.RoundUp = r.RoundUp.Add(o.RoundUp)
	r.Donations = append(r.Donations, o.Donations...)
}

// Ingest records a batch of bank transactions for the active configuration
// of the bank connection and adds their round-ups to its monthly total.
//
// Transactions are identified by their ID per bank connection. IDs that were
// recorded before are counted as duplicates and skipped.
func (s *Service) Ingest(ctx context.Context, bankConnectionID uuid.UUID, transactions []aggregator.Transaction) (Result, error) {
	result := Result{Received: len(transactions), RoundUp: decimal.Zero, Donations: make([]uuid.UUID, 0)}

	var c models.RoundUpConfiguration
	err := s.db.WithContext(ctx).
		Where(&models.RoundUpConfiguration{BankConnectionID: bankConnectionID, Active: true}).
		First(&c).Error
	if errors.Is(err, models.ErrResourceNotFound) {
		return result, ErrNoActiveConfiguration
	} else if err != nil {
		return result, err
	}

	unlock, err := s.lock(ctx, locks.KindRoundUp, c.ID)
	if err != nil {
		return result, err
	}

	var created []*models.Donation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", c.ID).Error; err != nil {
			return err
		}

		if !c.Active {
			return models.ErrConfigurationCancelled
		}

		d, err := s.rollover(tx, &c)
		if err != nil {
			return err
		}
		if d != nil {
			created = append(created, d)
		}

		known, err := s.known(tx, bankConnectionID, transactions)
		if err != nil {
			return err
		}

		for _, t := range transactions {
			if known[t.ID] {
				result.Duplicates++
				metrics.RoundUpTransactions.WithLabelValues("duplicate").Inc()
				continue
			}
			known[t.ID] = true

			verdict := s.opts.Rules.Evaluate(t)
			if verdict.Eligible && !c.Enabled {
				verdict = Verdict{Reason: ReasonPaused, RoundUp: decimal.Zero}
			}

			direction := models.DirectionCredit
			if Debit(t) {
				direction = models.DirectionDebit
			}

			record := models.RoundUpTransaction{
				RoundUpConfigurationID: c.ID,
				BankConnectionID:       bankConnectionID,
				ExternalID:             t.ID,
				Amount:                 t.Amount.Abs(),
				Direction:              direction,
				Category:               t.Category,
				Description:            t.Description,
				TransactionDate:        t.PostedAt,
				RoundUpAmount:          verdict.RoundUp,
				Eligible:               verdict.Eligible,
				IneligibleReason:       verdict.Reason,
				Processed:              verdict.ShouldProcess,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}

			switch {
			case verdict.ShouldProcess:
				result.Processed++
				result.RoundUp = result.RoundUp.Add(verdict.RoundUp)
				c.CurrentMonthTotal = c.CurrentMonthTotal.Add(verdict.RoundUp)
				c.TotalAccumulated = c.TotalAccumulated.Add(verdict.RoundUp)
				metrics.RoundUpTransactions.WithLabelValues("processed").Inc()
			case verdict.Eligible:
				metrics.RoundUpTransactions.WithLabelValues("zero").Inc()
			default:
				result.Ineligible++
				metrics.RoundUpTransactions.WithLabelValues("ineligible").Inc()
			}
		}

		if c.Enabled && c.ThresholdReached() {
			d, err := s.tryConvert(tx, &c, c.OrganizationID)
			if err != nil {
				return err
			}
			if d != nil {
				created = append(created, d)
			}
		}

		return models.SaveRoundUpConfiguration(tx, &c)
	})

	unlock()
	if err != nil {
		return result, err
	}

	for _, d := range created {
		result.Donations = append(result.Donations, d.ID)
		s.submit(ctx, c, d)
	}

	log.Debug().Str("configuration", c.ID.String()).Int("received", result.Received).Int("processed", result.Processed).Int("duplicates", result.Duplicates).Msg("transactions ingested")
	return result, nil
}

// known returns the IDs among transactions that are already recorded for the
// bank connection.
func (s *Service) known(tx *gorm.DB, bankConnectionID uuid.UUID, transactions []aggregator.Transaction) (map[string]bool, error) {
	known := make(map[string]bool, len(transactions))
	if len(transactions) == 0 {
		return known, nil
	}

	ids := make([]string, 0, len(transactions))
	for _, t := range transactions {
		ids = append(ids, t.ID)
	}

	var recorded []string
	err := tx.Model(&models.RoundUpTransaction{}).
		Where("bank_connection_id = ? AND external_id IN ?", bankConnectionID, ids).
		Pluck("external_id", &recorded).Error
	if err != nil {
		return nil, err
	}

	for _, id := range recorded {
		known[id] = true
	}

	return known, nil
}

// rollover closes the months since the last reset. With autoDonate, a total
// of at least the minimum donation is donated, otherwise it expires.
func (s *Service) rollover(tx *gorm.DB, c *models.RoundUpConfiguration) (*models.Donation, error) {
	current := types.MonthOf(s.now())
	if !c.LastMonthReset.Before(current) {
		return nil, nil
	}

	var d *models.Donation
	var err error
	if c.AutoDonate && c.Enabled && c.CurrentMonthTotal.GreaterThanOrEqual(s.opts.MinDonation) {
		d, err = s.tryConvert(tx, c, c.OrganizationID)
		if err != nil {
			return nil, err
		}
	}

	if d == nil && c.CurrentMonthTotal.IsPositive() {
		log.Info().Str("configuration", c.ID.String()).Str("total", c.CurrentMonthTotal.StringFixed(2)).Msg("round-up total expired at month end")

		err = tx.Model(&models.RoundUpTransaction{}).
			Where("round_up_configuration_id = ? AND processed = ? AND expired = ? AND donation_id IS NULL", c.ID, true, false).
			UpdateColumn("expired", true).Error
		if err != nil {
			return nil, err
		}

		c.CurrentMonthTotal = decimal.Zero
	}

	c.LastMonthReset = current
	return d, nil
}

// SweepMonthEnd applies the month end to all active configurations that have
// not been reset this month and returns how many were rolled over.
func (s *Service) SweepMonthEnd(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.RoundUpConfiguration{}).
		Where("active = ? AND last_month_reset < ?", true, types.MonthOf(s.now())).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	rolled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return rolled, ctx.Err()
		}

		// modify applies the rollover before the change
		_, err := s.modify(ctx, id, func(*gorm.DB, *models.RoundUpConfiguration) (*models.Donation, error) {
			return nil, nil
		})
		if err != nil {
			log.Error().Err(err).Str("configuration", id.String()).Msg("could not roll over round-up configuration")
			continue
		}

		rolled++
	}

	return rolled, nil
}
