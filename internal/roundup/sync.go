package roundup

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/aggregator"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Syncer pulls new transactions from the bank aggregator.
type Syncer struct {
	db         *gorm.DB
	aggregator aggregator.Aggregator
	service    *Service
}

func NewSyncer(db *gorm.DB, a aggregator.Aggregator, service *Service) *Syncer {
	return &Syncer{
		db:         db,
		aggregator: a,
		service:    service,
	}
}

// BankConnectionInput describes a donor's account at the aggregator.
type BankConnectionInput struct {
	DonorID           uuid.UUID `json:"donorId"`
	ExternalAccountID string    `json:"externalAccountId" example:"acc_0192"`
	Institution       string    `json:"institution" example:"Example Bank"`
}

// CreateBankConnection stores a bank connection.
func (s *Syncer) CreateBankConnection(ctx context.Context, in BankConnectionInput) (models.BankConnection, error) {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.DonorID, models.RequiredID),
		validation.Field(&in.ExternalAccountID, validation.Required),
	)
	if err != nil {
		return models.BankConnection{}, models.ValidationFailed(err)
	}

	conn := models.BankConnection{
		DonorID:           in.DonorID,
		ExternalAccountID: in.ExternalAccountID,
		Institution:       in.Institution,
		ConsentStatus:     models.ConsentActive,
	}

	return conn, s.db.WithContext(ctx).Create(&conn).Error
}

// BankConnections returns the connections of a donor. uuid.Nil lists all.
func (s *Syncer) BankConnections(ctx context.Context, donorID uuid.UUID) ([]models.BankConnection, error) {
	connections := make([]models.BankConnection, 0)
	err := s.db.WithContext(ctx).
		Where(&models.BankConnection{DonorID: donorID}).
		Order("created_at ASC").
		Find(&connections).Error
	return connections, err
}

// Sync checks the consent of the bank connection and ingests all transactions
// after the stored cursor, page by page.
//
// The cursor is stored after every page so that an interrupted sync resumes
// where it stopped. The last page is requested again by the next sync, its
// transactions are skipped as duplicates.
func (s *Syncer) Sync(ctx context.Context, bankConnectionID uuid.UUID) (Result, error) {
	result := Result{Donations: make([]uuid.UUID, 0)}

	unlock, err := s.service.lock(ctx, locks.KindBank, bankConnectionID)
	if err != nil {
		return result, err
	}
	defer unlock()

	var conn models.BankConnection
	if err := s.db.WithContext(ctx).First(&conn, "id = ?", bankConnectionID).Error; err != nil {
		return result, err
	}

	consent, err := s.aggregator.Consent(ctx, conn.ExternalAccountID)
	if err != nil {
		return result, external(err)
	}

	err = s.db.WithContext(ctx).Model(&conn).Updates(map[string]any{
		"consent_status":     models.ConsentStatus(consent.Status),
		"consent_expires_at": consent.ExpiresAt,
	}).Error
	if err != nil {
		return result, err
	}

	conn.ConsentStatus = models.ConsentStatus(consent.Status)
	conn.ConsentExpiresAt = consent.ExpiresAt
	if !conn.ConsentValid(s.service.now()) {
		return result, models.ErrConsentInactive
	}

	cursor := conn.SyncCursor
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		page, err := s.aggregator.ListTransactions(ctx, conn.ExternalAccountID, cursor)
		if err != nil {
			return result, external(err)
		}

		batch, err := s.service.Ingest(ctx, conn.ID, page.Transactions)
		if err != nil {
			return result, err
		}
		result.add(batch)

		if page.NextCursor != "" {
			cursor = page.NextCursor
		}

		now := s.service.now()
		err = s.db.WithContext(ctx).Model(&conn).Updates(map[string]any{
			"sync_cursor":    cursor,
			"last_synced_at": &now,
		}).Error
		if err != nil {
			return result, err
		}

		if page.NextCursor == "" {
			break
		}
	}

	log.Info().Str("bank_connection", conn.ID.String()).Int("received", result.Received).Int("processed", result.Processed).Msg("bank connection synced")
	return result, nil
}

// SyncAll syncs every bank connection with an active round-up configuration
// and returns how many were synced.
func (s *Syncer) SyncAll(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.RoundUpConfiguration{}).
		Where("active = ?", true).
		Distinct().
		Pluck("bank_connection_id", &ids).Error
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}

		if _, err := s.Sync(ctx, id); err != nil {
			log.Warn().Err(err).Str("bank_connection", id.String()).Msg("bank sync failed")
			continue
		}

		synced++
	}

	return synced, nil
}

// external makes sure that errors from the aggregator map to ErrExternal.
func external(err error) error {
	if errors.Is(err, models.ErrExternal) {
		return err
	}

	return fmt.Errorf("%w: %w", models.ErrExternal, err)
}
