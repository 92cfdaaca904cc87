package donations

import (
	"context"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
)

// Filter restricts List. Zero values match everything.
type Filter struct {
	DonorID        uuid.UUID
	OrganizationID uuid.UUID
	Status         models.DonationStatus
	Kind           models.DonationKind
	Limit          int
	Offset         int
}

// Get returns a donation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Donation, error) {
	var d models.Donation
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	return d, err
}

// List returns the donations matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]models.Donation, error) {
	query := s.db.WithContext(ctx).
		Where(&models.Donation{
			DonorID:        filter.DonorID,
			OrganizationID: filter.OrganizationID,
			Status:         filter.Status,
			Kind:           filter.Kind,
		}).
		Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	donations := make([]models.Donation, 0)
	return donations, query.Find(&donations).Error
}
