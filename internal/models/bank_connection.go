package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "active"
	ConsentExpired ConsentStatus = "expired"
	ConsentRevoked ConsentStatus = "revoked"
)

// BankConnection is a donor's account at the bank aggregator.
type BankConnection struct {
	DefaultModel
	DonorID           uuid.UUID `gorm:"type:uuid;index"`
	ExternalAccountID string    `gorm:"index"`
	Institution       string
	ConsentStatus     ConsentStatus `gorm:"size:16"`
	ConsentExpiresAt  *time.Time
	SyncCursor        string
	LastSyncedAt      *time.Time
}

// ConsentValid reports if transactions may be read for the connection at the given time.
func (b BankConnection) ConsentValid(now time.Time) bool {
	if b.ConsentStatus != ConsentActive {
		return false
	}

	return b.ConsentExpiresAt == nil || now.Before(*b.ConsentExpiresAt)
}

func (b *BankConnection) BeforeSave(_ *gorm.DB) error {
	b.ExternalAccountID = strings.TrimSpace(b.ExternalAccountID)
	b.Institution = strings.TrimSpace(b.Institution)

	if b.ConsentStatus == "" {
		b.ConsentStatus = ConsentActive
	}

	return nil
}

func (b *BankConnection) AfterFind(tx *gorm.DB) error {
	err := b.DefaultModel.AfterFind(tx)
	if err != nil {
		return err
	}

	b.ConsentExpiresAt = utc(b.ConsentExpiresAt)
	b.LastSyncedAt = utc(b.LastSyncedAt)
	return nil
}
