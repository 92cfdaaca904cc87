package models

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LedgerEntryKind string

const (
	LedgerDonationCredit LedgerEntryKind = "donation_credit"
	LedgerRefundReversal LedgerEntryKind = "refund_reversal"
	LedgerPayoutDebit    LedgerEntryKind = "payout_debit"
)

// LedgerEntry is one movement on an organization's net balance.
//
// Completed donations credit their net amount, refunds reverse the
// organization's share and executed payouts debit what was transferred.
// Entries are append-only, corrections are new entries.
type LedgerEntry struct {
	DefaultModel
	OrganizationID uuid.UUID       `gorm:"type:uuid;index"`
	Currency       string          `gorm:"size:3"`
	Kind           LedgerEntryKind `gorm:"size:24"`
	Amount         decimal.Decimal `gorm:"type:DECIMAL(20,2)"` // Signed, credits are positive
	DonationID     *uuid.UUID      `gorm:"type:uuid;index"`
	PayoutID       *uuid.UUID      `gorm:"type:uuid;index"`
	RefundID       *uuid.UUID      `gorm:"type:uuid"`
}

// PostLedgerEntry appends an entry to the organization's ledger.
func PostLedgerEntry(tx *gorm.DB, entry LedgerEntry) error {
	if entry.Amount.IsZero() {
		return nil
	}

	err := tx.Create(&entry).Error
	if err != nil {
		return fmt.Errorf("posting %s ledger entry for organization %s failed: %w", entry.Kind, entry.OrganizationID, err)
	}

	return nil
}

// LedgerBalance returns the net balance of an organization in a currency.
func LedgerBalance(db *gorm.DB, organizationID uuid.UUID, currency string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal

	err := db.Model(&LedgerEntry{}).
		Where(&LedgerEntry{OrganizationID: organizationID, Currency: currency}).
		Select("SUM(amount)").
		Row().
		Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getting ledger balance for organization %s failed: %w", organizationID, err)
	}

	return sum.Decimal.Round(2), nil
}
