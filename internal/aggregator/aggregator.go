// Package aggregator reads donor bank transactions through the open banking
// aggregator.
package aggregator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a bank transaction as reported by the aggregator.
//
// Amounts are signed, debits are negative.
type Transaction struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   string          `json:"direction"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	PostedAt    time.Time       `json:"postDate"`
}

// Page is one page of transactions. An empty NextCursor ends the listing.
type Page struct {
	Transactions []Transaction `json:"data"`
	NextCursor   string        `json:"nextCursor"`
}

// Consent is the state of the donor's data sharing consent for an account.
type Consent struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Aggregator is the open banking aggregator.
type Aggregator interface {
	ListTransactions(ctx context.Context, accountID, cursor string) (Page, error)
	Consent(ctx context.Context, accountID string) (Consent, error)
}
