// Package roundup turns a donor's card purchases into spare change that is
// donated once a monthly threshold is reached.
package roundup

import (
	"strings"

	"github.com/kindly-giving/backend/internal/aggregator"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/ryanuber/go-glob"
	"github.com/shopspring/decimal"
)

// Reasons a transaction is not rounded up.
const (
	ReasonCredit           = "credit"
	ReasonBelowMinimum     = "below_minimum"
	ReasonExcludedCategory = "excluded_category"
	ReasonPaused           = "paused"
)

// Rules decide which transactions are rounded up.
type Rules struct {
	MinTransaction     decimal.Decimal
	ExcludedCategories []string // Glob patterns, matched case-insensitively
}

// Verdict is the result of evaluating one transaction.
type Verdict struct {
	Eligible      bool
	Reason        string // Empty for eligible transactions
	RoundUp       decimal.Decimal
	ShouldProcess bool // Eligible with a round-up above zero
}

// RoundUp is the difference to the next whole unit, e.g. 0.53 for 4.47.
// Whole amounts round up to zero.
func RoundUp(amount decimal.Decimal) decimal.Decimal {
	a := amount.Abs()
	return a.Ceil().Sub(a).Round(2)
}

// Debit reports if the transaction took money from the account. Without an
// explicit direction, negative amounts are debits.
func Debit(t aggregator.Transaction) bool {
	switch strings.ToLower(t.Direction) {
	case string(models.DirectionDebit):
		return true
	case string(models.DirectionCredit):
		return false
	}

	return t.Amount.IsNegative()
}

// Evaluate classifies a transaction.
func (r Rules) Evaluate(t aggregator.Transaction) Verdict {
	if !Debit(t) {
		return Verdict{Reason: ReasonCredit, RoundUp: decimal.Zero}
	}

	if t.Amount.Abs().LessThan(r.MinTransaction) {
		return Verdict{Reason: ReasonBelowMinimum, RoundUp: decimal.Zero}
	}

	category := strings.ToLower(strings.TrimSpace(t.Category))
	for _, pattern := range r.ExcludedCategories {
		if glob.Glob(strings.ToLower(pattern), category) {
			return Verdict{Reason: ReasonExcludedCategory, RoundUp: decimal.Zero}
		}
	}

	roundUp := RoundUp(t.Amount)
	return Verdict{
		Eligible:      true,
		RoundUp:       roundUp,
		ShouldProcess: roundUp.IsPositive(),
	}
}
