// Package fees splits a donation into what the donor is charged, what the
// platform and the payment processor keep and what the organization receives.
package fees

import (
	"errors"
	"fmt"

	"github.com/kindly-giving/backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrPolicyInvalid  = fmt.Errorf("%w: the fee policy rates must be between 0 and 1", models.ErrValidation)
	ErrNetNotPositive = fmt.Errorf("%w: the fees exceed the donation amount, the organization would receive nothing", models.ErrValidation)
	errUnreconcilable = errors.New("fee split does not reconcile")
	one               = decimal.NewFromInt(1)
)

// Policy contains the rates all fees are computed from.
//
// Percentages are fractions, 0.05 is five percent.
type Policy struct {
	PlatformFeePercent  decimal.Decimal `json:"platformFeePercent"`
	GSTRate             decimal.Decimal `json:"gstRate"`
	ProcessorFeePercent decimal.Decimal `json:"processorFeePercent"`
	ProcessorFixedFee   decimal.Decimal `json:"processorFixedFee"`
}

// DefaultPolicy is 5% platform fee, 10% GST on it and 1.75% + 0.30 for the processor.
var DefaultPolicy = Policy{
	PlatformFeePercent:  decimal.RequireFromString("0.05"),
	GSTRate:             decimal.RequireFromString("0.10"),
	ProcessorFeePercent: decimal.RequireFromString("0.0175"),
	ProcessorFixedFee:   decimal.RequireFromString("0.30"),
}

// Validate checks that all rates are usable.
func (p Policy) Validate() error {
	for _, rate := range []decimal.Decimal{p.PlatformFeePercent, p.GSTRate, p.ProcessorFeePercent} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return ErrPolicyInvalid
		}
	}

	if p.ProcessorFixedFee.IsNegative() {
		return ErrPolicyInvalid
	}

	return nil
}

// Split is the result of a fee computation.
type Split struct {
	BaseAmount         decimal.Decimal `json:"baseAmount"`
	FeesCoveredByDonor bool            `json:"feesCoveredByDonor"`
	PlatformFee        decimal.Decimal `json:"platformFee"`
	GSTOnFee           decimal.Decimal `json:"gstOnFee"`
	ProcessorFee       decimal.Decimal `json:"processorFee"`
	ChargeAmount       decimal.Decimal `json:"chargeAmount"`
	NetToOrg           decimal.Decimal `json:"netToOrg"`
}

// TotalFees is the sum of all fees.
func (s Split) TotalFees() decimal.Decimal {
	return s.PlatformFee.Add(s.GSTOnFee).Add(s.ProcessorFee)
}

// Reconciles reports if the split satisfies the identity for its policy.
//
// If the donor covers the fees, the charge is the base amount plus all fees
// and the organization receives the base amount. Otherwise, the charge is the
// base amount and the organization receives it minus all fees.
func (s Split) Reconciles() bool {
	if s.FeesCoveredByDonor {
		return s.ChargeAmount.Equal(s.BaseAmount.Add(s.TotalFees())) && s.NetToOrg.Equal(s.BaseAmount)
	}

	return s.ChargeAmount.Equal(s.BaseAmount) && s.NetToOrg.Equal(s.BaseAmount.Sub(s.TotalFees()))
}

// Compute splits the base amount according to the policy.
//
// All intermediate values are rounded half up to cents. When the donor covers
// the fees, the charge is grossed up so that the processor's percentage fee on
// the full charge is included.
func Compute(base decimal.Decimal, feesCoveredByDonor bool, policy Policy) (Split, error) {
	if err := models.CheckAmount(base); err != nil {
		return Split{}, err
	}

	if err := policy.Validate(); err != nil {
		return Split{}, err
	}

	split := Split{
		BaseAmount:         base,
		FeesCoveredByDonor: feesCoveredByDonor,
	}

	split.PlatformFee = round2(base.Mul(policy.PlatformFeePercent))
	split.GSTOnFee = round2(split.PlatformFee.Mul(policy.GSTRate))

	if feesCoveredByDonor {
		gross := base.Add(split.PlatformFee).Add(split.GSTOnFee).Add(policy.ProcessorFixedFee)
		split.ChargeAmount = round2(gross.Div(one.Sub(policy.ProcessorFeePercent)))
		split.ProcessorFee = round2(split.ChargeAmount.Mul(policy.ProcessorFeePercent).Add(policy.ProcessorFixedFee))
		split.NetToOrg = base
	} else {
		split.ChargeAmount = base
		split.ProcessorFee = round2(base.Mul(policy.ProcessorFeePercent).Add(policy.ProcessorFixedFee))
		split.NetToOrg = base.Sub(split.PlatformFee).Sub(split.GSTOnFee).Sub(split.ProcessorFee)

		if !split.NetToOrg.IsPositive() {
			return Split{}, ErrNetNotPositive
		}
	}

	if !split.Reconciles() {
		return Split{}, fmt.Errorf("%w: %w for base %s", models.ErrGeneral, errUnreconcilable, base)
	}

	return split, nil
}

// round2 rounds half away from zero to two fraction digits. All inputs are positive.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
