package models

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// NormalizeCurrency returns the upper case ISO 4217 code for code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrCurrencyInvalid
	}

	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", ErrCurrencyInvalid
	}

	return unit.String(), nil
}

// CheckAmount verifies that an amount is positive and has at most two
// fraction digits.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountNotPositive
	}

	if !amount.Equal(amount.Round(2)) {
		return ErrAmountPrecision
	}

	return nil
}
