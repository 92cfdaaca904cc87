package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a decimal amount that is always rendered with exactly two
// fraction digits, e.g. "107.68".
type Money decimal.Decimal

// NewMoney wraps d.
func NewMoney(d decimal.Decimal) Money {
	return Money(d)
}

// Decimal returns the underlying decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.Decimal(m)
}

func (m Money) String() string {
	return decimal.Decimal(m).StringFixed(2)
}

// MarshalJSON implements the json.Marshaler interface.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", m.String())), nil
}

// UnmarshalJSON accepts quoted and unquoted numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	value := strings.Trim(string(data), `"`)
	if value == "" || value == "null" {
		*m = Money(decimal.Zero)
		return nil
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("%q is not a valid amount: %w", value, err)
	}

	*m = Money(d)
	return nil
}

// UnmarshalParam implements gin's BindUnmarshaler for query parameters.
func (m *Money) UnmarshalParam(p string) error {
	return m.UnmarshalJSON([]byte(p))
}
