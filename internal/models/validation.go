package models

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errBlank = errors.New("cannot be blank")

// RequiredID fails for the Nil UUID. ozzo's Required never fails for arrays.
var RequiredID = validation.By(func(value any) error {
	switch id := value.(type) {
	case uuid.UUID:
		if id == uuid.Nil {
			return errBlank
		}
	case *uuid.UUID:
		if id == nil || *id == uuid.Nil {
			return errBlank
		}
	}

	return nil
})

// ValidAmount checks amounts with CheckAmount.
var ValidAmount = validation.By(func(value any) error {
	if d, ok := value.(decimal.Decimal); ok {
		return CheckAmount(d)
	}

	return nil
})

// AmountBetween checks that an amount is in [lower, upper]. A zero bound is not checked.
func AmountBetween(lower, upper decimal.Decimal) validation.Rule {
	return validation.By(func(value any) error {
		d, ok := value.(decimal.Decimal)
		if !ok {
			return nil
		}

		if !lower.IsZero() && d.LessThan(lower) {
			return fmt.Errorf("must be at least %s", lower.StringFixed(2))
		}

		if !upper.IsZero() && d.GreaterThan(upper) {
			return fmt.Errorf("must be at most %s", upper.StringFixed(2))
		}

		return nil
	})
}

// ValidationFailed wraps the errors of a validation so that they map to ErrValidation.
func ValidationFailed(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrValidation) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrValidation, err)
}
