package models

import (
	"errors"
)

// Error categories. Every error returned by the engine wraps exactly one of them
// so that callers can decide on a response with errors.Is.
var (
	ErrGeneral          = errors.New("an error occurred on the server during your request")
	ErrResourceNotFound = errors.New("there is no")
	ErrValidation       = errors.New("invalid request")
	ErrState            = errors.New("illegal state transition")
	ErrConflict         = errors.New("conflict")
	ErrExternal         = errors.New("external service error")
)

// categorized is an error with a user facing message that
// unwraps to its category.
type categorized struct {
	msg      string
	category error
}

func (e categorized) Error() string {
	return e.msg
}

func (e categorized) Unwrap() error {
	return e.category
}

func validationError(msg string) error {
	return categorized{msg: msg, category: ErrValidation}
}

func stateError(msg string) error {
	return categorized{msg: msg, category: ErrState}
}

func conflictError(msg string) error {
	return categorized{msg: msg, category: ErrConflict}
}

// Validation errors
var (
	ErrAmountNotPositive      = validationError("the amount must be positive")
	ErrAmountPrecision        = validationError("amounts must not have more than 2 fraction digits")
	ErrCurrencyInvalid        = validationError("the currency must be a 3-letter ISO 4217 code")
	ErrKindInvalid            = validationError("the donation kind must be one of one-time, recurring, round-up")
	ErrThresholdTypeInvalid   = validationError("the threshold type must be one of fixed, no-limit")
	ErrThresholdNotPositive   = validationError("a fixed monthly threshold must be positive")
	ErrIntervalInvalid        = validationError("the interval must be one of weekly, fortnightly, monthly")
	ErrReasonRequired         = validationError("a reason must be given")
	ErrRefundExceedsRemaining = validationError("the refund amount exceeds the remaining refundable balance")
)

// State errors
var (
	ErrDonationNotFailed      = stateError("only failed donations can be retried")
	ErrDonationNotCompleted   = stateError("only completed donations can be refunded")
	ErrDonationNotCancellable = stateError("only pending or processing donations can be cancelled")
	ErrPayoutNotScheduled     = stateError("only scheduled payouts can be executed")
	ErrPayoutNotCancellable   = stateError("only scheduled or processing payouts can be cancelled")
	ErrPayoutTransferRunning  = stateError("the transfer of this payout is in progress, it cannot be cancelled")
	ErrConfigurationCancelled = stateError("the round-up configuration is cancelled")
	ErrConsentInactive        = stateError("the bank connection has no active consent")
)

// Conflict errors
var (
	ErrConcurrentUpdate           = conflictError("the resource was modified concurrently, please retry")
	ErrDuplicateExternalID        = conflictError("a transaction with this external ID was already processed for the bank connection")
	ErrDonationInActivePayout     = conflictError("the donation is part of a scheduled or processing payout, cancel the payout first")
	ErrBankConnectionInUse        = conflictError("the bank connection already has an active round-up configuration")
	ErrProcessorReferenceNotFresh = conflictError("the processor reference is already assigned to another donation")
)
