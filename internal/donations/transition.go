package donations

import (
	"github.com/kindly-giving/backend/internal/models"
)

// Event is something that happens to a donation.
type Event string

const (
	EventAccepted      Event = "accepted"  // The processor accepted the charge
	EventSucceeded     Event = "succeeded" // The processor reported the charge succeeded
	EventRejected      Event = "rejected"  // The processor declined the charge
	EventFailed        Event = "failed"    // The charge failed
	EventCancel        Event = "cancel"
	EventTimeout       Event = "timeout" // The donation was pending for too long
	EventRetry         Event = "retry"
	EventRefundPartial Event = "refund-partial"
	EventRefundFull    Event = "refund-full"
)

// Effect is a side effect of a transition.
type Effect string

const (
	EffectCreditLedger   Effect = "credit-ledger"
	EffectReceipt        Effect = "receipt"
	EffectNotify         Effect = "notify"
	EffectReleaseRoundUp Effect = "release-roundup"
	EffectReserveRoundUp Effect = "reserve-roundup"
	EffectCharge         Effect = "charge"
	EffectReverseLedger  Effect = "reverse-ledger"
)

type transitionKey struct {
	from  models.DonationStatus
	event Event
}

type transitionResult struct {
	to      models.DonationStatus
	effects []Effect
}

var (
	completion = []Effect{EffectCreditLedger, EffectReceipt, EffectNotify}
	release    = []Effect{EffectReleaseRoundUp, EffectNotify}
	reversal   = []Effect{EffectReverseLedger, EffectNotify}
)

var transitions = map[transitionKey]transitionResult{
	{models.DonationStatusPending, EventAccepted}:  {models.DonationStatusProcessing, nil},
	{models.DonationStatusPending, EventSucceeded}: {models.DonationStatusCompleted, completion},
	{models.DonationStatusPending, EventRejected}:  {models.DonationStatusFailed, release},
	{models.DonationStatusPending, EventFailed}:    {models.DonationStatusFailed, release},
	{models.DonationStatusPending, EventCancel}:    {models.DonationStatusCancelled, release},
	{models.DonationStatusPending, EventTimeout}:   {models.DonationStatusFailed, release},

	{models.DonationStatusProcessing, EventSucceeded}: {models.DonationStatusCompleted, completion},
	{models.DonationStatusProcessing, EventFailed}:    {models.DonationStatusFailed, release},
	{models.DonationStatusProcessing, EventCancel}:    {models.DonationStatusCancelled, release},

	{models.DonationStatusFailed, EventRetry}: {models.DonationStatusPending, []Effect{EffectReserveRoundUp, EffectCharge}},

	{models.DonationStatusCompleted, EventRefundPartial}: {models.DonationStatusCompleted, reversal},
	{models.DonationStatusCompleted, EventRefundFull}:    {models.DonationStatusRefunded, reversal},
}

// Transition returns the status a donation moves to when the event happens
// and the effects of that move.
//
// It is defined for every status and event. ok is false for events the
// donation cannot take in its status, the caller must treat them as no-ops.
func Transition(from models.DonationStatus, event Event) (to models.DonationStatus, effects []Effect, ok bool) {
	result, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, nil, false
	}

	return result.to, result.effects, true
}
