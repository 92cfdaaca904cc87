package models

type ProcessorEventOutcome string

const (
	EventApplied   ProcessorEventOutcome = "applied"   // The event changed the donation
	EventDuplicate ProcessorEventOutcome = "duplicate" // The event was received before
	EventIgnored   ProcessorEventOutcome = "ignored"   // Unknown reference or a transition the donation cannot take
	EventRejected  ProcessorEventOutcome = "rejected"  // The signed payload could not be applied
)

// ProcessorEvent is the inbox record of a correctly signed webhook delivery
// from the payment processor. The outcome documents why it did or did not
// change state.
type ProcessorEvent struct {
	DefaultModel
	EventID   string `gorm:"uniqueIndex"`
	Type      string `gorm:"size:32"`
	Reference string `gorm:"index"`
	Outcome   ProcessorEventOutcome `gorm:"size:16"`
	Detail    string
}
