// Package notify delivers lifecycle events to notifiers, e.g. receipt
// mailers or organization dashboards.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Event string

const (
	DonationCompleted       Event = "donation.completed"
	ReceiptRequested        Event = "receipt.requested"
	DonationFailed          Event = "donation.failed"
	DonationCancelled       Event = "donation.cancelled"
	DonationRefunded        Event = "donation.refunded"
	PayoutCompleted         Event = "payout.completed"
	PayoutFailed            Event = "payout.failed"
	PayoutCancelled         Event = "payout.cancelled"
	RoundUpThresholdReached Event = "roundup.threshold_reached"
)

// Payload carries the identifiers and amounts of an event.
type Payload map[string]any

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, event Event, payload Payload) error
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, event Event, payload Payload) error

func (f NotifierFunc) Notify(ctx context.Context, event Event, payload Payload) error {
	return f(ctx, event, payload)
}

// Dispatcher fans events out to all notifiers.
//
// Fire never blocks the caller and never fails: every notifier runs in its own
// goroutine, errors are logged and panics recovered.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher that gives each notifier timeout to finish.
func NewDispatcher(timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Dispatcher{
		notifiers: notifiers,
		timeout:   timeout,
	}
}

// Fire delivers the event to all notifiers in the background.
func (d *Dispatcher) Fire(event Event, payload Payload) {
	if d == nil {
		return
	}

	for _, n := range d.notifiers {
		d.wg.Add(1)
		go d.deliver(n, event, payload)
	}
}

func (d *Dispatcher) deliver(n Notifier, event Event, payload Payload) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", string(event)).Msgf("notifier %T panicked: %v", n, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := n.Notify(ctx, event, payload); err != nil {
		log.Error().Err(err).Str("event", string(event)).Msgf("notifier %T failed", n)
	}
}

// Wait blocks until all fired deliveries have finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}

	d.wg.Wait()
}

// LogNotifier writes every event to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event Event, payload Payload) error {
	e := log.Info().Str("event", string(event))
	for k, v := range payload {
		e = e.Str(k, fmt.Sprint(v))
	}
	e.Msg("notification")

	return nil
}
