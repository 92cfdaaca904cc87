package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/shopspring/decimal"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Processor-Signature"

var (
	ErrSignatureMissing = fmt.Errorf("%w: the webhook signature is missing", models.ErrValidation)
	ErrSignatureInvalid = fmt.Errorf("%w: the webhook signature is invalid", models.ErrValidation)
	ErrSignatureExpired = fmt.Errorf("%w: the webhook signature timestamp is outside the tolerance", models.ErrValidation)
	ErrEventInvalid     = fmt.Errorf("%w: the webhook payload is invalid", models.ErrValidation)
)

type EventType string

const (
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRefunded  EventType = "refunded"
)

// Event is a webhook delivery.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Reference     string            `json:"reference"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	FailureReason string            `json:"failureReason"`
	RefundID      string            `json:"refundId"`
	Metadata      map[string]string `json:"metadata"`
}

// DonationID returns the donation ID from the metadata, if there is a valid one.
func (e Event) DonationID() (uuid.UUID, bool) {
	id, err := uuid.Parse(e.Metadata[MetadataDonationID])
	if err != nil {
		return uuid.Nil, false
	}

	return id, true
}

// ParseEvent decodes and checks a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrEventInvalid, err)
	}

	if e.ID == "" {
		return Event{}, fmt.Errorf("%w: the event id is missing", ErrEventInvalid)
	}

	switch e.Type {
	case EventSucceeded, EventFailed, EventRefunded:
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrEventInvalid, e.Type)
	}

	return e, nil
}

// Sign computes the signature header value for a body at a point in time.
func Sign(secret string, timestamp time.Time, body []byte) string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, mac(secret, ts, body))
}

// VerifySignature checks the signature header for the body.
//
// The header has the form t=<unix seconds>,v1=<hex hmac-sha256>. The MAC is
// computed over the timestamp, a dot and the raw body.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return ErrSignatureMissing
	}

	var ts string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}

		switch key {
		case "t":
			ts = value
		case "v1":
			signatures = append(signatures, value)
		}
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(signatures) == 0 {
		return ErrSignatureInvalid
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}

	expected := mac(secret, ts, body)
	for _, s := range signatures {
		if hmac.Equal([]byte(expected), []byte(s)) {
			return nil
		}
	}

	return ErrSignatureInvalid
}

func mac(secret, ts string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}
