package kafka

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	errEventIDRequired   = errors.New("event_id is required")
	errEventTypeRequired = errors.New("event_type is required")
	errEventVersion      = errors.New("event_version must be positive")
)

// Envelope is the common header every published event embeds.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID derives a stable id so that republishing the same
// fact produces the same event id downstream.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errEventIDRequired
	}
	if strings.TrimSpace(e.EventType) == "" {
		return errEventTypeRequired
	}
	if e.EventVersion <= 0 {
		return errEventVersion
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}
