// Package telemetry holds the telemetry sample and the decoder for device message bodies.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Sample is one decoded telemetry reading. Samples are immutable once appended
// to a store.
type Sample struct {
	// Serial is the insertion order assigned by the store
	Serial       int64     `json:"-"`
	ID           uuid.UUID `json:"id"`
	DeviceID     uuid.UUID `json:"deviceId"`
	Timestamp    time.Time `json:"timestamp"`
	Topic        string    `json:"topic"`
	Payload      string    `json:"payload"`
	DataType     *string   `json:"dataType,omitempty"`
	Unit         *string   `json:"unit,omitempty"`
	ValueNumeric *float64  `json:"valueNumeric,omitempty"`
	ValueString  *string   `json:"valueString,omitempty"`
	ValueBoolean *bool     `json:"valueBoolean,omitempty"`
	Quality      *int      `json:"quality,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Message is the broadcast projection of a sample, carrying the resolved
// device reference
type Message struct {
	Sample
	ExternalID string `json:"externalId"`
}

// NewSample builds the sample for a decoded message. The event timestamp is
// the payload's timestamp if it had one, receivedAt otherwise.
func NewSample(deviceID uuid.UUID, topic string, payload []byte, d Decoded, receivedAt time.Time) Sample {
	s := Sample{
		ID:           uuid.New(),
		DeviceID:     deviceID,
		Timestamp:    receivedAt,
		Topic:        topic,
		Payload:      string(payload),
		DataType:     d.DataType,
		Unit:         d.Unit,
		ValueNumeric: d.ValueNumeric,
		ValueString:  d.ValueString,
		ValueBoolean: d.ValueBoolean,
		Quality:      d.Quality,
		ReceivedAt:   receivedAt,
	}
	if d.Timestamp != nil {
		s.Timestamp = *d.Timestamp
	}
	return s
}

// Channel returns the data type label or the empty string
func (s *Sample) Channel() string {
	if s.DataType == nil {
		return ""
	}
	return *s.DataType
}

// Message returns the broadcast projection of the sample
func (s *Sample) Message(externalID string) Message {
	return Message{Sample: *s, ExternalID: externalID}
}

// Newer reports whether s sorts before o in newest-first order: event timestamp
// first, then receipt timestamp, then insertion order.
func (s *Sample) Newer(o *Sample) bool {
	if !s.Timestamp.Equal(o.Timestamp) {
		return s.Timestamp.After(o.Timestamp)
	}
	if !s.ReceivedAt.Equal(o.ReceivedAt) {
		return s.ReceivedAt.After(o.ReceivedAt)
	}
	return s.Serial > o.Serial
}
