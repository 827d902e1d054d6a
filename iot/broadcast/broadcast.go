// Package broadcast delivers newly ingested samples to live subscribers.
//
// Every Broadcaster receives the realtime topic (for example
// /topic/telemetry/sensor-001), a key identifying the device and the serialized
// message. Implementations exist for websocket clients, Kafka and MQTT; Fanout
// combines several of them.
package broadcast

import (
	"context"
	"errors"

	"go.uber.org/multierr"
)

// ErrClosed is returned when publishing on a closed broadcaster
var ErrClosed = errors.New("broadcaster closed")

// Broadcaster publishes messages to live subscribers
type Broadcaster interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Fanout publishes to all its broadcasters. A failing broadcaster does not keep
// the others from receiving the message.
type Fanout []Broadcaster

// Publish implements Broadcaster. The returned error combines the errors of all
// failing broadcasters.
func (f Fanout) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var err error
	for _, b := range f {
		err = multierr.Append(err, b.Publish(ctx, topic, key, payload))
	}
	return err
}

// Discard drops every message. It is used when no subscriber transport is configured.
type Discard struct{}

// Publish implements Broadcaster
func (Discard) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return nil
}
