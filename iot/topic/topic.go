// Package topic encodes and decodes the MQTT topic naming convention
// <namespace>/<deviceExternalId>/<channel> used by devices.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Namespace is the first segment of every inbound device topic
	Namespace = "iot"
	// Channel is the third segment of the telemetry topics
	Channel = "telemetry"
	// Subscription is the MQTT filter matching all inbound telemetry topics
	Subscription = Namespace + "/+/" + Channel

	broadcastPrefix = "/topic/" + Channel + "/"
)

// ErrMalformedTopic is returned for topics which do not follow iot/{id}/telemetry
var ErrMalformedTopic = errors.New("malformed topic")

// Topic is a decoded inbound topic
type Topic struct {
	Namespace        string
	ExternalDeviceID string
	Channel          string
}

// Decode splits an inbound topic into its segments.
//
// The topic needs at least three segments, the first one must be "iot" and
// the third one "telemetry". The device id is returned as-is.
func Decode(t string) (Topic, error) {
	parts := strings.Split(t, "/")
	if len(parts) < 3 || parts[0] != Namespace || parts[2] != Channel || parts[1] == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrMalformedTopic, t)
	}
	return Topic{
		Namespace:        parts[0],
		ExternalDeviceID: parts[1],
		Channel:          parts[2],
	}, nil
}

// Encode is the inverse of Decode
func Encode(namespace, externalDeviceID, channel string) string {
	return namespace + "/" + externalDeviceID + "/" + channel
}

// String returns the encoded topic
func (t Topic) String() string {
	return Encode(t.Namespace, t.ExternalDeviceID, t.Channel)
}

// Telemetry returns the inbound telemetry topic of a device
func Telemetry(externalDeviceID string) string {
	return Encode(Namespace, externalDeviceID, Channel)
}

// BroadcastTopic returns the realtime topic on which the samples of a device are published
func BroadcastTopic(externalDeviceID string) string {
	return broadcastPrefix + externalDeviceID
}
