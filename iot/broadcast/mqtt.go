package broadcast

import (
	"context"

	"github.com/relabs-tech/telemetry/iot"
)

// MQTT republishes messages on an MQTT broker under their realtime topic
type MQTT struct {
	publisher iot.MessagePublisher
}

// NewMQTT returns a broadcaster publishing through p
func NewMQTT(p iot.MessagePublisher) *MQTT {
	if p == nil {
		panic("Publisher is missing")
	}
	return &MQTT{publisher: p}
}

// Publish implements Broadcaster
func (m *MQTT) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return m.publisher.PublishMessageQ1(topic, payload)
}
