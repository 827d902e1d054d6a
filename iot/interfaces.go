package iot

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte) error
}

// Ingester accepts inbound broker messages. Implementations must return quickly,
// they are called from the transport's delivery callback.
type Ingester interface {
	Ingest(topic string, payload []byte) error
}
