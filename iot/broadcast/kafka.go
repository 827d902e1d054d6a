package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/telemetry/core/logger"
)

// HeaderTopic is the kafka message header carrying the realtime topic
const HeaderTopic = "topic"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes messages to a kafka topic. Messages are keyed by device, so the
// messages of one device stay in order within their partition.
//
// The writer is asynchronous: Publish only queues the message, delivery errors
// are logged when the batch completes.
type Kafka struct {
	writer messageWriter
}

// KafkaBuilder is a builder helper for the Kafka broadcaster
type KafkaBuilder struct {
	// Brokers is the list of kafka broker addresses. This is mandatory.
	Brokers []string
	// Topic is the kafka topic. This is mandatory.
	Topic string
	// BatchTimeout defaults to 10ms
	BatchTimeout time.Duration
}

// NewKafka returns a Kafka broadcaster
func NewKafka(b *KafkaBuilder) *Kafka {
	if len(b.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if b.Topic == "" {
		panic("Topic is missing")
	}
	batchTimeout := b.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 10 * time.Millisecond
	}
	k := &Kafka{}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(b.Brokers...),
		Topic:                  b.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             k.completion,
	}
	return k
}

func (k *Kafka) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	keys := make([]string, 0, len(messages))
	for _, m := range messages {
		keys = append(keys, string(m.Key))
	}
	logger.Default().WithError(err).WithField("devices", keys).Errorf("BroadcastFailure: %d kafka messages lost", len(messages))
}

// Publish implements Broadcaster
func (k *Kafka) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: HeaderTopic, Value: []byte(topic)}},
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
