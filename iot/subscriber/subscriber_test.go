package subscriber

import (
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingested struct {
	topic   string
	payload string
}

type recordingIngester struct {
	messages []ingested
}

func (r *recordingIngester) Ingest(topic string, payload []byte) error {
	r.messages = append(r.messages, ingested{topic: topic, payload: string(payload)})
	return nil
}

type message struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *message) Topic() string   { return m.topic }
func (m *message) Payload() []byte { return m.payload }

func TestHandleMessage(t *testing.T) {
	ingester := &recordingIngester{}
	s := New(&Builder{BrokerURL: "tcp://localhost:1883", Ingester: ingester})

	s.handleMessage(nil, &message{topic: "iot/sensor-001/telemetry", payload: []byte(`{"value":1}`)})
	s.handleMessage(nil, &message{topic: "iot/sensor-002/telemetry", payload: []byte(`{"value":2}`)})

	require.Len(t, ingester.messages, 2)
	assert.Equal(t, ingested{topic: "iot/sensor-001/telemetry", payload: `{"value":1}`}, ingester.messages[0])
	assert.Equal(t, "iot/sensor-002/telemetry", ingester.messages[1].topic)
}

func TestClientID(t *testing.T) {
	ingester := &recordingIngester{}
	first := New(&Builder{BrokerURL: "tcp://localhost:1883", Ingester: ingester})
	second := New(&Builder{BrokerURL: "tcp://localhost:1883", Ingester: ingester})
	assert.Regexp(t, "^telemetry-[0-9a-f]{8}$", first.clientID)
	assert.NotEqual(t, first.clientID, second.clientID)

	named := New(&Builder{BrokerURL: "tcp://localhost:1883", ClientID: "ingest-1", Ingester: ingester})
	assert.Equal(t, "ingest-1", named.clientID)
}

func TestNewRequiresBrokerAndIngester(t *testing.T) {
	assert.Panics(t, func() { New(&Builder{Ingester: &recordingIngester{}}) })
	assert.Panics(t, func() { New(&Builder{BrokerURL: "tcp://localhost:1883"}) })
}
