// Package subscriber consumes device telemetry from an external MQTT broker.
package subscriber

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot"
	"github.com/relabs-tech/telemetry/iot/topic"
)

const (
	connectTimeout = 30 * time.Second
	keepAlive      = 60 * time.Second
	// quiesce is the time in milliseconds granted to in-flight work on disconnect
	quiesce = 250
)

// ErrConnect is returned when the first connection to the broker fails
var ErrConnect = errors.New("cannot connect to mqtt broker")

// Builder is a builder helper for the Subscriber
type Builder struct {
	// BrokerURL is the broker address, for example tcp://localhost:1883. This is mandatory.
	BrokerURL string
	// ClientID defaults to "telemetry-" plus a random suffix
	ClientID string
	Username string
	Password string
	// QoS of the telemetry subscription. Defaults to 0.
	QoS byte
	// Ingester receives all telemetry messages. This is mandatory.
	Ingester iot.Ingester
}

// Subscriber is a broker client subscribed to the telemetry topics of all devices.
// It reconnects automatically and resubscribes after every reconnect.
type Subscriber struct {
	client   paho.Client
	ingester iot.Ingester
	qos      byte
	clientID string
}

// New returns a subscriber. It does not connect until Start is called.
func New(b *Builder) *Subscriber {
	if b.BrokerURL == "" {
		panic("BrokerURL is missing")
	}
	if b.Ingester == nil {
		panic("Ingester is missing")
	}
	clientID := b.ClientID
	if clientID == "" {
		clientID = "telemetry-" + uuid.New().String()[:8]
	}
	s := &Subscriber{
		ingester: b.Ingester,
		qos:      b.QoS,
		clientID: clientID,
	}

	opts := paho.NewClientOptions().
		AddBroker(b.BrokerURL).
		SetClientID(clientID).
		SetUsername(b.Username).
		SetPassword(b.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	s.client = paho.NewClient(opts)
	return s
}

// Start connects to the broker. The subscription is made by the connect handler.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: timeout after %s", ErrConnect, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return nil
}

// Stop disconnects from the broker
func (s *Subscriber) Stop() {
	s.client.Disconnect(quiesce)
	logger.Default().WithField("client", s.clientID).Infoln("mqtt subscriber disconnected")
}

func (s *Subscriber) onConnect(client paho.Client) {
	rlog := logger.Default().WithField("client", s.clientID)
	rlog.Infoln("connected to mqtt broker, subscribing to", topic.Subscription)
	token := client.Subscribe(topic.Subscription, s.qos, s.handleMessage)
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		rlog.WithError(token.Error()).Errorln("TransportFailure: cannot subscribe to", topic.Subscription)
	}
}

func (s *Subscriber) onConnectionLost(client paho.Client, err error) {
	logger.Default().WithField("client", s.clientID).WithError(err).Errorln("TransportFailure: lost connection to mqtt broker, reconnecting")
}

func (s *Subscriber) handleMessage(client paho.Client, msg paho.Message) {
	// errors are logged and counted by the ingester
	_ = s.ingester.Ingest(msg.Topic(), msg.Payload())
}
