package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot"
	"github.com/relabs-tech/telemetry/iot/topic"
)

// ErrNotRunning is returned when publishing on a broker which is not running
var ErrNotRunning = errors.New("broker not running")

// runner is the part of the server returned by gmqtt.NewServer which gmqtt.Server does not expose
type runner interface {
	Run()
	Stop(ctx context.Context) error
}

// Broker is an embedded MQTT broker which hands inbound telemetry to an ingester
type Broker struct {
	p      *plugin
	ln     net.Listener
	server runner
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Ingester receives all telemetry messages. This is mandatory.
	Ingester iot.Ingester
	// Address is the listen address. Defaults to ":1883", or ":8883" with TLS.
	Address string
	// CertFile is the file path to the X.509 certificate file. When set the broker
	// listens with TLS and KeyFile is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// When set, devices must present a client certificate whose common name is their
	// external device id, and may only publish and subscribe on their own topics.
	CACertFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ingester iot.Ingester
	// enforce restricts every client to the topics of the device named by its client id
	enforce bool

	mutex   sync.RWMutex
	service gmqtt.Server
}

// NewBroker returns a new broker listening on the configured address. The broker
// will not actually serve until you call Start()
func NewBroker(bb *Builder) *Broker {
	if bb.Ingester == nil {
		panic("Ingester is missing")
	}
	address := bb.Address
	enforce := false
	var (
		ln  net.Listener
		err error
	)
	if len(bb.CertFile) > 0 {
		if len(bb.KeyFile) == 0 {
			panic("key file missing")
		}
		if address == "" {
			address = ":8883"
		}
		var crt tls.Certificate
		crt, err = tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{crt}}
		if len(bb.CACertFile) > 0 {
			var caCert []byte
			caCert, err = os.ReadFile(bb.CACertFile)
			if err != nil {
				panic(err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				panic("no certificates in " + bb.CACertFile)
			}
			tlsConfig.ClientCAs = caCertPool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			enforce = true
		}
		ln, err = tls.Listen("tcp", address, tlsConfig)
	} else {
		if address == "" {
			address = ":1883"
		}
		ln, err = net.Listen("tcp", address)
	}
	if err != nil {
		panic(err)
	}
	logger.Default().Infof("mqtt broker listening on %s (tls: %t, device authorization: %t)", ln.Addr(), len(bb.CertFile) > 0, enforce)

	return &Broker{
		ln: ln,
		p:  &plugin{ingester: bb.Ingester, enforce: enforce},
	}
}

// Addr returns the listen address of the broker
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Start starts serving in the background
func (b *Broker) Start() {
	server := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.ln),
		gmqtt.WithPlugin(b.p),
	)
	server.Run()
	b.server = server
	logger.Default().Infoln("mqtt broker started")
}

// Stop stops accepting messages and disconnects all clients
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	err := b.server.Stop(ctx)
	b.p.mutex.Lock()
	b.p.service = nil
	b.p.mutex.Unlock()
	logger.Default().Infoln("mqtt broker stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) error {
	b.p.mutex.RLock()
	service := b.p.service
	b.p.mutex.RUnlock()
	if service == nil {
		return ErrNotRunning
	}
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	service.PublishService().Publish(msg)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mutex.Lock()
	p.service = service
	p.mutex.Unlock()
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "telemetry broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		rlog := logger.Default().WithField("client", clientID)
		if p.enforce {
			commonName := ""
			if tlsConn, ok := client.Connection().(*tls.Conn); ok {
				if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
					commonName = certs[0].Subject.CommonName
				}
			}
			if commonName == "" || commonName != clientID {
				rlog.Warnln("connect denied, client id does not match certificate", commonName)
				return packets.CodeNotAuthorized
			}
		}
		rlog.Debugln("connect")
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper hands telemetry messages to the ingester
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !p.handleMessage(client.OptionsReader().ClientID(), msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// handleMessage forwards inbound telemetry and reports whether the message may be
// delivered to subscribers
func (p *plugin) handleMessage(clientID, t string, payload []byte) bool {
	if !strings.HasPrefix(t, topic.Namespace+"/") {
		return !p.enforce
	}
	if p.enforce && !ownsTopic(clientID, t) {
		logger.Default().WithField("client", clientID).Warnln("publish denied on", t)
		return false
	}
	// errors are logged and counted by the ingester
	_ = p.ingester.Ingest(t, payload)
	return true
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !p.maySubscribe(clientID, t.Name) {
			logger.Default().WithField("client", clientID).Warnln("subscribe denied on", t.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, t)
	}
}

// maySubscribe lets devices subscribe to their own realtime topic only
func (p *plugin) maySubscribe(clientID, filter string) bool {
	if !p.enforce {
		return true
	}
	return filter == topic.BroadcastTopic(clientID)
}

func ownsTopic(clientID, t string) bool {
	decoded, err := topic.Decode(t)
	return err == nil && decoded.ExternalDeviceID == clientID
}
