package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/relabs-tech/telemetry/core/csql"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/admin"
	"github.com/relabs-tech/telemetry/iot/api"
	"github.com/relabs-tech/telemetry/iot/broadcast"
	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/ingest"
	"github.com/relabs-tech/telemetry/iot/mqtt"
	"github.com/relabs-tech/telemetry/iot/query"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/subscriber"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password. Samples are kept in memory when empty"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to access the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=telemetry" description:"the database schema"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level (debug, info, warning, error)"`

	HTTPAddress string `env:"HTTP_ADDRESS,default=:3000" description:"listen address of the REST interface"`

	MQTTAddress    string `env:"MQTT_ADDRESS,default=:1883" description:"listen address of the embedded MQTT broker, empty disables it"`
	MQTTCACertFile string `env:"MQTT_CA_CERT_FILE" description:"CA certificate for device client certificates"`
	MQTTCertFile   string `env:"MQTT_CERT_FILE" description:"server certificate of the embedded broker"`
	MQTTKeyFile    string `env:"MQTT_KEY_FILE" description:"server key of the embedded broker"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL" description:"external MQTT broker to subscribe to, for example tcp://mosquitto:1883"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" description:"client id on the external broker"`
	MQTTUsername  string `env:"MQTT_USERNAME" description:"user name on the external broker"`
	MQTTPassword  string `env:"MQTT_PASSWORD" description:"password on the external broker"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" description:"semicolon separated kafka brokers for broadcasting samples"`
	KafkaTopic   string   `env:"KAFKA_TOPIC,default=telemetry" description:"kafka topic for broadcasting samples"`

	IngestWorkers   int           `env:"INGEST_WORKERS,default=5" description:"number of ingestion workers"`
	IngestQueueSize int           `env:"INGEST_QUEUE_SIZE,default=100" description:"queue capacity per ingestion worker"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" description:"time granted to drain the ingestion queues on shutdown"`
	DeviceSeedFile  string        `env:"DEVICE_SEED_FILE" description:"YAML file with devices to provision on startup"`
}

func main() {
	// a missing .env file is fine, the environment may be set otherwise
	_ = godotenv.Load()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db        *csql.DB
		directory device.Directory
		samples   store.Store
	)
	if service.Postgres != "" {
		db = csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
		defer db.Close()
		directory = device.NewPostgres(db)
		samples = store.NewPostgres(db)
	} else {
		rlog.Warnln("POSTGRES not set, devices and samples are kept in memory")
		directory = device.NewMemory()
		samples = store.NewMemory()
	}

	if service.DeviceSeedFile != "" {
		provision(ctx, directory, service.DeviceSeedFile)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := broadcast.NewHub()
	broadcasters := broadcast.Fanout{hub}
	var kafka *broadcast.Kafka
	if len(service.KafkaBrokers) > 0 {
		kafka = broadcast.NewKafka(&broadcast.KafkaBuilder{
			Brokers: service.KafkaBrokers,
			Topic:   service.KafkaTopic,
		})
		broadcasters = append(broadcasters, kafka)
	}

	// the coordinator reads the fanout through the pointer, so the broker can be
	// added below once it exists. Nothing is ingested before the broker starts.
	coordinator := ingest.New(&ingest.Builder{
		Directory:   directory,
		Store:       samples,
		Broadcaster: &broadcasters,
		Workers:     service.IngestWorkers,
		QueueSize:   service.IngestQueueSize,
		Metrics:     metrics.NewIngestion(registry),
	})

	var broker *mqtt.Broker
	if service.MQTTAddress != "" {
		broker = mqtt.NewBroker(&mqtt.Builder{
			Ingester:   coordinator,
			Address:    service.MQTTAddress,
			CertFile:   service.MQTTCertFile,
			KeyFile:    service.MQTTKeyFile,
			CACertFile: service.MQTTCACertFile,
		})
		broadcasters = append(broadcasters, broadcast.NewMQTT(broker))
	}

	var sub *subscriber.Subscriber
	if service.MQTTBrokerURL != "" {
		sub = subscriber.New(&subscriber.Builder{
			BrokerURL: service.MQTTBrokerURL,
			ClientID:  service.MQTTClientID,
			Username:  service.MQTTUsername,
			Password:  service.MQTTPassword,
			QoS:       1,
			Ingester:  coordinator,
		})
	}

	// workers outlive the signal context, Stop drains them
	if err := coordinator.Start(context.Background()); err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	builder := &api.Builder{
		Engine:   query.NewEngine(samples, directory),
		Admin:    admin.New(&admin.Builder{Directory: directory, Store: samples}),
		Hub:      hub,
		Stats:    coordinator,
		Gatherer: registry,
	}
	if db != nil {
		builder.DB = db
	}
	api.New(builder).HandleRoutes(router)

	server := &http.Server{
		Addr:              service.HTTPAddress,
		Handler:           handlers.CompressHandler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infoln("listen on", service.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Errorln("http server failed")
			stop()
		}
	}()

	if broker != nil {
		broker.Start()
	}
	if sub != nil {
		if err := sub.Start(); err != nil {
			rlog.WithError(err).Errorln("TransportFailure: cannot subscribe to external broker")
			stop()
		}
	}

	<-ctx.Done()
	rlog.Infoln("shutting down")

	// stop the inbound transports first, then drain the pipeline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), service.ShutdownTimeout)
	defer cancel()
	if sub != nil {
		sub.Stop()
	}
	if broker != nil {
		if err := broker.Stop(shutdownCtx); err != nil {
			rlog.WithError(err).Errorln("cannot stop mqtt broker")
		}
	}
	if err := coordinator.Stop(service.ShutdownTimeout); err != nil {
		rlog.WithError(err).Errorln("ingestion did not drain")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("cannot stop http server")
	}
	hub.Close()
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			rlog.WithError(err).Errorln("cannot close kafka writer")
		}
	}
	rlog.WithField("stats", coordinator.Stats()).Infoln("stopped")
}

func provision(ctx context.Context, directory device.Directory, path string) {
	rlog := logger.Default().WithField("file", path)
	f, err := os.Open(path)
	if err != nil {
		rlog.WithError(err).Errorln("cannot open device seed file")
		return
	}
	defer f.Close()
	seeds, err := device.LoadSeed(f)
	if err != nil {
		rlog.WithError(err).Errorln("cannot parse device seed file")
		return
	}
	n, err := device.Provision(ctx, directory, seeds)
	if err != nil {
		rlog.WithError(err).Errorln("cannot provision devices")
		return
	}
	rlog.Infof("provisioned %d of %d devices", n, len(seeds))
}
