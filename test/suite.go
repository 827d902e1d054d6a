// Package test runs the telemetry pipeline against real Postgres and Kafka
// containers. Docker is required; the suite is skipped with -short.
package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

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
)

const kafkaTopic = "telemetry"

// IntegrationTestSuite wires the whole pipeline: embedded broker, coordinator,
// Postgres directory and store, Kafka and websocket broadcasters, REST interface
type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	dbConn      *csql.DB
	directory   *device.Postgres
	store       *store.Postgres
	kafka       *broadcast.Kafka
	hub         *broadcast.Hub
	coordinator *ingest.Coordinator
	broker      *mqtt.Broker
	server      *httptest.Server
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("integration suite needs docker")
	}
	ctx := context.Background()

	networkName := "test-telemetry-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
				"ALLOW_PLAINTEXT_LISTENER":               "yes",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(kafkaTopic, 3), "Failed to create telemetry topic")

	s.dbConn = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "telemetry")
	s.directory = device.NewPostgres(s.dbConn)
	s.store = store.NewPostgres(s.dbConn)

	s.kafka = broadcast.NewKafka(&broadcast.KafkaBuilder{Brokers: []string{s.kafkaAddr}, Topic: kafkaTopic})
	s.hub = broadcast.NewHub()
	registry := prometheus.NewRegistry()
	s.coordinator = ingest.New(&ingest.Builder{
		Directory:   s.directory,
		Store:       s.store,
		Broadcaster: broadcast.Fanout{s.hub, s.kafka},
		Workers:     3,
		Metrics:     metrics.NewIngestion(registry),
	})
	s.Require().NoError(s.coordinator.Start(ctx))

	s.broker = mqtt.NewBroker(&mqtt.Builder{Ingester: s.coordinator, Address: "127.0.0.1:0"})
	s.broker.Start()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	api.New(&api.Builder{
		Engine:   query.NewEngine(s.store, s.directory),
		Admin:    admin.New(&admin.Builder{Directory: s.directory, Store: s.store}),
		Hub:      s.hub,
		Stats:    s.coordinator,
		DB:       s.dbConn,
		Gatherer: registry,
	}).HandleRoutes(router)
	s.server = httptest.NewServer(handlers.CompressHandler(router))
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.server != nil {
		s.server.Close()
	}
	if s.broker != nil {
		s.Require().NoError(s.broker.Stop(ctx))
	}
	if s.coordinator != nil {
		s.Require().NoError(s.coordinator.Stop(10 * time.Second))
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.kafka != nil {
		s.Require().NoError(s.kafka.Close())
	}
	if s.dbConn != nil {
		s.dbConn.ClearSchema()
		s.dbConn.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.kafkaContainer != nil {
		s.Require().NoError(s.kafkaContainer.Terminate(ctx))
	}
	if s.postgresContainer != nil {
		s.Require().NoError(s.postgresContainer.Terminate(ctx))
	}
}
