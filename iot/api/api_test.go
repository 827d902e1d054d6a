package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/admin"
	"github.com/relabs-tech/telemetry/iot/broadcast"
	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/ingest"
	"github.com/relabs-tech/telemetry/iot/query"
	"github.com/relabs-tech/telemetry/iot/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	server      *httptest.Server
	coordinator *ingest.Coordinator
	directory   *device.Memory
	hub         *broadcast.Hub
	device      *device.Device
}

type failingPinger struct{}

func (failingPinger) PingContext(ctx context.Context) error { return errors.New("connection refused") }

func newFixture(t *testing.T, db Pinger) *fixture {
	dir := device.NewMemory()
	d, err := device.New("sensor-001", "Boiler room", t0)
	require.NoError(t, err)
	require.NoError(t, dir.Register(context.Background(), d))
	s := store.NewMemory()
	hub := newHub(t)
	reg := prometheus.NewRegistry()
	clock := func() time.Time { return t0 }

	coordinator := ingest.New(&ingest.Builder{
		Directory:   dir,
		Store:       s,
		Broadcaster: hub,
		Clock:       clock,
		Metrics:     metrics.NewIngestion(reg),
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	New(&Builder{
		Engine:   query.NewEngine(s, dir),
		Admin:    admin.New(&admin.Builder{Directory: dir, Store: s, Clock: clock}),
		Hub:      hub,
		Stats:    coordinator,
		DB:       db,
		Gatherer: reg,
	}).HandleRoutes(router)

	server := httptest.NewServer(handlers.CompressHandler(router))
	t.Cleanup(server.Close)
	return &fixture{server: server, coordinator: coordinator, directory: dir, hub: hub, device: d}
}

func newHub(t *testing.T) *broadcast.Hub {
	hub := broadcast.NewHub()
	t.Cleanup(func() { hub.Close() })
	return hub
}

func (f *fixture) ingest(t *testing.T, payload string) {
	res := f.coordinator.Process(context.Background(), "iot/sensor-001/telemetry", []byte(payload))
	require.NoError(t, res.Err)
}

func (f *fixture) do(t *testing.T, method, path string, body string) (int, []byte) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

type sampleResponse struct {
	ID           uuid.UUID `json:"id"`
	DeviceID     uuid.UUID `json:"deviceId"`
	Timestamp    time.Time `json:"timestamp"`
	DataType     *string   `json:"dataType"`
	ValueNumeric *float64  `json:"valueNumeric"`
	ValueString  *string   `json:"valueString"`
}

func (f *fixture) getSamples(t *testing.T, path string) []sampleResponse {
	status, data := f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, status, string(data))
	var samples []sampleResponse
	require.NoError(t, json.Unmarshal(data, &samples))
	return samples
}

func TestLatest(t *testing.T) {
	f := newFixture(t, nil)
	for i := 1; i <= 12; i++ {
		f.ingest(t, fmt.Sprintf(`{"dataType":"temperature","value":%d,"timestamp":"2024-03-01T11:%02d:00"}`, i, i))
	}

	samples := f.getSamples(t, "/telemetry/devices/"+f.device.ID.String()+"/latest")
	require.Len(t, samples, 10)
	assert.Equal(t, 12.0, *samples[0].ValueNumeric)
	assert.Equal(t, f.device.ID, samples[0].DeviceID)

	samples = f.getSamples(t, "/telemetry/devices/"+f.device.ID.String()+"/latest?limit=2")
	require.Len(t, samples, 2)
	assert.Equal(t, 11.0, *samples[1].ValueNumeric)

	// unknown devices have no samples
	samples = f.getSamples(t, "/telemetry/devices/"+uuid.New().String()+"/latest")
	assert.Empty(t, samples)

	status, _ := f.do(t, http.MethodGet, "/telemetry/devices/"+f.device.ID.String()+"/latest?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/telemetry/devices/"+f.device.ID.String()+"/latest?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/telemetry/devices/not-a-uuid/latest", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestChannels(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, `{"dataType":"temperature","value":21.5}`)
	f.ingest(t, `{"dataType":"humidity","value":40}`)
	f.ingest(t, `{"dataType":"door","value":"open"}`)

	samples := f.getSamples(t, "/telemetry/devices/"+f.device.ID.String()+"/channels/humidity")
	require.Len(t, samples, 1)
	assert.Equal(t, 40.0, *samples[0].ValueNumeric)

	samples = f.getSamples(t, "/telemetry/channels/door")
	require.Len(t, samples, 1)
	assert.Equal(t, "open", *samples[0].ValueString)

	samples = f.getSamples(t, "/telemetry/topics?topic=iot/sensor-001/telemetry")
	assert.Len(t, samples, 3)

	status, _ := f.do(t, http.MethodGet, "/telemetry/topics", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWindowAndReduce(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, `{"dataType":"temperature","value":10,"timestamp":"2024-03-01T10:00:00"}`)
	f.ingest(t, `{"dataType":"temperature","value":20,"timestamp":"2024-03-01T10:30:00"}`)
	f.ingest(t, `{"dataType":"temperature","value":30,"timestamp":"2024-03-01T11:30:00"}`)
	f.ingest(t, `{"dataType":"temperature","value":"n/a","timestamp":"2024-03-01T10:15:00"}`)

	samples := f.getSamples(t, "/telemetry/window?start=2024-03-01T10:00:00Z&end=2024-03-01T11:00:00Z")
	assert.Len(t, samples, 3)
	samples = f.getSamples(t, "/telemetry/window?start=2024-03-01T10:00&end=2024-03-01T11:00&device_id="+f.device.ID.String()+"&channel=temperature")
	assert.Len(t, samples, 3)

	base := "/telemetry/devices/" + f.device.ID.String() + "/reduce/"
	window := "?channel=temperature&start=2024-03-01T10:00:00Z&end=2024-03-01T11:00:00Z"
	for op, expected := range map[string]string{"avg": "15", "min": "10", "MAX": "20"} {
		status, data := f.do(t, http.MethodGet, base+op+window, "")
		require.Equal(t, http.StatusOK, status, string(data))
		var response struct {
			Value *float64 `json:"value"`
		}
		require.NoError(t, json.Unmarshal(data, &response))
		require.NotNil(t, response.Value, op)
		assert.Equal(t, expected, fmt.Sprint(*response.Value), op)
	}

	status, data := f.do(t, http.MethodGet, base+"avg?channel=pressure&start=2024-03-01T10:00:00Z&end=2024-03-01T11:00:00Z", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"value":null}`, string(data))

	for _, path := range []string{
		base + "median" + window,
		base + "avg?start=2024-03-01T10:00:00Z",
		base + "avg?start=2024-03-01T11:00:00Z&end=2024-03-01T10:00:00Z&channel=temperature",
		base + "avg?start=2024-03-01T10:00:00Z&end=2024-03-01T11:00:00Z",
		"/telemetry/window?start=2024-03-01T11:00:00Z&end=2024-03-01T10:00:00Z",
		"/telemetry/window?start=yesterday&end=2024-03-01T10:00:00Z",
		"/telemetry/window?start=2024-03-01T10:00:00Z&end=2024-03-01T11:00:00Z&device_id=42",
	} {
		status, _ := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, status, path)
	}
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t, nil)
	path := "/devices/" + f.device.ID.String() + "/status"

	status, data := f.do(t, http.MethodPut, path, `{"status":"maintenance"}`)
	require.Equal(t, http.StatusOK, status, string(data))
	var d device.Device
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, device.StatusMaintenance, d.Status)
	assert.Equal(t, "sensor-001", d.ExternalID)

	status, _ = f.do(t, http.MethodPut, path, `{"status":"SLEEPING"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, path, `status`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPut, "/devices/"+uuid.New().String()+"/status", `{"status":"ONLINE"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatisticsAndStale(t *testing.T) {
	f := newFixture(t, nil)
	other, err := device.New("sensor-002", "", t0)
	require.NoError(t, err)
	require.NoError(t, f.directory.Register(context.Background(), other))
	_, err = f.directory.RecordSeen(context.Background(), other.ID, t0.Add(-time.Hour))
	require.NoError(t, err)
	f.ingest(t, `{"value":1}`)

	status, data := f.do(t, http.MethodGet, "/devices/statistics", "")
	require.Equal(t, http.StatusOK, status)
	var stats device.Statistics
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[device.StatusOnline])

	status, data = f.do(t, http.MethodGet, "/devices/stale?older_than=30m", "")
	require.Equal(t, http.StatusOK, status)
	var stale []device.Device
	require.NoError(t, json.Unmarshal(data, &stale))
	require.Len(t, stale, 1)
	assert.Equal(t, "sensor-002", stale[0].ExternalID)

	status, data = f.do(t, http.MethodGet, "/devices/stale?older_than=2h", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(data))

	status, _ = f.do(t, http.MethodGet, "/devices/stale?older_than=soon", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPurge(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, `{"value":1,"timestamp":"2024-03-01T09:00:00"}`)
	f.ingest(t, `{"value":2,"timestamp":"2024-03-01T11:00:00"}`)

	status, data := f.do(t, http.MethodDelete, "/telemetry?before=2024-03-01T10:00:00Z", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"deleted":1}`, string(data))

	samples := f.getSamples(t, "/telemetry/devices/"+f.device.ID.String()+"/latest")
	require.Len(t, samples, 1)
	assert.Equal(t, 2.0, *samples[0].ValueNumeric)

	status, _ = f.do(t, http.MethodDelete, "/telemetry", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, `{"value":1}`)

	status, data := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, status)
	var health Health
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Ingestion)
	assert.Equal(t, int64(1), health.Ingestion.Processed)

	f = newFixture(t, failingPinger{})
	status, data = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(data), `"database": "unavailable"`)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, `{"value":1}`)

	status, data := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "telemetry_ingest_processed_total 1")
}

func TestWebsocket(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/telemetry/sensor-001"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return f.hub.Subscribers("/topic/telemetry/sensor-001") == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.ingest(t, `{"dataType":"temperature","value":21.5}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		ExternalID   string   `json:"externalId"`
		DataType     string   `json:"dataType"`
		ValueNumeric *float64 `json:"valueNumeric"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "sensor-001", msg.ExternalID)
	assert.Equal(t, "temperature", msg.DataType)
	require.NotNil(t, msg.ValueNumeric)
	assert.Equal(t, 21.5, *msg.ValueNumeric)

	status, _ := f.do(t, http.MethodGet, "/ws/telemetry/x", "")
	assert.Equal(t, http.StatusBadRequest, status)
}
