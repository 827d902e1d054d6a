// Package api is the REST interface of the telemetry pipeline: sample queries,
// device administration, realtime websockets, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/admin"
	"github.com/relabs-tech/telemetry/iot/broadcast"
	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/ingest"
	"github.com/relabs-tech/telemetry/iot/query"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
	"github.com/relabs-tech/telemetry/iot/topic"
)

const (
	defaultLatestLimit = 10
	defaultStaleAfter  = 10 * time.Minute
)

// Pinger checks the availability of the database
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatsProvider reports the ingestion counters
type StatsProvider interface {
	Stats() ingest.Stats
}

// Builder is a builder helper for the Service
type Builder struct {
	// Engine answers the telemetry queries. This is mandatory.
	Engine *query.Engine
	// Admin executes the device commands. This is mandatory.
	Admin *admin.Service
	// Hub serves the realtime websockets. Optional, without it the websocket route is not added.
	Hub *broadcast.Hub
	// Stats is reported by the health route. Optional.
	Stats StatsProvider
	// DB is pinged by the health route. Optional.
	DB Pinger
	// Gatherer is exposed on /metrics. Defaults to the prometheus default gatherer.
	Gatherer prometheus.Gatherer
}

// Service is the REST interface
type Service struct {
	engine   *query.Engine
	admin    *admin.Service
	hub      *broadcast.Hub
	stats    StatsProvider
	db       Pinger
	gatherer prometheus.Gatherer
}

// New returns a new API service
func New(b *Builder) *Service {
	if b.Engine == nil {
		panic("Engine is missing")
	}
	if b.Admin == nil {
		panic("Admin is missing")
	}
	gatherer := b.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Service{
		engine:   b.Engine,
		admin:    b.Admin,
		hub:      b.Hub,
		stats:    b.Stats,
		db:       b.DB,
		gatherer: gatherer,
	}
}

// HandleRoutes adds the routes of the service to router
func (s *Service) HandleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /telemetry/devices/{device_id}/latest GET")
	rlog.Debugln("api: handle route /telemetry/devices/{device_id}/channels/{channel} GET")
	rlog.Debugln("api: handle route /telemetry/devices/{device_id}/reduce/{op} GET")
	rlog.Debugln("api: handle route /telemetry/window GET")
	rlog.Debugln("api: handle route /telemetry/channels/{channel} GET")
	rlog.Debugln("api: handle route /telemetry/topics GET")
	rlog.Debugln("api: handle route /telemetry DELETE")
	rlog.Debugln("api: handle route /devices/{device_id}/status PUT")
	rlog.Debugln("api: handle route /devices/statistics GET")
	rlog.Debugln("api: handle route /devices/stale GET")
	rlog.Debugln("api: handle route /health GET")
	rlog.Debugln("api: handle route /metrics GET")

	router.HandleFunc("/telemetry/devices/{device_id}/latest", s.latest).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/telemetry/devices/{device_id}/channels/{channel}", s.deviceChannel).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/telemetry/devices/{device_id}/reduce/{op}", s.reduce).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/telemetry/window", s.window).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/telemetry/channels/{channel}", s.channel).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/telemetry/topics", s.topic).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/telemetry", s.purge).Methods(http.MethodOptions, http.MethodDelete)
	router.HandleFunc("/devices/statistics", s.statistics).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/devices/stale", s.stale).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/devices/{device_id}/status", s.setStatus).Methods(http.MethodOptions, http.MethodPut)
	router.HandleFunc("/health", s.health).Methods(http.MethodOptions, http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if s.hub != nil {
		rlog.Debugln("api: handle route /ws/telemetry/{external_id} GET")
		router.HandleFunc("/ws/telemetry/{external_id}", s.websocket).Methods(http.MethodGet)
	}
}

func (s *Service) latest(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultLatestLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil {
			http.Error(w, "invalid limit: "+l, http.StatusBadRequest)
			return
		}
	}
	samples, err := s.engine.Latest(r.Context(), deviceID, limit)
	if errors.Is(err, query.ErrInvalidLimit) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeSamples(w, r, samples, err)
}

func (s *Service) deviceChannel(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	samples, err := s.engine.ByDeviceAndChannel(r.Context(), deviceID, mux.Vars(r)["channel"])
	s.writeSamples(w, r, samples, err)
}

func (s *Service) reduce(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	op, err := store.ParseOp(mux.Vars(r)["op"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, end, ok := windowParams(w, r)
	if !ok {
		return
	}
	value, found, err := s.engine.Reduce(r.Context(), deviceID, r.URL.Query().Get("channel"), start, end, op)
	if errors.Is(err, query.ErrInvalidWindow) || errors.Is(err, query.ErrMissingChannel) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5003: cannot reduce samples")
		http.Error(w, "Error 5003", http.StatusInternalServerError)
		return
	}
	response := struct {
		Value *float64 `json:"value"`
	}{}
	if found {
		response.Value = &value
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Service) window(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	start, end, ok := windowParams(w, r)
	if !ok {
		return
	}
	wnd := query.Window{Start: start, End: end, Channel: r.URL.Query().Get("channel")}
	if id := r.URL.Query().Get("device_id"); id != "" {
		deviceID, err := uuid.Parse(id)
		if err != nil {
			http.Error(w, "invalid device_id: "+id, http.StatusBadRequest)
			return
		}
		wnd.DeviceID = &deviceID
	}
	samples, err := s.engine.ByWindow(r.Context(), wnd)
	if errors.Is(err, query.ErrInvalidWindow) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeSamples(w, r, samples, err)
}

func (s *Service) channel(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	samples, err := s.engine.ByChannel(r.Context(), mux.Vars(r)["channel"])
	s.writeSamples(w, r, samples, err)
}

func (s *Service) topic(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	t := r.URL.Query().Get("topic")
	if t == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}
	samples, err := s.engine.ByTopic(r.Context(), t)
	s.writeSamples(w, r, samples, err)
}

func (s *Service) purge(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	before := r.URL.Query().Get("before")
	if before == "" {
		http.Error(w, "missing before", http.StatusBadRequest)
		return
	}
	cutoff, err := parseTime(before)
	if err != nil {
		http.Error(w, "invalid before: "+before, http.StatusBadRequest)
		return
	}
	n, err := s.admin.PurgeBefore(r.Context(), cutoff)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5004: cannot purge samples")
		http.Error(w, "Error 5004", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Service) setStatus(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	status, err := device.ParseStatus(body.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.admin.SetStatus(r.Context(), deviceID, status)
	if errors.Is(err, device.ErrUnknownDevice) {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5005: cannot set device status")
		http.Error(w, "Error 5005", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) statistics(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	stats, err := s.admin.Statistics(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5006: cannot count devices")
		http.Error(w, "Error 5006", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) stale(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
	olderThan := defaultStaleAfter
	if o := r.URL.Query().Get("older_than"); o != "" {
		var err error
		if olderThan, err = time.ParseDuration(o); err != nil || olderThan < 0 {
			http.Error(w, "invalid older_than: "+o, http.StatusBadRequest)
			return
		}
	}
	devices, err := s.admin.Stale(r.Context(), olderThan)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5007: cannot list stale devices")
		http.Error(w, "Error 5007", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Service) websocket(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["external_id"]
	if err := device.ValidateExternalID(externalID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.hub.Subscribe(w, r, topic.BroadcastTopic(externalID))
}

// Health is the health status of the service
type Health struct {
	Status    string        `json:"status"`
	Database  string        `json:"database,omitempty"`
	Ingestion *ingest.Stats `json:"ingestion,omitempty"`
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	health := Health{Status: "ok"}
	status := http.StatusOK
	if s.db != nil {
		health.Database = "ok"
		if err := s.db.PingContext(r.Context()); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 5008: database unavailable")
			health.Status = "unavailable"
			health.Database = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if s.stats != nil {
		stats := s.stats.Stats()
		health.Ingestion = &stats
	}
	writeJSON(w, status, health)
}

func (s *Service) writeSamples(w http.ResponseWriter, r *http.Request, samples []telemetry.Sample, err error) {
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5001: cannot select samples")
		http.Error(w, "Error 5001", http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 5002: cannot marshal response")
		http.Error(w, "Error 5002", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func deviceIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	param := mux.Vars(r)["device_id"]
	deviceID, err := uuid.Parse(param)
	if err != nil {
		http.Error(w, "invalid device_id: "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return deviceID, true
}

// windowParams parses the mandatory start and end query parameters
func windowParams(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		t    *time.Time
	}{{"start", &start}, {"end", &end}} {
		value := q.Get(p.name)
		if value == "" {
			http.Error(w, "missing "+p.name, http.StatusBadRequest)
			return start, end, false
		}
		t, err := parseTime(value)
		if err != nil {
			http.Error(w, "invalid "+p.name+": "+value, http.StatusBadRequest)
			return start, end, false
		}
		*p.t = t
	}
	return start, end, true
}

// parseTime accepts RFC 3339 and the zone-less layouts devices use in their payloads
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return telemetry.ParseTimestamp(s)
}
