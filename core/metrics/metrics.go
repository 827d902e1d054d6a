// Package metrics holds the prometheus collectors of the telemetry pipeline.
//
// All methods are safe to call on a nil *Ingestion, so components can be
// constructed without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetry"

// Drop and failure reasons used as label values
const (
	ReasonMalformedTopic = "malformed_topic"
	ReasonUnknownDevice  = "unknown_device"
	ReasonDirectory      = "directory"
	ReasonInvalidPayload = "invalid_payload"
	ReasonQueueFull      = "queue_full"
	ReasonStopped        = "stopped"
	ReasonStoreWrite     = "store_write"
	ReasonBroadcast      = "broadcast"
	ReasonPanic          = "panic"
)

// Ingestion is the set of collectors updated by the ingestion coordinator
type Ingestion struct {
	Received   prometheus.Counter
	Processed  prometheus.Counter
	Broadcasts prometheus.Counter
	Dropped    *prometheus.CounterVec
	Failed     *prometheus.CounterVec
	QueueDepth *prometheus.GaugeVec
	Duration   prometheus.Histogram
}

// NewIngestion creates the ingestion collectors and registers them with reg.
// A nil reg registers with the prometheus default registerer.
func NewIngestion(reg prometheus.Registerer) *Ingestion {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Ingestion{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "received_total",
			Help:      "Messages handed to the ingestion coordinator.",
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "processed_total",
			Help:      "Messages which were stored and broadcast.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "broadcasts_total",
			Help:      "Samples published to live subscribers.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Messages dropped before persistence, by reason.",
		}, []string{"reason"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "failed_total",
			Help:      "Messages lost to store or broadcast errors, by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Messages waiting in a worker queue.",
		}, []string{"worker"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "processing_seconds",
			Help:      "Time from dequeue to the end of processing.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(m.Received, m.Processed, m.Broadcasts, m.Dropped, m.Failed, m.QueueDepth, m.Duration)
	return m
}

// IncReceived counts a message handed to the coordinator
func (m *Ingestion) IncReceived() {
	if m != nil {
		m.Received.Inc()
	}
}

// IncProcessed counts a message which was stored and broadcast
func (m *Ingestion) IncProcessed() {
	if m != nil {
		m.Processed.Inc()
	}
}

// IncBroadcast counts a published sample
func (m *Ingestion) IncBroadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

// IncDropped counts a dropped message
func (m *Ingestion) IncDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

// IncFailed counts a failed message
func (m *Ingestion) IncFailed(reason string) {
	if m != nil {
		m.Failed.WithLabelValues(reason).Inc()
	}
}

// SetQueueDepth records the number of queued messages of a worker
func (m *Ingestion) SetQueueDepth(worker string, depth int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(worker).Set(float64(depth))
	}
}

// ObserveDuration records the processing time of one message
func (m *Ingestion) ObserveDuration(d time.Duration) {
	if m != nil {
		m.Duration.Observe(d.Seconds())
	}
}
