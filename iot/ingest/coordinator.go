package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/iot/broadcast"
	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
	"github.com/relabs-tech/telemetry/iot/topic"
)

var (
	// ErrStoreWrite wraps errors of the sample store
	ErrStoreWrite = errors.New("store write failure")
	// ErrBroadcast wraps errors of the broadcaster
	ErrBroadcast = errors.New("broadcast failure")
	// ErrQueueFull is returned by Ingest when the worker queue of the device is full.
	// The message is dropped.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrStopped is returned by Ingest after Stop
	ErrStopped = errors.New("ingestion stopped")
	// ErrStopTimeout is returned by Stop when the workers did not drain in time
	ErrStopTimeout = errors.New("timeout waiting for ingestion workers")
)

const (
	defaultWorkers   = 5
	defaultQueueSize = 100
)

// Builder is a builder helper for the Coordinator
type Builder struct {
	// Directory resolves external device ids and keeps liveness. This is mandatory.
	Directory device.Directory
	// Store persists the samples. This is mandatory.
	Store store.Store
	// Broadcaster publishes the samples to live subscribers. This is mandatory.
	Broadcaster broadcast.Broadcaster
	// Workers is the number of workers. Defaults to 5.
	Workers int
	// QueueSize is the capacity of each worker's queue. Defaults to 100.
	QueueSize int
	// Clock returns the ingestion time. Defaults to time.Now.
	Clock func() time.Time
	// Metrics is optional
	Metrics *metrics.Ingestion
}

type message struct {
	topic      string
	externalID string
	payload    []byte
}

// Stats are the counters of a coordinator. Every accepted message ends up in
// exactly one of Dropped, Processed or Failed.
type Stats struct {
	Accepted  int64 `json:"accepted"`
	Dropped   int64 `json:"dropped"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Coordinator runs the ingestion pipeline on a fixed set of workers. All
// messages of one device are handled by the same worker in the order they were
// ingested, messages of different devices are handled in parallel.
type Coordinator struct {
	directory   device.Directory
	store       store.Store
	broadcaster broadcast.Broadcaster
	clock       func() time.Time
	metrics     *metrics.Ingestion

	queues []chan message
	wg     sync.WaitGroup

	// mutex guards the lifecycle; Ingest holds the read lock while sending
	mutex   sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	accepted  atomic.Int64
	dropped   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// New returns a coordinator. It does not process messages until Start is called.
func New(b *Builder) *Coordinator {
	if b.Directory == nil {
		panic("Directory is missing")
	}
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Broadcaster == nil {
		panic("Broadcaster is missing")
	}
	workers := b.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := b.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := b.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Coordinator{
		directory:   b.Directory,
		store:       b.Store,
		broadcaster: b.Broadcaster,
		clock:       clock,
		metrics:     b.Metrics,
		queues:      make([]chan message, workers),
	}
	for i := range c.queues {
		c.queues[i] = make(chan message, queueSize)
	}
	return c
}

// Start starts the workers. The workers' context derives from ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	for i, queue := range c.queues {
		c.wg.Add(1)
		go c.worker(ctx, i, queue)
	}
	logger.Default().Infof("ingestion started with %d workers", len(c.queues))
	return nil
}

// Stop stops accepting messages and waits for the queued messages to be processed.
// If the workers do not finish within timeout, the remaining messages are abandoned
// and ErrStopTimeout is returned.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.mutex.Lock()
	if c.stopped {
		c.mutex.Unlock()
		return nil
	}
	c.stopped = true
	for _, queue := range c.queues {
		close(queue)
	}
	cancel := c.cancel
	c.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		logger.Default().Infoln("ingestion stopped")
		return nil
	case <-time.After(timeout):
		if cancel != nil {
			cancel()
		}
		logger.Default().Errorf("ingestion workers did not stop within %s, abandoning queued messages", timeout)
		return ErrStopTimeout
	}
}

// Stats returns the current counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		Accepted:  c.accepted.Load(),
		Dropped:   c.dropped.Load(),
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
	}
}

// Ingest queues an inbound broker message. It never blocks: when the device's
// worker queue is full the message is dropped and ErrQueueFull returned. Messages
// with malformed topics are dropped right away.
func (c *Coordinator) Ingest(t string, payload []byte) error {
	c.metrics.IncReceived()
	decoded, err := topic.Decode(t)
	if err != nil {
		c.drop(logger.Default().WithField("topic", t), metrics.ReasonMalformedTopic, err)
		return err
	}
	msg := message{
		topic:      t,
		externalID: decoded.ExternalDeviceID,
		payload:    append([]byte(nil), payload...),
	}
	rlog := logger.Default().WithFields(logrus.Fields{"topic": t, "device": msg.externalID})

	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.stopped {
		c.drop(rlog, metrics.ReasonStopped, ErrStopped)
		return ErrStopped
	}
	n := c.shard(msg.externalID)
	select {
	case c.queues[n] <- msg:
		c.accepted.Add(1)
		c.metrics.SetQueueDepth(strconv.Itoa(n), len(c.queues[n]))
		return nil
	default:
		c.drop(rlog, metrics.ReasonQueueFull, ErrQueueFull)
		return ErrQueueFull
	}
}

// Process runs the whole pipeline for one message synchronously on the calling
// goroutine, bypassing the worker queues. The caller is responsible for
// serializing messages of the same device.
func (c *Coordinator) Process(ctx context.Context, t string, payload []byte) Result {
	c.metrics.IncReceived()
	decoded, err := topic.Decode(t)
	if err != nil {
		c.drop(logger.FromContext(ctx).WithField("topic", t), metrics.ReasonMalformedTopic, err)
		return Result{Stage: StageReceived, Outcome: OutcomeDropped, Err: err}
	}
	return c.safeHandle(ctx, message{topic: t, externalID: decoded.ExternalDeviceID, payload: payload})
}

// shard returns the worker owning a device
func (c *Coordinator) shard(externalID string) int {
	h := fnv.New32a()
	h.Write([]byte(externalID))
	return int(h.Sum32() % uint32(len(c.queues)))
}

func (c *Coordinator) worker(ctx context.Context, n int, queue <-chan message) {
	defer c.wg.Done()
	name := strconv.Itoa(n)
	for msg := range queue {
		c.metrics.SetQueueDepth(name, len(queue))
		if ctx.Err() != nil {
			// abandoned after a stop timeout
			c.dropped.Add(1)
			c.metrics.IncDropped(metrics.ReasonStopped)
			continue
		}
		start := time.Now()
		c.safeHandle(ctx, msg)
		c.metrics.ObserveDuration(time.Since(start))
	}
}

// safeHandle calls handle in a panic/recover envelope
func (c *Coordinator) safeHandle(ctx context.Context, msg message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("recovered from panic: %v", r)
			logger.FromContext(ctx).WithFields(logrus.Fields{
				"topic":  msg.topic,
				"device": msg.externalID,
				"stage":  res.Stage,
			}).WithError(res.Err).Errorln("panic during ingestion\n" + string(debug.Stack()))
			c.failed.Add(1)
			c.metrics.IncFailed(metrics.ReasonPanic)
		}
	}()
	return c.handle(ctx, msg, &res)
}

// handle resolves the device, decodes the payload, updates the device liveness,
// appends the sample and broadcasts it. res tracks the stage reached so far.
func (c *Coordinator) handle(ctx context.Context, msg message, res *Result) Result {
	ctx, rlog := logger.ContextWithFields(ctx, logrus.Fields{"topic": msg.topic, "device": msg.externalID})
	res.Stage = StageTopicDecoded
	receivedAt := c.clock().UTC()

	d, err := c.directory.Lookup(ctx, msg.externalID)
	if err != nil {
		reason := metrics.ReasonDirectory
		if errors.Is(err, device.ErrUnknownDevice) {
			reason = metrics.ReasonUnknownDevice
		}
		return c.dropResult(rlog, res, reason, err)
	}
	res.Stage = StageDeviceResolved
	res.Device = d

	decoded, err := telemetry.Decode(msg.payload)
	if err != nil {
		return c.dropResult(rlog, res, metrics.ReasonInvalidPayload, err)
	}
	for _, warning := range decoded.Warnings {
		rlog.WithError(warning).Warnln("discarding payload field")
	}
	res.Stage = StagePayloadDecoded

	// liveness is best effort, the sample is stored regardless
	if updated, err := c.directory.RecordSeen(ctx, d.ID, receivedAt); err != nil {
		rlog.WithError(err).Errorln("cannot update device liveness")
	} else {
		res.Device = updated
	}
	res.Stage = StageLivenessUpdated

	sample := telemetry.NewSample(d.ID, msg.topic, msg.payload, decoded, receivedAt)
	if err = c.store.Append(ctx, &sample); err != nil {
		return c.failResult(rlog, res, metrics.ReasonStoreWrite, fmt.Errorf("%w: %v", ErrStoreWrite, err))
	}
	res.Stage = StageAppended
	res.Sample = &sample

	body, err := json.Marshal(sample.Message(d.ExternalID))
	if err != nil {
		return c.failResult(rlog, res, metrics.ReasonBroadcast, fmt.Errorf("%w: %v", ErrBroadcast, err))
	}
	if err = c.broadcaster.Publish(ctx, topic.BroadcastTopic(d.ExternalID), d.ExternalID, body); err != nil {
		return c.failResult(rlog, res, metrics.ReasonBroadcast, fmt.Errorf("%w: %v", ErrBroadcast, err))
	}
	res.Stage = StageBroadcast
	c.metrics.IncBroadcast()

	res.Stage = StageDone
	res.Outcome = OutcomeDone
	c.processed.Add(1)
	c.metrics.IncProcessed()
	rlog.Debugln("ingested sample", sample.ID)
	return *res
}

func (c *Coordinator) drop(rlog *logrus.Entry, reason string, err error) {
	c.dropped.Add(1)
	c.metrics.IncDropped(reason)
	rlog.WithError(err).WithField("reason", reason).Warnln("dropping message")
}

func (c *Coordinator) dropResult(rlog *logrus.Entry, res *Result, reason string, err error) Result {
	c.drop(rlog.WithField("stage", res.Stage), reason, err)
	res.Outcome = OutcomeDropped
	res.Err = err
	return *res
}

func (c *Coordinator) failResult(rlog *logrus.Entry, res *Result, reason string, err error) Result {
	c.failed.Add(1)
	c.metrics.IncFailed(reason)
	rlog.WithError(err).WithFields(logrus.Fields{"reason": reason, "stage": res.Stage}).Errorln("message lost")
	res.Outcome = OutcomeFailed
	res.Err = err
	return *res
}
