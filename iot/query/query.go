// Package query is the read side of the telemetry pipeline: latest values,
// time windows and scalar reductions over the sample store.
//
// Queries for devices which do not exist return empty results, never errors.
// Reductions are computed from the store on every call.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

var (
	// ErrInvalidWindow is returned when a window starts after it ends
	ErrInvalidWindow = errors.New("invalid window: start is after end")
	// ErrInvalidLimit is returned for non-positive limits
	ErrInvalidLimit = errors.New("invalid limit")
	// ErrMissingChannel is returned when an aggregate is requested without a channel
	ErrMissingChannel = errors.New("missing channel")
)

// Window selects samples with an event timestamp in [Start, End]. A nil
// DeviceID selects all devices, an empty Channel any channel.
type Window struct {
	DeviceID *uuid.UUID
	Channel  string
	Start    time.Time
	End      time.Time
}

// Engine answers telemetry queries
type Engine struct {
	store     store.Store
	directory device.Directory
}

// NewEngine returns a query engine reading from s. Device references are
// resolved through dir.
func NewEngine(s store.Store, dir device.Directory) *Engine {
	if s == nil {
		panic("Store is missing")
	}
	if dir == nil {
		panic("Directory is missing")
	}
	return &Engine{store: s, directory: dir}
}

// exists reports whether the device is known to the directory
func (e *Engine) exists(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	_, err := e.directory.Get(ctx, deviceID)
	if errors.Is(err, device.ErrUnknownDevice) {
		return false, nil
	}
	return err == nil, err
}

// Latest returns up to n most recent samples of a device, newest first
func (e *Engine) Latest(ctx context.Context, deviceID uuid.UUID, n int) ([]telemetry.Sample, error) {
	if n <= 0 {
		return nil, ErrInvalidLimit
	}
	ok, err := e.exists(ctx, deviceID)
	if err != nil || !ok {
		return []telemetry.Sample{}, err
	}
	return e.store.Select(ctx, store.Filter{DeviceID: &deviceID, Limit: n})
}

// ByWindow returns all samples of the window, newest first
func (e *Engine) ByWindow(ctx context.Context, w Window) ([]telemetry.Sample, error) {
	if w.Start.After(w.End) {
		return nil, ErrInvalidWindow
	}
	if w.DeviceID != nil {
		ok, err := e.exists(ctx, *w.DeviceID)
		if err != nil || !ok {
			return []telemetry.Sample{}, err
		}
	}
	return e.store.Select(ctx, store.Filter{
		DeviceID: w.DeviceID,
		Channel:  w.Channel,
		Start:    &w.Start,
		End:      &w.End,
	})
}

// ByChannel returns all samples of a channel across devices, newest first
func (e *Engine) ByChannel(ctx context.Context, channel string) ([]telemetry.Sample, error) {
	return e.store.Select(ctx, store.Filter{Channel: channel})
}

// ByTopic returns all samples received on a topic, newest first
func (e *Engine) ByTopic(ctx context.Context, topic string) ([]telemetry.Sample, error) {
	return e.store.Select(ctx, store.Filter{Topic: topic})
}

// ByDeviceAndChannel returns all samples of one channel of a device, newest first
func (e *Engine) ByDeviceAndChannel(ctx context.Context, deviceID uuid.UUID, channel string) ([]telemetry.Sample, error) {
	ok, err := e.exists(ctx, deviceID)
	if err != nil || !ok {
		return []telemetry.Sample{}, err
	}
	return e.store.Select(ctx, store.Filter{DeviceID: &deviceID, Channel: channel})
}

// Reduce applies op to the numeric samples of a device channel within [start, end].
// Non-numeric samples are ignored. ok is false when there was no numeric sample
// or the device does not exist.
func (e *Engine) Reduce(ctx context.Context, deviceID uuid.UUID, channel string, start, end time.Time, op store.Op) (value float64, ok bool, err error) {
	if start.After(end) {
		return 0, false, ErrInvalidWindow
	}
	if channel == "" {
		return 0, false, ErrMissingChannel
	}
	if _, err = store.ParseOp(string(op)); err != nil {
		return 0, false, err
	}
	exists, err := e.exists(ctx, deviceID)
	if err != nil || !exists {
		return 0, false, err
	}
	agg, err := e.store.Reduce(ctx, store.Filter{
		DeviceID: &deviceID,
		Channel:  channel,
		Start:    &start,
		End:      &end,
	}, op)
	if err != nil || agg.Count == 0 {
		return 0, false, err
	}
	return agg.Value, true, nil
}
