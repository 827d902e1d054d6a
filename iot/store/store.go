// Package store persists telemetry samples. Samples are only ever appended; the
// sole deletion path is the cutoff based purge.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Op is a scalar reduction over numeric samples
type Op string

// Supported reductions
const (
	OpAvg Op = "AVG"
	OpMin Op = "MIN"
	OpMax Op = "MAX"
)

// ErrInvalidOp is returned for unknown reductions
var ErrInvalidOp = errors.New("invalid reduction")

// ParseOp parses a reduction name case-insensitively
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToUpper(s)); op {
	case OpAvg, OpMin, OpMax:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOp, s)
}

// Filter selects samples. Zero fields do not restrict the selection.
type Filter struct {
	DeviceID *uuid.UUID
	Channel  string
	Topic    string
	// Start and End are inclusive bounds on the event timestamp
	Start *time.Time
	End   *time.Time
	// Limit restricts the number of returned samples, 0 means no limit
	Limit int
}

// Match reports whether the sample satisfies the filter, ignoring Limit
func (f *Filter) Match(s *telemetry.Sample) bool {
	if f.DeviceID != nil && s.DeviceID != *f.DeviceID {
		return false
	}
	if f.Channel != "" && s.Channel() != f.Channel {
		return false
	}
	if f.Topic != "" && s.Topic != f.Topic {
		return false
	}
	if f.Start != nil && s.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && s.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// Aggregate is the result of a reduction. Count is the number of numeric samples
// which took part; Value is meaningless when Count is 0.
type Aggregate struct {
	Value float64
	Count int64
}

// Store is an append-only sample store
type Store interface {
	// Append persists one sample atomically and assigns its Serial
	Append(ctx context.Context, s *telemetry.Sample) error
	// Select returns the matching samples newest-first by event timestamp, then
	// receipt timestamp, then insertion order
	Select(ctx context.Context, f Filter) ([]telemetry.Sample, error)
	// Reduce applies op to the numeric values of the matching samples
	Reduce(ctx context.Context, f Filter, op Op) (Aggregate, error)
	// PurgeBefore deletes all samples with an event timestamp strictly before cutoff
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
