// Package admin implements the administrative operations on devices and the
// sample store.
package admin

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/store"
)

// Service executes administrative commands
type Service struct {
	directory device.Directory
	store     store.Store
	clock     func() time.Time
}

// Builder is a builder helper for the Service
type Builder struct {
	// Directory is mandatory
	Directory device.Directory
	// Store is mandatory
	Store store.Store
	// Clock is optional and defaults to time.Now
	Clock func() time.Time
}

// New returns an admin service
func New(b *Builder) *Service {
	if b.Directory == nil {
		panic("Directory is missing")
	}
	if b.Store == nil {
		panic("Store is missing")
	}
	clock := b.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{directory: b.Directory, store: b.Store, clock: clock}
}

// SetStatus sets the liveness status of a device unconditionally
func (s *Service) SetStatus(ctx context.Context, deviceID uuid.UUID, status device.Status) (*device.Device, error) {
	d, err := s.directory.SetStatus(ctx, deviceID, status, s.clock().UTC())
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("status of device %s (%s) set to %s", d.ExternalID, d.ID, d.Status)
	return d, nil
}

// PurgeBefore deletes all samples with an event timestamp before cutoff and returns how many were deleted
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	logger.FromContext(ctx).Infof("purged %d samples before %s", n, cutoff.UTC().Format(time.RFC3339))
	return n, nil
}

// Statistics counts devices per status
func (s *Service) Statistics(ctx context.Context) (device.Statistics, error) {
	return s.directory.Statistics(ctx)
}

// Stale returns the devices which have not been seen within olderThan
func (s *Service) Stale(ctx context.Context, olderThan time.Duration) ([]device.Device, error) {
	return s.directory.SeenBefore(ctx, s.clock().Add(-olderThan))
}
