// Package device holds the device directory and the device liveness state machine.
//
// Ingestion promotes a device to ONLINE, administrators set any status. Nothing in
// this package ever demotes a device to OFFLINE on its own; SeenBefore lists the
// candidates for an external sweeper.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the liveness status of a device
type Status string

// Liveness states
const (
	StatusOnline      Status = "ONLINE"
	StatusOffline     Status = "OFFLINE"
	StatusMaintenance Status = "MAINTENANCE"
	StatusError       Status = "ERROR"
	StatusDisabled    Status = "DISABLED"
)

// Statuses lists all liveness states
var Statuses = []Status{StatusOnline, StatusOffline, StatusMaintenance, StatusError, StatusDisabled}

var (
	// ErrUnknownDevice is returned when a device does not exist
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDuplicateDevice is returned when registering an external id twice
	ErrDuplicateDevice = errors.New("duplicate device")
	// ErrInvalidExternalID is returned for external ids outside of 3 to 100 characters
	ErrInvalidExternalID = errors.New("invalid external device id")
	// ErrInvalidStatus is returned for unknown status names
	ErrInvalidStatus = errors.New("invalid status")
)

// ParseStatus parses a status name case-insensitively
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// Valid reports whether s is one of the liveness states
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Device is a registered device
type Device struct {
	ID         uuid.UUID  `json:"device_id"`
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name,omitempty"`
	Status     Status     `json:"status"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// New returns a device in its initial OFFLINE state
func New(externalID, name string, createdAt time.Time) (*Device, error) {
	if err := ValidateExternalID(externalID); err != nil {
		return nil, err
	}
	return &Device{
		ID:         uuid.New(),
		ExternalID: externalID,
		Name:       name,
		Status:     StatusOffline,
		CreatedAt:  createdAt.UTC(),
	}, nil
}

// ValidateExternalID checks the length of an external id
func ValidateExternalID(externalID string) error {
	if n := len([]rune(externalID)); n < 3 || n > 100 {
		return fmt.Errorf("%w: %q", ErrInvalidExternalID, externalID)
	}
	return nil
}

// Observe applies a successful ingestion at time at. The device becomes ONLINE
// unless it is DISABLED. Last seen never moves backwards.
func (d *Device) Observe(at time.Time) {
	if d.Status != StatusDisabled {
		d.Status = StatusOnline
	}
	if d.LastSeen == nil || at.After(*d.LastSeen) {
		at = at.UTC()
		d.LastSeen = &at
	}
}

// SetStatus applies an administrative status change. Setting ONLINE refreshes last seen.
func (d *Device) SetStatus(status Status, at time.Time) {
	d.Status = status
	if status == StatusOnline {
		at = at.UTC()
		d.LastSeen = &at
	}
}

// Statistics counts devices per status
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Directory looks up devices and keeps their liveness
type Directory interface {
	// Lookup returns the device with the given external id or ErrUnknownDevice
	Lookup(ctx context.Context, externalID string) (*Device, error)
	// Get returns the device with the given id or ErrUnknownDevice
	Get(ctx context.Context, id uuid.UUID) (*Device, error)
	// RecordSeen applies a successful ingestion to the device and returns the updated device
	RecordSeen(ctx context.Context, id uuid.UUID, at time.Time) (*Device, error)
	// SetStatus applies an administrative status change and returns the updated device
	SetStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) (*Device, error)
	// Register adds a new device
	Register(ctx context.Context, d *Device) error
	// Statistics counts devices per status
	Statistics(ctx context.Context) (Statistics, error)
	// SeenBefore lists the devices whose last seen timestamp is older than t
	SeenBefore(ctx context.Context, t time.Time) ([]Device, error)
}

func newStatistics() Statistics {
	s := Statistics{ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		s.ByStatus[status] = 0
	}
	return s
}
