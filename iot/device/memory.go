package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Directory
type Memory struct {
	mutex      sync.RWMutex
	byID       map[uuid.UUID]*Device
	byExternal map[string]uuid.UUID
}

// NewMemory returns an empty in-memory directory
func NewMemory() *Memory {
	return &Memory{
		byID:       make(map[uuid.UUID]*Device),
		byExternal: make(map[string]uuid.UUID),
	}
}

// Lookup implements Directory
func (m *Memory) Lookup(ctx context.Context, externalID string) (*Device, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return m.byID[id].clone(), nil
}

// Get implements Directory
func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return d.clone(), nil
}

// RecordSeen implements Directory
func (m *Memory) RecordSeen(ctx context.Context, id uuid.UUID, at time.Time) (*Device, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrUnknownDevice
	}
	d.Observe(at)
	return d.clone(), nil
}

// SetStatus implements Directory
func (m *Memory) SetStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) (*Device, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrUnknownDevice
	}
	d.SetStatus(status, at)
	return d.clone(), nil
}

// Register implements Directory
func (m *Memory) Register(ctx context.Context, d *Device) error {
	if err := ValidateExternalID(d.ExternalID); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.byExternal[d.ExternalID]; ok {
		return ErrDuplicateDevice
	}
	if _, ok := m.byID[d.ID]; ok {
		return ErrDuplicateDevice
	}
	m.byID[d.ID] = d.clone()
	m.byExternal[d.ExternalID] = d.ID
	return nil
}

// Statistics implements Directory
func (m *Memory) Statistics(ctx context.Context) (Statistics, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s := newStatistics()
	for _, d := range m.byID {
		s.Total++
		s.ByStatus[d.Status]++
	}
	return s, nil
}

// SeenBefore implements Directory. Devices which were never seen are not returned.
func (m *Memory) SeenBefore(ctx context.Context, t time.Time) ([]Device, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	devices := []Device{}
	for _, d := range m.byID {
		if d.LastSeen != nil && d.LastSeen.Before(t) {
			devices = append(devices, *d.clone())
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen.Before(*devices[j].LastSeen)
	})
	return devices, nil
}

func (d *Device) clone() *Device {
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	return &c
}
