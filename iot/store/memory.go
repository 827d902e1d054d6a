package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// Memory is an in-memory Store
type Memory struct {
	mutex   sync.RWMutex
	samples []telemetry.Sample
	serial  int64
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{}
}

// Append implements Store
func (m *Memory) Append(ctx context.Context, s *telemetry.Sample) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.serial++
	s.Serial = m.serial
	m.samples = append(m.samples, *s)
	return nil
}

// Select implements Store
func (m *Memory) Select(ctx context.Context, f Filter) ([]telemetry.Sample, error) {
	m.mutex.RLock()
	result := []telemetry.Sample{}
	for i := range m.samples {
		if f.Match(&m.samples[i]) {
			result = append(result, m.samples[i])
		}
	}
	m.mutex.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Newer(&result[j])
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// Reduce implements Store
func (m *Memory) Reduce(ctx context.Context, f Filter, op Op) (Aggregate, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var (
		agg Aggregate
		sum float64
	)
	for i := range m.samples {
		s := &m.samples[i]
		if s.ValueNumeric == nil || !f.Match(s) {
			continue
		}
		v := *s.ValueNumeric
		switch {
		case agg.Count == 0:
			agg.Value = v
		case op == OpMin:
			agg.Value = math.Min(agg.Value, v)
		case op == OpMax:
			agg.Value = math.Max(agg.Value, v)
		}
		sum += v
		agg.Count++
	}
	if op == OpAvg && agg.Count > 0 {
		agg.Value = sum / float64(agg.Count)
	}
	return agg, nil
}

// PurgeBefore implements Store
func (m *Memory) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	kept := m.samples[:0]
	var deleted int64
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	// release references held by the tail
	for i := len(kept); i < len(m.samples); i++ {
		m.samples[i] = telemetry.Sample{}
	}
	m.samples = kept
	return deleted, nil
}
