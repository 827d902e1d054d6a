package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewDeviceIsOffline(t *testing.T) {
	d, err := New("sensor-001", "boiler", t0)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, d.Status)
	assert.Nil(t, d.LastSeen)
	assert.NotEqual(t, uuid.Nil, d.ID)
}

func TestValidateExternalID(t *testing.T) {
	assert.True(t, errors.Is(ValidateExternalID("ab"), ErrInvalidExternalID))
	assert.True(t, errors.Is(ValidateExternalID(strings.Repeat("x", 101)), ErrInvalidExternalID))
	assert.NoError(t, ValidateExternalID("abc"))
	assert.NoError(t, ValidateExternalID(strings.Repeat("x", 100)))
}

func TestObservePromotesToOnline(t *testing.T) {
	for _, from := range []Status{StatusOffline, StatusOnline, StatusMaintenance, StatusError} {
		d := &Device{Status: from}
		d.Observe(t0)
		assert.Equal(t, StatusOnline, d.Status, "from %s", from)
		require.NotNil(t, d.LastSeen)
		assert.Equal(t, t0, *d.LastSeen)
	}
}

func TestObserveDisabledKeepsStatus(t *testing.T) {
	d := &Device{Status: StatusDisabled}
	d.Observe(t0)
	assert.Equal(t, StatusDisabled, d.Status)
	require.NotNil(t, d.LastSeen)
	assert.Equal(t, t0, *d.LastSeen)
}

func TestObserveLastSeenIsMonotonic(t *testing.T) {
	d := &Device{Status: StatusOffline}
	d.Observe(t0.Add(time.Minute))
	d.Observe(t0)
	assert.Equal(t, t0.Add(time.Minute), *d.LastSeen)
	d.Observe(t0.Add(2 * time.Minute))
	assert.Equal(t, t0.Add(2*time.Minute), *d.LastSeen)
}

func TestSetStatus(t *testing.T) {
	d := &Device{Status: StatusOnline}
	d.SetStatus(StatusMaintenance, t0)
	assert.Equal(t, StatusMaintenance, d.Status)
	assert.Nil(t, d.LastSeen)

	d.SetStatus(StatusOnline, t0)
	assert.Equal(t, StatusOnline, d.Status)
	require.NotNil(t, d.LastSeen)
	assert.Equal(t, t0, *d.LastSeen)

	d.SetStatus(StatusOffline, t0.Add(time.Hour))
	assert.Equal(t, StatusOffline, d.Status)
	assert.Equal(t, t0, *d.LastSeen)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("maintenance")
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, s)

	_, err = ParseStatus("sleeping")
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemory()

	d, err := New("sensor-001", "", t0)
	require.NoError(t, err)
	require.NoError(t, dir.Register(ctx, d))

	dup, _ := New("sensor-001", "", t0)
	assert.True(t, errors.Is(dir.Register(ctx, dup), ErrDuplicateDevice))

	found, err := dir.Lookup(ctx, "sensor-001")
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)

	_, err = dir.Lookup(ctx, "sensor-404")
	assert.True(t, errors.Is(err, ErrUnknownDevice))
	_, err = dir.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrUnknownDevice))

	updated, err := dir.RecordSeen(ctx, d.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, updated.Status)

	// returned devices are copies
	updated.Status = StatusError
	got, err := dir.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)

	_, err = dir.SetStatus(ctx, d.ID, Status("BROKEN"), t0)
	assert.True(t, errors.Is(err, ErrInvalidStatus))
	_, err = dir.SetStatus(ctx, uuid.New(), StatusError, t0)
	assert.True(t, errors.Is(err, ErrUnknownDevice))

	other, _ := New("sensor-002", "", t0)
	require.NoError(t, dir.Register(ctx, other))

	stats, err := dir.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusOnline])
	assert.Equal(t, 1, stats.ByStatus[StatusOffline])
	assert.Equal(t, 0, stats.ByStatus[StatusDisabled])

	stale, err := dir.SeenBefore(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "sensor-001", stale[0].ExternalID)

	stale, err = dir.SeenBefore(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemoryDirectoryConcurrentRecordSeen(t *testing.T) {
	ctx := context.Background()
	dir := NewMemory()
	d, _ := New("sensor-001", "", t0)
	require.NoError(t, dir.Register(ctx, d))

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := dir.RecordSeen(ctx, d.ID, t0.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := dir.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(49*time.Second), *got.LastSeen)
}
