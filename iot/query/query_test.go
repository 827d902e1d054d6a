package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/iot/device"
	"github.com/relabs-tech/telemetry/iot/store"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *store.Memory
	device *device.Device
}

func newFixture(t *testing.T) *fixture {
	dir := device.NewMemory()
	d, err := device.New("sensor-001", "", t0)
	require.NoError(t, err)
	require.NoError(t, dir.Register(context.Background(), d))
	s := store.NewMemory()
	return &fixture{engine: NewEngine(s, dir), store: s, device: d}
}

func (f *fixture) add(t *testing.T, channel string, ts time.Time, value any) {
	s := &telemetry.Sample{
		ID:         uuid.New(),
		DeviceID:   f.device.ID,
		Timestamp:  ts,
		Topic:      "iot/sensor-001/telemetry",
		DataType:   &channel,
		ReceivedAt: ts,
	}
	switch v := value.(type) {
	case float64:
		s.ValueNumeric = &v
	case string:
		s.ValueString = &v
	case bool:
		s.ValueBoolean = &v
	}
	require.NoError(t, f.store.Append(context.Background(), s))
}

func TestLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		f.add(t, "temperature", t0.Add(time.Duration(i)*time.Second), float64(i))
	}

	result, err := f.engine.Latest(ctx, f.device.ID, 3)
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, t0.Add(5*time.Second), result[0].Timestamp)
	assert.Equal(t, t0.Add(4*time.Second), result[1].Timestamp)
	assert.Equal(t, t0.Add(3*time.Second), result[2].Timestamp)

	result, err = f.engine.Latest(ctx, uuid.New(), 3)
	require.NoError(t, err)
	assert.Empty(t, result)

	_, err = f.engine.Latest(ctx, f.device.ID, 0)
	assert.True(t, errors.Is(err, ErrInvalidLimit))
}

func TestReduce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "temperature", t0, 10.0)
	f.add(t, "temperature", t0.Add(time.Minute), 20.0)
	f.add(t, "temperature", t0.Add(2*time.Minute), 30.0)
	f.add(t, "temperature", t0.Add(3*time.Minute), "n/a")
	f.add(t, "humidity", t0.Add(time.Minute), 99.0)

	value, ok, err := f.engine.Reduce(ctx, f.device.ID, "temperature", t0, t0.Add(time.Hour), store.OpAvg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, value)

	value, ok, err = f.engine.Reduce(ctx, f.device.ID, "temperature", t0, t0.Add(time.Hour), store.OpMin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, value)

	value, ok, err = f.engine.Reduce(ctx, f.device.ID, "temperature", t0, t0.Add(time.Hour), store.OpMax)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, value)

	// empty window is no result, not zero
	_, ok, err = f.engine.Reduce(ctx, f.device.ID, "temperature", t0.Add(time.Hour), t0.Add(2*time.Hour), store.OpAvg)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = f.engine.Reduce(ctx, uuid.New(), "temperature", t0, t0.Add(time.Hour), store.OpAvg)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = f.engine.Reduce(ctx, f.device.ID, "temperature", t0.Add(time.Hour), t0, store.OpAvg)
	assert.True(t, errors.Is(err, ErrInvalidWindow))

	_, _, err = f.engine.Reduce(ctx, f.device.ID, "", t0, t0.Add(time.Hour), store.OpAvg)
	assert.ErrorIs(t, err, ErrMissingChannel)
	_, _, err = f.engine.Reduce(ctx, f.device.ID, "temperature", t0, t0, store.Op("MEDIAN"))
	assert.True(t, errors.Is(err, store.ErrInvalidOp))
}

func TestByWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "temperature", t0, 1.0)
	f.add(t, "humidity", t0.Add(time.Minute), 2.0)
	f.add(t, "temperature", t0.Add(2*time.Minute), 3.0)

	result, err := f.engine.ByWindow(ctx, Window{DeviceID: &f.device.ID, Start: t0, End: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, 2.0, *result[0].ValueNumeric)

	result, err = f.engine.ByWindow(ctx, Window{Channel: "temperature", Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	// a window of a single instant is valid
	result, err = f.engine.ByWindow(ctx, Window{Start: t0, End: t0})
	require.NoError(t, err)
	assert.Len(t, result, 1)

	unknown := uuid.New()
	result, err = f.engine.ByWindow(ctx, Window{DeviceID: &unknown, Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, result)

	_, err = f.engine.ByWindow(ctx, Window{Start: t0.Add(time.Second), End: t0})
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestByChannelAndTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "temperature", t0, 1.0)
	f.add(t, "door", t0.Add(time.Minute), true)

	result, err := f.engine.ByChannel(ctx, "door")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.True(t, *result[0].ValueBoolean)

	result, err = f.engine.ByDeviceAndChannel(ctx, f.device.ID, "temperature")
	require.NoError(t, err)
	assert.Len(t, result, 1)

	result, err = f.engine.ByDeviceAndChannel(ctx, uuid.New(), "temperature")
	require.NoError(t, err)
	assert.Empty(t, result)

	result, err = f.engine.ByTopic(ctx, "iot/sensor-001/telemetry")
	require.NoError(t, err)
	assert.Len(t, result, 2)
}
