package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krausen/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testBatch(deviceID string, status models.BatchStatus, startedAt time.Time) *models.Batch {
	return &models.Batch{
		Name:       "IPA #12",
		DeviceID:   deviceID,
		Status:     status,
		StartedAt:  startedAt,
		TargetTemp: 19.0,
		Hysteresis: 0.5,
	}
}

func TestBatchRoundtrip(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	started := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	b := testBatch("tilt-1", models.BatchFermenting, started)
	b.HeaterID = "ha:switch.heater"
	b.HeaterOverride = models.OverrideOff

	id, err := st.CreateBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, id, b.ID)

	got, err := st.GetBatch(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "IPA #12", got.Name)
	assert.Equal(t, "tilt-1", got.DeviceID)
	assert.Equal(t, models.BatchFermenting, got.Status)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, "ha:switch.heater", got.HeaterID)
	assert.Empty(t, got.CoolerID)
	assert.Equal(t, models.OverrideOff, got.HeaterOverride)
	assert.Equal(t, models.OverrideNone, got.CoolerOverride)
	assert.Nil(t, got.MeasuredOG)
	assert.Nil(t, got.PredictedFG)
}

func TestGetBatchMissing(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	got, err := st.GetBatch(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestActiveBatchesForDevice(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchPlanning, base))
	require.NoError(t, err)
	_, err = st.CreateBatch(ctx, testBatch("tilt-1", models.BatchCompleted, base.AddDate(0, 0, 1)))
	require.NoError(t, err)
	older, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchFermenting, base.AddDate(0, 0, 2)))
	require.NoError(t, err)
	newer, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchConditioning, base.AddDate(0, 0, 10)))
	require.NoError(t, err)
	_, err = st.CreateBatch(ctx, testBatch("tilt-2", models.BatchFermenting, base))
	require.NoError(t, err)

	deleted := testBatch("tilt-1", models.BatchFermenting, base.AddDate(0, 0, 20))
	deleted.Deleted = true
	_, err = st.CreateBatch(ctx, deleted)
	require.NoError(t, err)

	batches, err := st.ActiveBatchesForDevice(ctx, "tilt-1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, newer, batches[0].ID, "most recently started first")
	assert.Equal(t, older, batches[1].ID)
}

func TestControlledBatches(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Active without any actuator: not controlled.
	_, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchFermenting, base))
	require.NoError(t, err)

	heated := testBatch("tilt-2", models.BatchFermenting, base)
	heated.HeaterID = "ha:switch.heater"
	heatedID, err := st.CreateBatch(ctx, heated)
	require.NoError(t, err)

	cooled := testBatch("tilt-3", models.BatchConditioning, base)
	cooled.CoolerID = "gw:cellar-plug"
	cooledID, err := st.CreateBatch(ctx, cooled)
	require.NoError(t, err)

	// Completed with an actuator: not controlled either.
	done := testBatch("tilt-4", models.BatchCompleted, base)
	done.HeaterID = "ha:switch.heater"
	_, err = st.CreateBatch(ctx, done)
	require.NoError(t, err)

	batches, err := st.ControlledBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, heatedID, batches[0].ID)
	assert.Equal(t, cooledID, batches[1].ID)
}

func TestUpdateBatchStats(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	id, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchFermenting, time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.UpdateBatchStats(ctx, id, 1.058, 19.5))
	require.NoError(t, st.UpdateBatchStats(ctx, id, 1.052, 21.0))
	require.NoError(t, st.UpdateBatchStats(ctx, id, 1.055, 18.0))

	b, err := st.GetBatch(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, b.MeasuredOG)
	assert.InDelta(t, 1.058, *b.MeasuredOG, 1e-9, "first gravity sticks as OG")
	require.NotNil(t, b.MinGravity)
	assert.InDelta(t, 1.052, *b.MinGravity, 1e-9)
	require.NotNil(t, b.MaxGravity)
	assert.InDelta(t, 1.058, *b.MaxGravity, 1e-9)
	require.NotNil(t, b.MinTemp)
	assert.InDelta(t, 18.0, *b.MinTemp, 1e-9)
	require.NotNil(t, b.MaxTemp)
	assert.InDelta(t, 21.0, *b.MaxTemp, 1e-9)
}

func TestUpdateBatchPrediction(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	id, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchFermenting, time.Now()))
	require.NoError(t, err)

	end := time.Date(2026, 4, 20, 18, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateBatchPrediction(ctx, id, 1.012, end, 0.72))

	b, err := st.GetBatch(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, b.PredictedFG)
	assert.InDelta(t, 1.012, *b.PredictedFG, 1e-9)
	require.NotNil(t, b.PredictedEnd)
	assert.True(t, b.PredictedEnd.Equal(end))
	require.NotNil(t, b.PredConfidence)
	assert.InDelta(t, 0.72, *b.PredConfidence, 1e-9)
}

func TestOverrides(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	id, err := st.CreateBatch(ctx, testBatch("tilt-1", models.BatchFermenting, time.Now()))
	require.NoError(t, err)

	require.NoError(t, st.SetHeaterOverride(ctx, id, models.OverrideOn))
	require.NoError(t, st.SetCoolerOverride(ctx, id, models.OverrideOff))

	b, err := st.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OverrideOn, b.HeaterOverride)
	assert.Equal(t, models.OverrideOff, b.CoolerOverride)

	require.NoError(t, st.SetHeaterOverride(ctx, id, models.OverrideNone))
	b, err = st.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OverrideNone, b.HeaterOverride)
}

func TestReadingRoundtrip(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	filteredSG := 1.0495
	filteredTemp := 19.2
	at := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	r := &models.Reading{
		ID:           uuid.NewString(),
		DeviceID:     "tilt-1",
		Timestamp:    at,
		RawGravity:   1.048,
		RawTemp:      19.0,
		Gravity:      1.050,
		Temp:         19.3,
		RSSI:         -68,
		Status:       models.ReadingValid,
		BatchID:      3,
		FilteredSG:   &filteredSG,
		FilteredTemp: &filteredTemp,
	}
	require.NoError(t, st.AppendReading(ctx, r))

	later := *r
	later.ID = uuid.NewString()
	later.Timestamp = at.Add(10 * time.Minute)
	later.IsAnomaly = true
	later.AnomalyScore = 6.2
	later.AnomalyReason = "gravity inconsistent with recent trend"
	require.NoError(t, st.AppendReading(ctx, &later))

	readings, err := st.ReadingsForBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, r.ID, readings[0].ID, "timestamp order")
	assert.InDelta(t, 1.048, readings[0].RawGravity, 1e-9)
	assert.InDelta(t, 1.050, readings[0].Gravity, 1e-9)
	assert.Equal(t, models.ReadingValid, readings[0].Status)
	require.NotNil(t, readings[0].FilteredSG)
	assert.InDelta(t, 1.0495, *readings[0].FilteredSG, 1e-9)
	assert.True(t, readings[1].IsAnomaly)
	assert.InDelta(t, 6.2, readings[1].AnomalyScore, 1e-9)
	assert.Equal(t, "gravity inconsistent with recent trend", readings[1].AnomalyReason)
}

func TestReadingsForDevice(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := &models.Reading{
			ID:        uuid.NewString(),
			DeviceID:  "tilt-1",
			Timestamp: at.Add(time.Duration(i) * time.Minute),
			Gravity:   1.050,
			Temp:      19.0,
			Status:    models.ReadingValid,
		}
		require.NoError(t, st.AppendReading(ctx, r))
	}
	other := &models.Reading{
		ID:        uuid.NewString(),
		DeviceID:  "tilt-2",
		Timestamp: at,
		Gravity:   1.040,
		Temp:      18.0,
		Status:    models.ReadingValid,
	}
	require.NoError(t, st.AppendReading(ctx, other))

	readings, err := st.ReadingsForDevice(ctx, "tilt-1", 3)
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.True(t, readings[0].Timestamp.After(readings[1].Timestamp), "newest first")
	for _, r := range readings {
		assert.Equal(t, "tilt-1", r.DeviceID)
		assert.Zero(t, r.BatchID, "unlinked readings come back with batch id 0")
	}
}

func TestCalibrationPointsSortedByRaw(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	for _, p := range []struct{ raw, actual float64 }{
		{1.060, 1.062},
		{1.000, 1.001},
		{1.030, 1.033},
	} {
		require.NoError(t, st.AddCalibrationPoint(ctx, &models.CalibrationPoint{
			DeviceID: "tilt-1",
			Quantity: models.QuantityGravity,
			Raw:      p.raw,
			Actual:   p.actual,
		}))
	}
	require.NoError(t, st.AddCalibrationPoint(ctx, &models.CalibrationPoint{
		DeviceID: "tilt-1",
		Quantity: models.QuantityTemperature,
		Raw:      20.0,
		Actual:   19.6,
	}))

	points, err := st.CalibrationPoints(ctx, "tilt-1", models.QuantityGravity)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 1.000, points[0].Raw, 1e-9)
	assert.InDelta(t, 1.030, points[1].Raw, 1e-9)
	assert.InDelta(t, 1.060, points[2].Raw, 1e-9)

	points, err = st.CalibrationPoints(ctx, "tilt-1", models.QuantityTemperature)
	require.NoError(t, err)
	require.Len(t, points, 1)

	points, err = st.CalibrationPoints(ctx, "tilt-9", models.QuantityGravity)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestControlEventsAppendOnly(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	at := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	first := &models.ControlEvent{
		BatchID:    5,
		Action:     models.ActionHeatOn,
		WortTemp:   18.4,
		TargetTemp: 19.0,
		Timestamp:  at,
	}
	require.NoError(t, st.AppendControlEvent(ctx, first))
	assert.NotZero(t, first.ID)

	second := &models.ControlEvent{
		BatchID:    5,
		Action:     models.ActionHeatOff,
		WortTemp:   19.1,
		TargetTemp: 19.0,
		Timestamp:  at.Add(40 * time.Minute),
	}
	require.NoError(t, st.AppendControlEvent(ctx, second))

	events, err := st.ControlEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionHeatOn, events[0].Action)
	assert.Equal(t, models.ActionHeatOff, events[1].Action)
	assert.InDelta(t, 18.4, events[0].WortTemp, 1e-9)
	assert.True(t, events[1].Timestamp.After(events[0].Timestamp))

	events, err = st.ControlEvents(ctx, 6)
	require.NoError(t, err)
	assert.Empty(t, events)
}
