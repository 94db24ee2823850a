package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// testConfig returns the default pipeline tuning used across the
// service tests.
func testConfig() *config.Config {
	return &config.Config{
		TempUnit:       models.UnitCelsius,
		DebounceWindow: 30 * time.Second,
		DebounceSG:     0.0005,
		DebounceTemp:   0.1,
		PersistRetries: 3,
		PersistBackoff: time.Millisecond,

		SGProcessNoise:       1e-10,
		SGRateProcessNoise:   1e-15,
		SGMeasurementNoise:   4e-6,
		TempProcessNoise:     1e-4,
		TempRateProcessNoise: 1e-9,
		TempMeasurementNoise: 0.25,
		AnomalyMultiplier:    4.0,
		TrackerIdleTimeout:   6 * time.Hour,

		PredictionMinSamples:    12,
		PredictionMinConfidence: 0.3,
		PredictionInterval:      10 * time.Minute,

		AdapterTimeout:   time.Second,
		ControlInterval:  time.Minute,
		StaleDataTimeout: 15 * time.Minute,
	}
}

func steadyReading(deviceID string, batchID int64, sg, temp float64, at time.Time) *models.Reading {
	return &models.Reading{
		DeviceID:  deviceID,
		BatchID:   batchID,
		Timestamp: at,
		Gravity:   sg,
		Temp:      temp,
		Status:    models.ReadingValid,
	}
}

func TestTrackerUpdateAndSnapshot(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())

	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)
	var last *TrackerUpdate
	for i := 0; i < 20; i++ {
		last = tr.Update(steadyReading("tilt-1", 7, 1.050-float64(i)*0.0002, 19.0, at))
		at = at.Add(10 * time.Minute)
	}
	require.NotNil(t, last)
	assert.False(t, last.Anomalous())

	snap, ok := tr.Snapshot("tilt-1", 7)
	require.True(t, ok)
	assert.Equal(t, "tilt-1", snap.DeviceID)
	assert.Equal(t, int64(7), snap.BatchID)
	assert.Equal(t, 20, snap.Samples)
	assert.InDelta(t, 1.050-19*0.0002, snap.FilteredSG, 0.001)
	assert.InDelta(t, 19.0, snap.FilteredTemp, 0.5)
	assert.Less(t, snap.SGRate, 0.0)
	assert.Greater(t, snap.SGConfidence, 0.3)
}

func TestTrackerSnapshotMissingPair(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())
	_, ok := tr.Snapshot("nobody", 1)
	assert.False(t, ok)
}

func TestTrackerStateIsPerPair(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())
	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

	tr.Update(steadyReading("tilt-1", 7, 1.050, 19.0, at))
	tr.Update(steadyReading("tilt-1", 8, 1.090, 22.0, at))
	tr.Update(steadyReading("tilt-2", 7, 1.010, 12.0, at))

	a, _ := tr.Snapshot("tilt-1", 7)
	b, _ := tr.Snapshot("tilt-1", 8)
	c, _ := tr.Snapshot("tilt-2", 7)
	assert.InDelta(t, 1.050, a.FilteredSG, 1e-9)
	assert.InDelta(t, 1.090, b.FilteredSG, 1e-9)
	assert.InDelta(t, 1.010, c.FilteredSG, 1e-9)
	assert.Equal(t, 3, tr.TrackedPairs())
}

func TestTrackerFlagsGravityJump(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())

	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		tr.Update(steadyReading("tilt-1", 7, 1.048, 19.0, at))
		at = at.Add(10 * time.Minute)
	}
	before, _ := tr.Snapshot("tilt-1", 7)

	// Hydrometer knocked loose: SG cannot physically jump 0.03 between
	// two ten-minute samples.
	update := tr.Update(steadyReading("tilt-1", 7, 1.078, 19.0, at))
	require.True(t, update.Anomalous())
	require.Len(t, update.Anomalies, 1)

	anomaly := update.Anomalies[0]
	assert.Equal(t, models.QuantityGravity, anomaly.Quantity)
	assert.Equal(t, "tilt-1", anomaly.DeviceID)
	assert.Equal(t, int64(7), anomaly.BatchID)
	assert.InDelta(t, 1.078, anomaly.Observed, 1e-9)
	assert.Greater(t, anomaly.Score, 4.0)
	assert.Contains(t, anomaly.Reason, "inconsistent with recent trend")

	after, _ := tr.Snapshot("tilt-1", 7)
	assert.InDelta(t, before.FilteredSG, after.FilteredSG, 0.001,
		"rejected observation must not drag the filtered estimate")
}

func TestTrackerFlagsTemperatureJump(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())

	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		tr.Update(steadyReading("tilt-1", 7, 1.048, 19.0, at))
		at = at.Add(10 * time.Minute)
	}

	update := tr.Update(steadyReading("tilt-1", 7, 1.048, 31.0, at))
	require.True(t, update.Anomalous())
	require.Len(t, update.Anomalies, 1)
	assert.Equal(t, models.QuantityTemperature, update.Anomalies[0].Quantity)
}

func TestTrackerEvictBatch(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())
	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

	tr.Update(steadyReading("tilt-1", 7, 1.050, 19.0, at))
	tr.Update(steadyReading("tilt-2", 7, 1.060, 20.0, at))
	tr.Update(steadyReading("tilt-1", 8, 1.040, 18.0, at))

	tr.EvictBatch(7)

	_, ok := tr.Snapshot("tilt-1", 7)
	assert.False(t, ok)
	_, ok = tr.Snapshot("tilt-2", 7)
	assert.False(t, ok)
	_, ok = tr.Snapshot("tilt-1", 8)
	assert.True(t, ok, "other batches keep their state")
}

func TestTrackerEvictIdle(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())
	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

	tr.Update(steadyReading("tilt-stale", 7, 1.050, 19.0, at))
	tr.Update(steadyReading("tilt-live", 7, 1.060, 20.0, at.Add(5*time.Hour)))

	tr.evictIdle(at.Add(7 * time.Hour))

	_, ok := tr.Snapshot("tilt-stale", 7)
	assert.False(t, ok, "pair idle past the timeout is evicted")
	_, ok = tr.Snapshot("tilt-live", 7)
	assert.True(t, ok)
}

func TestTrackerSnapshots(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testConfig(), zap.NewNop())
	at := time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

	tr.Update(steadyReading("tilt-1", 7, 1.050, 19.0, at))
	tr.Update(steadyReading("tilt-2", 8, 1.060, 20.0, at))

	snaps := tr.Snapshots()
	assert.Len(t, snaps, 2)
}
