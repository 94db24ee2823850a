package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sgKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoiseLevel:    1e-10,
		ProcessNoiseRate:     1e-15,
		MeasurementNoise:     4e-6,
		InitialLevelVariance: 1e-3,
		InitialRateVariance:  1e-8,
	}
}

func TestKalmanSeedsFromFirstObservation(t *testing.T) {
	t.Parallel()
	k := NewKalman(sgKalmanConfig())
	require.False(t, k.Initialized())

	obs := k.Observe(1.058, time.Now(), 4.0)
	require.True(t, k.Initialized())
	assert.Equal(t, 1.058, obs.Level)
	assert.Equal(t, 0.0, obs.Rate)
	assert.False(t, obs.Anomalous, "first observation can never be anomalous")
}

func TestKalmanConvergesOnNoisyConstant(t *testing.T) {
	t.Parallel()
	k := NewKalman(sgKalmanConfig())

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	noise := []float64{0.0011, -0.0008, 0.0004, -0.0013, 0.0007, -0.0002, 0.0009, -0.0006}
	for i := 0; i < 40; i++ {
		k.Observe(1.050+noise[i%len(noise)], at, 0)
		at = at.Add(10 * time.Minute)
	}

	assert.InDelta(t, 1.050, k.Level(), 0.001,
		"smoothed level must sit within the noise band around truth")
	assert.InDelta(t, 0.0, k.Rate()*3600, 0.001,
		"rate must be near zero for a flat series")
}

func TestKalmanTracksFallingGravity(t *testing.T) {
	t.Parallel()
	k := NewKalman(sgKalmanConfig())

	// 0.002 SG per hour drop, sampled every 15 minutes.
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	sg := 1.060
	for i := 0; i < 60; i++ {
		k.Observe(sg, at, 0)
		sg -= 0.0005
		at = at.Add(15 * time.Minute)
	}

	assert.Less(t, k.Rate(), 0.0, "rate must be negative while gravity falls")
	assert.InDelta(t, -0.002, k.Rate()*3600, 0.0005)
}

func TestKalmanConfidence(t *testing.T) {
	t.Parallel()

	t.Run("grows with consistent data", func(t *testing.T) {
		t.Parallel()
		k := NewKalman(sgKalmanConfig())
		at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

		k.Observe(1.050, at, 0)
		prev := k.Confidence()
		assert.Less(t, prev, 0.1, "fresh filter starts near zero confidence")

		for i := 0; i < 20; i++ {
			at = at.Add(10 * time.Minute)
			k.Observe(1.050, at, 0)
			cur := k.Confidence()
			assert.GreaterOrEqual(t, cur, prev,
				"confidence must not fall while data stays consistent")
			prev = cur
		}
		assert.Greater(t, prev, 0.4)
	})

	t.Run("decays across a data gap", func(t *testing.T) {
		t.Parallel()
		k := NewKalman(sgKalmanConfig())
		at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		for i := 0; i < 20; i++ {
			k.Observe(1.050, at, 0)
			at = at.Add(10 * time.Minute)
		}
		before := k.Confidence()

		// A two-day silence, then one observation: the predict step has
		// grown the covariance, so confidence must have dropped.
		at = at.Add(48 * time.Hour)
		k.Observe(1.050, at, 0)
		// One update recovers some certainty but not all of it.
		assert.Less(t, k.Confidence(), before)
	})
}

func TestKalmanAnomalyGate(t *testing.T) {
	t.Parallel()
	k := NewKalman(sgKalmanConfig())
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		k.Observe(1.050, at, 4.0)
		at = at.Add(10 * time.Minute)
	}
	levelBefore := k.Level()

	// A hydrometer knocked against the fermenter wall: +0.030 SG in ten
	// minutes is far outside any plausible innovation.
	obs := k.Observe(1.080, at, 4.0)
	require.True(t, obs.Anomalous)
	assert.InDelta(t, levelBefore, k.Level(), 0.001,
		"rejected observation must not move the state")

	// The next sane observation is accepted normally.
	at = at.Add(10 * time.Minute)
	obs = k.Observe(1.0498, at, 4.0)
	assert.False(t, obs.Anomalous)
}

func TestKalmanGateDisabled(t *testing.T) {
	t.Parallel()
	k := NewKalman(sgKalmanConfig())
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		k.Observe(1.050, at, 0)
		at = at.Add(10 * time.Minute)
	}

	obs := k.Observe(1.090, at, 0)
	assert.False(t, obs.Anomalous, "gate <= 0 disables rejection")
	assert.Greater(t, k.Level(), 1.050, "update must incorporate the outlier")
}

func TestKalmanProjectLevel(t *testing.T) {
	t.Parallel()
	k := NewKalman(sgKalmanConfig())
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	sg := 1.060
	for i := 0; i < 40; i++ {
		k.Observe(sg, at, 0)
		sg -= 0.0005
		at = at.Add(15 * time.Minute)
	}

	projected := k.ProjectLevel(10 * time.Hour)
	assert.Less(t, projected, k.Level(), "projection follows the falling trend")
	assert.InDelta(t, k.Level()+k.Rate()*36000, projected, 1e-12)
}
