package services

import (
	"math"
	"time"
)

// KalmanConfig holds the tunable noise parameters for one quantity.
// SG and temperature get separate configurations: gravity drifts
// slowly over hours while temperature can move within minutes, so the
// SG process noise sits orders of magnitude below temperature's.
type KalmanConfig struct {
	// ProcessNoiseLevel - expected variance added to the level per second.
	ProcessNoiseLevel float64

	// ProcessNoiseRate - expected variance added to the rate per second.
	ProcessNoiseRate float64

	// MeasurementNoise - variance of a single sensor observation.
	MeasurementNoise float64

	// InitialLevelVariance / InitialRateVariance - conservative prior
	// uncertainty used when the filter initializes from the first
	// observation.
	InitialLevelVariance float64
	InitialRateVariance  float64
}

// Kalman is a 2-state (level, rate) scalar Kalman filter with a
// variable time step. The transition model is constant-rate:
//
//	level(k+1) = level(k) + rate(k)*dt
//	rate(k+1)  = rate(k)
//
// Only the level is observed. The filter is not safe for concurrent
// use; the tracker serializes access per (device, batch) key.
type Kalman struct {
	cfg KalmanConfig

	level float64
	rate  float64

	// Covariance matrix P = [p00 p01; p10 p11].
	p00, p01, p10, p11 float64

	initialized  bool
	lastUpdate   time.Time
	observations int
}

// Observation is the outcome of feeding one measurement to the filter.
type Observation struct {
	Level       float64
	Rate        float64
	Residual    float64
	ResidualStd float64
	Anomalous   bool
}

// NewKalman creates an uninitialized filter; the first observation
// seeds the state.
func NewKalman(cfg KalmanConfig) *Kalman {
	return &Kalman{cfg: cfg}
}

// Initialized reports whether the filter has seen at least one
// observation.
func (k *Kalman) Initialized() bool {
	return k.initialized
}

// Observe feeds one measurement taken at the given time. gate is the
// anomaly residual multiplier: a residual beyond gate standard
// deviations of the innovation is reported anomalous and excluded from
// the state update so it cannot corrupt the filter. gate <= 0 disables
// gating.
func (k *Kalman) Observe(value float64, at time.Time, gate float64) Observation {
	if !k.initialized {
		k.level = value
		k.rate = 0
		k.p00 = k.cfg.InitialLevelVariance
		k.p01, k.p10 = 0, 0
		k.p11 = k.cfg.InitialRateVariance
		k.initialized = true
		k.lastUpdate = at
		k.observations = 1
		return Observation{Level: k.level, Rate: k.rate}
	}

	dt := at.Sub(k.lastUpdate).Seconds()
	if dt < 0 {
		dt = 0
	}

	// Predict: x = F x, P = F P F' + Q with F = [1 dt; 0 1].
	predLevel := k.level + k.rate*dt
	predRate := k.rate
	predP00 := k.p00 + dt*k.p10 + dt*k.p01 + dt*dt*k.p11 + k.cfg.ProcessNoiseLevel*dt
	predP01 := k.p01 + dt*k.p11
	predP10 := k.p10 + dt*k.p11
	predP11 := k.p11 + k.cfg.ProcessNoiseRate*dt

	// Innovation and its variance: S = P00 + R.
	residual := value - predLevel
	s := predP00 + k.cfg.MeasurementNoise
	residualStd := math.Sqrt(s)

	if gate > 0 && math.Abs(residual) > gate*residualStd {
		// Reject the observation but keep the grown covariance so the
		// filter loses confidence over a run of rejects and gaps.
		k.level = predLevel
		k.rate = predRate
		k.p00, k.p01, k.p10, k.p11 = predP00, predP01, predP10, predP11
		k.lastUpdate = at
		return Observation{
			Level:       predLevel,
			Rate:        predRate,
			Residual:    residual,
			ResidualStd: residualStd,
			Anomalous:   true,
		}
	}

	// Update: K = P H' / S with H = [1 0].
	g0 := predP00 / s
	g1 := predP10 / s

	k.level = predLevel + g0*residual
	k.rate = predRate + g1*residual

	k.p00 = (1 - g0) * predP00
	k.p01 = (1 - g0) * predP01
	k.p10 = predP10 - g1*predP00
	k.p11 = predP11 - g1*predP01

	k.lastUpdate = at
	k.observations++

	return Observation{
		Level:       k.level,
		Rate:        k.rate,
		Residual:    residual,
		ResidualStd: residualStd,
	}
}

// Level returns the current smoothed estimate.
func (k *Kalman) Level() float64 { return k.level }

// Rate returns the current rate-of-change estimate per second.
func (k *Kalman) Rate() float64 { return k.rate }

// LevelVariance returns the posterior variance of the level estimate.
func (k *Kalman) LevelVariance() float64 { return k.p00 }

// Observations returns how many measurements the filter accepted.
func (k *Kalman) Observations() int { return k.observations }

// LastUpdate returns when the filter last saw a measurement.
func (k *Kalman) LastUpdate() time.Time { return k.lastUpdate }

// Confidence maps the posterior level variance to [0, 1]. A freshly
// initialized filter (variance at the conservative prior) scores near
// zero; consistent data drives the variance below the measurement
// noise and the score toward one. Long gaps grow the variance through
// the predict step, so confidence decays without data.
func (k *Kalman) Confidence() float64 {
	if !k.initialized {
		return 0
	}
	return k.cfg.MeasurementNoise / (k.cfg.MeasurementNoise + k.p00)
}

// ProjectLevel extrapolates the level d into the future without
// mutating filter state.
func (k *Kalman) ProjectLevel(d time.Duration) float64 {
	return k.level + k.rate*d.Seconds()
}
