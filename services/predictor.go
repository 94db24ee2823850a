package services

import (
	"math"
	"time"

	"krausen/config"
)

const (
	// attenuationLimit is the apparent attenuation a typical yeast
	// approaches asymptotically; it bounds the projected final gravity
	// when the batch supplies no measured OG history.
	attenuationLimit = 0.82

	// completionEpsilon is how close (in SG points) the projection
	// must get to the asymptote to call fermentation complete.
	completionEpsilon = 0.002

	// qualityHalfLife controls how fast data quality decays when the
	// sensor goes quiet.
	qualityHalfLife = 6 * time.Hour
)

// Prediction is an advisory estimate of where the fermentation is
// heading. Callers must treat it as advisory, never authoritative.
type Prediction struct {
	FinalGravity   float64   `json:"final_gravity"`
	CompletionDate time.Time `json:"completion_date"`
	Confidence     float64   `json:"confidence"`
	DataQuality    float64   `json:"data_quality"`
}

// Predictor derives final-gravity and completion estimates from
// tracker state.
type Predictor struct {
	minSamples    int
	minConfidence float64
}

// NewPredictor creates a predictor with the configured availability
// thresholds.
func NewPredictor(cfg *config.Config) *Predictor {
	return &Predictor{
		minSamples:    cfg.PredictionMinSamples,
		minConfidence: cfg.PredictionMinConfidence,
	}
}

// Predict estimates the asymptotic final gravity and completion date
// from the tracker snapshot. og is the batch's original gravity (zero
// when unknown). Returns ok=false when the sample count is below the
// minimum or confidence is too low: no number is better than a bad
// number.
func (p *Predictor) Predict(snap TrackerSnapshot, og float64, now time.Time) (Prediction, bool) {
	if snap.Samples < p.minSamples || snap.SGConfidence < p.minConfidence {
		return Prediction{}, false
	}

	floor := attenuationFloor(og, snap.FilteredSG)
	remaining := snap.FilteredSG - floor

	pred := Prediction{
		Confidence:  snap.SGConfidence,
		DataQuality: p.dataQuality(snap, now),
	}

	if remaining <= completionEpsilon || snap.SGRate >= 0 {
		// Already at (or past) the asymptote, or gravity is no longer
		// falling: fermentation has effectively finished at the
		// current level.
		if snap.SGRate >= 0 && remaining > completionEpsilon {
			// Gravity stalled well above the floor. Without a falling
			// trend there is no trajectory to project.
			return Prediction{}, false
		}
		pred.FinalGravity = snap.FilteredSG
		pred.CompletionDate = now
		return pred, true
	}

	// Model the approach as exponential decay toward the floor:
	// dSG/dt = -k * (SG - floor), so k follows from the current rate
	// and remaining drop, and the time constant is remaining/|rate|.
	tau := remaining / -snap.SGRate
	horizon := tau * math.Log(remaining/completionEpsilon)

	pred.FinalGravity = floor
	pred.CompletionDate = now.Add(time.Duration(horizon * float64(time.Second)))
	return pred, true
}

// attenuationFloor estimates the lowest gravity the fermentation can
// reach. With a known OG the floor follows from the attenuation limit;
// otherwise the current level minus a conservative margin is used.
func attenuationFloor(og, current float64) float64 {
	if og > 1.0 {
		floor := og - attenuationLimit*(og-1.0)
		if floor < current {
			return floor
		}
	}
	// No usable OG: assume the current level is most of the way there.
	return current - 2*completionEpsilon
}

// dataQuality scores [0,1] from sample count and recency.
func (p *Predictor) dataQuality(snap TrackerSnapshot, now time.Time) float64 {
	sampleScore := float64(snap.Samples) / float64(snap.Samples+p.minSamples)
	age := now.Sub(snap.LastUpdate)
	if age < 0 {
		age = 0
	}
	recencyScore := math.Exp(-age.Seconds() / qualityHalfLife.Seconds() * math.Ln2)
	return sampleScore * recencyScore
}
