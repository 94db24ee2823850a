package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// trackerKey identifies one tracked (device, batch) pair.
type trackerKey struct {
	DeviceID string
	BatchID  int64
}

// trackerEntry holds the in-memory filter state for one pair. The
// entry mutex serializes updates per key; distinct devices update in
// parallel.
type trackerEntry struct {
	mu       sync.Mutex
	sg       *Kalman
	temp     *Kalman
	lastSeen time.Time
	samples  int
}

// TrackerUpdate is the outcome of folding one valid reading into the
// tracker, including per-quantity anomaly verdicts.
type TrackerUpdate struct {
	FilteredSG   float64
	FilteredTemp float64
	SGRate       float64
	TempRate     float64
	Anomalies    []models.AnomalyEvent
}

// Anomalous reports whether any quantity was rejected by residual
// gating.
func (u *TrackerUpdate) Anomalous() bool {
	return len(u.Anomalies) > 0
}

// Score returns the largest normalized residual across quantities.
func (u *TrackerUpdate) Score() float64 {
	score := 0.0
	for _, a := range u.Anomalies {
		if a.Score > score {
			score = a.Score
		}
	}
	return score
}

// Reason joins the anomaly reasons for persistence on the reading.
func (u *TrackerUpdate) Reason() string {
	reason := ""
	for _, a := range u.Anomalies {
		if reason != "" {
			reason += "; "
		}
		reason += a.Reason
	}
	return reason
}

// TrackerSnapshot is a read-only view of one pair's filter state, used
// by the control loop and the prediction engine.
type TrackerSnapshot struct {
	DeviceID       string
	BatchID        int64
	FilteredSG     float64
	SGRate         float64
	SGConfidence   float64
	FilteredTemp   float64
	TempRate       float64
	TempConfidence float64
	LastUpdate     time.Time
	Samples        int
}

// Tracker maintains per-(device, batch) Kalman state for SG and
// temperature and flags readings whose residuals are inconsistent with
// the recent trend. State is created on the first valid reading for a
// pair and evicted when the batch leaves an active status or the pair
// goes idle past the configured timeout.
type Tracker struct {
	logger      *zap.Logger
	sgConfig    KalmanConfig
	tempConfig  KalmanConfig
	gate        float64
	idleTimeout time.Duration

	mu      sync.RWMutex
	entries map[trackerKey]*trackerEntry
}

// NewTracker creates a tracker wired to the configured noise
// parameters.
func NewTracker(cfg *config.Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		sgConfig: KalmanConfig{
			ProcessNoiseLevel:    cfg.SGProcessNoise,
			ProcessNoiseRate:     cfg.SGRateProcessNoise,
			MeasurementNoise:     cfg.SGMeasurementNoise,
			InitialLevelVariance: 1e-3,
			InitialRateVariance:  1e-8,
		},
		tempConfig: KalmanConfig{
			ProcessNoiseLevel:    cfg.TempProcessNoise,
			ProcessNoiseRate:     cfg.TempRateProcessNoise,
			MeasurementNoise:     cfg.TempMeasurementNoise,
			InitialLevelVariance: 25.0,
			InitialRateVariance:  0.01,
		},
		gate:        cfg.AnomalyMultiplier,
		idleTimeout: cfg.TrackerIdleTimeout,
		entries:     make(map[trackerKey]*trackerEntry),
	}
}

func (t *Tracker) entry(key trackerKey) *trackerEntry {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[key]; ok {
		return e
	}
	e = &trackerEntry{
		sg:   NewKalman(t.sgConfig),
		temp: NewKalman(t.tempConfig),
	}
	t.entries[key] = e
	t.logger.Info("Tracker state created",
		zap.String("device_id", key.DeviceID),
		zap.Int64("batch_id", key.BatchID))
	return e
}

// Update folds one valid, batch-linked reading into the pair's
// filters. Anomalous observations are reported but excluded from the
// filter state. Readings for a single device must arrive in order; the
// per-entry lock keeps one update in flight per pair.
func (t *Tracker) Update(r *models.Reading) *TrackerUpdate {
	key := trackerKey{DeviceID: r.DeviceID, BatchID: r.BatchID}
	e := t.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	sgObs := e.sg.Observe(r.Gravity, r.Timestamp, t.gate)
	tempObs := e.temp.Observe(r.Temp, r.Timestamp, t.gate)

	e.lastSeen = r.Timestamp
	e.samples++

	update := &TrackerUpdate{
		FilteredSG:   sgObs.Level,
		FilteredTemp: tempObs.Level,
		SGRate:       sgObs.Rate,
		TempRate:     tempObs.Rate,
	}

	if sgObs.Anomalous {
		score := normalizedResidual(sgObs)
		update.Anomalies = append(update.Anomalies, models.AnomalyEvent{
			DeviceID:  r.DeviceID,
			BatchID:   r.BatchID,
			Quantity:  models.QuantityGravity,
			Observed:  r.Gravity,
			Predicted: sgObs.Level,
			Score:     score,
			Reason:    fmt.Sprintf("SG jump inconsistent with recent trend (residual %.4f, %.1fσ)", sgObs.Residual, score),
			Timestamp: r.Timestamp,
		})
	}
	if tempObs.Anomalous {
		score := normalizedResidual(tempObs)
		update.Anomalies = append(update.Anomalies, models.AnomalyEvent{
			DeviceID:  r.DeviceID,
			BatchID:   r.BatchID,
			Quantity:  models.QuantityTemperature,
			Observed:  r.Temp,
			Predicted: tempObs.Level,
			Score:     score,
			Reason:    fmt.Sprintf("temperature jump inconsistent with recent trend (residual %.2f, %.1fσ)", tempObs.Residual, score),
			Timestamp: r.Timestamp,
		})
	}

	return update
}

func normalizedResidual(o Observation) float64 {
	if o.ResidualStd == 0 {
		return 0
	}
	return math.Abs(o.Residual) / o.ResidualStd
}

// Snapshot returns the current filter state for a pair, or ok=false
// when the pair is not tracked.
func (t *Tracker) Snapshot(deviceID string, batchID int64) (TrackerSnapshot, bool) {
	t.mu.RLock()
	e, ok := t.entries[trackerKey{DeviceID: deviceID, BatchID: batchID}]
	t.mu.RUnlock()
	if !ok {
		return TrackerSnapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sg.Initialized() {
		return TrackerSnapshot{}, false
	}
	return TrackerSnapshot{
		DeviceID:       deviceID,
		BatchID:        batchID,
		FilteredSG:     e.sg.Level(),
		SGRate:         e.sg.Rate(),
		SGConfidence:   e.sg.Confidence(),
		FilteredTemp:   e.temp.Level(),
		TempRate:       e.temp.Rate(),
		TempConfidence: e.temp.Confidence(),
		LastUpdate:     e.lastSeen,
		Samples:        e.samples,
	}, true
}

// Snapshots returns the state of every tracked pair that has seen at
// least one accepted reading.
func (t *Tracker) Snapshots() []TrackerSnapshot {
	t.mu.RLock()
	keys := make([]trackerKey, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	t.mu.RUnlock()

	out := make([]TrackerSnapshot, 0, len(keys))
	for _, key := range keys {
		if snap, ok := t.Snapshot(key.DeviceID, key.BatchID); ok {
			out = append(out, snap)
		}
	}
	return out
}

// EvictBatch discards the state for a batch that left an active
// status.
func (t *Tracker) EvictBatch(batchID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.entries {
		if key.BatchID == batchID {
			delete(t.entries, key)
			t.logger.Info("Tracker state evicted",
				zap.String("device_id", key.DeviceID),
				zap.Int64("batch_id", key.BatchID),
				zap.String("cause", "batch_inactive"))
		}
	}
}

// evictIdle discards pairs that have not seen a reading within the
// idle timeout.
func (t *Tracker) evictIdle(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		e.mu.Lock()
		idle := !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > t.idleTimeout
		e.mu.Unlock()
		if idle {
			delete(t.entries, key)
			t.logger.Info("Tracker state evicted",
				zap.String("device_id", key.DeviceID),
				zap.Int64("batch_id", key.BatchID),
				zap.String("cause", "idle_timeout"))
		}
	}
}

// Run periodically evicts idle tracker state until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.idleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evictIdle(time.Now())
		}
	}
}

// TrackedPairs returns the number of live tracker entries (for the
// health endpoint).
func (t *Tracker) TrackedPairs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
