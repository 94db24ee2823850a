package services

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
	"krausen/store"
)

// Broadcaster is the live broadcast boundary; the websocket hub
// implements it. Fire-and-forget, no delivery guarantee.
type Broadcaster interface {
	Broadcast(event models.Event)
}

// AnomalyNotifier receives anomaly events for out-of-band alerting.
type AnomalyNotifier interface {
	NotifyAnomaly(anomaly models.AnomalyEvent)
}

// perDeviceQueueDepth bounds each device worker's backlog before
// Submit starts dropping.
const perDeviceQueueDepth = 64

// IngestPipeline accepts raw reading events from the sensor
// transports, runs calibration and validation, deduplicates bursty
// transports, persists the reading and forwards it to the tracker.
// Readings from one device are processed in arrival order by a
// dedicated worker; devices do not block one another.
type IngestPipeline struct {
	cfg       *config.Config
	store     *store.Store
	linker    *BatchLinker
	tracker   *Tracker
	validator *Validator
	hub       Broadcaster
	notifier  AnomalyNotifier
	health    *HealthCheckService
	logger    *zap.Logger

	mu      sync.Mutex
	workers map[string]chan *models.RawReading
	wg      sync.WaitGroup
	ctx     context.Context

	// last accepted raw sample per device, for debounce
	lastMu sync.Mutex
	last   map[string]*models.RawReading
}

// NewIngestPipeline wires the pipeline. notifier and health may be nil.
func NewIngestPipeline(cfg *config.Config, st *store.Store, linker *BatchLinker, tracker *Tracker,
	hub Broadcaster, notifier AnomalyNotifier, health *HealthCheckService, logger *zap.Logger) *IngestPipeline {
	return &IngestPipeline{
		cfg:       cfg,
		store:     st,
		linker:    linker,
		tracker:   tracker,
		validator: NewValidator(cfg.TempUnit),
		hub:       hub,
		notifier:  notifier,
		health:    health,
		logger:    logger,
		workers:   make(map[string]chan *models.RawReading),
		last:      make(map[string]*models.RawReading),
	}
}

// Start binds the pipeline to its lifetime context. Workers spawned
// afterwards stop when ctx is cancelled; Wait blocks until they drain.
func (p *IngestPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
}

// Wait blocks until all device workers have exited.
func (p *IngestPipeline) Wait() {
	p.wg.Wait()
}

// Submit hands one raw reading to the pipeline. Malformed input is
// rejected here and never reaches calibration. Submit never blocks the
// transport callback: if a device's worker backlog is full the sample
// is dropped with a log line.
func (p *IngestPipeline) Submit(raw *models.RawReading) {
	if raw == nil {
		return
	}
	if raw.DeviceID == "" {
		p.logger.Warn("Rejected reading without device id")
		return
	}
	if math.IsNaN(raw.Gravity) || math.IsInf(raw.Gravity, 0) ||
		math.IsNaN(raw.Temperature) || math.IsInf(raw.Temperature, 0) {
		p.logger.Warn("Rejected reading with non-numeric values",
			zap.String("device_id", raw.DeviceID))
		return
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}

	ch := p.worker(raw.DeviceID)
	if ch == nil {
		return
	}
	select {
	case ch <- raw:
	default:
		p.logger.Warn("Device ingest queue full, dropping reading",
			zap.String("device_id", raw.DeviceID))
	}
}

// worker returns the device's queue, spawning its goroutine on first
// use.
func (p *IngestPipeline) worker(deviceID string) chan *models.RawReading {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		p.logger.Warn("Reading submitted before pipeline start, dropping",
			zap.String("device_id", deviceID))
		return nil
	}
	if p.ctx.Err() != nil {
		return nil
	}
	if ch, ok := p.workers[deviceID]; ok {
		return ch
	}

	ch := make(chan *models.RawReading, perDeviceQueueDepth)
	p.workers[deviceID] = ch
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case raw := <-ch:
				p.process(p.ctx, raw)
			}
		}
	}()
	return ch
}

// process runs one reading through calibration, validation, batch
// linking, tracking and persistence. A failed iteration is logged and
// dropped; it never crashes the worker.
func (p *IngestPipeline) process(ctx context.Context, raw *models.RawReading) {
	if p.health != nil {
		p.health.Touch(raw.DeviceID, raw.RSSI, raw.Timestamp)
	}

	if p.debounced(raw) {
		p.logger.Debug("Debounced duplicate reading",
			zap.String("device_id", raw.DeviceID))
		return
	}

	reading := &models.Reading{
		ID:         uuid.NewString(),
		DeviceID:   raw.DeviceID,
		Timestamp:  raw.Timestamp,
		RawGravity: raw.Gravity,
		RawTemp:    raw.Temperature,
		RSSI:       raw.RSSI,
	}

	// Calibration: correction is deterministic from the raw values
	// plus the device's profile in effect right now. A profile load
	// failure degrades to identity mapping rather than stalling the
	// device.
	reading.Gravity = p.calibrated(ctx, raw.DeviceID, models.QuantityGravity, raw.Gravity)
	reading.Temp = p.calibrated(ctx, raw.DeviceID, models.QuantityTemperature, raw.Temperature)

	reading.Status = p.validator.Validate(reading.Gravity, reading.Temp)
	if reading.Status == models.ReadingInvalid {
		p.logger.Warn("Reading outside physical range",
			zap.String("device_id", reading.DeviceID),
			zap.Float64("gravity", reading.Gravity),
			zap.Float64("temp", reading.Temp))
	}

	batch, err := p.linker.Resolve(ctx, raw.DeviceID, raw.Timestamp)
	if err != nil {
		p.logger.Error("Batch resolution failed, reading kept unlinked",
			zap.String("device_id", raw.DeviceID),
			zap.Error(err))
	}
	if batch != nil {
		reading.BatchID = batch.ID
	}

	// Only valid, batch-linked readings feed the Kalman filters.
	if reading.Status == models.ReadingValid && batch != nil {
		update := p.tracker.Update(reading)
		reading.FilteredSG = &update.FilteredSG
		reading.FilteredTemp = &update.FilteredTemp
		if update.Anomalous() {
			reading.IsAnomaly = true
			reading.AnomalyScore = update.Score()
			reading.AnomalyReason = update.Reason()
			for _, anomaly := range update.Anomalies {
				p.hub.Broadcast(models.Event{Type: models.EventAnomaly, Payload: anomaly})
				if p.notifier != nil {
					p.notifier.NotifyAnomaly(anomaly)
				}
			}
		}
	}

	// Live broadcast goes out unconditionally so the UI can show
	// values during pre-fermentation setup.
	p.hub.Broadcast(models.Event{Type: models.EventReading, Payload: reading})

	if err := p.persist(ctx, reading); err != nil {
		p.logger.Error("Dropping reading after persist retries",
			zap.String("device_id", reading.DeviceID),
			zap.String("reading_id", reading.ID),
			zap.Error(err))
		return
	}

	if reading.Status == models.ReadingValid && batch != nil && !reading.IsAnomaly {
		if err := p.store.UpdateBatchStats(ctx, batch.ID, reading.Gravity, reading.Temp); err != nil {
			p.logger.Error("Failed to update batch statistics",
				zap.Int64("batch_id", batch.ID),
				zap.Error(err))
		}
	}
}

// debounced reports whether the sample repeats the device's previous
// one inside the debounce window, and records it as the new reference
// otherwise.
func (p *IngestPipeline) debounced(raw *models.RawReading) bool {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()

	prev, ok := p.last[raw.DeviceID]
	if ok &&
		raw.Timestamp.Sub(prev.Timestamp) < p.cfg.DebounceWindow &&
		math.Abs(raw.Gravity-prev.Gravity) < p.cfg.DebounceSG &&
		math.Abs(raw.Temperature-prev.Temperature) < p.cfg.DebounceTemp {
		return true
	}
	p.last[raw.DeviceID] = raw
	return false
}

func (p *IngestPipeline) calibrated(ctx context.Context, deviceID string, q models.Quantity, raw float64) float64 {
	points, err := p.store.CalibrationPoints(ctx, deviceID, q)
	if err != nil {
		p.logger.Error("Failed to load calibration profile",
			zap.String("device_id", deviceID),
			zap.String("quantity", string(q)),
			zap.Error(err))
		return raw
	}
	return Calibrate(raw, points)
}

// persist writes the reading with bounded retry and linear backoff.
func (p *IngestPipeline) persist(ctx context.Context, reading *models.Reading) error {
	var err error
	for attempt := 1; attempt <= p.cfg.PersistRetries; attempt++ {
		err = p.store.AppendReading(ctx, reading)
		if err == nil {
			return nil
		}
		p.logger.Warn("Reading persist failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", p.cfg.PersistRetries),
			zap.String("device_id", reading.DeviceID),
			zap.Error(err))
		if attempt < p.cfg.PersistRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.cfg.PersistBackoff):
			}
		}
	}
	return err
}
