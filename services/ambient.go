package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// SensorReader reads a numeric sensor value by entity id.
type SensorReader interface {
	ReadSensor(ctx context.Context, entityID string) (float64, error)
}

// AmbientService polls room and chamber thermometers and broadcasts
// the samples. The readings give UI subscribers context for the
// fermentation curve; nothing downstream depends on them, so poll
// failures only log.
type AmbientService struct {
	config *config.Config
	reader SensorReader
	hub    Broadcaster
	logger *zap.Logger
}

// NewAmbientService creates the poller.
func NewAmbientService(cfg *config.Config, reader SensorReader, hub Broadcaster, logger *zap.Logger) *AmbientService {
	return &AmbientService{
		config: cfg,
		reader: reader,
		hub:    hub,
		logger: logger,
	}
}

// Run polls until ctx is cancelled. The first sample goes out
// immediately so subscribers are not left waiting a full interval.
func (a *AmbientService) Run(ctx context.Context) {
	a.logger.Info("Ambient poller started",
		zap.Duration("interval", a.config.AmbientInterval),
		zap.String("ambient_sensor", a.config.AmbientSensorID),
		zap.String("chamber_sensor", a.config.ChamberSensorID))

	ticker := time.NewTicker(a.config.AmbientInterval)
	defer ticker.Stop()

	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Ambient poller stopped")
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *AmbientService) poll(ctx context.Context) {
	if a.config.AmbientSensorID != "" {
		a.sample(ctx, models.EventAmbient, a.config.AmbientSensorID)
	}
	if a.config.ChamberSensorID != "" {
		a.sample(ctx, models.EventChamber, a.config.ChamberSensorID)
	}
}

func (a *AmbientService) sample(ctx context.Context, event models.EventType, sensorID string) {
	readCtx, cancel := context.WithTimeout(ctx, a.config.AdapterTimeout)
	defer cancel()

	value, err := a.reader.ReadSensor(readCtx, sensorID)
	if err != nil {
		a.logger.Warn("Ambient sensor read failed",
			zap.String("sensor_id", sensorID),
			zap.Error(err))
		return
	}

	a.hub.Broadcast(models.Event{
		Type: event,
		Payload: models.AmbientSample{
			Source:      sensorID,
			Temperature: value,
			Timestamp:   time.Now(),
		},
	})
}
