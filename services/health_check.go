package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/models"
)

// DeviceAlerter is notified when a device goes silent or comes back.
type DeviceAlerter interface {
	NotifyDeviceTimeout(deviceID string, lastSeen time.Time, down time.Duration)
	NotifyDeviceRecovered(deviceID string, down time.Duration)
}

// HealthCheckService tracks when each hydrometer was last heard from.
// Floating hydrometers only report while the wort conducts their
// signal, so a silent device usually means a dead battery or a sunk
// sensor; after the configured timeout an alert goes out, and another
// when the device resumes reporting.
type HealthCheckService struct {
	config  *config.Config
	alerter DeviceAlerter
	logger  *zap.Logger
	devices map[string]*models.DeviceHealth
	mu      sync.RWMutex
	now     func() time.Time
}

// NewHealthCheckService creates the watchdog. alerter may be nil.
func NewHealthCheckService(cfg *config.Config, alerter DeviceAlerter, logger *zap.Logger) *HealthCheckService {
	return &HealthCheckService{
		config:  cfg,
		alerter: alerter,
		logger:  logger,
		devices: make(map[string]*models.DeviceHealth),
		now:     time.Now,
	}
}

// Touch records that a device reported at ts. Called by the ingest
// pipeline for every accepted submission, before dedup.
func (h *HealthCheckService) Touch(deviceID string, rssi int, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	device, exists := h.devices[deviceID]
	if !exists {
		device = &models.DeviceHealth{
			DeviceID: deviceID,
			Status:   models.DeviceHealthy,
		}
		h.devices[deviceID] = device
		h.logger.Info("New device registered for health monitoring",
			zap.String("device_id", deviceID))
	}

	wasTimeout := device.Status == models.DeviceTimeout

	device.LastSeen = ts
	device.LastRSSI = rssi
	device.Status = models.DeviceHealthy

	if wasTimeout {
		now := h.now()
		down := now.Sub(device.TimeoutAt)
		device.Status = models.DeviceRecovered
		device.RecoveredAt = now

		h.logger.Info("Device recovered",
			zap.String("device_id", deviceID),
			zap.Duration("down_duration", down))

		if h.alerter != nil {
			h.alerter.NotifyDeviceRecovered(deviceID, down)
		}
	}
}

// Run checks for silent devices until ctx is cancelled.
func (h *HealthCheckService) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.HealthCheckInterval)
	defer ticker.Stop()

	h.logger.Info("Device health watchdog started",
		zap.Duration("interval", h.config.HealthCheckInterval),
		zap.Duration("timeout", h.config.HealthCheckTimeout))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Device health watchdog stopped")
			return
		case <-ticker.C:
			h.checkTimeouts()
		}
	}
}

// checkTimeouts flags every device that has been silent longer than
// the timeout.
func (h *HealthCheckService) checkTimeouts() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for deviceID, device := range h.devices {
		if device.Status == models.DeviceTimeout {
			continue
		}

		silence := now.Sub(device.LastSeen)
		if silence <= h.config.HealthCheckTimeout {
			continue
		}

		h.logger.Warn("Device silent past timeout",
			zap.String("device_id", deviceID),
			zap.Time("last_seen", device.LastSeen),
			zap.Duration("silence", silence))

		device.Status = models.DeviceTimeout
		device.TimeoutAt = now

		if h.alerter != nil {
			h.alerter.NotifyDeviceTimeout(deviceID, device.LastSeen, silence)
		}
	}
}

// DeviceHealth returns a copy of the health record for a device.
func (h *HealthCheckService) DeviceHealth(deviceID string) (models.DeviceHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	device, exists := h.devices[deviceID]
	if !exists {
		return models.DeviceHealth{}, false
	}
	return *device, true
}

// AllDevices returns a snapshot of every tracked device keyed by id.
func (h *HealthCheckService) AllDevices() map[string]models.DeviceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]models.DeviceHealth, len(h.devices))
	for id, device := range h.devices {
		out[id] = *device
	}
	return out
}
