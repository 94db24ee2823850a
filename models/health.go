package models

import (
	"time"
)

// DeviceHealthStatus represents the health status of a sensor device.
type DeviceHealthStatus string

const (
	DeviceHealthy   DeviceHealthStatus = "healthy"
	DeviceTimeout   DeviceHealthStatus = "timeout"
	DeviceRecovered DeviceHealthStatus = "recovered"
)

// DeviceHealth tracks when a fermentation sensor was last heard from.
// A device that stays silent past the configured timeout is reported
// as timed out; the control loop independently treats its tracker data
// as stale.
type DeviceHealth struct {
	DeviceID    string             `json:"device_id"`
	LastSeen    time.Time          `json:"last_seen"`
	LastRSSI    int                `json:"last_rssi"`
	Status      DeviceHealthStatus `json:"status"`
	TimeoutAt   time.Time          `json:"timeout_at,omitempty"`
	RecoveredAt time.Time          `json:"recovered_at,omitempty"`
}
