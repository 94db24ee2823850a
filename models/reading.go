package models

import (
	"time"
)

// RawReading is the inbound telemetry sample as pushed by a sensor
// transport (MQTT, AMQP bridge or HTTP push). Values are uncalibrated.
type RawReading struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Gravity     float64   `json:"gravity"`
	Temperature float64   `json:"temperature"`
	RSSI        int       `json:"rssi"`
}

// ReadingStatus classifies a reading's physical plausibility.
type ReadingStatus string

const (
	ReadingValid   ReadingStatus = "valid"
	ReadingInvalid ReadingStatus = "invalid"
)

// Reading is one calibrated telemetry sample. Corrected values are
// derived from the raw values plus the device calibration in effect at
// ingest time. A Reading is immutable once its ingest transaction
// completes; invalid readings are retained but excluded from filter
// updates and statistics.
type Reading struct {
	ID            string        `json:"id"`
	DeviceID      string        `json:"device_id"`
	Timestamp     time.Time     `json:"timestamp"`
	RawGravity    float64       `json:"raw_gravity"`
	RawTemp       float64       `json:"raw_temp"`
	Gravity       float64       `json:"gravity"`
	Temp          float64       `json:"temp"`
	RSSI          int           `json:"rssi"`
	Status        ReadingStatus `json:"status"`
	BatchID       int64         `json:"batch_id,omitempty"`
	FilteredSG    *float64      `json:"filtered_sg,omitempty"`
	FilteredTemp  *float64      `json:"filtered_temp,omitempty"`
	IsAnomaly     bool          `json:"is_anomaly,omitempty"`
	AnomalyScore  float64       `json:"anomaly_score,omitempty"`
	AnomalyReason string        `json:"anomaly_reason,omitempty"`
}

// Quantity identifies which physical quantity a calibration profile or
// filter applies to.
type Quantity string

const (
	QuantityGravity     Quantity = "gravity"
	QuantityTemperature Quantity = "temperature"
)

// CalibrationPoint is one (raw, actual) correction anchor for a sensor.
type CalibrationPoint struct {
	ID       int64    `json:"id"`
	DeviceID string   `json:"device_id"`
	Quantity Quantity `json:"quantity"`
	Raw      float64  `json:"raw"`
	Actual   float64  `json:"actual"`
}

// TempUnit selects the temperature scale used across the pipeline.
type TempUnit string

const (
	UnitCelsius    TempUnit = "C"
	UnitFahrenheit TempUnit = "F"
)
