package models

import (
	"time"
)

// BatchStatus is the lifecycle state of a fermentation run.
type BatchStatus string

const (
	BatchPlanning     BatchStatus = "planning"
	BatchBrewing      BatchStatus = "brewing"
	BatchFermenting   BatchStatus = "fermenting"
	BatchConditioning BatchStatus = "conditioning"
	BatchCompleted    BatchStatus = "completed"
)

// Active reports whether readings for this status should be attributed
// to the batch. Only fermenting and conditioning batches record data;
// planning and completed batches stay visible live but are not tracked.
func (s BatchStatus) Active() bool {
	return s == BatchFermenting || s == BatchConditioning
}

// OverrideState is an operator-forced actuator state. It preempts
// automatic temperature control until explicitly cleared.
type OverrideState string

const (
	OverrideNone OverrideState = ""
	OverrideOn   OverrideState = "on"
	OverrideOff  OverrideState = "off"
)

// Batch is a fermentation run. Batches are created and edited by the
// surrounding CRUD layer; the pipeline reads status, target and
// hysteresis and writes back measured statistics and predictions.
type Batch struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	DeviceID       string        `json:"device_id"`
	Status         BatchStatus   `json:"status"`
	Deleted        bool          `json:"deleted"`
	StartedAt      time.Time     `json:"started_at"`
	TargetTemp     float64       `json:"target_temp"`
	Hysteresis     float64       `json:"hysteresis"`
	HeaterID       string        `json:"heater_id,omitempty"`
	CoolerID       string        `json:"cooler_id,omitempty"`
	HeaterOverride OverrideState `json:"heater_override,omitempty"`
	CoolerOverride OverrideState `json:"cooler_override,omitempty"`

	// Computed fields, written by the pipeline.
	MeasuredOG     *float64   `json:"measured_og,omitempty"`
	MinGravity     *float64   `json:"min_gravity,omitempty"`
	MaxGravity     *float64   `json:"max_gravity,omitempty"`
	MinTemp        *float64   `json:"min_temp,omitempty"`
	MaxTemp        *float64   `json:"max_temp,omitempty"`
	PredictedFG    *float64   `json:"predicted_fg,omitempty"`
	PredictedEnd   *time.Time `json:"predicted_end,omitempty"`
	PredConfidence *float64   `json:"pred_confidence,omitempty"`
}

// ControlAction identifies one heater/cooler state transition.
type ControlAction string

const (
	ActionHeatOn  ControlAction = "heat_on"
	ActionHeatOff ControlAction = "heat_off"
	ActionCoolOn  ControlAction = "cool_on"
	ActionCoolOff ControlAction = "cool_off"
)

// ControlEvent is an immutable audit record of one heater/cooler
// transition. Written once per transition, never per poll tick.
type ControlEvent struct {
	ID         int64         `json:"id"`
	BatchID    int64         `json:"batch_id"`
	Action     ControlAction `json:"action"`
	WortTemp   float64       `json:"wort_temp"`
	TargetTemp float64       `json:"target_temp"`
	Timestamp  time.Time     `json:"timestamp"`
}
