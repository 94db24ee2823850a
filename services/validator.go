package services

import (
	"krausen/models"
)

// Physical plausibility bounds. Readings outside these ranges come
// from sensor glitches (a tube-stuck hydrometer, a disconnected
// thermistor reporting -127) and would corrupt batch statistics, so
// they are flagged invalid. Invalid readings are still persisted;
// downstream consumers filter on status.
const (
	GravityMin = 0.500
	GravityMax = 1.200

	TempMinC = 0.0
	TempMaxC = 100.0
	TempMinF = 32.0
	TempMaxF = 212.0
)

// Validator classifies corrected readings as physically plausible or
// not, using fixed ranges per quantity.
type Validator struct {
	unit models.TempUnit
}

// NewValidator creates a validator for the configured temperature unit.
func NewValidator(unit models.TempUnit) *Validator {
	return &Validator{unit: unit}
}

// GravityValid reports whether a corrected specific gravity is
// physically plausible.
func (v *Validator) GravityValid(sg float64) bool {
	return sg >= GravityMin && sg <= GravityMax
}

// TempValid reports whether a corrected temperature is physically
// plausible for the configured unit.
func (v *Validator) TempValid(temp float64) bool {
	if v.unit == models.UnitFahrenheit {
		return temp >= TempMinF && temp <= TempMaxF
	}
	return temp >= TempMinC && temp <= TempMaxC
}

// Validate returns the status for a reading with the given corrected
// values. Either quantity out of range marks the whole reading invalid.
func (v *Validator) Validate(sg, temp float64) models.ReadingStatus {
	if !v.GravityValid(sg) || !v.TempValid(temp) {
		return models.ReadingInvalid
	}
	return models.ReadingValid
}
