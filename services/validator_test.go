package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"krausen/models"
)

func TestValidatorGravity(t *testing.T) {
	t.Parallel()
	v := NewValidator(models.UnitCelsius)

	assert.True(t, v.GravityValid(1.050))
	assert.True(t, v.GravityValid(GravityMin), "lower bound is inclusive")
	assert.True(t, v.GravityValid(GravityMax), "upper bound is inclusive")
	assert.False(t, v.GravityValid(0.499))
	assert.False(t, v.GravityValid(1.201))
}

func TestValidatorTemperature(t *testing.T) {
	t.Parallel()

	t.Run("celsius", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(models.UnitCelsius)
		assert.True(t, v.TempValid(18.5))
		assert.True(t, v.TempValid(0))
		assert.True(t, v.TempValid(100))
		assert.False(t, v.TempValid(-0.1))
		assert.False(t, v.TempValid(100.1))
	})

	t.Run("fahrenheit", func(t *testing.T) {
		t.Parallel()
		v := NewValidator(models.UnitFahrenheit)
		assert.True(t, v.TempValid(65.0))
		assert.True(t, v.TempValid(32))
		assert.True(t, v.TempValid(212))
		assert.False(t, v.TempValid(31.9))
		assert.False(t, v.TempValid(212.1))
		// 65°F would be invalid on the Celsius scale's equivalent wort
		// range only if misconfigured; the unit must flip the bounds.
		assert.False(t, NewValidator(models.UnitCelsius).TempValid(212))
	})
}

func TestValidatorValidate(t *testing.T) {
	t.Parallel()
	v := NewValidator(models.UnitCelsius)

	assert.Equal(t, models.ReadingValid, v.Validate(1.050, 19.0))
	assert.Equal(t, models.ReadingInvalid, v.Validate(1.450, 19.0), "gravity out of range")
	assert.Equal(t, models.ReadingInvalid, v.Validate(1.050, -5.0), "temperature out of range")
	assert.Equal(t, models.ReadingInvalid, v.Validate(0.2, 150.0), "both out of range")
}
