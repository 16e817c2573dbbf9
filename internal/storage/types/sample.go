package types

import (
	"time"

	"github.com/xtxerr/cistern/internal/constants"
)

// Sample is a single immutable sensor reading.
// Windows keep samples newest first; TimestampMs is informational and does
// not define recency (arrival order does).
type Sample interface {
	// SampleID returns the unique identifier assigned by the producer.
	SampleID() string

	// Timestamp returns the producer's wall-clock time in Unix milliseconds.
	Timestamp() int64

	// Field returns the value of a named numeric field.
	Field(name string) (float64, bool)

	// FieldNames lists the numeric fields in presentation order.
	FieldNames() []string
}

// WaterLevel is a tank reading.
type WaterLevel struct {
	ID          string
	TimestampMs int64

	// Level is the measured water height reported by the sensor.
	Level float64

	// Volume is the current water volume in m³.
	Volume float64
}

var waterLevelFields = []string{constants.FieldLevel, constants.FieldVolume}

func (w WaterLevel) SampleID() string { return w.ID }
func (w WaterLevel) Timestamp() int64 { return w.TimestampMs }

func (w WaterLevel) Field(name string) (float64, bool) {
	switch name {
	case constants.FieldLevel:
		return w.Level, true
	case constants.FieldVolume:
		return w.Volume, true
	default:
		return 0, false
	}
}

func (w WaterLevel) FieldNames() []string { return waterLevelFields }

// TimestampTime returns the timestamp as a time.Time.
func (w WaterLevel) TimestampTime() time.Time {
	return time.UnixMilli(w.TimestampMs)
}

// Litres returns the volume in litres.
func (w WaterLevel) Litres() float64 {
	return w.Volume * 1000
}

// AtmosphericCondition is an ambient reading.
type AtmosphericCondition struct {
	ID          string
	TimestampMs int64

	// Temperature in degrees Celsius.
	Temperature float64

	// Humidity as relative humidity in percent.
	Humidity float64
}

var atmosphericFields = []string{constants.FieldTemperature, constants.FieldHumidity}

func (a AtmosphericCondition) SampleID() string { return a.ID }
func (a AtmosphericCondition) Timestamp() int64 { return a.TimestampMs }

func (a AtmosphericCondition) Field(name string) (float64, bool) {
	switch name {
	case constants.FieldTemperature:
		return a.Temperature, true
	case constants.FieldHumidity:
		return a.Humidity, true
	default:
		return 0, false
	}
}

func (a AtmosphericCondition) FieldNames() []string { return atmosphericFields }

// TimestampTime returns the timestamp as a time.Time.
func (a AtmosphericCondition) TimestampTime() time.Time {
	return time.UnixMilli(a.TimestampMs)
}

// FieldSelector extracts one numeric value from a sample.
type FieldSelector[T any] func(T) float64

// SelectField builds a selector for a named field. The second return is
// false when the sample kind has no such field.
func SelectField[T Sample](name string) (FieldSelector[T], bool) {
	var zero T
	if _, ok := zero.Field(name); !ok {
		return nil, false
	}
	return func(s T) float64 {
		v, _ := s.Field(name)
		return v
	}, true
}
