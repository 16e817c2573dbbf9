package metrics

import "github.com/xtxerr/cistern/internal/storage/types"

// Comfort is a categorical judgment of ambient conditions.
type Comfort int

const (
	ComfortUnavailable Comfort = iota
	ComfortComfortable
	ComfortHotHumid
	ComfortCold
	ComfortAcceptable
)

// String returns the string representation of the category.
func (c Comfort) String() string {
	switch c {
	case ComfortUnavailable:
		return "unavailable"
	case ComfortComfortable:
		return "comfortable"
	case ComfortHotHumid:
		return "hot_humid"
	case ComfortCold:
		return "cold"
	case ComfortAcceptable:
		return "acceptable"
	default:
		return "unknown"
	}
}

// Label returns the operator-facing label.
func (c Comfort) Label() string {
	switch c {
	case ComfortComfortable:
		return "Comfortable"
	case ComfortHotHumid:
		return "Hot and humid"
	case ComfortCold:
		return "Cold"
	case ComfortAcceptable:
		return "Acceptable"
	default:
		return "Unavailable"
	}
}

// Comfort bounds.
const (
	ComfortTempMin     = 20.0
	ComfortTempMax     = 26.0
	ComfortHumidityMin = 40.0
	ComfortHumidityMax = 60.0
	HotTempAbove       = 30.0
	HumidAbove         = 70.0
	ColdTempBelow      = 15.0
)

// Classify evaluates the comfort branches in fixed order, first match wins:
// comfortable band, then hot/humid, then cold, else acceptable. The ranges
// overlap (e.g. 31°C at 45% is hot/humid, not acceptable); the order is
// what resolves them.
func Classify(latest *types.AtmosphericCondition) Comfort {
	if latest == nil {
		return ComfortUnavailable
	}

	temp, humidity := latest.Temperature, latest.Humidity

	switch {
	case temp >= ComfortTempMin && temp <= ComfortTempMax &&
		humidity >= ComfortHumidityMin && humidity <= ComfortHumidityMax:
		return ComfortComfortable
	case temp > HotTempAbove || humidity > HumidAbove:
		return ComfortHotHumid
	case temp < ColdTempBelow:
		return ComfortCold
	default:
		return ComfortAcceptable
	}
}
