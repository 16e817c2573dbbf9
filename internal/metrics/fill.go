package metrics

// FillBand buckets a fill percentage for display.
type FillBand int

const (
	FillCritical FillBand = iota // <= 25%
	FillLow                      // > 25%
	FillMedium                   // > 50%
	FillHigh                     // > 75%
)

// String returns the string representation of the band.
func (b FillBand) String() string {
	switch b {
	case FillCritical:
		return "critical"
	case FillLow:
		return "low"
	case FillMedium:
		return "medium"
	case FillHigh:
		return "high"
	default:
		return "unknown"
	}
}

// BandFor returns the band of a fill percentage.
func BandFor(percent float64) FillBand {
	switch {
	case percent > 75:
		return FillHigh
	case percent > 50:
		return FillMedium
	case percent > 25:
		return FillLow
	default:
		return FillCritical
	}
}
