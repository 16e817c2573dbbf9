package types

// Stats holds aggregate statistics for one numeric field over a window.
// The zero value is the defined result for an empty window.
type Stats struct {
	Count int64   // Number of samples aggregated
	Sum   float64 // Sum of all values
	Mean  float64 // Sum / Count
	Min   float64 // Minimum value
	Max   float64 // Maximum value

	// Percentiles (optional, nil if not enabled or no data)
	P50 *float64
	P90 *float64
	P99 *float64

	// Timestamps of the oldest and newest sample by timestamp value
	FirstTs int64
	LastTs  int64
}

// IsEmpty returns true if no samples were aggregated.
func (s *Stats) IsEmpty() bool {
	return s.Count == 0
}

// HasPercentiles returns true if percentile data is available.
func (s *Stats) HasPercentiles() bool {
	return s.P50 != nil
}

// SetPercentiles sets all percentile values.
func (s *Stats) SetPercentiles(p50, p90, p99 float64) {
	s.P50 = &p50
	s.P90 = &p90
	s.P99 = &p99
}
