// Package aggregate computes running statistics over sample values.
//
// Aggregate is the building block behind the window statistics shown on the
// dashboard. Percentiles are optional and use DDSketch so that memory stays
// bounded regardless of window size.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Aggregate maintains running statistics for one numeric series.
// Results never depend on the order values were added in.
type Aggregate struct {
	mu sync.Mutex

	// Running statistics
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// New creates an empty Aggregate. accuracy is the relative accuracy of the
// percentile sketch; zero or negative disables percentiles.
func New(accuracy float64) *Aggregate {
	return &Aggregate{
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
		sketch: newSketch(accuracy),
	}
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	if accuracy <= 0 {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil
	}
	return sketch
}

// Add adds a value observed at timestampMs.
func (a *Aggregate) Add(value float64, timestampMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.count == 1 || timestampMs < a.firstTs {
		a.firstTs = timestampMs
	}
	if a.count == 1 || timestampMs > a.lastTs {
		a.lastTs = timestampMs
	}

	if a.sketch != nil {
		_ = a.sketch.Add(value)
	}
}

// Result returns the statistics. An empty aggregate yields the zero Stats.
func (a *Aggregate) Result() types.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		return types.Stats{}
	}

	result := types.Stats{
		Count:   a.count,
		Sum:     a.sum,
		Mean:    a.sum / float64(a.count),
		Min:     a.min,
		Max:     a.max,
		FirstTs: a.firstTs,
		LastTs:  a.lastTs,
	}

	if a.sketch != nil {
		p50, err50 := a.sketch.GetValueAtQuantile(0.50)
		p90, err90 := a.sketch.GetValueAtQuantile(0.90)
		p99, err99 := a.sketch.GetValueAtQuantile(0.99)
		if err50 == nil && err90 == nil && err99 == nil {
			result.SetPercentiles(p50, p90, p99)
		}
	}

	return result
}

// Over aggregates the selected field of every sample. The result does not
// depend on the order of samples.
func Over[T types.Sample](samples []T, sel types.FieldSelector[T], accuracy float64) types.Stats {
	if len(samples) == 0 {
		return types.Stats{}
	}

	agg := New(accuracy)
	for _, s := range samples {
		agg.Add(sel(s), s.Timestamp())
	}
	return agg.Result()
}
