// Package metrics computes presentation-ready values from window snapshots.
//
// Everything here is a pure function of its arguments: no state is kept
// between calls, and callers recompute on every store change or capacity
// change.
package metrics

import (
	"fmt"
	"math"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/aggregate"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// FillPercentage returns volume as a percentage of capacity, capped at 100.
// A non-positive capacity returns ErrInvalidConfiguration.
func FillPercentage(volume, capacity float64) (float64, error) {
	if capacity <= 0 || math.IsNaN(capacity) {
		return 0, fmt.Errorf("tank capacity %v: %w", capacity, errors.ErrInvalidConfiguration)
	}
	return math.Min(volume/capacity*100, 100), nil
}

// AggregateStats computes mean, max and min of the selected field.
// An empty input yields the zero Stats.
func AggregateStats[T types.Sample](samples []T, sel types.FieldSelector[T]) types.Stats {
	return aggregate.Over(samples, sel, 0)
}

// AggregateStatsWithPercentiles is AggregateStats plus p50/p90/p99 at the
// given relative accuracy.
func AggregateStatsWithPercentiles[T types.Sample](samples []T, sel types.FieldSelector[T], accuracy float64) types.Stats {
	return aggregate.Over(samples, sel, accuracy)
}

// FieldStats aggregates a named field over type-erased samples. Samples
// lacking the field are skipped.
func FieldStats(samples []types.Sample, field string, accuracy float64) types.Stats {
	if len(samples) == 0 {
		return types.Stats{}
	}

	agg := aggregate.New(accuracy)
	for _, s := range samples {
		if v, ok := s.Field(field); ok {
			agg.Add(v, s.Timestamp())
		}
	}
	return agg.Result()
}
