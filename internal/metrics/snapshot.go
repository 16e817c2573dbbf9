package metrics

import (
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Snapshot is the set of derived values the dashboard renders. It is
// recomputed from store contents and never persisted.
type Snapshot struct {
	// Capacity is the tank capacity the fill values were computed with.
	Capacity float64

	// Water holds the latest tank reading, nil when the window is empty.
	Water *types.WaterLevel

	// FillPercent is valid only when FillOK is true.
	FillPercent float64
	FillOK      bool
	FillErr     error
	Band        FillBand

	// Litres is the latest volume in litres.
	Litres float64

	// Atmosphere holds the latest ambient reading, nil when empty.
	Atmosphere *types.AtmosphericCondition
	Comfort    Comfort

	// Stats maps topic -> field -> aggregate over the window.
	Stats map[string]map[string]types.Stats
}

// Input carries the window contents Compute needs.
type Input struct {
	Capacity   float64
	Water      []types.WaterLevel
	Atmosphere []types.AtmosphericCondition
	Accuracy   float64
}

// Compute derives a Snapshot from window contents given newest first.
func Compute(in Input) Snapshot {
	out := Snapshot{
		Capacity: in.Capacity,
		Stats:    make(map[string]map[string]types.Stats, 2),
	}

	if len(in.Water) > 0 {
		latest := in.Water[0]
		out.Water = &latest
		out.Litres = latest.Litres()
		out.FillPercent, out.FillErr = FillPercentage(latest.Volume, in.Capacity)
		out.FillOK = out.FillErr == nil
		if out.FillOK {
			out.Band = BandFor(out.FillPercent)
		}
	}

	if len(in.Atmosphere) > 0 {
		latest := in.Atmosphere[0]
		out.Atmosphere = &latest
	}
	out.Comfort = Classify(out.Atmosphere)

	out.Stats[constants.TopicWaterLevels] = statsPerField(in.Water, in.Accuracy)
	out.Stats[constants.TopicAtmospheric] = statsPerField(in.Atmosphere, in.Accuracy)

	return out
}

func statsPerField[T types.Sample](samples []T, accuracy float64) map[string]types.Stats {
	var zero T
	fields := zero.FieldNames()

	m := make(map[string]types.Stats, len(fields))
	for _, f := range fields {
		sel, _ := types.SelectField[T](f)
		m[f] = AggregateStatsWithPercentiles(samples, sel, accuracy)
	}
	return m
}
