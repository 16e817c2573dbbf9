package metrics

import (
	"math"
	"testing"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

func TestFillPercentage(t *testing.T) {
	tests := []struct {
		name     string
		volume   float64
		capacity float64
		want     float64
		wantErr  bool
	}{
		{"half", 5, 10, 50, false},
		{"capped", 12, 10, 100, false},
		{"empty", 0, 10, 0, false},
		{"full", 10, 10, 100, false},
		{"zero capacity", 5, 0, 0, true},
		{"negative capacity", 5, -1, 0, true},
		{"nan capacity", 5, math.NaN(), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FillPercentage(tt.volume, tt.capacity)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrInvalidConfiguration) {
					t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFillPercentage_NeverAbove100(t *testing.T) {
	for v := 0.0; v < 1000; v += 7.5 {
		got, err := FillPercentage(v, 10)
		if err != nil {
			t.Fatal(err)
		}
		if got > 100 {
			t.Fatalf("volume %v: fill %v exceeds 100", v, got)
		}
	}
}

func TestAggregateStats(t *testing.T) {
	samples := []types.AtmosphericCondition{
		{ID: "a", Temperature: 10},
		{ID: "b", Temperature: 20},
		{ID: "c", Temperature: 30},
	}
	sel, _ := types.SelectField[types.AtmosphericCondition](constants.FieldTemperature)

	got := AggregateStats(samples, sel)
	if got.Mean != 20 || got.Max != 30 || got.Min != 10 {
		t.Errorf("expected mean=20 max=30 min=10, got %+v", got)
	}
	if got.HasPercentiles() {
		t.Error("plain AggregateStats should not compute percentiles")
	}

	// Order must not matter.
	reversed := []types.AtmosphericCondition{samples[2], samples[0], samples[1]}
	if r := AggregateStats(reversed, sel); r.Mean != got.Mean || r.Min != got.Min || r.Max != got.Max {
		t.Errorf("stats depend on order: %+v vs %+v", r, got)
	}
}

func TestAggregateStats_Empty(t *testing.T) {
	sel, _ := types.SelectField[types.WaterLevel](constants.FieldVolume)
	got := AggregateStats[types.WaterLevel](nil, sel)
	if got.Mean != 0 || got.Max != 0 || got.Min != 0 || got.Count != 0 {
		t.Errorf("expected zero stats, got %+v", got)
	}
}

func TestFieldStats(t *testing.T) {
	samples := []types.Sample{
		types.WaterLevel{ID: "a", Volume: 2, Level: 1},
		types.WaterLevel{ID: "b", Volume: 4, Level: 3},
		types.AtmosphericCondition{ID: "x", Temperature: 99},
	}

	got := FieldStats(samples, constants.FieldVolume, 0)
	if got.Count != 2 || got.Mean != 3 {
		t.Errorf("expected 2 samples with mean 3, got %+v", got)
	}

	if got := FieldStats(nil, constants.FieldVolume, 0); !got.IsEmpty() {
		t.Errorf("expected empty stats, got %+v", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		in       *types.AtmosphericCondition
		expected Comfort
	}{
		{"nil", nil, ComfortUnavailable},
		{"comfortable", &types.AtmosphericCondition{Temperature: 22, Humidity: 50}, ComfortComfortable},
		{"comfortable lower edge", &types.AtmosphericCondition{Temperature: 20, Humidity: 40}, ComfortComfortable},
		{"comfortable upper edge", &types.AtmosphericCondition{Temperature: 26, Humidity: 60}, ComfortComfortable},
		{"hot", &types.AtmosphericCondition{Temperature: 31, Humidity: 45}, ComfortHotHumid},
		{"humid", &types.AtmosphericCondition{Temperature: 22, Humidity: 75}, ComfortHotHumid},
		{"cold", &types.AtmosphericCondition{Temperature: 10, Humidity: 50}, ComfortCold},
		{"cold but humid", &types.AtmosphericCondition{Temperature: 10, Humidity: 80}, ComfortHotHumid},
		{"acceptable warm", &types.AtmosphericCondition{Temperature: 28, Humidity: 50}, ComfortAcceptable},
		{"acceptable dry", &types.AtmosphericCondition{Temperature: 22, Humidity: 30}, ComfortAcceptable},
		{"boundary 30", &types.AtmosphericCondition{Temperature: 30, Humidity: 50}, ComfortAcceptable},
		{"boundary 15", &types.AtmosphericCondition{Temperature: 15, Humidity: 50}, ComfortAcceptable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestComfortStrings(t *testing.T) {
	if ComfortHotHumid.String() != "hot_humid" || ComfortHotHumid.Label() != "Hot and humid" {
		t.Errorf("unexpected strings for hot/humid: %s / %s", ComfortHotHumid, ComfortHotHumid.Label())
	}
	if Comfort(42).String() != "unknown" || Comfort(42).Label() != "Unavailable" {
		t.Error("unexpected strings for out-of-range comfort")
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		percent  float64
		expected FillBand
	}{
		{100, FillHigh},
		{75.1, FillHigh},
		{75, FillMedium},
		{50.1, FillMedium},
		{50, FillLow},
		{25.1, FillLow},
		{25, FillCritical},
		{0, FillCritical},
	}

	for _, tt := range tests {
		if got := BandFor(tt.percent); got != tt.expected {
			t.Errorf("BandFor(%v): expected %s, got %s", tt.percent, tt.expected, got)
		}
	}
}

func TestCompute(t *testing.T) {
	in := Input{
		Capacity: 10,
		Water: []types.WaterLevel{
			{ID: "w2", Volume: 8},
			{ID: "w1", Volume: 2},
		},
		Atmosphere: []types.AtmosphericCondition{
			{ID: "a1", Temperature: 22, Humidity: 50},
		},
		Accuracy: 0.01,
	}

	snap := Compute(in)

	if snap.Water == nil || snap.Water.ID != "w2" {
		t.Fatalf("expected latest water w2, got %+v", snap.Water)
	}
	if !snap.FillOK || snap.FillPercent != 80 || snap.Band != FillHigh {
		t.Errorf("unexpected fill: ok=%v pct=%v band=%s", snap.FillOK, snap.FillPercent, snap.Band)
	}
	if snap.Litres != 8000 {
		t.Errorf("expected 8000 litres, got %v", snap.Litres)
	}
	if snap.Comfort != ComfortComfortable {
		t.Errorf("expected comfortable, got %s", snap.Comfort)
	}

	vol := snap.Stats[constants.TopicWaterLevels][constants.FieldVolume]
	if vol.Mean != 5 || vol.Max != 8 || vol.Min != 2 {
		t.Errorf("unexpected volume stats: %+v", vol)
	}
	if !vol.HasPercentiles() {
		t.Error("expected percentiles with non-zero accuracy")
	}
	if _, ok := snap.Stats[constants.TopicAtmospheric][constants.FieldHumidity]; !ok {
		t.Error("missing humidity stats")
	}
}

func TestCompute_NoData(t *testing.T) {
	snap := Compute(Input{Capacity: 10})

	if snap.Water != nil || snap.Atmosphere != nil {
		t.Error("expected no latest samples")
	}
	if snap.FillOK {
		t.Error("fill should not be valid without data")
	}
	if snap.Comfort != ComfortUnavailable {
		t.Errorf("expected unavailable, got %s", snap.Comfort)
	}
	if st := snap.Stats[constants.TopicWaterLevels][constants.FieldVolume]; !st.IsEmpty() {
		t.Errorf("expected empty stats, got %+v", st)
	}
}

func TestCompute_InvalidCapacity(t *testing.T) {
	snap := Compute(Input{
		Capacity: 0,
		Water:    []types.WaterLevel{{ID: "w", Volume: 5}},
	})

	if snap.FillOK || !errors.Is(snap.FillErr, errors.ErrInvalidConfiguration) {
		t.Errorf("expected invalid configuration, got ok=%v err=%v", snap.FillOK, snap.FillErr)
	}
	if snap.Litres != 5000 {
		t.Errorf("litres should not depend on capacity, got %v", snap.Litres)
	}
}
