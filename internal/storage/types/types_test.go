package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
)

func TestWaterLevelFields(t *testing.T) {
	w := WaterLevel{ID: "w1", TimestampMs: 1000, Level: 1.2, Volume: 4.5}

	if v, ok := w.Field(constants.FieldVolume); !ok || v != 4.5 {
		t.Errorf("volume = %v,%v", v, ok)
	}
	if _, ok := w.Field(constants.FieldHumidity); ok {
		t.Error("water level should not expose humidity")
	}
	if w.Litres() != 4500 {
		t.Errorf("expected 4500 litres, got %f", w.Litres())
	}
}

func TestTimestampTime(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	a := AtmosphericCondition{TimestampMs: now.UnixMilli()}

	if !a.TimestampTime().Equal(now) {
		t.Errorf("expected %v, got %v", now, a.TimestampTime())
	}
}

func TestSelectField(t *testing.T) {
	sel, ok := SelectField[AtmosphericCondition](constants.FieldHumidity)
	if !ok {
		t.Fatal("expected humidity selector")
	}
	if got := sel(AtmosphericCondition{Humidity: 55}); got != 55 {
		t.Errorf("expected 55, got %f", got)
	}

	if _, ok := SelectField[AtmosphericCondition](constants.FieldVolume); ok {
		t.Error("volume is not an atmospheric field")
	}
}

func TestDecodeWaterLevel(t *testing.T) {
	row := Row{
		"id":        "abc",
		"timestamp": "2024-05-01T10:00:00Z",
		"level":     json.Number("1.5"),
		"volume":    "3.25",
	}

	w, err := DecodeWaterLevel(constants.TopicWaterLevels, row)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if w.ID != "abc" || w.TimestampMs != want || w.Level != 1.5 || w.Volume != 3.25 {
		t.Errorf("unexpected sample: %+v", w)
	}
}

func TestDecodeWaterLevelOptionalLevel(t *testing.T) {
	w, err := DecodeWaterLevel(constants.TopicWaterLevels, Row{"id": 7.0, "timestamp": int64(5), "volume": 2.0})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.ID != "7" || w.Level != 0 {
		t.Errorf("unexpected sample: %+v", w)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		row  Row
	}{
		{"missing id", Row{"timestamp": int64(1), "temperature": 20.0, "humidity": 50.0}},
		{"empty id", Row{"id": "", "timestamp": int64(1), "temperature": 20.0, "humidity": 50.0}},
		{"missing timestamp", Row{"id": "a", "temperature": 20.0, "humidity": 50.0}},
		{"bad timestamp", Row{"id": "a", "timestamp": "yesterday", "temperature": 20.0, "humidity": 50.0}},
		{"NaN timestamp", Row{"id": "a", "timestamp": math.NaN(), "temperature": 20.0, "humidity": 50.0}},
		{"infinite timestamp", Row{"id": "a", "timestamp": math.Inf(-1), "temperature": 20.0, "humidity": 50.0}},
		{"overflowing timestamp", Row{"id": "a", "timestamp": 1e300, "temperature": 20.0, "humidity": 50.0}},
		{"missing humidity", Row{"id": "a", "timestamp": int64(1), "temperature": 20.0}},
		{"nil temperature", Row{"id": "a", "timestamp": int64(1), "temperature": nil, "humidity": 50.0}},
		{"text temperature", Row{"id": "a", "timestamp": int64(1), "temperature": "warm", "humidity": 50.0}},
		{"bool humidity", Row{"id": "a", "timestamp": int64(1), "temperature": 20.0, "humidity": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAtmospheric(constants.TopicAtmospheric, tt.row)
			if !errors.Is(err, errors.ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestEncodeDecodeAtmospheric(t *testing.T) {
	in := AtmosphericCondition{ID: "a1", TimestampMs: 42, Temperature: 21.5, Humidity: 48}

	out, err := DecodeAtmospheric(constants.TopicAtmospheric, EncodeAtmospheric(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestStatsPercentiles(t *testing.T) {
	var s Stats
	if !s.IsEmpty() || s.HasPercentiles() {
		t.Fatal("zero stats should be empty without percentiles")
	}

	s.SetPercentiles(1, 2, 3)
	if !s.HasPercentiles() || *s.P90 != 2 {
		t.Error("percentiles not set")
	}
}
