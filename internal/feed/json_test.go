package feed

import (
	"encoding/json"
	"testing"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

func TestDecodeJSON(t *testing.T) {
	row, err := DecodeJSON([]byte(`{"id": 42, "timestamp": "2024-05-01T12:00:00Z", "temperature": 21.5, "humidity": 48}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := row["id"].(json.Number); !ok {
		t.Errorf("expected json.Number id, got %T", row["id"])
	}

	a, err := types.DecodeAtmospheric("atmospheric_conditions", row)
	if err != nil {
		t.Fatalf("row does not decode as a sample: %v", err)
	}
	if a.ID != "42" || a.Temperature != 21.5 || a.Humidity != 48 {
		t.Errorf("unexpected sample: %+v", a)
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	for _, payload := range []string{``, `null`, `[1,2]`, `{"id":`} {
		if _, err := DecodeJSON([]byte(payload)); !errors.Is(err, errors.ErrMalformedEvent) {
			t.Errorf("payload %q: expected ErrMalformedEvent, got %v", payload, err)
		}
	}
}

func TestDecodeJSON_KeepsSyntaxError(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"id":1,}`))
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		t.Errorf("expected *json.SyntaxError in chain, got %v", err)
	}
}

func TestJSON_SampleRoundTrip(t *testing.T) {
	in := types.WaterLevel{ID: "w1", TimestampMs: 1714564800000, Level: 1.2, Volume: 3.4}

	payload, err := EncodeJSON(types.EncodeWaterLevel(in))
	if err != nil {
		t.Fatal(err)
	}
	row, err := DecodeJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	out, err := types.DecodeWaterLevel("water_levels", row)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}
