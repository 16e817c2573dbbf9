package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
)

// Row is an untyped record keyed by column name, as returned by a bulk
// load or carried by a live insert event.
type Row map[string]any

// Decoder maps a row of topic to a typed sample.
// It returns an error wrapping ErrMalformedEvent when a required field is
// missing or unusable.
type Decoder[T Sample] func(topic string, row Row) (T, error)

// Encoder maps a typed sample back to a row.
type Encoder[T Sample] func(T) Row

// DecodeWaterLevel decodes a water_levels row.
func DecodeWaterLevel(topic string, row Row) (WaterLevel, error) {
	var (
		w   WaterLevel
		err error
	)
	if w.ID, err = rowID(topic, row); err != nil {
		return WaterLevel{}, err
	}
	if w.TimestampMs, err = rowTimestamp(topic, row); err != nil {
		return WaterLevel{}, err
	}
	if w.Volume, err = rowFloat(topic, row, constants.FieldVolume); err != nil {
		return WaterLevel{}, err
	}
	// Level is optional on older firmware; volume is what the tank view needs.
	if _, ok := row[constants.FieldLevel]; ok {
		if w.Level, err = rowFloat(topic, row, constants.FieldLevel); err != nil {
			return WaterLevel{}, err
		}
	}
	return w, nil
}

// EncodeWaterLevel encodes a water level as a row.
func EncodeWaterLevel(w WaterLevel) Row {
	return Row{
		constants.FieldID:        w.ID,
		constants.FieldTimestamp: w.TimestampMs,
		constants.FieldLevel:     w.Level,
		constants.FieldVolume:    w.Volume,
	}
}

// DecodeAtmospheric decodes an atmospheric_conditions row.
func DecodeAtmospheric(topic string, row Row) (AtmosphericCondition, error) {
	var (
		a   AtmosphericCondition
		err error
	)
	if a.ID, err = rowID(topic, row); err != nil {
		return AtmosphericCondition{}, err
	}
	if a.TimestampMs, err = rowTimestamp(topic, row); err != nil {
		return AtmosphericCondition{}, err
	}
	if a.Temperature, err = rowFloat(topic, row, constants.FieldTemperature); err != nil {
		return AtmosphericCondition{}, err
	}
	if a.Humidity, err = rowFloat(topic, row, constants.FieldHumidity); err != nil {
		return AtmosphericCondition{}, err
	}
	return a, nil
}

// EncodeAtmospheric encodes an atmospheric condition as a row.
func EncodeAtmospheric(a AtmosphericCondition) Row {
	return Row{
		constants.FieldID:          a.ID,
		constants.FieldTimestamp:   a.TimestampMs,
		constants.FieldTemperature: a.Temperature,
		constants.FieldHumidity:    a.Humidity,
	}
}

// =============================================================================
// Field extraction
// =============================================================================

func rowID(topic string, row Row) (string, error) {
	v, ok := row[constants.FieldID]
	if !ok || v == nil {
		return "", errors.NewMalformed(topic, constants.FieldID, "missing")
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", errors.NewMalformed(topic, constants.FieldID, "empty")
		}
		return id, nil
	case []byte:
		if len(id) == 0 {
			return "", errors.NewMalformed(topic, constants.FieldID, "empty")
		}
		return string(id), nil
	case int, int32, int64, uint32, uint64, json.Number:
		return fmt.Sprint(id), nil
	case float64:
		if id != math.Trunc(id) {
			return "", errors.NewMalformed(topic, constants.FieldID, "fractional numeric id")
		}
		return strconv.FormatInt(int64(id), 10), nil
	default:
		return "", errors.NewMalformed(topic, constants.FieldID, fmt.Sprintf("unsupported type %T", v))
	}
}

// rowTimestamp accepts time.Time, RFC 3339 strings (the form a SQL
// timestamptz column serializes to) and Unix milliseconds.
func rowTimestamp(topic string, row Row) (int64, error) {
	v, ok := row[constants.FieldTimestamp]
	if !ok || v == nil {
		return 0, errors.NewMalformed(topic, constants.FieldTimestamp, "missing")
	}
	switch ts := v.(type) {
	case time.Time:
		return ts.UnixMilli(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05.999999999"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t.UnixMilli(), nil
			}
		}
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return ms, nil
		}
		return 0, errors.NewMalformed(topic, constants.FieldTimestamp, "unparsable")
	default:
		f, err := toFloat(v)
		if err != nil {
			return 0, errors.NewMalformed(topic, constants.FieldTimestamp, err.Error())
		}
		if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, errors.NewMalformed(topic, constants.FieldTimestamp, "not finite")
		}
		return int64(f), nil
	}
}

func rowFloat(topic string, row Row, field string) (float64, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return 0, errors.NewMalformed(topic, field, "missing")
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, errors.NewMalformed(topic, field, err.Error())
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.NewMalformed(topic, field, "not finite")
	}
	return f, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		// numeric columns arrive as strings from some SQL drivers
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
