package archive

import (
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// WaterLevelRow is a water level in Parquet format.
type WaterLevelRow struct {
	ID        string  `parquet:"id,zstd"`
	Timestamp int64   `parquet:"timestamp"`
	Level     float64 `parquet:"level"`
	Volume    float64 `parquet:"volume"`
}

// AtmosphericRow is an atmospheric condition in Parquet format.
type AtmosphericRow struct {
	ID          string  `parquet:"id,zstd"`
	Timestamp   int64   `parquet:"timestamp"`
	Temperature float64 `parquet:"temperature"`
	Humidity    float64 `parquet:"humidity"`
}

func waterLevelToRow(w types.WaterLevel) WaterLevelRow {
	return WaterLevelRow{ID: w.ID, Timestamp: w.TimestampMs, Level: w.Level, Volume: w.Volume}
}

func (r WaterLevelRow) row() types.Row {
	return types.Row{
		constants.FieldID:        r.ID,
		constants.FieldTimestamp: r.Timestamp,
		constants.FieldLevel:     r.Level,
		constants.FieldVolume:    r.Volume,
	}
}

func atmosphericToRow(a types.AtmosphericCondition) AtmosphericRow {
	return AtmosphericRow{ID: a.ID, Timestamp: a.TimestampMs, Temperature: a.Temperature, Humidity: a.Humidity}
}

func (r AtmosphericRow) row() types.Row {
	return types.Row{
		constants.FieldID:          r.ID,
		constants.FieldTimestamp:   r.Timestamp,
		constants.FieldTemperature: r.Temperature,
		constants.FieldHumidity:    r.Humidity,
	}
}
