package archive

import (
	"testing"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

func water(id string, ts int64, volume float64) types.Sample {
	return types.WaterLevel{ID: id, TimestampMs: ts, Level: volume / 2, Volume: volume}
}

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a := New(t.TempDir(), DefaultOptions())
	clock := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return a
}

func TestExportAndReadFile(t *testing.T) {
	a := newTestArchive(t)

	path, err := a.Export(constants.TopicWaterLevels, []types.Sample{
		water("b", 2000, 2),
		water("a", 1000, 1),
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	rows, err := a.ReadFile(constants.TopicWaterLevels, path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ReadFile() len = %d, want 2", len(rows))
	}

	w, err := types.DecodeWaterLevel(constants.TopicWaterLevels, rows[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.ID != "b" || w.TimestampMs != 2000 || w.Volume != 2 || w.Level != 1 {
		t.Errorf("first row = %+v", w)
	}
}

func TestExportAtmospheric(t *testing.T) {
	a := newTestArchive(t)

	path, err := a.Export(constants.TopicAtmospheric, []types.Sample{
		types.AtmosphericCondition{ID: "x", TimestampMs: 5, Temperature: 21.5, Humidity: 48},
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	rows, err := a.ReadFile(constants.TopicAtmospheric, path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	c, err := types.DecodeAtmospheric(constants.TopicAtmospheric, rows[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Temperature != 21.5 || c.Humidity != 48 {
		t.Errorf("row = %+v", c)
	}
}

func TestExportEmptyAndUnknown(t *testing.T) {
	a := newTestArchive(t)

	if path, err := a.Export(constants.TopicWaterLevels, nil); err != nil || path != "" {
		t.Errorf("Export(empty) = %q, %v", path, err)
	}
	if _, err := a.Export("nope", []types.Sample{water("a", 1, 1)}); !errors.Is(err, errors.ErrUnknownTopic) {
		t.Errorf("Export(unknown) error = %v", err)
	}
}

func TestFilesOrdered(t *testing.T) {
	a := newTestArchive(t)

	p1, _ := a.Export(constants.TopicWaterLevels, []types.Sample{water("a", 1, 1)})
	p2, _ := a.Export(constants.TopicWaterLevels, []types.Sample{water("b", 2, 2)})

	files, err := a.Files(constants.TopicWaterLevels)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != p1 || files[1] != p2 {
		t.Errorf("Files() = %v, want [%s %s]", files, p1, p2)
	}

	none, err := a.Files(constants.TopicAtmospheric)
	if err != nil || len(none) != 0 {
		t.Errorf("Files(empty topic) = %v, %v", none, err)
	}
}

func TestFetchLatest(t *testing.T) {
	a := newTestArchive(t)

	a.Export(constants.TopicWaterLevels, []types.Sample{water("b", 2, 2), water("a", 1, 1)})
	a.Export(constants.TopicWaterLevels, []types.Sample{water("c", 3, 3), water("b", 2, 2)})

	rows, err := a.FetchLatest(t.Context(), constants.TopicWaterLevels, 10)
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}

	var ids []string
	for _, r := range rows {
		ids = append(ids, r[constants.FieldID].(string))
	}
	want := []string{"c", "b", "a"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}

	limited, _ := a.FetchLatest(t.Context(), constants.TopicWaterLevels, 1)
	if len(limited) != 1 || limited[0][constants.FieldID] != "c" {
		t.Errorf("FetchLatest(limit 1) = %v", limited)
	}
}

func TestFetchLatestUnknownTopic(t *testing.T) {
	a := newTestArchive(t)

	if _, err := a.FetchLatest(t.Context(), "nope", 1); !errors.Is(err, errors.ErrUnknownTopic) {
		t.Errorf("FetchLatest() error = %v", err)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"snappy": CompressionSnappy,
		"zstd":   CompressionZstd,
		"lz4":    CompressionLZ4,
		"gzip":   CompressionGzip,
		"none":   CompressionNone,
		"":       CompressionNone,
		"bogus":  CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriterClosed(t *testing.T) {
	w, err := NewWriter[WaterLevelRow](t.TempDir()+"/x.parquet", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write([]WaterLevelRow{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if w.RowCount() != 1 {
		t.Errorf("RowCount() = %d", w.RowCount())
	}
	w.Close()
	if err := w.Write([]WaterLevelRow{{ID: "b"}}); err != ErrWriterClosed {
		t.Errorf("Write() after Close = %v", err)
	}
}
