package console

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/engine"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed/memory"
	kvmemory "github.com/xtxerr/cistern/internal/kv/memory"
	"github.com/xtxerr/cistern/internal/settings"
	"github.com/xtxerr/cistern/internal/storage/archive"
	"github.com/xtxerr/cistern/internal/storage/types"
)

func newEngine(t *testing.T) (*engine.Engine, *memory.Feed) {
	t.Helper()

	capacity := settings.New(kvmemory.New())
	if err := capacity.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	src := memory.NewSource()
	src.Set(constants.TopicWaterLevels, []types.Row{
		{"id": "w2", "timestamp": int64(2000), "level": 1.5, "volume": 6.0},
		{"id": "w1", "timestamp": int64(1000), "level": 1.0, "volume": 4.0},
	})
	f := memory.NewFeed()

	cfg := engine.DefaultConfig()
	cfg.WaterCapacity = 10
	cfg.AtmosphereCapacity = 10
	e := engine.New(src, f, capacity, cfg)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, f
}

func run(t *testing.T, c *Console, line string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := c.Execute(t.Context(), line, &buf); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return buf.String()
}

func TestExecute_Status(t *testing.T) {
	e, f := newEngine(t)
	f.Publish(constants.TopicAtmospheric, types.Row{"id": "a1", "timestamp": int64(1000), "temperature": 22.0, "humidity": 50.0})
	c := New(e)

	out := run(t, c, "status")
	for _, want := range []string{"ready:     true", "capacity:  10 m³", "60.0% (medium)", "6000 l", "Comfortable", "water_levels 2/10"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestExecute_Empty(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "   ", &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestExecute_Unknown(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "frobnicate", &buf); err == nil {
		t.Fatal("expected error")
	}
}

func TestExecute_Exit(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	for _, line := range []string{"exit", "quit", "EXIT"} {
		var buf bytes.Buffer
		if err := c.Execute(t.Context(), line, &buf); !errors.Is(err, ErrExit) {
			t.Errorf("%q: expected ErrExit, got %v", line, err)
		}
	}
}

func TestExecute_Latest(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "latest")
	if !strings.Contains(out, "w2") || !strings.Contains(out, "volume=6") {
		t.Errorf("expected w2 in latest:\n%s", out)
	}
	if !strings.Contains(out, "atmospheric_conditions") || !strings.Contains(out, "no data") {
		t.Errorf("expected no data for atmosphere:\n%s", out)
	}

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "latest rainfall", &buf); !errors.Is(err, errors.ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestExecute_Window(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "window water_levels 1")
	if !strings.Contains(out, "w2") || strings.Contains(out, "w1") {
		t.Errorf("expected only w2:\n%s", out)
	}

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "window water_levels zero", &buf); !errors.Is(err, errors.ErrInvalidValue) {
		t.Errorf("expected invalid value, got %v", err)
	}
}

func TestExecute_Stats(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "stats water_levels")
	if !strings.Contains(out, "volume") || !strings.Contains(out, "level") {
		t.Errorf("expected both fields:\n%s", out)
	}
	if !strings.Contains(out, "5") {
		t.Errorf("expected mean volume 5:\n%s", out)
	}

	out = run(t, c, "stats atmospheric_conditions humidity")
	if !strings.Contains(out, "humidity  0") {
		t.Errorf("expected empty humidity stats:\n%s", out)
	}

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "stats water_levels humidity", &buf); !errors.Is(err, errors.ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestExecute_Trend(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "trend water_levels volume")
	if !strings.Contains(out, "1970-01-01T00:00:00Z  2") {
		t.Errorf("expected one bucket of 2 samples:\n%s", out)
	}

	out = run(t, c, "trend water_levels volume 1s")
	for _, want := range []string{"1970-01-01T00:00:01Z  1      4", "1970-01-01T00:00:02Z  1      6"} {
		if !strings.Contains(out, want) {
			t.Errorf("trend missing %q:\n%s", want, out)
		}
	}

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "trend water_levels volume soon", &buf); !errors.Is(err, errors.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	if err := c.Execute(t.Context(), "trend water_levels", &buf); err == nil {
		t.Error("expected an error without a field")
	}
}

func TestExecute_Capacity(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "capacity")
	if !strings.Contains(out, "capacity: 10 m³") || !strings.Contains(out, "fill: 60.0%") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out = run(t, c, "capacity 20")
	if !strings.Contains(out, "capacity: 20 m³") || !strings.Contains(out, "fill: 30.0% (low)") {
		t.Errorf("unexpected output after set:\n%s", out)
	}
	if e.CurrentCapacity() != 20 {
		t.Errorf("engine capacity %v", e.CurrentCapacity())
	}

	var buf bytes.Buffer
	if err := c.Execute(t.Context(), "capacity lots", &buf); err == nil {
		t.Error("expected error for non-numeric capacity")
	}
}

func TestExecute_HistoryFromWindow(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)
	c.now = func() time.Time { return time.UnixMilli(10_000) }

	out := run(t, c, "history water_levels 1970-01-01T00:00:01.5Z")
	if !strings.Contains(out, "w2") || strings.Contains(out, "w1") {
		t.Errorf("expected only w2:\n%s", out)
	}
	if !strings.Contains(out, "1 samples from the window") {
		t.Errorf("expected window count:\n%s", out)
	}

	out = run(t, c, "history water_levels 1h")
	if !strings.Contains(out, "2 samples") {
		t.Errorf("expected both samples:\n%s", out)
	}
}

func TestExecute_HistoryFromStore(t *testing.T) {
	e, _ := newEngine(t)

	var gotFrom, gotTo time.Time
	c := New(e, WithHistory(func(_ context.Context, topic string, from, to time.Time) ([]types.Row, error) {
		gotFrom, gotTo = from, to
		return []types.Row{{"id": "old", "timestamp": int64(500), "level": 0.5, "volume": 1.0}}, nil
	}))
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	out := run(t, c, "history water_levels 2h 1h")
	if !strings.Contains(out, "old") || !strings.Contains(out, "1 stored rows") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !gotFrom.Equal(now.Add(-2*time.Hour)) || !gotTo.Equal(now.Add(-time.Hour)) {
		t.Errorf("unexpected range %v..%v", gotFrom, gotTo)
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.NewMissingField("from"), "invalid input: from: missing required field\n"},
		{errors.Wrap(errors.ErrClosed, "reload"), "error: reload: closed\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		report(&buf, tt.err)
		if buf.String() != tt.want {
			t.Errorf("report(%v) = %q, want %q", tt.err, buf.String(), tt.want)
		}
	}
}

func TestExecute_HistoryErrors(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	for _, line := range []string{
		"history water_levels",
		"history water_levels yesterday",
		"history water_levels 1h 2h",
		"history rainfall 1h",
	} {
		var buf bytes.Buffer
		if err := c.Execute(t.Context(), line, &buf); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}

func TestExecute_Reload(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "reload water_levels")
	if !strings.Contains(out, "reloaded water_levels: 2 samples") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestExecute_Export(t *testing.T) {
	e, _ := newEngine(t)

	var buf bytes.Buffer
	if err := New(e).Execute(t.Context(), "export", &buf); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without archive, got %v", err)
	}

	a := archive.New(t.TempDir(), archive.DefaultOptions())
	c := New(e, WithExporter(a))

	out := run(t, c, "export")
	if !strings.Contains(out, "water_levels: 2 samples") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "atmospheric_conditions: nothing to export") {
		t.Errorf("expected empty atmosphere:\n%s", out)
	}

	files, err := a.Files(constants.TopicWaterLevels)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one archive file, got %v", files)
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Error(err)
	}
}

func TestExecute_EngineAndHelp(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	out := run(t, c, "engine")
	if !strings.Contains(out, "water_levels") || !strings.Contains(out, "2/10") {
		t.Errorf("unexpected engine output:\n%s", out)
	}

	out = run(t, c, "help")
	for _, cmd := range commands {
		if !strings.Contains(out, cmd.name) {
			t.Errorf("help missing %s", cmd.name)
		}
	}
}

func document(text string) prompt.Document {
	b := prompt.NewBuffer()
	b.InsertText(text, false, true)
	return *b.Document()
}

func suggestions(s []prompt.Suggest) []string {
	out := make([]string, len(s))
	for i := range s {
		out[i] = s[i].Text
	}
	return out
}

func TestComplete(t *testing.T) {
	e, _ := newEngine(t)
	c := New(e)

	tests := []struct {
		input string
		want  []string
	}{
		{"st", []string{"status", "stats"}},
		{"latest ", []string{constants.TopicWaterLevels, constants.TopicAtmospheric}},
		{"stats wa", []string{constants.TopicWaterLevels}},
		{"stats water_levels ", []string{"level", "volume"}},
		{"capacity ", nil},
		{"bogus ", nil},
	}
	for _, tt := range tests {
		got := suggestions(c.Complete(document(tt.input)))
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Complete(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	got, err := parseTime("30m", now)
	if err != nil || !got.Equal(now.Add(-30*time.Minute)) {
		t.Errorf("duration: got %v, %v", got, err)
	}
	got, err = parseTime("2026-04-30T12:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 4, 30, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339: got %v, %v", got, err)
	}
	if _, err := parseTime("soon", now); err == nil {
		t.Error("expected error")
	}
}
