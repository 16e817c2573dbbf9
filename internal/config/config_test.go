package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.TopicCapacity(constants.TopicWaterLevels) != 100 {
		t.Errorf("water_levels capacity = %d, want 100", cfg.TopicCapacity(constants.TopicWaterLevels))
	}
	if cfg.Tank.DefaultCapacity != 10 {
		t.Errorf("default tank capacity = %v", cfg.Tank.DefaultCapacity)
	}
	if cfg.Source.Type != constants.SourceMemory || cfg.Feed.Type != constants.FeedMemory || cfg.KV.Type != constants.KVMemory {
		t.Errorf("default backends = %s/%s/%s", cfg.Source.Type, cfg.Feed.Type, cfg.KV.Type)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("CISTERN_TEST_TOKEN", "s3cret")

	data := []byte(`
log:
  level: debug
topics:
  - name: water_levels
    capacity: 50
  - name: atmospheric_conditions
    capacity: 20
source:
  type: duckdb
  path: /tmp/cistern.db
feed:
  type: stream
  stream:
    listen: 0.0.0.0:9000
    tokens: ["${CISTERN_TEST_TOKEN}"]
    auth_timeout: 5s
    max_message_size: 64KB
kv:
  type: duckdb
ingestion:
  load_timeout: 3
  resubscribe:
    min_backoff: 100ms
    max_backoff: 2s
record:
  enabled: true
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.TopicCapacity(constants.TopicWaterLevels) != 50 || cfg.TopicCapacity(constants.TopicAtmospheric) != 20 {
		t.Errorf("capacities = %v", cfg.Topics)
	}
	if got := cfg.Feed.Stream.Tokens; len(got) != 1 || got[0] != "s3cret" {
		t.Errorf("tokens = %v", got)
	}
	if cfg.Feed.Stream.MaxMessageSize.Bytes() != 64*1024 {
		t.Errorf("max_message_size = %d", cfg.Feed.Stream.MaxMessageSize)
	}
	if cfg.Feed.Stream.AuthTimeout.Duration() != 5*time.Second {
		t.Errorf("auth_timeout = %v", cfg.Feed.Stream.AuthTimeout.Duration())
	}
	if cfg.Ingestion.LoadTimeout.Duration() != 3*time.Second {
		t.Errorf("load_timeout = %v", cfg.Ingestion.LoadTimeout.Duration())
	}
	if cfg.Ingestion.Resubscribe.MinBackoff.Duration() != 100*time.Millisecond {
		t.Errorf("min_backoff = %v", cfg.Ingestion.Resubscribe.MinBackoff.Duration())
	}
	// untouched sections keep their defaults
	if cfg.Feed.MQTT.Broker == "" || cfg.Archive.Dir == "" {
		t.Error("defaults lost for unset sections")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topics = append(cfg.Topics, TopicConfig{Name: "bogus", Capacity: 0})
	cfg.Source.Type = "postgres"
	cfg.Feed.Type = "carrier-pigeon"
	cfg.Metrics.PercentileAccuracy = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.IsValidation(err) {
		t.Errorf("IsValidation(%v) = false", err)
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		t.Fatalf("error %T does not wrap multiple errors", err)
	}
	if n := len(joined.Unwrap()); n < 5 {
		t.Errorf("got %d errors, want at least 5: %v", n, err)
	}
}

func TestValidateBackendCombinations(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"duckdb kv without duckdb source", func(c *Config) { c.KV.Type = constants.KVDuckDB }},
		{"record without duckdb source", func(c *Config) { c.Record.Enabled = true }},
		{"amqp without url", func(c *Config) { c.Feed.Type = constants.FeedAMQP }},
		{"snmp without host", func(c *Config) { c.Feed.Type = constants.FeedSNMP }},
		{"mqtt qos 3", func(c *Config) { c.Feed.Type = constants.FeedMQTT; c.Feed.MQTT.QoS = 3 }},
		{"bad compression", func(c *Config) { c.Archive.Compression = "brotli" }},
		{"negative retention", func(c *Config) { c.Archive.Retention = Duration(-time.Hour) }},
		{"backoff inverted", func(c *Config) {
			c.Ingestion.Resubscribe.MinBackoff = Duration(time.Minute)
			c.Ingestion.Resubscribe.MaxBackoff = Duration(time.Second)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cistern.yaml")
	if err := os.WriteFile(path, []byte("tank:\n  default_capacity: 12.5\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tank.DefaultCapacity != 12.5 {
		t.Errorf("default_capacity = %v", cfg.Tank.DefaultCapacity)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v", err)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{
		"100":  100,
		"1KB":  1024,
		"2 MB": 2 << 20,
		"1gb":  1 << 30,
		"512B": 512,
	}
	for in, want := range tests {
		got, err := parseByteSize(in)
		if err != nil || got != want {
			t.Errorf("parseByteSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := parseByteSize("lots"); err == nil {
		t.Error("expected error for invalid size")
	}
}
