// Package config loads and validates the cisternd YAML configuration.
//
// Loading starts from DefaultConfig, expands ${VAR} references from the
// environment and overlays the file. Compile-time defaults live in the
// top-level config package.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
)

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration that runs fully in memory.
func DefaultConfig() *Config {
	cfg := &Config{
		Log: LogConfig{Level: "info"},
		Topics: []TopicConfig{
			{Name: constants.TopicWaterLevels, Capacity: defaults.DefaultWindowCapacity},
			{Name: constants.TopicAtmospheric, Capacity: defaults.DefaultWindowCapacity},
		},
		Tank:    TankConfig{DefaultCapacity: defaults.DefaultTankCapacity},
		Metrics: MetricsConfig{PercentileAccuracy: defaults.DefaultPercentileAccuracy},
		Ingestion: IngestionConfig{
			LoadTimeout: Duration(defaults.DefaultLoadTimeout),
			MaxPending:  defaults.DefaultMaxPending,
		},
		Source: SourceConfig{
			Type:         constants.SourceMemory,
			Path:         defaults.DefaultRepositoryPath,
			QueryTimeout: Duration(defaults.DefaultQueryTimeout),
		},
		Feed: FeedConfig{
			Type: constants.FeedMemory,
			Stream: StreamConfig{
				Listen:         defaults.DefaultStreamListen,
				AuthTimeout:    Duration(defaults.DefaultStreamAuthTimeout),
				MaxMessageSize: ByteSize(defaults.DefaultMaxMessageSize),
			},
			MQTT: MQTTConfig{
				Broker:    defaults.DefaultMQTTBroker,
				KeepAlive: defaults.DefaultMQTTKeepAlive,
			},
			AMQP: AMQPConfig{
				Exchange: defaults.DefaultAMQPExchange,
				Prefetch: defaults.DefaultAMQPPrefetch,
			},
			SNMP: SNMPConfig{
				Port:     161,
				Timeout:  Duration(time.Duration(defaults.DefaultSNMPTimeoutMs) * time.Millisecond),
				Retries:  defaults.DefaultSNMPRetries,
				Interval: Duration(defaults.DefaultSNMPInterval),
			},
		},
		KV: KVConfig{
			Type:  constants.KVMemory,
			Redis: RedisConfig{Addr: "localhost:6379", Prefix: "cistern:"},
		},
		Record: RecordConfig{
			QueueSize: 1024,
			BatchSize: 100,
			Interval:  Duration(time.Second),
		},
		Archive: ArchiveConfig{
			Dir:         defaults.DefaultArchiveDir,
			Compression: "zstd",
		},
	}
	cfg.Ingestion.Resubscribe.MinBackoff = Duration(defaults.DefaultResubscribeMinBackoff)
	cfg.Ingestion.Resubscribe.MaxBackoff = Duration(defaults.DefaultResubscribeMaxBackoff)
	return cfg
}

// TopicCapacity returns the window capacity configured for topic.
func (c *Config) TopicCapacity(topic string) int {
	for _, t := range c.Topics {
		if t.Name == topic && t.Capacity > 0 {
			return t.Capacity
		}
	}
	return defaults.DefaultWindowCapacity
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for _, t := range c.Topics {
		if !constants.IsValidTopic(t.Name) {
			errs = append(errs, errors.NewInvalidValue("topics.name", t.Name, "unknown topic"))
		}
		if seen[t.Name] {
			errs = append(errs, errors.NewInvalidValue("topics.name", t.Name, "duplicate"))
		}
		seen[t.Name] = true
		if t.Capacity <= 0 {
			errs = append(errs, errors.NewInvalidValue("topics.capacity", t.Capacity, "must be positive"))
		}
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.NewMissingField("topics"))
	}

	if math.IsNaN(c.Tank.DefaultCapacity) || math.IsInf(c.Tank.DefaultCapacity, 0) {
		errs = append(errs, errors.NewInvalidValue("tank.default_capacity", c.Tank.DefaultCapacity, "not a number"))
	}

	if a := c.Metrics.PercentileAccuracy; a < 0 || a >= 1 {
		errs = append(errs, errors.NewInvalidValue("metrics.percentile_accuracy", a, "must be in [0, 1)"))
	}

	if c.Ingestion.LoadTimeout < 0 {
		errs = append(errs, errors.NewInvalidValue("ingestion.load_timeout", c.Ingestion.LoadTimeout.Duration(), "must not be negative"))
	}
	if c.Ingestion.Resubscribe.MaxBackoff < c.Ingestion.Resubscribe.MinBackoff {
		errs = append(errs, errors.NewValidation("ingestion.resubscribe", "max_backoff below min_backoff"))
	}

	if !constants.IsValidSourceType(c.Source.Type) {
		errs = append(errs, errors.NewInvalidValue("source.type", c.Source.Type, "unknown source"))
	}
	if c.Source.Type == constants.SourceDuckDB && c.Source.Path == "" {
		errs = append(errs, errors.NewMissingField("source.path"))
	}

	if !constants.IsValidFeedType(c.Feed.Type) {
		errs = append(errs, errors.NewInvalidValue("feed.type", c.Feed.Type, "unknown feed"))
	}
	switch c.Feed.Type {
	case constants.FeedAMQP:
		if c.Feed.AMQP.URL == "" {
			errs = append(errs, errors.NewMissingField("feed.amqp.url"))
		}
	case constants.FeedMQTT:
		if c.Feed.MQTT.QoS > 2 {
			errs = append(errs, errors.NewInvalidValue("feed.mqtt.qos", c.Feed.MQTT.QoS, "must be 0, 1 or 2"))
		}
	case constants.FeedSNMP:
		if err := c.Feed.SNMP.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if !constants.IsValidKVType(c.KV.Type) {
		errs = append(errs, errors.NewInvalidValue("kv.type", c.KV.Type, "unknown kv backend"))
	}
	if c.KV.Type == constants.KVDuckDB && c.Source.Type != constants.SourceDuckDB {
		errs = append(errs, errors.NewValidation("kv.type", "duckdb kv requires the duckdb source"))
	}
	if c.Record.Enabled && c.Source.Type != constants.SourceDuckDB {
		errs = append(errs, errors.NewValidation("record.enabled", "recording requires the duckdb source"))
	}

	if c.Source.Type == constants.SourceParquet && c.Archive.Dir == "" {
		errs = append(errs, errors.NewMissingField("archive.dir"))
	}
	if c.Archive.Interval < 0 {
		errs = append(errs, errors.NewInvalidValue("archive.interval", c.Archive.Interval.Duration(), "must not be negative"))
	}
	if c.Archive.Retention < 0 {
		errs = append(errs, errors.NewInvalidValue("archive.retention", c.Archive.Retention.Duration(), "must not be negative"))
	}
	switch c.Archive.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		errs = append(errs, errors.NewInvalidValue("archive.compression", c.Archive.Compression, "must be one of: snappy, zstd, lz4, gzip, none"))
	}

	return errors.Join(errs...)
}

func (s *SNMPConfig) validate() error {
	var errs []error
	if s.Host == "" {
		errs = append(errs, errors.NewMissingField("feed.snmp.host"))
	}
	if s.SecurityName == "" && s.Community == "" {
		errs = append(errs, errors.NewMissingField("feed.snmp.community"))
	}
	for topic, fields := range s.Topics {
		if !constants.IsValidTopic(topic) {
			errs = append(errs, errors.NewInvalidValue("feed.snmp.topics", topic, "unknown topic"))
		}
		for _, f := range fields {
			if f.Name == "" || f.OID == "" {
				errs = append(errs, errors.NewInvalidValue("feed.snmp.topics."+topic, f.Name, "field needs name and oid"))
			}
		}
	}
	return errors.Join(errs...)
}
