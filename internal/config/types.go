package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cisternd configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Topics    []TopicConfig   `yaml:"topics"`
	Tank      TankConfig      `yaml:"tank"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Source    SourceConfig    `yaml:"source"`
	Feed      FeedConfig      `yaml:"feed"`
	KV        KVConfig        `yaml:"kv"`
	Record    RecordConfig    `yaml:"record"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TopicConfig sizes one topic window.
type TopicConfig struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// TankConfig holds tank settings.
type TankConfig struct {
	// DefaultCapacity in m³, used until a capacity has been persisted.
	DefaultCapacity float64 `yaml:"default_capacity"`
}

// MetricsConfig configures derived metrics.
type MetricsConfig struct {
	// PercentileAccuracy is the DDSketch relative accuracy. Zero disables
	// percentiles.
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// IngestionConfig configures the ingestion barrier.
type IngestionConfig struct {
	LoadTimeout Duration `yaml:"load_timeout"`
	MaxPending  int      `yaml:"max_pending"`
	Resubscribe struct {
		MinBackoff Duration `yaml:"min_backoff"`
		MaxBackoff Duration `yaml:"max_backoff"`
	} `yaml:"resubscribe"`
}

// SourceConfig selects the bulk-load backend.
type SourceConfig struct {
	// Type is one of memory, duckdb, parquet.
	Type string `yaml:"type"`

	// Path is the DuckDB file for duckdb.
	Path string `yaml:"path"`

	QueryTimeout Duration `yaml:"query_timeout"`
}

// FeedConfig selects the live feed backend.
type FeedConfig struct {
	// Type is one of memory, stream, mqtt, amqp, snmp.
	Type string `yaml:"type"`

	Stream StreamConfig `yaml:"stream"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	AMQP   AMQPConfig   `yaml:"amqp"`
	SNMP   SNMPConfig   `yaml:"snmp"`
}

// StreamConfig configures the length-delimited stream server.
type StreamConfig struct {
	Listen         string   `yaml:"listen"`
	Tokens         []string `yaml:"tokens"`
	AuthTimeout    Duration `yaml:"auth_timeout"`
	MaxMessageSize ByteSize `yaml:"max_message_size"`
}

// MQTTConfig configures the MQTT feed.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	KeepAlive uint16 `yaml:"keep_alive"`
	QoS       byte   `yaml:"qos"`
	Prefix    string `yaml:"prefix"`
}

// AMQPConfig configures the AMQP feed.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Prefetch int    `yaml:"prefetch"`
}

// SNMPConfig configures the SNMP polling feed.
type SNMPConfig struct {
	Host      string `yaml:"host"`
	Port      uint16 `yaml:"port"`
	Community string `yaml:"community"`

	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPassword  string `yaml:"priv_password"`
	ContextName   string `yaml:"context_name"`

	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	Interval    Duration `yaml:"interval"`
	MaxFailures int      `yaml:"max_failures"`

	// Topics maps a topic to the OIDs polled for its fields.
	Topics map[string][]SNMPField `yaml:"topics"`
}

// SNMPField maps a row field to an OID.
type SNMPField struct {
	Name  string  `yaml:"name"`
	OID   string  `yaml:"oid"`
	Scale float64 `yaml:"scale"`
}

// KVConfig selects the settings backend.
type KVConfig struct {
	// Type is one of memory, duckdb, redis.
	Type string `yaml:"type"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis settings backend.
type RedisConfig struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// RecordConfig configures persisting live rows into the duckdb source.
type RecordConfig struct {
	Enabled   bool     `yaml:"enabled"`
	QueueSize int      `yaml:"queue_size"`
	BatchSize int      `yaml:"batch_size"`
	Interval  Duration `yaml:"interval"`
}

// ArchiveConfig configures Parquet snapshot export.
type ArchiveConfig struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`

	// Interval exports every window periodically. Zero exports only on
	// demand and at shutdown.
	Interval Duration `yaml:"interval"`

	// Retention prunes files older than this after each export. Zero
	// keeps every file.
	Retention Duration `yaml:"retention"`
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Plain integers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if i, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports "1MB", "512KB" or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(s, m.suffix)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid byte size %q", s)
			}
			return n * m.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n, nil
}
