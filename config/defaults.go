// Package config provides configuration defaults and utilities
// for the cistern application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Window Defaults
// =============================================================================

const (
	// DefaultWindowCapacity is the number of samples kept per topic.
	// Matches the bulk load limit of the dashboard.
	// Override via config: topics[].capacity
	DefaultWindowCapacity = 100

	// DefaultTankCapacity is the tank capacity in m³ used when no value
	// has been persisted yet.
	DefaultTankCapacity = 10.0

	// DefaultPercentileAccuracy is the relative accuracy for DDSketch
	// percentiles over a window (0.01 = 1% error).
	// Override via config: metrics.percentile_accuracy
	DefaultPercentileAccuracy = 0.01
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultLoadTimeout bounds a single bulk load.
	// Override via config: ingestion.load_timeout
	DefaultLoadTimeout = 15 * time.Second

	// DefaultResubscribeMinBackoff is the first delay after a lost subscription.
	// Override via config: ingestion.resubscribe.min_backoff
	DefaultResubscribeMinBackoff = 500 * time.Millisecond

	// DefaultResubscribeMaxBackoff caps the resubscribe delay.
	// Override via config: ingestion.resubscribe.max_backoff
	DefaultResubscribeMaxBackoff = 30 * time.Second

	// DefaultMaxPending bounds the queue of events held back while a bulk
	// load is in flight. Oldest queued events are dropped past this bound,
	// since the bulk load already covers them.
	// Override via config: ingestion.max_pending
	DefaultMaxPending = 10000
)

// =============================================================================
// Transport Defaults
// =============================================================================

const (
	// DefaultMaxMessageSize limits a single framed row on the stream feed.
	DefaultMaxMessageSize = 1 * 1024 * 1024

	// DefaultStreamListen is the listen address for the stream feed.
	// Override via config: feed.stream.listen
	DefaultStreamListen = "127.0.0.1:9171"

	// DefaultStreamAuthTimeout is how long a producer has to send its
	// hello frame when tokens are configured.
	DefaultStreamAuthTimeout = 10 * time.Second

	// DefaultAuthFailureLimit is the number of failed hello frames per IP
	// per minute before further connections from that IP are refused.
	DefaultAuthFailureLimit = 10

	// DefaultAMQPExchange is the topic exchange sensor inserts are bound on.
	// Override via config: feed.amqp.exchange
	DefaultAMQPExchange = "sensors"

	// DefaultAMQPPrefetch is the consumer prefetch count.
	DefaultAMQPPrefetch = 50

	// DefaultMQTTBroker is the default MQTT broker URL.
	// Override via config: feed.mqtt.broker
	DefaultMQTTBroker = "tcp://localhost:1883"

	// DefaultMQTTKeepAlive is the MQTT keep-alive in seconds.
	DefaultMQTTKeepAlive = 30

	// DefaultSNMPTimeoutMs is the timeout for a single SNMP request.
	// Override via config: feed.snmp.timeout_ms
	DefaultSNMPTimeoutMs = 5000

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	// Override via config: feed.snmp.retries
	DefaultSNMPRetries = 2

	// DefaultSNMPInterval is the default sensor polling interval.
	// Override via config: feed.snmp.interval
	DefaultSNMPInterval = 10 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultRepositoryPath is the DuckDB file holding sensor history.
	// Override via config: source.path
	DefaultRepositoryPath = "cistern.db"

	// DefaultArchiveDir is where window snapshots are exported as Parquet.
	// Override via config: archive.dir
	DefaultArchiveDir = "archive"

	// DefaultQueryTimeout bounds repository queries.
	DefaultQueryTimeout = 30 * time.Second
)
