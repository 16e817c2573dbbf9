// Package constants provides centralized domain-specific constants
// for the entire cistern application.
package constants

// =============================================================================
// Topics - Named sensor streams
// =============================================================================

const (
	// TopicWaterLevels carries tank level and volume readings.
	TopicWaterLevels = "water_levels"

	// TopicAtmospheric carries ambient temperature and humidity readings.
	TopicAtmospheric = "atmospheric_conditions"
)

// ValidTopics contains all known topic names
var ValidTopics = []string{TopicWaterLevels, TopicAtmospheric}

// IsValidTopic checks if a topic is known
func IsValidTopic(topic string) bool {
	for _, t := range ValidTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// =============================================================================
// Row Fields - Column names shared by the source, feeds and archive
// =============================================================================

const (
	FieldID          = "id"
	FieldTimestamp   = "timestamp"
	FieldLevel       = "level"
	FieldVolume      = "volume"
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
)

// =============================================================================
// Settings Keys
// =============================================================================

const (
	// KeyTankCapacity is the key/value key holding the tank capacity.
	KeyTankCapacity = "tankMaxCapacity"

	// ChannelTankCapacity is the broadcast channel for capacity changes.
	ChannelTankCapacity = "tankCapacityChanged"
)

// =============================================================================
// Backend Types
// =============================================================================

const (
	FeedMemory = "memory"
	FeedStream = "stream"
	FeedMQTT   = "mqtt"
	FeedAMQP   = "amqp"
	FeedSNMP   = "snmp"

	SourceMemory  = "memory"
	SourceDuckDB  = "duckdb"
	SourceParquet = "parquet"

	KVMemory = "memory"
	KVDuckDB = "duckdb"
	KVRedis  = "redis"
)

// ValidFeedTypes contains all valid feed backends
var ValidFeedTypes = []string{FeedMemory, FeedStream, FeedMQTT, FeedAMQP, FeedSNMP}

// ValidSourceTypes contains all valid bulk load backends
var ValidSourceTypes = []string{SourceMemory, SourceDuckDB, SourceParquet}

// ValidKVTypes contains all valid key/value backends
var ValidKVTypes = []string{KVMemory, KVDuckDB, KVRedis}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IsValidFeedType checks if a feed backend is known
func IsValidFeedType(t string) bool { return contains(ValidFeedTypes, t) }

// IsValidSourceType checks if a source backend is known
func IsValidSourceType(t string) bool { return contains(ValidSourceTypes, t) }

// IsValidKVType checks if a key/value backend is known
func IsValidKVType(t string) bool { return contains(ValidKVTypes, t) }
