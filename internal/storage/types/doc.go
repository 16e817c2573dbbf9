// Package types defines the core data types used throughout the engine.
//
// Key types:
//   - Sample: one timestamped sensor reading with named numeric fields
//   - WaterLevel, AtmosphericCondition: the two sensor sample kinds
//   - Row: an untyped record as delivered by a source or a live feed
//   - Stats: aggregate statistics over a window of samples
package types
