// Package kv defines the key/value persistence and broadcast capabilities
// used for runtime settings.
//
// Backends live in subpackages: memory (tests and single-process runs),
// redis (persistence plus cross-process pub/sub) and the duckdb repository.
package kv

import "context"

// Store persists opaque values by key. Get reports found=false for an unset
// key rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// Broadcaster fans a payload out to every process listening on a channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Listen calls fn for every payload published on channel until ctx is
	// done. It blocks and returns ctx.Err() on cancellation.
	Listen(ctx context.Context, channel string, fn func(payload []byte)) error
}
