// Package feed defines the two capabilities the ingestion layer consumes:
// a bulk Source ("fetch latest N rows of a topic") and a live Feed
// ("call me on every insert into a topic").
//
// Transport adapters live in subpackages and all fan events out through a
// Hub, so subscription bookkeeping and loss signalling behave the same
// regardless of the wire.
package feed

import (
	"context"

	"github.com/xtxerr/cistern/internal/storage/types"
)

// Source returns the most recent rows of a topic, newest first.
type Source interface {
	FetchLatest(ctx context.Context, topic string, limit int) ([]types.Row, error)
}

// Handler receives one inserted row. It runs on the feed's delivery
// goroutine and must not block on I/O.
type Handler func(row types.Row)

// LostHandler is called at most once per subscription when the feed can no
// longer deliver events for it. The subscription is dead afterwards.
type LostHandler func(err error)

// Subscription is a live registration with a Feed.
type Subscription interface {
	// Unsubscribe releases the subscription. It is idempotent; after the
	// first call no further events or loss notifications are delivered.
	Unsubscribe() error
}

// Feed delivers insert events per topic.
type Feed interface {
	Subscribe(ctx context.Context, topic string, onEvent Handler, onLost LostHandler) (Subscription, error)
}
