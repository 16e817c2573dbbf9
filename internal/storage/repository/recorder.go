package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Recorder subscribes to a feed and writes every live row to the
// repository, so a later bulk load sees what was streamed.
//
// Feed handlers must not block on I/O, so rows are queued and flushed in
// batches by a background goroutine. Rows arriving while the queue is full
// are dropped and counted. A lost subscription is re-established with
// exponential backoff, like the ingestor does.
type Recorder struct {
	db         *DB
	queue      chan recorded
	batchSize  int
	interval   time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration

	mu         sync.Mutex
	recordings []*recording
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	recorded     atomic.Int64
	dropped      atomic.Int64
	failed       atomic.Int64
	lost         atomic.Int64
	resubscribes atomic.Int64
}

type recorded struct {
	topic string
	row   types.Row
}

// recording is one topic subscription. sub is nil while resubscribing.
type recording struct {
	f     feed.Feed
	topic string
	sub   feed.Subscription
}

// RecorderStats holds recorder counters.
type RecorderStats struct {
	Recorded     int64
	Dropped      int64
	Failed       int64
	Lost         int64
	Resubscribes int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBackoff bounds the delay between resubscribe attempts.
func WithBackoff(minBackoff, maxBackoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		if minBackoff > 0 {
			r.minBackoff = minBackoff
		}
		if maxBackoff >= r.minBackoff {
			r.maxBackoff = maxBackoff
		}
	}
}

// NewRecorder creates a recorder with a queue of queueSize rows, flushed
// every interval or whenever batchSize rows are waiting.
func NewRecorder(db *DB, queueSize, batchSize int, interval time.Duration, opts ...RecorderOption) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = maxRowsPerInsert
	}
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		db:         db,
		queue:      make(chan recorded, queueSize),
		batchSize:  batchSize,
		interval:   interval,
		minBackoff: config.DefaultResubscribeMinBackoff,
		maxBackoff: config.DefaultResubscribeMaxBackoff,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxBackoff < r.minBackoff {
		r.maxBackoff = r.minBackoff
	}
	go r.run(ctx)
	return r
}

// Record subscribes to topic on f and keeps the subscription alive until
// Close.
func (r *Recorder) Record(ctx context.Context, f feed.Feed, topic string) error {
	if _, err := tableFor(topic); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.ErrClosed
	}
	rec := &recording{f: f, topic: topic}
	r.recordings = append(r.recordings, rec)
	r.mu.Unlock()

	return r.subscribe(ctx, rec)
}

func (r *Recorder) subscribe(ctx context.Context, rec *recording) error {
	sub, err := rec.f.Subscribe(ctx, rec.topic, func(row types.Row) {
		select {
		case r.queue <- recorded{topic: rec.topic, row: row}:
		default:
			r.dropped.Add(1)
		}
	}, func(err error) {
		r.onLost(rec, err)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Unsubscribe()
		return errors.ErrClosed
	}
	rec.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *Recorder) onLost(rec *recording, cause error) {
	r.lost.Add(1)
	log.Warn("recorder subscription lost, resubscribing", "topic", rec.topic, "error", cause)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	rec.sub = nil
	r.wg.Add(1)
	go r.resubscribe(rec)
}

// resubscribe retries with exponential backoff until it succeeds or the
// recorder is closed.
func (r *Recorder) resubscribe(rec *recording) {
	defer r.wg.Done()

	backoff := r.minBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.resubscribes.Add(1)
		err := r.subscribe(r.ctx, rec)
		switch {
		case err == nil:
			log.Info("recorder resubscribed", "topic", rec.topic, "attempt", attempt)
			return
		case errors.Is(err, errors.ErrClosed):
			return
		}

		log.Warn("recorder resubscribe failed", "topic", rec.topic, "attempt", attempt, "retry_in", backoff, "error", err)
		backoff = min(backoff*2, r.maxBackoff)
	}
}

// Close unsubscribes, flushes queued rows and stops the recorder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var subs []feed.Subscription
	for _, rec := range r.recordings {
		if rec.sub != nil {
			subs = append(subs, rec.sub)
			rec.sub = nil
		}
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	r.cancel()
	r.wg.Wait()
	<-r.done
	return nil
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded:     r.recorded.Load(),
		Dropped:      r.dropped.Load(),
		Failed:       r.failed.Load(),
		Lost:         r.lost.Load(),
		Resubscribes: r.resubscribes.Load(),
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make(map[string][]types.Row)
	n := 0

	flush := func() {
		for topic, rows := range pending {
			fctx, cancel := context.WithTimeout(context.Background(), r.db.cfg.QueryTimeout)
			inserted, malformed, err := r.db.Insert(fctx, topic, rows)
			cancel()
			if err != nil {
				r.failed.Add(int64(len(rows)))
				log.Error("recording failed", "topic", topic, "rows", len(rows), "error", err)
				continue
			}
			if len(malformed) > 0 {
				r.failed.Add(int64(len(malformed)))
				log.Warn("skipped malformed rows", "topic", topic, "count", len(malformed), "first", malformed[0])
			}
			r.recorded.Add(int64(inserted))
		}
		clear(pending)
		n = 0
	}

	for {
		select {
		case rec := <-r.queue:
			pending[rec.topic] = append(pending[rec.topic], rec.row)
			n++
			if n >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					pending[rec.topic] = append(pending[rec.topic], rec.row)
				default:
					flush()
					return
				}
			}
		}
	}
}
