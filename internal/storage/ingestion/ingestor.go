// Package ingestion bridges a live Feed and a bulk Source to the per-topic
// window stores.
//
// Attaching a topic runs an ordering barrier: the feed subscription is
// opened first and its events are queued, the bulk load replaces the store
// contents, the queue is replayed in arrival order, and only then are
// events applied directly. A late bulk load can therefore never overwrite
// events that arrived while it was in flight.
//
// Every mutation of a topic's store happens under that topic's lock, so
// reactions to feed events and load completions never interleave. Feed
// callbacks only take the lock and touch memory; all I/O runs on the
// attaching goroutine or on the resubscribe worker.
package ingestion

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/logging"
	"github.com/xtxerr/cistern/internal/storage/types"
)

var log = logging.Component("ingestion")

// errSuperseded reports that a newer subscription generation took over the
// barrier of a topic while an older one was connecting or loading.
var errSuperseded = errors.New("superseded by a newer subscription")

// Config holds ingestor settings.
type Config struct {
	// LoadTimeout bounds a single bulk load.
	LoadTimeout time.Duration

	// MinBackoff and MaxBackoff bound the delay between resubscribe
	// attempts after a lost subscription.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxPending caps the events queued per topic while a load is in
	// flight. On overflow the oldest queued event is dropped.
	MaxPending int
}

// DefaultConfig returns a Config with defaults from the config package.
func DefaultConfig() Config {
	return Config{
		LoadTimeout: config.DefaultLoadTimeout,
		MinBackoff:  config.DefaultResubscribeMinBackoff,
		MaxBackoff:  config.DefaultResubscribeMaxBackoff,
		MaxPending:  config.DefaultMaxPending,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
}

// Ingestor attaches topics and keeps their stores fed.
//
// Ingestor is safe for concurrent use.
type Ingestor struct {
	source feed.Source
	feed   feed.Feed
	cfg    Config

	mu     sync.Mutex
	topics map[string]*topic
	closed bool

	loads singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Ingestor reading bulk loads from source and live events
// from f.
func New(source feed.Source, f feed.Feed, cfg Config) *Ingestor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		source: source,
		feed:   f,
		cfg:    cfg,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// topic is the per-topic ingestion state. mu is the topic's ingestion lock.
type topic struct {
	b Binding

	mu      sync.Mutex
	gen     uint64 // bumped on every (re)subscribe; stale callbacks compare against it
	loading bool   // barrier closed: events are queued
	pending []types.Row
	sub     feed.Subscription
	closed  bool
	lastErr error

	// ready is set once the first load attempt finished. It is read
	// without the topic lock so store listeners may query it.
	ready atomic.Bool

	received     atomic.Int64
	applied      atomic.Int64
	queued       atomic.Int64
	replayed     atomic.Int64
	duplicates   atomic.Int64
	malformed    atomic.Int64
	overflow     atomic.Int64
	stale        atomic.Int64
	loads        atomic.Int64
	loadFailures atomic.Int64
	lost         atomic.Int64
	resubscribes atomic.Int64
}

// Attachment is the handle returned by Attach.
type Attachment struct {
	in *Ingestor
	t  *topic
}

// Topic returns the attached topic name.
func (a *Attachment) Topic() string { return a.t.b.Topic() }

// Unsubscribe detaches the topic: the feed subscription is released exactly
// once and the store receives no further mutations. Safe to call more than
// once.
func (a *Attachment) Unsubscribe() error {
	return a.in.detach(a.t)
}

// Attach subscribes to b's topic, runs the bulk load behind the ordering
// barrier and goes live.
//
// A failed bulk load leaves the store as it was (empty on first attach) and
// keeps the subscription; Attach then returns the Attachment together with
// an error wrapping ErrLoadFailure. A subscription lost during the first
// load hands the barrier to the resubscribe worker and still attaches. A
// failed subscribe returns no Attachment.
func (in *Ingestor) Attach(ctx context.Context, b Binding) (*Attachment, error) {
	name := b.Topic()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, errors.ErrClosed
	}
	if _, ok := in.topics[name]; ok {
		in.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrAlreadyAttached, "topic '%s'", name)
	}
	t := &topic{b: b}
	in.topics[name] = t
	in.mu.Unlock()

	err := in.connect(ctx, t)
	switch {
	case errors.Is(err, errSuperseded):
		log.Info("topic attached, load handed to resubscribe", "topic", name, "capacity", b.Capacity())
		return &Attachment{in: in, t: t}, nil
	case err != nil && !errors.Is(err, errors.ErrLoadFailure):
		in.mu.Lock()
		if in.topics[name] == t {
			delete(in.topics, name)
		}
		in.mu.Unlock()
		return nil, err
	}

	log.Info("topic attached", "topic", name, "capacity", b.Capacity(), "load_ok", err == nil)
	return &Attachment{in: in, t: t}, err
}

// connect opens a new subscription generation and runs the barrier.
func (in *Ingestor) connect(ctx context.Context, t *topic) error {
	name := t.b.Topic()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ErrClosed
	}
	t.gen++
	gen := t.gen
	t.loading = true
	t.pending = t.pending[:0]
	t.mu.Unlock()

	sub, err := in.feed.Subscribe(ctx, name,
		func(row types.Row) { in.onEvent(t, gen, row) },
		func(err error) { in.onLost(t, gen, err) },
	)
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.loading = false
			t.pending = nil
		}
		t.mu.Unlock()
		return errors.Wrapf(err, "subscribe topic '%s'", name)
	}

	t.mu.Lock()
	if err := t.checkLocked(gen); err != nil {
		t.mu.Unlock()
		sub.Unsubscribe()
		return err
	}
	t.sub = sub
	t.mu.Unlock()

	return in.load(ctx, t, gen)
}

// checkLocked reports whether generation gen still owns t. Caller holds t.mu.
func (t *topic) checkLocked(gen uint64) error {
	switch {
	case t.closed:
		return errors.ErrClosed
	case t.gen != gen:
		return errSuperseded
	}
	return nil
}

// load fetches the latest rows, replaces the store contents, replays the
// queue and opens the barrier. Concurrent loads of one topic share a single
// fetch only within a subscription generation: a newer generation always
// fetches again, so rows committed while the feed was down are loaded.
func (in *Ingestor) load(ctx context.Context, t *topic, gen uint64) error {
	name := t.b.Topic()
	start := time.Now()

	key := name + "#" + strconv.FormatUint(gen, 10)
	ch := in.loads.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(in.ctx, in.cfg.LoadTimeout)
		defer cancel()
		return in.source.FetchLatest(lctx, name, t.b.Capacity())
	})

	var (
		rows    []types.Row
		loadErr error
	)
	select {
	case <-ctx.Done():
		loadErr = ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			loadErr = res.Err
		} else {
			rows, _ = res.Val.([]types.Row)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkLocked(gen); err != nil {
		return err
	}
	if !t.loading {
		// Another load of this generation already opened the barrier.
		return nil
	}

	t.loads.Add(1)

	var baseline map[string]struct{}
	if loadErr != nil {
		t.loadFailures.Add(1)
		loadErr = errors.NewLoadFailure(name, loadErr)
		log.Error("bulk load failed, staying live", "topic", name, "error", loadErr)
	} else {
		var malformed []error
		baseline, malformed = t.b.load(rows)
		for _, err := range malformed {
			t.malformed.Add(1)
			log.Warn("dropping malformed row", "topic", name, "phase", "load", "error", err)
		}
		log.Debug("bulk load applied", "topic", name,
			"rows", len(rows), "loaded", len(baseline), "malformed", len(malformed),
			"duration", time.Since(start))
	}

	replayed := len(t.pending)
	for _, row := range t.pending {
		in.applyLocked(t, row, baseline)
	}
	t.replayed.Add(int64(replayed))
	t.pending = nil
	t.loading = false
	t.ready.Store(true)
	t.lastErr = loadErr

	if replayed > 0 {
		log.Debug("replayed queued events", "topic", name, "count", replayed)
	}
	return loadErr
}

// Reload re-runs the bulk load of an attached topic behind the barrier
// without touching the subscription.
func (in *Ingestor) Reload(ctx context.Context, name string) error {
	in.mu.Lock()
	t, ok := in.topics[name]
	in.mu.Unlock()
	if !ok {
		return errors.Wrapf(errors.ErrNotAttached, "topic '%s'", name)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ErrClosed
	}
	if t.sub == nil {
		t.mu.Unlock()
		return errors.NewSubscriptionLost(name, nil)
	}
	gen := t.gen
	t.loading = true
	t.mu.Unlock()

	return in.load(ctx, t, gen)
}

func (in *Ingestor) onEvent(t *topic, gen uint64, row types.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.gen != gen {
		t.stale.Add(1)
		return
	}
	t.received.Add(1)

	if t.loading {
		if len(t.pending) >= in.cfg.MaxPending {
			t.pending = t.pending[1:]
			t.overflow.Add(1)
			log.Warn("pending queue full, dropping oldest event", "topic", t.b.Topic(), "max", in.cfg.MaxPending)
		}
		t.pending = append(t.pending, row)
		t.queued.Add(1)
		return
	}

	in.applyLocked(t, row, nil)
}

// applyLocked ingests one event. Caller holds t.mu.
func (in *Ingestor) applyLocked(t *topic, row types.Row, skip map[string]struct{}) {
	ok, err := t.b.apply(row, skip)
	switch {
	case err != nil:
		t.malformed.Add(1)
		log.Warn("dropping malformed row", "topic", t.b.Topic(), "phase", "live", "error", err)
	case !ok:
		t.duplicates.Add(1)
	default:
		t.applied.Add(1)
	}
}

func (in *Ingestor) onLost(t *topic, gen uint64, cause error) {
	t.mu.Lock()
	if t.closed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	old := t.sub
	t.sub = nil
	t.mu.Unlock()

	t.lost.Add(1)
	log.Warn("subscription lost, resubscribing", "topic", t.b.Topic(), "error", cause)

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.wg.Add(1)
	go in.resubscribe(t, old)
}

// resubscribe reconnects t with exponential backoff until it succeeds, the
// topic is detached or the ingestor is closed.
func (in *Ingestor) resubscribe(t *topic, old feed.Subscription) {
	defer in.wg.Done()

	if old != nil {
		old.Unsubscribe()
	}

	name := t.b.Topic()
	backoff := in.cfg.MinBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-in.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.resubscribes.Add(1)
		err := in.connect(in.ctx, t)
		switch {
		case err == nil:
			log.Info("resubscribed", "topic", name, "attempt", attempt)
			return
		case errors.Is(err, errors.ErrLoadFailure):
			log.Warn("resubscribed without reload", "topic", name, "attempt", attempt, "error", err)
			return
		case errors.Is(err, errors.ErrClosed), errors.Is(err, errSuperseded):
			return
		}

		log.Warn("resubscribe failed", "topic", name, "attempt", attempt, "retry_in", backoff, "error", err)
		backoff *= 2
		if backoff > in.cfg.MaxBackoff {
			backoff = in.cfg.MaxBackoff
		}
	}
}

func (in *Ingestor) detach(t *topic) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub := t.sub
	t.sub = nil
	t.pending = nil
	t.loading = false
	t.mu.Unlock()

	name := t.b.Topic()
	in.mu.Lock()
	if in.topics[name] == t {
		delete(in.topics, name)
	}
	in.mu.Unlock()

	log.Info("topic detached", "topic", name)

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Close detaches every topic and stops the resubscribe workers.
func (in *Ingestor) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	topics := make([]*topic, 0, len(in.topics))
	for _, t := range in.topics {
		topics = append(topics, t)
	}
	in.mu.Unlock()

	in.cancel()

	var errs []error
	for _, t := range topics {
		if err := in.detach(t); err != nil {
			errs = append(errs, err)
		}
	}
	in.wg.Wait()
	return errors.Join(errs...)
}

// Ready reports whether topic finished its first load attempt.
func (in *Ingestor) Ready(name string) bool {
	in.mu.Lock()
	t, ok := in.topics[name]
	in.mu.Unlock()
	if !ok {
		return false
	}

	return t.ready.Load()
}

// Topics returns the attached topic names.
func (in *Ingestor) Topics() []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]string, 0, len(in.topics))
	for name := range in.topics {
		out = append(out, name)
	}
	return out
}

// Stats returns the counters of an attached topic.
func (in *Ingestor) Stats(name string) (TopicStats, bool) {
	in.mu.Lock()
	t, ok := in.topics[name]
	in.mu.Unlock()
	if !ok {
		return TopicStats{}, false
	}

	t.mu.Lock()
	st := TopicStats{
		Topic:   name,
		Live:    t.sub != nil && !t.loading,
		Loading: t.loading,
		Ready:   t.ready.Load(),
		Pending: len(t.pending),
	}
	if t.lastErr != nil {
		st.LastLoadError = t.lastErr.Error()
	}
	t.mu.Unlock()

	st.Received = t.received.Load()
	st.Applied = t.applied.Load()
	st.Queued = t.queued.Load()
	st.Replayed = t.replayed.Load()
	st.Duplicates = t.duplicates.Load()
	st.Malformed = t.malformed.Load()
	st.Overflow = t.overflow.Load()
	st.Stale = t.stale.Load()
	st.Loads = t.loads.Load()
	st.LoadFailures = t.loadFailures.Load()
	st.Lost = t.lost.Load()
	st.Resubscribes = t.resubscribes.Load()
	return st, true
}

// TopicStats holds per-topic ingestion counters.
type TopicStats struct {
	Topic   string
	Live    bool
	Loading bool
	Ready   bool
	Pending int

	Received     int64
	Applied      int64
	Queued       int64
	Replayed     int64
	Duplicates   int64
	Malformed    int64
	Overflow     int64
	Stale        int64
	Loads        int64
	LoadFailures int64
	Lost         int64
	Resubscribes int64

	LastLoadError string
}
