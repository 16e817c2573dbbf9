// Package engine wires the window stores, the ingestor, the capacity
// setting and the metrics into the read contract the presentation layer
// uses.
//
// All reads are synchronous and side-effect-free. Derived metrics are
// recomputed from the current store contents and capacity on every call
// and are never cached; OnChange listeners receive a computation taken
// at every store mutation and every capacity change, delivered in order
// off the mutating goroutine.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/logging"
	"github.com/xtxerr/cistern/internal/metrics"
	"github.com/xtxerr/cistern/internal/settings"
	"github.com/xtxerr/cistern/internal/storage/aggregate"
	"github.com/xtxerr/cistern/internal/storage/ingestion"
	"github.com/xtxerr/cistern/internal/storage/types"
	"github.com/xtxerr/cistern/internal/storage/window"
)

var log = logging.Component("engine")

// Config holds engine settings.
type Config struct {
	WaterCapacity      int
	AtmosphereCapacity int

	// PercentileAccuracy enables p50/p90/p99 in derived stats. Zero
	// disables them.
	PercentileAccuracy float64

	Ingestion ingestion.Config
}

// DefaultConfig returns a Config with defaults from the config package.
func DefaultConfig() Config {
	return Config{
		WaterCapacity:      config.DefaultWindowCapacity,
		AtmosphereCapacity: config.DefaultWindowCapacity,
		PercentileAccuracy: config.DefaultPercentileAccuracy,
		Ingestion:          ingestion.DefaultConfig(),
	}
}

// Change tells an OnChange listener what triggered the recomputation.
type Change struct {
	// Topic is set for store mutations.
	Topic string
	Kind  window.EventKind

	// Capacity is true for capacity changes.
	Capacity bool
}

// Listener receives a fresh derived snapshot after every change.
type Listener func(Change, metrics.Snapshot)

// Engine is the dashboard-facing core.
//
// Engine is safe for concurrent use.
type Engine struct {
	cfg Config

	water      *window.Store[types.WaterLevel]
	atmosphere *window.Store[types.AtmosphericCondition]
	views      map[string]window.View
	bindings   []ingestion.Binding

	capacity *settings.Channel
	ingestor *ingestion.Ingestor

	mu          sync.Mutex
	attachments map[string]*ingestion.Attachment
	cancels     []func()
	started     bool
	closed      bool

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64

	// qmu guards the delivery queue. One goroutine at a time drains it,
	// so listeners see changes in trigger order.
	qmu   sync.Mutex
	queue []notification
	idle  chan struct{} // nil when nothing is being delivered
}

type notification struct {
	change    Change
	snap      metrics.Snapshot
	listeners []Listener
}

// New creates an engine. capacity must already be initialized. Nothing is
// loaded or subscribed until Start.
func New(source feed.Source, f feed.Feed, capacity *settings.Channel, cfg Config) *Engine {
	water := window.New[types.WaterLevel](constants.TopicWaterLevels, cfg.WaterCapacity)
	atmosphere := window.New[types.AtmosphericCondition](constants.TopicAtmospheric, cfg.AtmosphereCapacity)

	return &Engine{
		cfg:        cfg,
		water:      water,
		atmosphere: atmosphere,
		views: map[string]window.View{
			constants.TopicWaterLevels: water,
			constants.TopicAtmospheric: atmosphere,
		},
		bindings: []ingestion.Binding{
			ingestion.Bind(water, types.DecodeWaterLevel),
			ingestion.Bind(atmosphere, types.DecodeAtmospheric),
		},
		capacity:    capacity,
		ingestor:    ingestion.New(source, f, cfg.Ingestion),
		attachments: make(map[string]*ingestion.Attachment),
		listeners:   make(map[uint64]Listener),
	}
}

// Start attaches every topic in parallel and begins recomputing on change.
//
// A failed subscribe is returned and leaves the engine unusable. Failed
// bulk loads are not fatal: the affected topics stay live with empty
// windows, and Start returns their errors joined, each wrapping
// ErrLoadFailure.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.cancels = append(e.cancels,
		e.water.OnChange(func(k window.EventKind) { e.changed(Change{Topic: constants.TopicWaterLevels, Kind: k}) }),
		e.atmosphere.OnChange(func(k window.EventKind) { e.changed(Change{Topic: constants.TopicAtmospheric, Kind: k}) }),
		e.capacity.Subscribe(func(float64) { e.changed(Change{Capacity: true}) }),
	)
	e.mu.Unlock()

	var (
		lmu      sync.Mutex
		loadErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range e.bindings {
		g.Go(func() error {
			a, err := e.ingestor.Attach(gctx, b)
			if a != nil {
				e.mu.Lock()
				e.attachments[b.Topic()] = a
				e.mu.Unlock()
			}
			if errors.Is(err, errors.ErrLoadFailure) {
				log.Warn("initial load failed, staying live", "topic", b.Topic(), "error", err)
				lmu.Lock()
				loadErrs = append(loadErrs, err)
				lmu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("engine started", "topics", len(e.bindings), "capacity", e.capacity.Get(), "load_failures", len(loadErrs))
	return errors.Join(loadErrs...)
}

// Close detaches every topic and stops notifications, waiting for those
// already queued. Store contents are kept and stay readable.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancels := e.cancels
	e.cancels = nil
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	err := e.ingestor.Close()

	e.qmu.Lock()
	idle := e.idle
	e.qmu.Unlock()
	if idle != nil {
		<-idle
	}
	return err
}

// Reload re-runs the bulk load of topic behind the ordering barrier.
func (e *Engine) Reload(ctx context.Context, topic string) error {
	if _, err := e.view(topic); err != nil {
		return err
	}
	return e.ingestor.Reload(ctx, topic)
}

// =============================================================================
// Read contract
// =============================================================================

// Topics returns the topic names in presentation order.
func (e *Engine) Topics() []string {
	return []string{constants.TopicWaterLevels, constants.TopicAtmospheric}
}

// View returns the type-erased store of topic.
func (e *Engine) View(topic string) (window.View, error) {
	return e.view(topic)
}

func (e *Engine) view(topic string) (window.View, error) {
	v, ok := e.views[topic]
	if !ok {
		return nil, errors.NewUnknownTopic(topic)
	}
	return v, nil
}

// Latest returns the most recent sample of topic, false when empty.
func (e *Engine) Latest(topic string) (types.Sample, bool, error) {
	v, err := e.view(topic)
	if err != nil {
		return nil, false, err
	}
	s, ok := v.LatestSample()
	return s, ok, nil
}

// Snapshot returns the window of topic, newest first.
func (e *Engine) Snapshot(topic string) ([]types.Sample, error) {
	v, err := e.view(topic)
	if err != nil {
		return nil, err
	}
	return v.Samples(), nil
}

// Range returns the window samples of topic with a timestamp in
// [from, to], newest timestamp first. A zero time leaves that bound open.
func (e *Engine) Range(topic string, from, to time.Time) ([]types.Sample, error) {
	v, err := e.view(topic)
	if err != nil {
		return nil, err
	}
	return v.SamplesInRange(unixMilli(from), unixMilli(to)), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FillPercentage returns the latest volume as a percentage of the current
// capacity. It returns ErrNoData when no tank reading exists and
// ErrInvalidConfiguration when the capacity is not positive.
func (e *Engine) FillPercentage() (float64, error) {
	w, ok := e.water.Latest()
	if !ok {
		return 0, errors.Wrap(errors.ErrNoData, constants.TopicWaterLevels)
	}
	return metrics.FillPercentage(w.Volume, e.capacity.Get())
}

// AggregateStats aggregates field over the window of topic. An empty
// window yields the zero Stats.
func (e *Engine) AggregateStats(topic, field string) (types.Stats, error) {
	v, err := e.view(topic)
	if err != nil {
		return types.Stats{}, err
	}
	if !hasField(v, field) {
		return types.Stats{}, errors.NewUnknownField(topic, field)
	}
	return metrics.FieldStats(v.Samples(), field, e.cfg.PercentileAccuracy), nil
}

// Trend aggregates field over the window of topic in time buckets of the
// given size, oldest first.
func (e *Engine) Trend(topic, field string, size time.Duration) ([]aggregate.Bucket, error) {
	v, err := e.view(topic)
	if err != nil {
		return nil, err
	}
	if !hasField(v, field) {
		return nil, errors.NewUnknownField(topic, field)
	}
	if size <= 0 {
		return nil, errors.NewInvalidValue("bucket", size, "must be positive")
	}
	sel := func(s types.Sample) float64 {
		f, _ := s.Field(field)
		return f
	}
	return aggregate.Bucketize(v.Samples(), sel, size, e.cfg.PercentileAccuracy), nil
}

func hasField(v window.View, field string) bool {
	for _, f := range v.FieldNames() {
		if f == field {
			return true
		}
	}
	return false
}

// ComfortClassification classifies the latest ambient reading.
// It returns ComfortUnavailable when none exists.
func (e *Engine) ComfortClassification() metrics.Comfort {
	a, ok := e.atmosphere.Latest()
	if !ok {
		return metrics.Classify(nil)
	}
	return metrics.Classify(&a)
}

// CurrentCapacity returns the tank capacity in m³.
func (e *Engine) CurrentCapacity() float64 {
	return e.capacity.Get()
}

// SetCapacity parses raw and sets it as the new capacity. Derived values
// reflect it immediately, without any store mutation.
func (e *Engine) SetCapacity(ctx context.Context, raw string) error {
	return e.capacity.SetString(ctx, raw)
}

// Derived computes every derived value from the current state.
func (e *Engine) Derived() metrics.Snapshot {
	return metrics.Compute(metrics.Input{
		Capacity:   e.capacity.Get(),
		Water:      e.water.Snapshot(),
		Atmosphere: e.atmosphere.Snapshot(),
		Accuracy:   e.cfg.PercentileAccuracy,
	})
}

// Ready reports whether every topic finished its first load attempt.
func (e *Engine) Ready() bool {
	for _, b := range e.bindings {
		if !e.ingestor.Ready(b.Topic()) {
			return false
		}
	}
	return true
}

// =============================================================================
// Change notification
// =============================================================================

// OnChange registers fn to receive a fresh snapshot after every change.
// The snapshot is taken when the change happens. fn runs on a separate
// delivery goroutine once the triggering lock is released, so it may call
// any read method, Stats or Reload, but not Close. Calls never overlap.
// The returned function removes fn and is safe to call more than once;
// changes queued before that may still reach fn.
func (e *Engine) OnChange(fn Listener) (cancel func()) {
	e.lmu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.lmu.Lock()
			delete(e.listeners, id)
			e.lmu.Unlock()
		})
	}
}

func (e *Engine) changed(c Change) {
	e.lmu.RLock()
	if len(e.listeners) == 0 {
		e.lmu.RUnlock()
		return
	}
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.lmu.RUnlock()

	e.qmu.Lock()
	defer e.qmu.Unlock()

	e.queue = append(e.queue, notification{change: c, snap: e.Derived(), listeners: ls})
	if e.idle == nil {
		e.idle = make(chan struct{})
		go e.deliver(e.idle)
	}
}

func (e *Engine) deliver(idle chan struct{}) {
	defer close(idle)
	for {
		e.qmu.Lock()
		if len(e.queue) == 0 {
			e.idle = nil
			e.qmu.Unlock()
			return
		}
		n := e.queue[0]
		e.queue[0] = notification{}
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		for _, l := range n.listeners {
			l(n.change, n.snap)
		}
	}
}

// Stats holds engine statistics.
type Stats struct {
	Capacity  float64
	Ready     bool
	Stores    map[string]window.Stats
	Ingestion map[string]ingestion.TopicStats
}

// Stats returns store and ingestion statistics for every topic.
func (e *Engine) Stats() Stats {
	st := Stats{
		Capacity:  e.capacity.Get(),
		Ready:     e.Ready(),
		Stores:    make(map[string]window.Stats, len(e.views)),
		Ingestion: make(map[string]ingestion.TopicStats, len(e.views)),
	}
	for name, v := range e.views {
		st.Stores[name] = v.Stats()
		if ts, ok := e.ingestor.Stats(name); ok {
			st.Ingestion[name] = ts
		}
	}
	return st
}
