// Package window implements the bounded, newest-first sample store kept
// per topic.
//
// A Store is populated once by Load (a bulk load, already newest first) and
// afterwards only by Ingest, which prepends one sample and trims the tail
// back to capacity. The most recently ingested sample is the newest by
// definition; its timestamp is not consulted.
package window

import (
	"sort"
	"sync"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/storage/buffer"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// EventKind tells listeners how the store changed.
type EventKind int

const (
	// EventReplace - contents were replaced by a bulk load.
	EventReplace EventKind = iota

	// EventAppend - one sample was prepended.
	EventAppend
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventReplace:
		return "replace"
	case EventAppend:
		return "append"
	default:
		return "unknown"
	}
}

// Event describes a single store mutation.
type Event[T types.Sample] struct {
	Kind  EventKind
	Topic string

	// Sample is the ingested sample for EventAppend.
	Sample T

	// Len is the store length after the mutation.
	Len int

	// Evicted is the number of samples dropped from the tail.
	Evicted int
}

// Listener receives store change notifications. Listeners run on the
// mutating goroutine after the mutation is visible; they may read the store
// but must not mutate it.
type Listener[T types.Sample] func(Event[T])

// Store is a bounded, newest-first window of samples for one topic.
//
// Store is safe for concurrent use. Mutations are serialized and their
// notifications are delivered in mutation order.
type Store[T types.Sample] struct {
	topic string
	ring  *buffer.RingBuffer[T]

	// wmu serializes mutation together with its notification.
	wmu sync.Mutex

	lmu       sync.RWMutex
	listeners map[uint64]Listener[T]
	nextID    uint64
}

// New creates an empty store. A non-positive capacity selects the default.
// Capacity is fixed for the lifetime of the store.
func New[T types.Sample](topic string, capacity int) *Store[T] {
	if capacity <= 0 {
		capacity = config.DefaultWindowCapacity
	}
	return &Store[T]{
		topic:     topic,
		ring:      buffer.New[T](capacity),
		listeners: make(map[uint64]Listener[T]),
	}
}

// Topic returns the topic name.
func (s *Store[T]) Topic() string { return s.topic }

// Cap returns the fixed capacity.
func (s *Store[T]) Cap() int { return s.ring.Cap() }

// Len returns the number of samples held.
func (s *Store[T]) Len() int { return s.ring.Len() }

// Load replaces all contents with samples, given newest first.
// Input beyond capacity is truncated from the tail.
func (s *Store[T]) Load(samples []T) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	kept := s.ring.Reset(samples)

	s.notify(Event[T]{
		Kind:    EventReplace,
		Topic:   s.topic,
		Len:     kept,
		Evicted: len(samples) - kept,
	})
}

// Ingest prepends sample and drops the oldest sample when over capacity.
// sample becomes Latest regardless of its timestamp.
func (s *Store[T]) Ingest(sample T) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	evicted := 0
	if s.ring.Push(sample) {
		evicted = 1
	}

	s.notify(Event[T]{
		Kind:    EventAppend,
		Topic:   s.topic,
		Sample:  sample,
		Len:     s.ring.Len(),
		Evicted: evicted,
	})
}

// Latest returns the most recent sample in O(1).
// Returns false if the store is empty.
func (s *Store[T]) Latest() (T, bool) {
	return s.ring.Newest()
}

// Snapshot returns a copy of the contents, newest first.
// The copy is never affected by later mutations.
func (s *Store[T]) Snapshot() []T {
	return s.ring.Items()
}

// Range returns samples whose timestamp lies in [fromMs, toMs], ordered by
// timestamp descending. A zero bound is open. Unlike Snapshot, the order
// here follows the timestamps rather than arrival.
func (s *Store[T]) Range(fromMs, toMs int64) []T {
	out := s.ring.Query(func(v T) bool {
		ts := v.Timestamp()
		if fromMs > 0 && ts < fromMs {
			return false
		}
		if toMs > 0 && ts > toMs {
			return false
		}
		return true
	}, 0)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp() > out[j].Timestamp()
	})
	return out
}

// Subscribe registers a listener and returns a function that removes it.
// The returned function is safe to call more than once.
func (s *Store[T]) Subscribe(l Listener[T]) (cancel func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store[T]) notify(ev Event[T]) {
	s.lmu.RLock()
	ls := make([]Listener[T], 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

// Stats returns store statistics.
func (s *Store[T]) Stats() Stats {
	st := s.ring.Stats()
	return Stats{
		Topic:    s.topic,
		Capacity: st.Capacity,
		Len:      st.Count,
		Loads:    st.ResetCount,
		Ingests:  st.PushCount,
		Evicted:  st.DropCount,
	}
}

// Stats holds store statistics.
type Stats struct {
	Topic    string
	Capacity int
	Len      int
	Loads    int64
	Ingests  int64
	Evicted  int64
}

// =============================================================================
// Type-erased access
// =============================================================================

// View is the read side of a Store without its type parameter, used by
// consumers that handle every topic uniformly.
type View interface {
	Topic() string
	Cap() int
	Len() int
	LatestSample() (types.Sample, bool)
	Samples() []types.Sample
	SamplesInRange(fromMs, toMs int64) []types.Sample
	FieldNames() []string
	OnChange(fn func(EventKind)) (cancel func())
	Stats() Stats
}

// LatestSample returns Latest as a types.Sample.
func (s *Store[T]) LatestSample() (types.Sample, bool) {
	v, ok := s.Latest()
	if !ok {
		return nil, false
	}
	return v, true
}

// Samples returns Snapshot as []types.Sample.
func (s *Store[T]) Samples() []types.Sample {
	return erase(s.Snapshot())
}

// SamplesInRange returns Range as []types.Sample.
func (s *Store[T]) SamplesInRange(fromMs, toMs int64) []types.Sample {
	return erase(s.Range(fromMs, toMs))
}

// FieldNames lists the numeric fields of T.
func (s *Store[T]) FieldNames() []string {
	var zero T
	return zero.FieldNames()
}

// OnChange subscribes with a listener that only needs the event kind.
func (s *Store[T]) OnChange(fn func(EventKind)) (cancel func()) {
	return s.Subscribe(func(ev Event[T]) { fn(ev.Kind) })
}

func erase[T types.Sample](in []T) []types.Sample {
	out := make([]types.Sample, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

var (
	_ View = (*Store[types.WaterLevel])(nil)
	_ View = (*Store[types.AtmosphericCondition])(nil)
)
