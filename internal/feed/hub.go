package feed

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Hub tracks subscriptions per topic and dispatches rows to them.
//
// Hub is safe for concurrent use. Dispatch and Lost may be called from any
// goroutine; handlers are invoked on the caller's goroutine.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*hubSub
	nextID uint64
	closed bool

	// OnFirst and OnLast, when set, are called when a topic gains its first
	// subscriber or loses its last one. Adapters use them to subscribe to
	// or release the topic on the wire.
	OnFirst func(topic string) error
	OnLast  func(topic string)

	dispatched atomic.Int64
	dropped    atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[uint64]*hubSub)}
}

type hubSub struct {
	hub     *Hub
	topic   string
	id      uint64
	onEvent Handler
	onLost  LostHandler

	once sync.Once
	dead atomic.Bool
}

// Subscribe registers handlers for topic.
func (h *Hub) Subscribe(topic string, onEvent Handler, onLost LostHandler) (Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.ErrClosed
	}

	subs := h.topics[topic]
	first := len(subs) == 0
	if subs == nil {
		subs = make(map[uint64]*hubSub)
		h.topics[topic] = subs
	}

	s := &hubSub{hub: h, topic: topic, id: h.nextID, onEvent: onEvent, onLost: onLost}
	h.nextID++
	subs[s.id] = s
	onFirst := h.OnFirst
	h.mu.Unlock()

	if first && onFirst != nil {
		if err := onFirst(topic); err != nil {
			h.remove(s)
			return nil, err
		}
	}
	return s, nil
}

// Dispatch delivers row to every live subscriber of topic. Returns the
// number of subscribers reached.
func (h *Hub) Dispatch(topic string, row types.Row) int {
	h.mu.RLock()
	subs := make([]*hubSub, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		h.dropped.Add(1)
		return 0
	}

	n := 0
	for _, s := range subs {
		if s.dead.Load() {
			continue
		}
		s.onEvent(row)
		n++
	}
	h.dispatched.Add(1)
	return n
}

// Lost reports err to every subscriber of topic and removes them.
// An empty topic means all topics.
func (h *Hub) Lost(topic string, err error) {
	h.mu.Lock()
	var lost []*hubSub
	for t, subs := range h.topics {
		if topic != "" && t != topic {
			continue
		}
		for _, s := range subs {
			lost = append(lost, s)
		}
		delete(h.topics, t)
	}
	h.mu.Unlock()

	for _, s := range lost {
		s.once.Do(func() {
			s.dead.Store(true)
			if s.onLost != nil {
				s.onLost(errors.NewSubscriptionLost(s.topic, err))
			}
		})
	}
}

// Close reports err to every subscriber and refuses new subscriptions.
func (h *Hub) Close(err error) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.Lost("", err)
}

// Topics returns the topics that currently have subscribers.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

// Subscribers returns the number of live subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Stats returns hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Dispatched: h.dispatched.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// HubStats holds hub counters. Dropped counts rows for topics nobody was
// subscribed to.
type HubStats struct {
	Dispatched int64
	Dropped    int64
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	subs, ok := h.topics[s.topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, s.id)
	last := len(subs) == 0
	if last {
		delete(h.topics, s.topic)
	}
	onLast := h.OnLast
	h.mu.Unlock()

	if last && onLast != nil {
		onLast(s.topic)
	}
}

func (s *hubSub) Unsubscribe() error {
	s.once.Do(func() {
		s.dead.Store(true)
		s.hub.remove(s)
	})
	return nil
}
