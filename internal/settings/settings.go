// Package settings holds the runtime-adjustable tank capacity.
//
// The value is persisted in a kv.Store and fanned out to in-process
// subscribers on every change. When a kv.Broadcaster is configured, changes
// are also published for other processes and Watch applies theirs.
package settings

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/kv"
	"github.com/xtxerr/cistern/internal/logging"
)

var log = logging.Component("settings")

// Listener is called with the new capacity after every change.
type Listener func(capacity float64)

// Channel is the single source of truth for the tank capacity.
//
// Channel is safe for concurrent use. Writes are last-write-wins.
type Channel struct {
	store       kv.Store
	broadcaster kv.Broadcaster

	key     string
	channel string
	def     float64

	// wmu orders persistence, value changes and notifications. pubmu is
	// taken before wmu is released so broadcasts leave in the same order.
	wmu   sync.Mutex
	pubmu sync.Mutex
	mu    sync.RWMutex
	value float64

	// pending holds our own published payloads whose echo has not come
	// back yet, oldest first.
	pmu     sync.Mutex
	pending []string

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithBroadcaster publishes changes to, and lets Watch follow, other
// processes sharing the same backend.
func WithBroadcaster(b kv.Broadcaster) Option {
	return func(c *Channel) { c.broadcaster = b }
}

// WithDefault overrides the capacity used when nothing is persisted.
func WithDefault(v float64) Option {
	return func(c *Channel) { c.def = v }
}

// WithKey overrides the persistence key and the broadcast channel name.
func WithKey(key, channel string) Option {
	return func(c *Channel) {
		c.key = key
		c.channel = channel
	}
}

// New creates a Channel holding the default until Init is called.
func New(store kv.Store, opts ...Option) *Channel {
	c := &Channel{
		store:     store,
		key:       constants.KeyTankCapacity,
		channel:   constants.ChannelTankCapacity,
		def:       config.DefaultTankCapacity,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.value = c.def
	return c
}

// Init reads the persisted capacity. An unset or unreadable value leaves
// the default in place; a backend failure is also returned to the caller.
func (c *Channel) Init(ctx context.Context) error {
	raw, found, err := c.store.Get(ctx, c.key)
	if err != nil {
		log.Warn("capacity read failed, using default", "key", c.key, "default", c.def, "error", err)
		return errors.Wrapf(err, "read %s", c.key)
	}
	if !found {
		log.Info("capacity not set, using default", "key", c.key, "default", c.def)
		return nil
	}

	v, err := parse(string(raw))
	if err != nil {
		log.Warn("persisted capacity unparsable, using default", "key", c.key, "raw", string(raw), "error", err)
		return nil
	}

	c.apply(v, false)
	log.Info("capacity loaded", "capacity", v)
	return nil
}

// Get returns the current capacity.
func (c *Channel) Get() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set persists v, then updates the in-memory value and notifies
// subscribers. Concurrent calls are serialized, so the persisted value and
// the in-memory value always name the same last writer. The value is not
// range-checked; a non-positive capacity surfaces as ErrInvalidConfiguration
// from the fill computation.
func (c *Channel) Set(ctx context.Context, v float64) error {
	payload := format(v)

	c.wmu.Lock()
	if err := c.store.Set(ctx, c.key, []byte(payload)); err != nil {
		c.wmu.Unlock()
		return errors.Wrapf(err, "persist %s", c.key)
	}
	c.applyLocked(v, true)

	if c.broadcaster == nil {
		c.wmu.Unlock()
		return nil
	}
	c.track(payload)
	c.pubmu.Lock()
	c.wmu.Unlock()
	defer c.pubmu.Unlock()

	if err := c.broadcaster.Publish(ctx, c.channel, []byte(payload)); err != nil {
		c.untrack(payload)
		log.Warn("capacity broadcast failed", "channel", c.channel, "error", err)
	}
	return nil
}

// SetString parses raw and calls Set. Input that is not a finite number
// is rejected with ErrInvalidValue.
func (c *Channel) SetString(ctx context.Context, raw string) error {
	v, err := parse(raw)
	if err != nil {
		return err
	}
	return c.Set(ctx, v)
}

// Subscribe registers a listener. The returned cancel is idempotent.
func (c *Channel) Subscribe(l Listener) (cancel func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// Watch applies capacity changes broadcast by other processes until ctx is
// done. Without a broadcaster it returns immediately.
func (c *Channel) Watch(ctx context.Context) error {
	if c.broadcaster == nil {
		return nil
	}

	err := c.broadcaster.Listen(ctx, c.channel, func(payload []byte) {
		v, err := parse(string(payload))
		if err != nil {
			log.Warn("ignoring malformed capacity broadcast", "payload", string(payload), "error", err)
			return
		}
		if c.staleEcho(string(payload)) {
			log.Debug("ignoring echo of an older local change", "capacity", v)
			return
		}
		if c.apply(v, false) {
			log.Info("capacity changed remotely", "capacity", v)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// maxPending bounds the echoes remembered when a broadcaster drops some.
const maxPending = 16

func (c *Channel) track(payload string) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if len(c.pending) == maxPending {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, payload)
}

func (c *Channel) untrack(payload string) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for i := len(c.pending) - 1; i >= 0; i-- {
		if c.pending[i] == payload {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// staleEcho consumes payload if it is the echo of one of our own
// publishes, and reports whether a newer own publish is still in flight.
// Such an echo would roll the value back until the newer echo arrives.
func (c *Channel) staleEcho(payload string) bool {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for i, p := range c.pending {
		if p == payload {
			c.pending = c.pending[i+1:]
			return len(c.pending) > 0
		}
	}
	return false
}

// apply stores v and notifies listeners when it differs from the current
// value or force is set. Returns whether listeners were notified.
func (c *Channel) apply(v float64, force bool) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.applyLocked(v, force)
}

// applyLocked is apply for callers holding wmu.
func (c *Channel) applyLocked(v float64, force bool) bool {
	c.mu.Lock()
	if c.value == v && !force {
		c.mu.Unlock()
		return false
	}
	c.value = v
	c.mu.Unlock()

	c.lmu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.lmu.RUnlock()

	for _, l := range ls {
		l(v)
	}
	return true
}

func parse(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.NewInvalidValue(constants.KeyTankCapacity, raw, "not a number")
	}
	return v, nil
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
