// Package memory is an in-process kv.Store and kv.Broadcaster.
package memory

import (
	"context"
	"sync"

	"github.com/xtxerr/cistern/internal/kv"
)

// Store keeps values in a map and delivers broadcasts synchronously to
// listeners of the same Store.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte

	lmu       sync.RWMutex
	listeners map[string]map[uint64]func([]byte)
	nextID    uint64
}

var (
	_ kv.Store       = (*Store)(nil)
	_ kv.Broadcaster = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		values:    make(map[string][]byte),
		listeners: make(map[string]map[uint64]func([]byte)),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.values[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.lmu.RLock()
	fns := make([]func([]byte), 0, len(s.listeners[channel]))
	for _, fn := range s.listeners[channel] {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

func (s *Store) Listen(ctx context.Context, channel string, fn func([]byte)) error {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[channel] == nil {
		s.listeners[channel] = make(map[uint64]func([]byte))
	}
	s.listeners[channel][id] = fn
	s.lmu.Unlock()

	<-ctx.Done()

	s.lmu.Lock()
	delete(s.listeners[channel], id)
	s.lmu.Unlock()

	return ctx.Err()
}

// Listeners returns the number of active listeners on channel.
func (s *Store) Listeners(channel string) int {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	return len(s.listeners[channel])
}
