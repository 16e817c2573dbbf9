// Package memory provides an in-process Feed and Source. The daemon uses
// them when no external backend is configured, and tests use them to script
// arrivals precisely.
package memory

import (
	"context"
	"sync"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Feed is a feed.Feed driven by Publish calls.
type Feed struct {
	hub *feed.Hub

	mu           sync.Mutex
	subscribeErr error
	subscribes   int
}

var _ feed.Feed = (*Feed)(nil)

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{hub: feed.NewHub()}
}

func (f *Feed) Subscribe(_ context.Context, topic string, onEvent feed.Handler, onLost feed.LostHandler) (feed.Subscription, error) {
	f.mu.Lock()
	err := f.subscribeErr
	f.subscribes++
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return f.hub.Subscribe(topic, onEvent, onLost)
}

// Publish delivers row to the subscribers of topic on the caller's
// goroutine. Returns the number of subscribers reached.
func (f *Feed) Publish(topic string, row types.Row) int {
	return f.hub.Dispatch(topic, row)
}

// Close reports ErrClosed to every subscriber and refuses new ones.
func (f *Feed) Close() error {
	f.hub.Close(errors.ErrClosed)
	return nil
}

// Drop severs every subscription of topic ("" for all) with cause.
func (f *Feed) Drop(topic string, cause error) {
	f.hub.Lost(topic, cause)
}

// FailSubscribe makes subsequent Subscribe calls return err (nil clears).
func (f *Feed) FailSubscribe(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

// Subscribers returns the number of live subscribers of topic.
func (f *Feed) Subscribers(topic string) int {
	return f.hub.Subscribers(topic)
}

// SubscribeCalls returns how often Subscribe was called.
func (f *Feed) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

// Source is a feed.Source over rows held in memory.
type Source struct {
	mu      sync.Mutex
	rows    map[string][]types.Row // newest first
	err     error
	fetches int

	// BeforeReturn, when set, runs inside FetchLatest after the rows are
	// selected and before they are returned. Tests use it to publish
	// events while a load is in flight.
	BeforeReturn func(topic string)
}

var _ feed.Source = (*Source)(nil)

// NewSource creates an empty source.
func NewSource() *Source {
	return &Source{rows: make(map[string][]types.Row)}
}

// Set replaces the rows of topic, given newest first.
func (s *Source) Set(topic string, newestFirst []types.Row) {
	s.mu.Lock()
	s.rows[topic] = append([]types.Row(nil), newestFirst...)
	s.mu.Unlock()
}

// Append records row as the newest of topic.
func (s *Source) Append(topic string, row types.Row) {
	s.mu.Lock()
	s.rows[topic] = append([]types.Row{row}, s.rows[topic]...)
	s.mu.Unlock()
}

// Fail makes subsequent FetchLatest calls return err (nil clears).
func (s *Source) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Fetches returns how often FetchLatest was called.
func (s *Source) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *Source) FetchLatest(ctx context.Context, topic string, limit int) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.fetches++
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	rows := s.rows[topic]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := append([]types.Row(nil), rows...)
	hook := s.BeforeReturn
	s.mu.Unlock()

	if hook != nil {
		hook(topic)
	}
	return out, nil
}
