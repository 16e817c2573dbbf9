// Package redis backs kv.Store and kv.Broadcaster with a Redis server.
// Values are plain string keys; broadcasts use Redis pub/sub, so every
// process attached to the same server sees every capacity change.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/kv"
	"github.com/xtxerr/cistern/internal/logging"
)

var log = logging.Component("kv.redis")

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every key and channel name.
	Prefix string

	DialTimeout time.Duration
}

// Store is a Redis-backed kv.Store and kv.Broadcaster.
type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ kv.Store       = (*Store)(nil)
	_ kv.Broadcaster = (*Store)(nil)
)

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %w", errors.ErrConnectionFailed, cfg.Addr, err)
	}

	log.Info("connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Store{client: client, prefix: cfg.Prefix}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, s.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (s *Store) Listen(ctx context.Context, channel string, fn func([]byte)) error {
	ps := s.client.Subscribe(ctx, s.key(channel))
	defer ps.Close()

	// Wait for the subscription confirmation so no publish is missed
	// between Listen returning control and the first message.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	log.Debug("listening", "channel", channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis channel %s closed: %w", channel, errors.ErrConnectionFailed)
			}
			fn([]byte(msg.Payload))
		}
	}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
