package main

import (
	"context"
	"time"

	"github.com/xtxerr/cistern/internal/config"
	"github.com/xtxerr/cistern/internal/console"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/feed/amqp"
	"github.com/xtxerr/cistern/internal/feed/memory"
	"github.com/xtxerr/cistern/internal/feed/mqtt"
	"github.com/xtxerr/cistern/internal/feed/snmp"
	"github.com/xtxerr/cistern/internal/feed/stream"
	"github.com/xtxerr/cistern/internal/kv"
	kvmemory "github.com/xtxerr/cistern/internal/kv/memory"
	"github.com/xtxerr/cistern/internal/kv/redis"
	"github.com/xtxerr/cistern/internal/storage/archive"
	"github.com/xtxerr/cistern/internal/storage/repository"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// liveFeed is a feed the daemon owns and must close.
type liveFeed interface {
	feed.Feed
	Close() error
}

// backends holds the external dependencies selected by the config.
type backends struct {
	source      feed.Source
	feed        liveFeed
	kv          kv.Store
	broadcaster kv.Broadcaster

	// db is set when the duckdb repository is open, either as the source
	// or as the query engine over the archive.
	db *repository.DB

	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	if err := b.open(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) open(ctx context.Context, cfg *config.Config) error {
	// Source
	switch cfg.Source.Type {
	case constants.SourceDuckDB, constants.SourceParquet:
		rcfg := repository.DefaultConfig()
		rcfg.QueryTimeout = cfg.Source.QueryTimeout.Duration()
		rcfg.Path = cfg.Source.Path
		if cfg.Source.Type == constants.SourceParquet {
			// In-memory database used only to query the archive files.
			rcfg.Path = ""
		}
		db, err := repository.Open(ctx, rcfg)
		if err != nil {
			return errors.Wrap(err, "open repository")
		}
		b.db = db
		b.closers = append(b.closers, db.Close)

		if cfg.Source.Type == constants.SourceDuckDB {
			b.source = db
		} else {
			b.source = archive.New(cfg.Archive.Dir, archive.Options{
				Compression: archive.ParseCompressionType(cfg.Archive.Compression),
			})
		}
	default:
		b.source = memory.NewSource()
	}

	// Feed
	switch cfg.Feed.Type {
	case constants.FeedStream:
		s := stream.NewServer(stream.Config{
			Listen:         cfg.Feed.Stream.Listen,
			Tokens:         cfg.Feed.Stream.Tokens,
			AuthTimeout:    cfg.Feed.Stream.AuthTimeout.Duration(),
			MaxMessageSize: int(cfg.Feed.Stream.MaxMessageSize.Bytes()),
		})
		if err := s.Start(); err != nil {
			return err
		}
		b.feed = s
	case constants.FeedMQTT:
		m := cfg.Feed.MQTT
		b.feed = mqtt.New(mqtt.Config{
			Broker:    m.Broker,
			ClientID:  m.ClientID,
			Username:  m.Username,
			Password:  m.Password,
			KeepAlive: m.KeepAlive,
			QoS:       m.QoS,
			Prefix:    m.Prefix,
		})
	case constants.FeedAMQP:
		a := cfg.Feed.AMQP
		b.feed = amqp.New(amqp.Config{URL: a.URL, Exchange: a.Exchange, Prefetch: a.Prefetch})
	case constants.FeedSNMP:
		b.feed = snmp.New(snmpConfig(cfg.Feed.SNMP))
	default:
		b.feed = memory.NewFeed()
	}
	b.closers = append(b.closers, b.feed.Close)

	// Settings store
	switch cfg.KV.Type {
	case constants.KVRedis:
		r := cfg.KV.Redis
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := redis.Open(dctx, redis.Config{
			Addr:        r.Addr,
			Password:    r.Password,
			DB:          r.DB,
			Prefix:      r.Prefix,
			DialTimeout: r.DialTimeout.Duration(),
		})
		cancel()
		if err != nil {
			return err
		}
		b.kv = store
		b.broadcaster = store
		b.closers = append(b.closers, store.Close)
	case constants.KVDuckDB:
		if b.db == nil {
			return errors.NewValidation("kv.type", "duckdb requires the duckdb source")
		}
		b.kv = b.db.KV()
	default:
		b.kv = kvmemory.New()
	}
	return nil
}

// history returns the console's stored-history query, nil when only the
// window can answer.
func (b *backends) history(cfg *config.Config) console.HistoryFunc {
	if b.db == nil {
		return nil
	}
	if cfg.Source.Type == constants.SourceParquet {
		dir := cfg.Archive.Dir
		return func(ctx context.Context, topic string, from, to time.Time) ([]types.Row, error) {
			return b.db.ArchiveHistory(ctx, dir, topic, from, to)
		}
	}
	return func(ctx context.Context, topic string, from, to time.Time) ([]types.Row, error) {
		return b.db.History(ctx, topic, from, to, 0)
	}
}

// Close releases the backends in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func snmpConfig(c config.SNMPConfig) snmp.Config {
	topics := make(map[string][]snmp.Field, len(c.Topics))
	for topic, fields := range c.Topics {
		out := make([]snmp.Field, len(fields))
		for i, f := range fields {
			out[i] = snmp.Field{Name: f.Name, OID: f.OID, Scale: f.Scale}
		}
		topics[topic] = out
	}
	return snmp.Config{
		Host:          c.Host,
		Port:          c.Port,
		Community:     c.Community,
		SecurityName:  c.SecurityName,
		SecurityLevel: c.SecurityLevel,
		AuthProtocol:  c.AuthProtocol,
		AuthPassword:  c.AuthPassword,
		PrivProtocol:  c.PrivProtocol,
		PrivPassword:  c.PrivPassword,
		ContextName:   c.ContextName,
		Timeout:       c.Timeout.Duration(),
		Retries:       c.Retries,
		Interval:      c.Interval.Duration(),
		MaxFailures:   c.MaxFailures,
		Topics:        topics,
	}
}
