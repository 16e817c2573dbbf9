package main

import (
	"testing"
	"time"

	"github.com/xtxerr/cistern/internal/config"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed/memory"
	kvmemory "github.com/xtxerr/cistern/internal/kv/memory"
	"github.com/xtxerr/cistern/internal/storage/archive"
	"github.com/xtxerr/cistern/internal/storage/repository"
)

func TestOpenBackends_Defaults(t *testing.T) {
	b, err := openBackends(t.Context(), config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, ok := b.source.(*memory.Source); !ok {
		t.Errorf("expected memory source, got %T", b.source)
	}
	if _, ok := b.feed.(*memory.Feed); !ok {
		t.Errorf("expected memory feed, got %T", b.feed)
	}
	if _, ok := b.kv.(*kvmemory.Store); !ok {
		t.Errorf("expected memory kv, got %T", b.kv)
	}
	if b.history(config.DefaultConfig()) != nil {
		t.Error("memory source has no stored history")
	}
}

func TestOpenBackends_DuckDB(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Source.Type = constants.SourceDuckDB
	cfg.Source.Path = t.TempDir() + "/cistern.db"
	cfg.KV.Type = constants.KVDuckDB

	b, err := openBackends(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, ok := b.source.(*repository.DB); !ok {
		t.Errorf("expected repository source, got %T", b.source)
	}
	if _, ok := b.kv.(*repository.KV); !ok {
		t.Errorf("expected repository kv, got %T", b.kv)
	}

	h := b.history(cfg)
	if h == nil {
		t.Fatal("expected history")
	}
	rows, err := h(t.Context(), constants.TopicWaterLevels, time.Unix(0, 0), time.Now())
	if err != nil || len(rows) != 0 {
		t.Errorf("expected empty history, got %v, %v", rows, err)
	}
}

func TestOpenBackends_Parquet(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Source.Type = constants.SourceParquet
	cfg.Archive.Dir = t.TempDir()

	b, err := openBackends(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, ok := b.source.(*archive.Archive); !ok {
		t.Errorf("expected archive source, got %T", b.source)
	}
	rows, err := b.history(cfg)(t.Context(), constants.TopicWaterLevels, time.Unix(0, 0), time.Now())
	if err != nil || len(rows) != 0 {
		t.Errorf("expected empty archive history, got %v, %v", rows, err)
	}
}

func TestOpenBackends_DuckDBKVNeedsSource(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.KV.Type = constants.KVDuckDB

	if _, err := openBackends(t.Context(), cfg); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSNMPConfig(t *testing.T) {
	c := config.SNMPConfig{
		Host:     "10.0.0.5",
		Port:     1161,
		Interval: config.Duration(5 * time.Second),
		Topics: map[string][]config.SNMPField{
			constants.TopicWaterLevels: {{Name: "volume", OID: ".1.3.6.1.4.1.1.2", Scale: 0.01}},
		},
	}

	got := snmpConfig(c)
	if got.Host != "10.0.0.5" || got.Port != 1161 || got.Interval != 5*time.Second {
		t.Errorf("unexpected config %+v", got)
	}
	fields := got.Topics[constants.TopicWaterLevels]
	if len(fields) != 1 || fields[0].Name != "volume" || fields[0].Scale != 0.01 {
		t.Errorf("unexpected fields %+v", fields)
	}
}
