// cisternd keeps the rolling sensor windows of a water tank in memory and
// serves the derived dashboard values to the operator console.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/xtxerr/cistern/internal/config"
	"github.com/xtxerr/cistern/internal/console"
	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/engine"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/logging"
	"github.com/xtxerr/cistern/internal/settings"
	"github.com/xtxerr/cistern/internal/storage/archive"
	"github.com/xtxerr/cistern/internal/storage/ingestion"
	"github.com/xtxerr/cistern/internal/storage/repository"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("cisternd")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "cistern.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	jsonLogs := flag.Bool("json", false, "JSON log output")
	noConsole := flag.Bool("no-console", false, "do not start the interactive console")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cisternd", Version)
		return
	}

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cisternd: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	// CLI overrides
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Log.JSON = true
	}

	interactive := !*noConsole && term.IsTerminal(int(os.Stdin.Fd()))
	logOut := os.Stdout
	if interactive {
		logOut = os.Stderr
	}
	logging.InitWriter(logOut, logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)

	log.Info("starting", "version", Version, "config", *cfgPath,
		"source", cfg.Source.Type, "feed", cfg.Feed.Type, "kv", cfg.KV.Type)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, interactive); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, interactive bool) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// =========================================================================
	// Capacity setting
	// =========================================================================

	var opts []settings.Option
	opts = append(opts, settings.WithDefault(cfg.Tank.DefaultCapacity))
	if b.broadcaster != nil {
		opts = append(opts, settings.WithBroadcaster(b.broadcaster))
	}
	capacity := settings.New(b.kv, opts...)
	if err := capacity.Init(ctx); err != nil {
		log.Warn("capacity init failed, using default", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := capacity.Watch(ctx); err != nil {
			log.Error("capacity watch stopped", "error", err)
		}
	}()

	// =========================================================================
	// Engine
	// =========================================================================

	eng := engine.New(b.source, b.feed, capacity, engine.Config{
		WaterCapacity:      cfg.TopicCapacity(constants.TopicWaterLevels),
		AtmosphereCapacity: cfg.TopicCapacity(constants.TopicAtmospheric),
		PercentileAccuracy: cfg.Metrics.PercentileAccuracy,
		Ingestion: ingestion.Config{
			LoadTimeout: cfg.Ingestion.LoadTimeout.Duration(),
			MinBackoff:  cfg.Ingestion.Resubscribe.MinBackoff.Duration(),
			MaxBackoff:  cfg.Ingestion.Resubscribe.MaxBackoff.Duration(),
			MaxPending:  cfg.Ingestion.MaxPending,
		},
	})

	if err := eng.Start(ctx); err != nil {
		if !errors.Is(err, errors.ErrLoadFailure) {
			eng.Close()
			return fmt.Errorf("start engine: %w", err)
		}
		log.Warn("starting with empty windows", "error", err)
	}

	// =========================================================================
	// Recorder (live rows into the duckdb source)
	// =========================================================================

	var recorder *repository.Recorder
	if cfg.Record.Enabled && b.db != nil {
		recorder = repository.NewRecorder(b.db, cfg.Record.QueueSize, cfg.Record.BatchSize, cfg.Record.Interval.Duration(),
			repository.WithBackoff(cfg.Ingestion.Resubscribe.MinBackoff.Duration(), cfg.Ingestion.Resubscribe.MaxBackoff.Duration()))
		for _, topic := range eng.Topics() {
			if err := recorder.Record(ctx, b.feed, topic); err != nil {
				log.Warn("recording disabled for topic", "topic", topic, "error", err)
			}
		}
	}

	// =========================================================================
	// Archive
	// =========================================================================

	arch := archive.New(cfg.Archive.Dir, archive.Options{
		Compression: archive.ParseCompressionType(cfg.Archive.Compression),
	})
	exportOnExit := cfg.Archive.Interval > 0 || cfg.Source.Type == constants.SourceParquet
	retention := cfg.Archive.Retention.Duration()
	if retention > 0 {
		prune(arch, retention)
	}

	if every := cfg.Archive.Interval.Duration(); every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					exportAll(eng, arch, retention)
				}
			}
		}()
	}

	// =========================================================================
	// Run
	// =========================================================================

	log.Info("running", "ready", eng.Ready(), "capacity", eng.CurrentCapacity(), "console", interactive)

	if interactive {
		copts := []console.Option{console.WithExporter(arch)}
		if h := b.history(cfg); h != nil {
			copts = append(copts, console.WithHistory(h))
		}
		go func() {
			console.New(eng, copts...).Run(ctx, os.Stdout)
			stop()
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	// Stop ingestion first so the windows no longer change.
	if err := eng.Close(); err != nil {
		log.Warn("engine close", "error", err)
	}
	if exportOnExit {
		exportAll(eng, arch, retention)
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Warn("recorder close", "error", err)
		}
		st := recorder.Stats()
		log.Info("recorder stopped", "recorded", st.Recorded, "dropped", st.Dropped, "failed", st.Failed)
	}

	wg.Wait()
	return nil
}

// exportAll archives every window, then prunes old files when retention
// is set.
func exportAll(eng *engine.Engine, arch *archive.Archive, retention time.Duration) {
	for _, topic := range eng.Topics() {
		samples, err := eng.Snapshot(topic)
		if err != nil {
			log.Warn("archive snapshot failed", "topic", topic, "error", err)
			continue
		}
		path, err := arch.Export(topic, samples)
		if err != nil {
			log.Warn("archive export failed", "topic", topic, "error", err)
			continue
		}
		if path != "" {
			log.Info("window archived", "topic", topic, "samples", len(samples), "path", path)
		}
	}
	if retention > 0 {
		prune(arch, retention)
	}
}

func prune(arch *archive.Archive, retention time.Duration) {
	for _, r := range arch.PruneAll(retention) {
		for _, err := range r.Errors {
			log.Warn("archive prune failed", "topic", r.Topic, "error", err)
		}
	}
}
