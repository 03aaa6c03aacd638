// Package main provides the qshield server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/qshield/internal/cipher"
	"github.com/thebtf/qshield/internal/config"
	"github.com/thebtf/qshield/internal/journal"
	"github.com/thebtf/qshield/internal/records"
	"github.com/thebtf/qshield/internal/server"
	"github.com/thebtf/qshield/internal/simulator"
	"github.com/thebtf/qshield/internal/telemetry"
	"github.com/thebtf/qshield/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	// Editors save records files in several writes.
	recordsDebounce = 500 * time.Millisecond
)

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.qshield)")
	port := flag.Int("port", 0, "Listen port (overrides settings)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *dataDir != "" {
		_ = os.Setenv(config.KeyDataDir, *dataDir)
	}
	if *port != 0 {
		_ = os.Setenv(config.KeyPort, strconv.Itoa(*port))
	}

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	jr, err := journal.Open(cfg.JournalDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open security journal")
	}

	catalog := records.Embedded()
	if cfg.RecordsPath != "" {
		catalog, err = records.Load(cfg.RecordsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.RecordsPath).Msg("Failed to load patient records")
		}
	}

	svc, err := server.NewService(server.Options{
		Version:   Version,
		Config:    cfg,
		Simulator: simulator.New(),
		Cipher:    cipher.New(),
		Records:   catalog,
		Journal:   jr,
		Metrics:   telemetry.Default(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create service")
	}

	stopWatchers := startWatchers(catalog)
	defer stopWatchers()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down qshield")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return svc.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Server error")
	}
}

// startWatchers reloads the records file on change and exits on settings
// changes so a supervisor restarts with the new configuration.
func startWatchers(catalog *records.Catalog) func() {
	var started []*watcher.Watcher

	if path := catalog.Path(); path != "" {
		w, err := watcher.New(path, func(c watcher.Change) {
			if c == watcher.Removed {
				log.Warn().Str("path", path).Msg("Records file removed, keeping loaded records")
				return
			}
			if err := catalog.Reload(); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Failed to reload patient records")
				return
			}
			log.Info().Str("path", path).Int("records", len(catalog.All())).Msg("Patient records reloaded")
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create records watcher")
		} else {
			w.SetDebounce(recordsDebounce)
			if err := w.Start(); err != nil {
				log.Warn().Err(err).Msg("Failed to start records watcher")
			} else {
				started = append(started, w)
			}
		}
	}

	settingsPath := config.SettingsPath()
	w, err := watcher.New(settingsPath, func(watcher.Change) {
		log.Warn().Str("path", settingsPath).Msg("Config file changed, exiting for restart...")
		time.Sleep(100 * time.Millisecond) // Give logs time to flush
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
	} else if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
	} else {
		log.Info().Str("path", settingsPath).Msg("Config file watcher started")
		started = append(started, w)
	}

	return func() {
		for _, w := range started {
			_ = w.Stop()
		}
	}
}
