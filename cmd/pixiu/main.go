package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/Meteo-X/pixiu/internal/config"
	"github.com/Meteo-X/pixiu/internal/logging"
	"github.com/Meteo-X/pixiu/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs has already clamped GOMAXPROCS to the container CPU
	// allocation by the time init ordering reaches here.
	logger.Info().
		Str("version", server.Version).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("listen_addr", cfg.ListenAddr).
		Int("max_connections", cfg.MaxConnections).
		Bool("nats_ingest", cfg.NATSEnabled).
		Bool("kafka_ingest", cfg.KafkaEnabled).
		Msg("Starting pixiu")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
