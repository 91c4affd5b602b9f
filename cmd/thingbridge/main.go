package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/config"
	"github.com/illmade-knight/go-thingbridge/pkg/microservice"
	"github.com/rs/zerolog"
)

// Version is set at build time.
var Version = "dev"

const (
	envConfigPath   = "THINGBRIDGE_CONFIG"
	shutdownTimeout = 30 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Println("thingbridge", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thingbridge: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Service, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Thingbridge stopped with an error.")
	}
}

func defaultConfigPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	return "thingbridge.yaml"
}

// newLogger creates the process logger. The format is json unless console is
// configured; an unknown level falls back to info.
func newLogger(cfg microservice.BaseConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.LogFormat, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
}

// run assembles and starts the process, then blocks until SIGINT or SIGTERM.
func run(cfg *config.Config, logger zerolog.Logger) error {
	sigCtx, stopSignals := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Components outlive the signal so that they can drain during shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	a, err := newApp(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble thingbridge: %w", err)
	}

	startErr := a.Start(runCtx)
	if startErr == nil {
		logger.Info().
			Str("version", Version).
			Str("http_port", a.GetHTTPPort()).
			Int("connections", len(cfg.Connections)).
			Msg("Thingbridge started.")
		<-sigCtx.Done()
		logger.Info().Msg("Shutdown signal received.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := a.Shutdown(shutdownCtx)
	if startErr != nil {
		return fmt.Errorf("failed to start thingbridge: %w", startErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", shutdownErr)
	}
	logger.Info().Msg("Thingbridge stopped.")
	return nil
}
