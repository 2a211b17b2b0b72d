// Package main provides the entry point for the go-wattdog bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-wattdog/internal/ble"
	"github.com/resident-x/go-wattdog/internal/config"
	"github.com/resident-x/go-wattdog/internal/coordinator"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/pubsub"
	"github.com/resident-x/go-wattdog/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-wattdog %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-wattdog")

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	cfg.Print()

	// Initialize the BLE transport
	link := ble.NewLink()
	defer func() {
		if err := link.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close BLE device")
		}
	}()

	// Create the device session
	coord := coordinator.New(cfg, link)

	// Initialize MQTT publisher
	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		mqttPublisher.SetDeviceModel(coord.Protocol().ModelName())
		publisher = mqttPublisher
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	// Create and start the bridge
	bridge, err := service.NewBridge(cfg, coord, publisher)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create bridge")
		return 1
	}

	if err := bridge.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start bridge")
		return 1
	}

	log.Info().
		Str("device", cfg.Device.Address).
		Msg("Bridge started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the bridge
	if err := bridge.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping bridge")
		return 1
	}

	log.Info().Msg("Stopped")
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
