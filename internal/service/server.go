// Package service provides implementation of the core application server.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/resident-x/go-wattdog/internal/api"
	"github.com/resident-x/go-wattdog/internal/config"
	"github.com/resident-x/go-wattdog/internal/coordinator"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bridge ties the device session to the publishing side: it drives the
// periodic connection watchdog, consumes decoded snapshots, and fans
// them out over MQTT and the HTTP API.
type Bridge struct {
	config    *config.Config
	coord     *coordinator.Coordinator
	apiServer *api.Server
	publisher domain.MessagePublisher
	done      chan struct{}
	logger    zerolog.Logger
	startTime time.Time
}

// NewBridge creates a new bridge instance.
func NewBridge(cfg *config.Config, coord *coordinator.Coordinator, publisher domain.MessagePublisher) (*Bridge, error) {
	// Create logger with component context.
	logger := log.With().Str("component", "bridge").Logger()

	bridge := &Bridge{
		config:    cfg,
		coord:     coord,
		publisher: publisher,
		done:      make(chan struct{}),
		logger:    logger,
	}

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		bridge.apiServer = api.NewServer(cfg, coord)
	}

	return bridge, nil
}

// Start initializes and starts all components.
func (b *Bridge) Start(ctx context.Context) error {
	// Record start time.
	b.startTime = time.Now()

	// Connect to the message broker.
	if err := b.publisher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}

	// Start HTTP API server if enabled.
	if b.apiServer != nil {
		if err := b.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	// Start the device session background tasks.
	b.coord.Start(ctx)

	b.logger.Info().
		Str("device", b.config.Device.Address).
		Msg("Bridge started")

	go b.tickLoop(ctx)
	go b.publishLoop(ctx)

	return nil
}

// Stop gracefully shuts down all components.
func (b *Bridge) Stop(ctx context.Context) error {
	b.logger.Info().Msg("Stopping bridge")

	// Signal shutdown
	close(b.done)

	// Stop the device session
	b.coord.Stop()

	// Stop API server
	if b.apiServer != nil {
		if err := b.apiServer.Stop(ctx); err != nil {
			b.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	// Close message publisher
	if err := b.publisher.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	return nil
}

// tickLoop drives the periodic connection watchdog. The first tick runs
// immediately so the session comes up without waiting a full interval.
func (b *Bridge) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.Connection.CheckInterval)
	defer ticker.Stop()

	b.tick(ctx)

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Bridge) tick(ctx context.Context) {
	if err := b.coord.OnTick(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Connection check failed")
	}
}

// publishLoop forwards decoded snapshots to the message broker.
func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case snapshot := <-b.coord.Updates():
			if err := b.publisher.Publish(ctx, b.config.MQTT.Topic, &snapshot); err != nil {
				b.logger.Error().
					Str("topic", b.config.MQTT.Topic).
					Err(err).
					Msg("Failed to publish snapshot")
			}
		}
	}
}
