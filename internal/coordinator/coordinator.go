// Package coordinator owns the session with one Power Watchdog device:
// connection attempts with adaptive backoff, protocol detection and
// correction, the persistent notification subscription, staleness
// detection, and serialized command execution.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-wattdog/internal/config"
	"github.com/resident-x/go-wattdog/internal/decoder"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotConnectable is returned once all connection attempts of a tick
// are exhausted. The next tick retries from the carried-over delay.
var ErrNotConnectable = errors.New("device not connectable")

// ErrMonitoringDisabled is returned by SubmitCommand when no command
// worker is running to consume the queue.
var ErrMonitoringDisabled = errors.New("monitoring disabled")

type pendingCommand struct {
	cmd  domain.Command
	done chan error
}

// Coordinator is the session state machine for one device.
type Coordinator struct {
	cfg    *config.Config
	link   domain.Link
	logger zerolog.Logger

	address    string
	deviceName string

	// Protocol selection: name guess first, corrected at most once by
	// service discovery.
	protoMu            sync.Mutex
	kind               protocol.Kind
	confirmedByService bool
	corrections        int

	// Connection state. connMu is the sole mutual-exclusion point for
	// read-or-establish-link and is never held across a full
	// request/response exchange.
	connMu       sync.Mutex
	conn         domain.LinkConn
	connectDelay time.Duration

	// Subscription state. subMu serializes the check-and-subscribe
	// sequence so a tick and a command-driven refresh cannot
	// double-subscribe.
	subMu             sync.Mutex
	stateMu           sync.Mutex
	legacyActive      bool
	modernActive      bool
	modernInitialized bool
	lastNotification  time.Time
	notificationCount uint64

	// Readings slots, updated by replacement.
	readMu    sync.RWMutex
	line1     *domain.LineReading
	line2     *domain.LineReading
	errorCode uint8

	legacy *decoder.Legacy
	modern *decoder.Modern

	commands chan *pendingCommand
	updates  chan domain.Snapshot

	// Background task lifecycle. appCtx is the long-lived context
	// captured at Start; restarts derive from it, never from a
	// request-scoped caller context.
	bgMu       sync.Mutex
	appCtx     context.Context
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
	monitoring bool
}

// New creates a coordinator for the configured device. Background tasks
// are not started until Start is called.
func New(cfg *config.Config, link domain.Link) *Coordinator {
	logger := log.With().
		Str("component", "coordinator").
		Str("device", cfg.Device.Name).
		Logger()

	c := &Coordinator{
		cfg:        cfg,
		link:       link,
		logger:     logger,
		address:    cfg.Device.Address,
		deviceName: cfg.Device.Name,
		kind:       protocol.DetectByName(cfg.Device.Name),
		commands:   make(chan *pendingCommand, 16),
		updates:    make(chan domain.Snapshot, 8),
		monitoring: true,
	}
	c.legacy = decoder.NewLegacy(c, logger)
	c.modern = decoder.NewModern(c, cfg.HeuristicBounds(), logger)

	logger.Info().
		Str("protocol", c.kind.String()).
		Str("address", c.address).
		Msg("Protocol guessed from device name")

	return c
}

// Start launches the command worker and the staleness watchdog.
func (c *Coordinator) Start(ctx context.Context) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	c.appCtx = ctx
	c.startBackgroundTasksLocked(ctx)
}

func (c *Coordinator) startBackgroundTasksLocked(ctx context.Context) {
	if c.bgCancel != nil {
		return
	}

	// Anything still queued was submitted while no worker was running
	// and must not execute unexpectedly now.
	c.failPending(ErrMonitoringDisabled)

	bgCtx, cancel := context.WithCancel(ctx)
	c.bgCancel = cancel

	c.bgWG.Add(2)
	go c.commandWorker(bgCtx)
	go c.healthMonitor(bgCtx)
	c.logger.Debug().Msg("Background tasks started")
}

// Stop cancels background tasks, waits for them, and tears down the
// link. The coordinator can be restarted with Start.
func (c *Coordinator) Stop() {
	c.bgMu.Lock()
	if c.bgCancel != nil {
		c.bgCancel()
		c.bgCancel = nil
	}
	c.bgMu.Unlock()

	c.bgWG.Wait()
	c.disconnect()
}

// MonitoringEnabled reports whether monitoring is active.
func (c *Coordinator) MonitoringEnabled() bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	return c.monitoring
}

// SetMonitoringEnabled toggles monitoring. Disabling cancels background
// tasks cooperatively and drops the link; reconnection attempts are
// suppressed until monitoring is re-enabled.
func (c *Coordinator) SetMonitoringEnabled(ctx context.Context, enabled bool) {
	c.bgMu.Lock()
	if c.monitoring == enabled {
		c.bgMu.Unlock()
		return
	}
	c.monitoring = enabled
	if enabled {
		// The caller's context may be request-scoped (an HTTP handler);
		// restarted tasks must outlive it.
		restartCtx := c.appCtx
		if restartCtx == nil {
			restartCtx = ctx
		}
		c.startBackgroundTasksLocked(restartCtx)
		c.bgMu.Unlock()
		c.logger.Info().Msg("Monitoring enabled")
		return
	}
	if c.bgCancel != nil {
		c.bgCancel()
		c.bgCancel = nil
	}
	c.bgMu.Unlock()

	c.bgWG.Wait()
	c.disconnect()
	c.logger.Info().Msg("Monitoring disabled")
}

// OnTick is the periodic connection watchdog invoked by the host
// scheduler. Real-time data arrives via push notifications; the tick
// only ensures the subscription is alive.
func (c *Coordinator) OnTick(ctx context.Context) error {
	if !c.MonitoringEnabled() {
		c.logger.Debug().Msg("Monitoring disabled, skipping connection check")
		return nil
	}
	// Yield to pending commands so a watchdog reconnect cannot
	// interleave with command execution.
	if len(c.commands) > 0 {
		c.logger.Debug().Msg("Commands pending, skipping connection check")
		return nil
	}
	return c.requestDeviceStatus(ctx)
}

// SubmitCommand queues a device-directed command. Commands execute one
// at a time, each followed by a status refresh, and the completion is
// always signaled. Submissions fail immediately when no worker is
// running to consume the queue.
func (c *Coordinator) SubmitCommand(ctx context.Context, cmd domain.Command) error {
	c.bgMu.Lock()
	running := c.bgCancel != nil
	c.bgMu.Unlock()
	if !running {
		return ErrMonitoringDisabled
	}

	pc := &pendingCommand{cmd: cmd, done: make(chan error, 1)}
	select {
	case c.commands <- pc:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-pc.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commandWorker drains one pending command at a time. On cancellation
// it fails whatever is still queued so no completion goes unsignaled.
func (c *Coordinator) commandWorker(ctx context.Context) {
	defer c.bgWG.Done()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("Command worker cancelled")
			c.failPending(ctx.Err())
			return
		case pc := <-c.commands:
			pc.done <- c.executeCommand(ctx, pc.cmd)
		}
	}
}

// failPending signals the given error to every queued command. The
// completion channels are buffered, so this never blocks on submitters
// that already gave up.
func (c *Coordinator) failPending(err error) {
	for {
		select {
		case pc := <-c.commands:
			pc.done <- err
		default:
			return
		}
	}
}

func (c *Coordinator) executeCommand(ctx context.Context, cmd domain.Command) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Command failed: no connection")
		return err
	}

	characteristic := cmd.Characteristic
	if characteristic == "" {
		characteristic = c.Protocol().CommandCharacteristic()
	}

	if err := conn.Write(characteristic, cmd.Payload, cmd.WithResponse); err != nil {
		c.logger.Error().Err(err).Msg("Command write failed")
		return fmt.Errorf("command write: %w", err)
	}

	// Refresh status right away for responsive feedback.
	if err := c.requestDeviceStatus(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Status refresh after command failed")
	}
	return nil
}

// healthMonitor detects silent link drops: while a subscription is
// nominally active, going too long without a notification forces a
// disconnect so the next tick can rebuild the session.
func (c *Coordinator) healthMonitor(ctx context.Context) {
	defer c.bgWG.Done()

	ticker := time.NewTicker(c.cfg.Connection.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("Health monitor cancelled")
			return
		case <-ticker.C:
			c.stateMu.Lock()
			active := c.legacyActive || c.modernActive
			last := c.lastNotification
			c.stateMu.Unlock()

			if !active || last.IsZero() {
				continue
			}
			if stale := time.Since(last); stale > c.cfg.Connection.StaleTimeout {
				c.logger.Warn().
					Dur("stale", stale).
					Msg("No notifications received, reconnecting")
				c.disconnect()
			}
		}
	}
}

// ensureConnected returns the live link handle, establishing one if
// needed. A mutex guarantees a single connection attempt at a time; on
// failure the retry delay doubles up to a cap, and one success reduces
// it multiplicatively.
func (c *Coordinator) ensureConnected(ctx context.Context) (domain.LinkConn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil && c.conn.Connected() {
		return c.conn, nil
	}
	c.conn = nil

	cc := c.cfg.Connection
	var lastErr error
	for attempt := 1; attempt <= cc.MaxAttempts; attempt++ {
		c.logger.Debug().
			Int("attempt", attempt).
			Int("max_attempts", cc.MaxAttempts).
			Msg("Attempting connection")

		connectCtx, cancel := context.WithTimeout(ctx, cc.ConnectTimeout)
		conn, err := c.link.Connect(connectCtx, c.address)
		cancel()
		if err == nil {
			c.connectDelay = time.Duration(float64(c.connectDelay) * cc.DelayReduction)
			c.conn = conn
			c.logger.Debug().Msg("Connected")
			return conn, nil
		}

		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Connection attempt failed")

		if c.connectDelay == 0 {
			c.connectDelay = cc.InitialDelay
		} else {
			c.connectDelay = min(c.connectDelay*2, cc.MaxDelay)
		}

		if attempt < cc.MaxAttempts {
			select {
			case <-time.After(c.connectDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrNotConnectable, c.address, cc.MaxAttempts, lastErr)
}

// disconnect unsubscribes best-effort and closes the link, resetting
// session fields so a future reconnect starts from a consistent state.
func (c *Coordinator) disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}

	c.stateMu.Lock()
	legacyActive := c.legacyActive
	modernActive := c.modernActive
	c.stateMu.Unlock()

	if c.conn.Connected() {
		switch {
		case legacyActive:
			if err := c.conn.Unsubscribe(protocol.LegacyTXCharUUID); err != nil {
				c.logger.Debug().Err(err).Msg("Error unsubscribing, continuing with disconnect")
			}
		case modernActive:
			if err := c.conn.Unsubscribe(protocol.ModernCharUUID); err != nil {
				c.logger.Debug().Err(err).Msg("Error unsubscribing, continuing with disconnect")
			}
		}
		if err := c.conn.Disconnect(); err != nil {
			c.logger.Debug().Err(err).Msg("Error disconnecting")
		}
	}
	c.conn = nil

	c.stateMu.Lock()
	c.legacyActive = false
	c.modernActive = false
	c.modernInitialized = false
	c.stateMu.Unlock()

	c.logger.Debug().Msg("Disconnected")
}

// requestDeviceStatus confirms the protocol on first contact, then
// ensures the protocol-specific subscription is active.
func (c *Coordinator) requestDeviceStatus(ctx context.Context) error {
	c.protoMu.Lock()
	confirmed := c.confirmedByService
	c.protoMu.Unlock()

	if !confirmed {
		conn, err := c.ensureConnected(ctx)
		if err != nil {
			return err
		}
		c.confirmProtocol(conn.ServiceUUIDs())
	}

	if c.Protocol() == protocol.Modern {
		return c.subscribeModern(ctx)
	}
	return c.subscribeLegacy(ctx)
}

// confirmProtocol applies service-based detection. The service result
// always wins over the name guess; a disagreement is a warning, not an
// error, and happens at most once per session.
func (c *Coordinator) confirmProtocol(serviceUUIDs []string) {
	c.protoMu.Lock()
	defer c.protoMu.Unlock()

	if c.confirmedByService {
		return
	}

	detected, byService := protocol.DetectByServices(serviceUUIDs, c.kind)
	if !byService {
		c.logger.Warn().
			Str("protocol", detected.String()).
			Msg("Could not detect protocol by service, keeping name-based guess")
	} else if detected != c.kind {
		c.logger.Warn().
			Str("name_guess", c.kind.String()).
			Str("service_detected", detected.String()).
			Msg("Protocol mismatch, using service detection")
		c.kind = detected
		c.corrections++
	} else {
		c.logger.Info().Str("protocol", detected.String()).Msg("Protocol confirmed by service")
	}
	c.confirmedByService = true
}

// subscribeLegacy ensures a persistent subscription on the legacy data
// characteristic. Idempotent once active.
func (c *Coordinator) subscribeLegacy(ctx context.Context) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.stateMu.Lock()
	active := c.legacyActive
	c.stateMu.Unlock()

	if !active {
		c.legacy.Reset()
		c.logger.Info().
			Str("characteristic", protocol.LegacyTXCharUUID).
			Msg("Subscribing to persistent notifications")

		if err := conn.Subscribe(protocol.LegacyTXCharUUID, c.handleLegacyNotification); err != nil {
			c.stateMu.Lock()
			c.legacyActive = false
			c.stateMu.Unlock()
			return fmt.Errorf("legacy subscribe: %w", err)
		}
		c.stateMu.Lock()
		c.legacyActive = true
		c.stateMu.Unlock()

		// Brief readiness wait for the first data chunks.
		c.waitForData(ctx)
	}
	return nil
}

// subscribeModern sends the one-time initialization command, then
// ensures a persistent subscription. A failed init must not mark the
// subscription active; the next tick retries it.
func (c *Coordinator) subscribeModern(ctx context.Context) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.stateMu.Lock()
	initialized := c.modernInitialized
	active := c.modernActive
	c.stateMu.Unlock()

	if !initialized {
		c.modern.Reset()
		c.logger.Debug().Msg("Sending protocol init command")
		if err := conn.Write(protocol.ModernCharUUID, protocol.ModernInitCommand, false); err != nil {
			c.logger.Error().Err(err).Msg("Failed to send init command")
			return fmt.Errorf("modern init: %w", err)
		}
		c.stateMu.Lock()
		c.modernInitialized = true
		c.stateMu.Unlock()
		c.logger.Info().Msg("Initialization command sent")
	}

	if !active {
		c.modern.Reset()
		c.logger.Info().
			Str("characteristic", protocol.ModernCharUUID).
			Msg("Subscribing to persistent notifications")

		if err := conn.Subscribe(protocol.ModernCharUUID, c.handleModernNotification); err != nil {
			c.stateMu.Lock()
			c.modernActive = false
			c.stateMu.Unlock()
			return fmt.Errorf("modern subscribe: %w", err)
		}
		c.stateMu.Lock()
		c.modernActive = true
		c.stateMu.Unlock()

		c.waitForData(ctx)
	}
	return nil
}

// waitForData sleeps briefly after subscribing so the first readings
// can arrive before the tick reports success.
func (c *Coordinator) waitForData(ctx context.Context) {
	select {
	case <-time.After(c.cfg.Connection.DataCollectionTimeout):
	case <-ctx.Done():
	}
}

func (c *Coordinator) noteNotification(length int) {
	c.stateMu.Lock()
	c.notificationCount++
	count := c.notificationCount
	var interval time.Duration
	if !c.lastNotification.IsZero() {
		interval = time.Since(c.lastNotification)
	}
	c.lastNotification = time.Now()
	c.stateMu.Unlock()

	c.logger.Debug().
		Uint64("notification", count).
		Dur("interval", interval).
		Int("bytes", length).
		Msg("Notification received")
}

func (c *Coordinator) handleLegacyNotification(data []byte) {
	c.noteNotification(len(data))
	c.legacy.Feed(data)
	c.pushUpdate()
}

func (c *Coordinator) handleModernNotification(data []byte) {
	c.noteNotification(len(data))
	c.modern.Feed(data)
	c.pushUpdate()
}

// pushUpdate offers a fresh snapshot to the updates channel without
// blocking notification delivery.
func (c *Coordinator) pushUpdate() {
	c.readMu.RLock()
	hasData := c.line1 != nil
	c.readMu.RUnlock()
	if !hasData {
		return
	}
	select {
	case c.updates <- c.Snapshot():
	default:
	}
}

// Updates returns the stream of snapshots pushed on decoded readings.
func (c *Coordinator) Updates() <-chan domain.Snapshot {
	return c.updates
}

// Protocol returns the current protocol kind.
func (c *Coordinator) Protocol() protocol.Kind {
	c.protoMu.Lock()
	defer c.protoMu.Unlock()
	return c.kind
}

// ProtocolCorrections returns how often the service detection had to
// override the name guess (0 or 1 per session).
func (c *Coordinator) ProtocolCorrections() int {
	c.protoMu.Lock()
	defer c.protoMu.Unlock()
	return c.corrections
}

// UpdateLine implements decoder.Sink. Slots are replaced wholesale so
// concurrent snapshot reads never observe a half-written record; a nil
// energy keeps the previously known figure.
func (c *Coordinator) UpdateLine(line domain.Line, reading domain.LineReading) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	slot := &c.line1
	if line == domain.Line2 {
		slot = &c.line2
	}
	if reading.Energy == nil && *slot != nil {
		reading.Energy = (*slot).Energy
	}
	*slot = &reading
}

// SetErrorCode implements decoder.Sink.
func (c *Coordinator) SetErrorCode(code uint8) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.errorCode = code
}

// Snapshot builds the consumer-facing view of the current readings.
func (c *Coordinator) Snapshot() domain.Snapshot {
	c.readMu.RLock()
	defer c.readMu.RUnlock()

	snap := domain.Snapshot{
		Timestamp: time.Now(),
		ErrorCode: int(c.errorCode),
		ErrorText: domain.ErrorText(int(c.errorCode)),
	}

	if c.line1 != nil {
		snap.VoltageL1 = ptr(c.line1.Voltage)
		snap.CurrentL1 = ptr(c.line1.Current)
		snap.PowerL1 = ptr(c.line1.Power)
		snap.TotalEnergy = c.line1.Energy
	}
	if c.line2 != nil {
		snap.VoltageL2 = ptr(c.line2.Voltage)
		snap.CurrentL2 = ptr(c.line2.Current)
		snap.PowerL2 = ptr(c.line2.Power)
		if c.line2.Energy != nil {
			if snap.TotalEnergy != nil {
				snap.TotalEnergy = ptr(*snap.TotalEnergy + *c.line2.Energy)
			} else {
				snap.TotalEnergy = c.line2.Energy
			}
		}
		if c.line1 != nil {
			snap.CombinedPower = ptr(c.line1.Power + c.line2.Power)
		} else {
			snap.CombinedPower = ptr(c.line2.Power)
		}
	} else if c.line1 != nil {
		snap.CombinedPower = ptr(c.line1.Power)
	}

	return snap
}

// Status reports session state for the HTTP API.
func (c *Coordinator) Status() map[string]interface{} {
	c.stateMu.Lock()
	active := c.legacyActive || c.modernActive
	count := c.notificationCount
	last := c.lastNotification
	c.stateMu.Unlock()

	c.connMu.Lock()
	connected := c.conn != nil && c.conn.Connected()
	c.connMu.Unlock()

	status := map[string]interface{}{
		"address":              c.address,
		"device_name":          c.deviceName,
		"protocol":             c.Protocol().String(),
		"protocol_corrections": c.ProtocolCorrections(),
		"connected":            connected,
		"subscription_active":  active,
		"notification_count":   count,
		"monitoring_enabled":   c.MonitoringEnabled(),
	}
	if !last.IsZero() {
		status["last_notification"] = last
	}
	return status
}

func ptr(v float64) *float64 { return &v }
