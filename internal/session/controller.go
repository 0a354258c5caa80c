package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/ble"
	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
)

var (
	// ErrSessionActive rejects a start while a session is running.
	ErrSessionActive = errors.New("session: a session is already active")
	// ErrNoSession rejects a stop with nothing to stop.
	ErrNoSession = errors.New("session: no active session")
)

// Link is the slice of the GATT transport the controller needs. It is
// satisfied by *ble.Transport and by test fakes.
type Link interface {
	WriteFrame(ctx context.Context, charUUID string, frame protocol.Frame, withResponse bool) error
	Read(ctx context.Context, charUUID string) ([]byte, error)
	Subscribe(ctx context.Context, charUUID string, callback func(data []byte)) error
	Unsubscribe(ctx context.Context, charUUID string) error
	OnDisconnect(cb func())
	Disconnect() error
	Connected() bool
}

var _ Link = (*ble.Transport)(nil)

// Config tunes the controller's loops and safety behavior.
type Config struct {
	MonitorPollInterval  time.Duration // telemetry poll, default 100ms
	PropertyPollInterval time.Duration // auxiliary property poll, default 500ms
	WarmupTarget         int           // calibration reps, default 3
	AutoStopDwell        time.Duration // danger-zone dwell, default 5s
	StopRetries          int           // stop-path write attempts, default 3
	StopRetryBackoff     time.Duration // pause between attempts, default 100ms
	EventBuffer          int           // event channel capacity, default 256
}

// DefaultConfig returns the tuning the vendor app uses.
func DefaultConfig() Config {
	return Config{
		MonitorPollInterval:  100 * time.Millisecond,
		PropertyPollInterval: 500 * time.Millisecond,
		WarmupTarget:         protocol.DefaultWarmupReps,
		AutoStopDwell:        DefaultAutoStopDwell,
		StopRetries:          3,
		StopRetryBackoff:     100 * time.Millisecond,
		EventBuffer:          256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MonitorPollInterval <= 0 {
		c.MonitorPollInterval = def.MonitorPollInterval
	}
	if c.PropertyPollInterval <= 0 {
		c.PropertyPollInterval = def.PropertyPollInterval
	}
	if c.WarmupTarget <= 0 {
		c.WarmupTarget = def.WarmupTarget
	}
	if c.AutoStopDwell <= 0 {
		c.AutoStopDwell = def.AutoStopDwell
	}
	if c.StopRetries <= 0 {
		c.StopRetries = def.StopRetries
	}
	if c.StopRetryBackoff <= 0 {
		c.StopRetryBackoff = def.StopRetryBackoff
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// Controller orchestrates sessions: it issues command frames through the
// transport, runs the poll loops, feeds telemetry into the rep detector
// and the auto-stop gate, and exposes a typed event stream. The controller
// is the sole owner of the session and rep-counter state; notification and
// poll contexts both funnel through its mutex.
type Controller struct {
	link Link
	cfg  Config

	events chan Event

	mu            sync.Mutex
	sess          *Session
	detector      *RepDetector
	gate          *AutoStopGate
	monitor       *protocol.MonitorParser
	lastSample    protocol.MonitorSample
	pollStop      chan struct{}
	autoStopFired bool
	saturated     bool
	archive       []Summary

	pollWg sync.WaitGroup
}

// NewController creates a controller on an already-connected link.
func NewController(link Link, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		link:   link,
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events returns the controller's event stream. The channel is never
// closed while the controller lives; a slow consumer loses oldest-first.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start wires the controller to the link: it registers the disconnect
// hook and performs the init handshake (init command, preset header,
// default colors). Notification subscriptions are per-session and are set
// up when a session starts.
func (c *Controller) Start(ctx context.Context) error {
	c.link.OnDisconnect(c.handleDisconnect)

	if err := c.link.WriteFrame(ctx, ble.CommandCharUUID, protocol.BuildInitCommand(), true); err != nil {
		return fmt.Errorf("session: init command: %w", err)
	}
	if err := c.link.WriteFrame(ctx, ble.CommandCharUUID, protocol.BuildInitPreset(), true); err != nil {
		return fmt.Errorf("session: init preset: %w", err)
	}
	// LED colors are cosmetic; a failure here must not block the session.
	if err := c.SetColorScheme(ctx, defaultBrightness, defaultColors()); err != nil {
		slog.Warn("[SESSION] default color scheme write failed", "error", err)
	}
	slog.Info("[SESSION] trainer initialized")
	return nil
}

const defaultBrightness = 0.8

func defaultColors() []protocol.RGB {
	return []protocol.RGB{{R: 0x00, G: 0x7F, B: 0xFF}, {R: 0x20, G: 0xC0, B: 0x40}, {R: 0xFF, G: 0x40, B: 0x00}}
}

// StartProgram begins a fixed-rep or Just Lift program session.
func (c *Controller) StartProgram(ctx context.Context, req ProgramRequest) error {
	frame, err := protocol.BuildProgramParams(req.frameParams())
	if err != nil {
		return err
	}

	target := req.Reps
	if req.JustLift {
		target = 0
	}
	sess := &Session{
		Mode:       ModeProgram,
		State:      StateWarmup,
		StartTime:  time.Now(),
		targetReps: target,
		program:    &req,
	}
	detCfg := DetectorConfig{
		WarmupTarget: c.cfg.WarmupTarget,
		TargetReps:   target,
		StopAtTop:    req.StopAtTop,
	}
	if err := c.begin(sess, detCfg, req.JustLift); err != nil {
		return err
	}
	if err := c.subscribeNotifications(ctx); err != nil {
		c.abortBegin()
		return err
	}

	if err := c.link.WriteFrame(ctx, ble.CommandCharUUID, frame, true); err != nil {
		c.abortBegin()
		return fmt.Errorf("session: start program: %w", err)
	}
	slog.Info("[SESSION] program started", "mode", req.Mode.String(),
		"reps", req.Reps, "perCableKg", req.PerCableKg, "justLift", req.JustLift)
	return nil
}

// StartEcho begins an echo-mode session.
func (c *Controller) StartEcho(ctx context.Context, req EchoRequest) error {
	frame, err := protocol.BuildEchoControl(req.frameParams())
	if err != nil {
		return err
	}

	target := req.TargetReps
	if req.JustLift {
		target = 0
	}
	warmup := req.WarmupReps
	if warmup == 0 {
		warmup = c.cfg.WarmupTarget
	}
	sess := &Session{
		Mode:       ModeEcho,
		State:      StateWarmup,
		StartTime:  time.Now(),
		targetReps: target,
	}
	detCfg := DetectorConfig{WarmupTarget: warmup, TargetReps: target}
	if err := c.begin(sess, detCfg, req.JustLift); err != nil {
		return err
	}
	if err := c.subscribeNotifications(ctx); err != nil {
		c.abortBegin()
		return err
	}

	if err := c.link.WriteFrame(ctx, ble.CommandCharUUID, frame, true); err != nil {
		c.abortBegin()
		return fmt.Errorf("session: start echo: %w", err)
	}
	slog.Info("[SESSION] echo started", "level", req.Level.String(),
		"eccentricPct", req.EccentricPct, "justLift", req.JustLift)
	return nil
}

// SetColorScheme pushes an LED color scheme to the trainer.
func (c *Controller) SetColorScheme(ctx context.Context, brightness float64, colors []protocol.RGB) error {
	frame, err := protocol.BuildColorScheme(brightness, colors)
	if err != nil {
		return err
	}
	return c.link.WriteFrame(ctx, ble.CommandCharUUID, frame, false)
}

// Stop ends the active session on user request. The stop command is
// safety-critical: the write is retried a bounded number of times, and if
// every attempt fails the link is forcibly dropped so the machine sees a
// dead connection rather than an ambiguous one.
func (c *Controller) Stop(ctx context.Context) error {
	return c.terminate(ctx, "stopped")
}

// History returns the archived sessions, oldest first.
func (c *Controller) History() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Summary, len(c.archive))
	copy(out, c.archive)
	return out
}

// Active reports whether a session is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// begin installs the session state and starts the poll loops.
func (c *Controller) begin(sess *Session, detCfg DetectorConfig, justLift bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrSessionActive
	}
	c.sess = sess
	c.detector = NewRepDetector(detCfg)
	c.monitor = &protocol.MonitorParser{}
	c.autoStopFired = false
	c.saturated = false
	c.gate = nil
	if justLift {
		c.gate = NewAutoStopGate(c.cfg.AutoStopDwell)
	}
	c.pollStop = make(chan struct{})
	c.pollWg.Add(2)
	go c.pollLoop(c.cfg.MonitorPollInterval, c.pollStop, c.pollMonitor)
	go c.pollLoop(c.cfg.PropertyPollInterval, c.pollStop, c.pollProperty)
	return nil
}

// subscribeNotifications enables the session's notification streams before
// the start frame goes out, so no rep counts are missed.
func (c *Controller) subscribeNotifications(ctx context.Context) error {
	if err := c.link.Subscribe(ctx, ble.RepCharUUID, c.handleRepNotification); err != nil {
		return fmt.Errorf("session: subscribe rep notifications: %w", err)
	}
	// Subscribed but semantically opaque; log-only.
	if err := c.link.Subscribe(ctx, ble.EventCharUUID, func(data []byte) {
		slog.Debug("[SESSION] event notification", "len", len(data))
	}); err != nil {
		return fmt.Errorf("session: subscribe event notifications: %w", err)
	}
	return nil
}

// unsubscribeNotifications clears the session's notification streams. Best
// effort: a dead link has nothing left to clear.
func (c *Controller) unsubscribeNotifications() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, uuid := range []string{ble.RepCharUUID, ble.EventCharUUID} {
		if err := c.link.Unsubscribe(ctx, uuid); err != nil &&
			!errors.Is(err, ble.ErrDisconnected) && !errors.Is(err, ble.ErrNotConnected) {
			slog.Warn("[SESSION] unsubscribe failed", "characteristic", uuid, "error", err)
		}
	}
}

// abortBegin unwinds begin after a failed start write, leaving the
// controller idle rather than half-started.
func (c *Controller) abortBegin() {
	c.stopPolls()
	c.unsubscribeNotifications()
	c.mu.Lock()
	c.sess = nil
	c.detector = nil
	c.gate = nil
	c.monitor = nil
	c.mu.Unlock()
}

// terminate is the single stop path for user stops and auto-stops.
func (c *Controller) terminate(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.sess.State = StateStopping
	c.mu.Unlock()

	// Pause the poll loops first so the retries are not racing queued
	// reads on the transport.
	c.stopPolls()

	if err := c.writeStopWithRetry(ctx); err != nil {
		if errors.Is(err, ble.ErrDisconnected) || errors.Is(err, ble.ErrNotConnected) {
			// The link is already gone; the disconnect path archives.
			return nil
		}
		slog.Error("[SESSION] stop command failed after retries, forcing disconnect", "error", err)
		c.link.Disconnect()
		return fmt.Errorf("session: stop command failed, link dropped for safety: %w", err)
	}

	c.finish(reason)
	return nil
}

// writeStopWithRetry attempts the 4-byte stop frame with bounded retries
// and a short fixed backoff between attempts.
func (c *Controller) writeStopWithRetry(ctx context.Context) error {
	frame := protocol.BuildStopCommand()
	var err error
	for attempt := 1; attempt <= c.cfg.StopRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(c.cfg.StopRetryBackoff)
		}
		err = c.link.WriteFrame(ctx, ble.CommandCharUUID, frame, true)
		if err == nil {
			return nil
		}
		if errors.Is(err, ble.ErrDisconnected) || errors.Is(err, ble.ErrNotConnected) {
			return err
		}
		slog.Warn("[SESSION] stop write failed", "attempt", attempt, "error", err)
	}
	return err
}

// finish archives the session with the reps actually performed and resets
// all per-session state to its initial unset condition. Idempotent.
func (c *Controller) finish(reason string) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return
	}
	det := c.detector
	sess.State = StateCompleted
	sess.EndTime = time.Now()
	summary := Summary{
		Mode:       sess.Mode,
		StartTime:  sess.StartTime,
		EndTime:    sess.EndTime,
		TargetReps: sess.targetReps,
		Reason:     reason,
	}
	if det != nil {
		summary.WarmupReps = det.WarmupReps()
		summary.WorkingReps = det.WorkingReps()
		det.Reset()
	}
	c.archive = append(c.archive, summary)
	c.sess = nil
	c.detector = nil
	c.gate = nil
	c.monitor = nil
	c.mu.Unlock()

	c.unsubscribeNotifications()

	slog.Info("[SESSION] session archived", "reason", reason,
		"workingReps", summary.WorkingReps, "warmupReps", summary.WarmupReps)
	c.emit(Event{Type: EventSessionCompleted, Time: time.Now(), Summary: &summary})
}

// handleDisconnect runs once per connection when the link goes away. Any
// active session ends in the degraded-but-safe disconnected state.
func (c *Controller) handleDisconnect() {
	c.stopPolls()
	c.finishIfActive("disconnected")
	c.emit(Event{Type: EventDisconnected, Time: time.Now()})
}

func (c *Controller) finishIfActive(reason string) {
	c.mu.Lock()
	active := c.sess != nil
	c.mu.Unlock()
	if active {
		c.finish(reason)
	}
}

// stopPolls halts both poll loops and waits for them to exit. Safe to call
// multiple times and with no loops running.
func (c *Controller) stopPolls() {
	c.mu.Lock()
	stop := c.pollStop
	c.pollStop = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.pollWg.Wait()
}

// pollLoop drives one periodic read until stopped.
func (c *Controller) pollLoop(interval time.Duration, stop chan struct{}, fn func()) {
	defer c.pollWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (c *Controller) pollMonitor() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MonitorPollInterval*4)
	data, err := c.link.Read(ctx, ble.MonitorCharUUID)
	cancel()
	if err != nil {
		if errors.Is(err, ble.ErrDisconnected) || errors.Is(err, ble.ErrNotConnected) {
			return
		}
		slog.Warn("[SESSION] monitor poll failed", "error", err)
		return
	}
	c.handleMonitorData(data)
}

func (c *Controller) pollProperty() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PropertyPollInterval*2)
	data, err := c.link.Read(ctx, ble.PropertyCharUUID)
	cancel()
	if err != nil {
		if errors.Is(err, ble.ErrDisconnected) || errors.Is(err, ble.ErrNotConnected) {
			return
		}
		slog.Warn("[SESSION] property poll failed", "error", err)
		return
	}
	// Payload semantics are unknown upstream; surface the bytes and move on.
	slog.Debug("[SESSION] property data", "len", len(data))
	c.emit(Event{Type: EventPropertyData, Time: time.Now(), Property: data})
}

// handleMonitorData decodes one telemetry payload and routes the sample to
// the event stream and the auto-stop gate. Malformed payloads are dropped;
// the poll loop must not die on device noise.
func (c *Controller) handleMonitorData(data []byte) {
	c.mu.Lock()
	if c.monitor == nil {
		c.mu.Unlock()
		return
	}
	sample, err := c.monitor.Parse(data)
	if err != nil {
		c.mu.Unlock()
		slog.Warn("[SESSION] dropping malformed monitor payload", "error", err)
		return
	}
	c.lastSample = sample

	var status AutoStopProgress
	gateActive := false
	fire := false
	if c.gate != nil && c.detector != nil {
		gateActive = true
		status = c.gate.Observe(sample.Timestamp, sample, c.detector.CalibratedRange)
		if c.gate.Triggered() && !c.autoStopFired {
			c.autoStopFired = true
			fire = true
		}
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventSampleReceived, Time: sample.Timestamp, Sample: &sample})
	if gateActive {
		c.emit(Event{Type: EventAutoStopProgress, Time: sample.Timestamp, AutoStop: &status})
	}
	if fire {
		slog.Info("[SESSION] auto-stop triggered")
		// Terminate off the poll goroutine: the stop path waits for the
		// poll loops to exit.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.terminate(ctx, "autostop"); err != nil && !errors.Is(err, ErrNoSession) {
				slog.Error("[SESSION] auto-stop termination failed", "error", err)
			}
		}()
	}
}

// handleRepNotification decodes a rep notification and advances the
// detector. Runs on the platform's notification delivery context, so it
// must not block on the transport queue.
func (c *Controller) handleRepNotification(data []byte) {
	counters, err := protocol.ParseRepNotification(data)
	if err != nil {
		slog.Warn("[SESSION] dropping malformed rep notification", "error", err)
		return
	}

	c.mu.Lock()
	det := c.detector
	sess := c.sess
	if det == nil || sess == nil {
		c.mu.Unlock()
		return
	}
	events := det.HandleRepNotification(counters, c.lastSample.PosA, c.lastSample.PosB)
	if sess.State == StateWarmup && det.WarmupReps() >= c.cfg.WarmupTarget {
		sess.State = StateWorking
		sess.WarmupEnd = time.Now()
	}
	saturate := c.saturationNeededLocked(det)
	c.mu.Unlock()

	complete := false
	for _, ev := range events {
		progress := &RepProgress{Warmup: ev.Warmup, WarmupReps: ev.WarmupReps, WorkingReps: ev.WorkingReps}
		switch ev.Kind {
		case DetectorTopReached:
			c.emit(Event{Type: EventTopReached, Time: time.Now(), Rep: progress})
		case DetectorRepCompleted:
			c.emit(Event{Type: EventRepCompleted, Time: time.Now(), Rep: progress})
		case DetectorSessionComplete:
			complete = true
		}
	}

	if saturate {
		go c.applyWeightLimit()
	}
	if complete {
		go c.completeSession()
	}
}

// saturationNeededLocked decides whether the optional weight-limit clamp
// must engage after this notification. Caller holds c.mu.
func (c *Controller) saturationNeededLocked(det *RepDetector) bool {
	sess := c.sess
	if sess == nil || sess.program == nil || c.saturated {
		return false
	}
	p := sess.program
	if p.JustLift || p.WeightLimitKg <= 0 || p.ProgressionKg <= 0 {
		return false
	}
	next := p.PerCableKg + p.ProgressionKg*float64(det.WorkingReps()+1)
	if next <= p.WeightLimitKg {
		return false
	}
	c.saturated = true
	return true
}

// applyWeightLimit freezes the progression at the configured limit by
// rewriting the program frame with a zero per-rep delta. The upstream
// behavior this replaces is documented as buggy; here the clamp is a plain
// one-shot rewrite and nothing else.
func (c *Controller) applyWeightLimit() {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.program == nil {
		c.mu.Unlock()
		return
	}
	req := *sess.program
	c.mu.Unlock()

	limited := req
	limited.PerCableKg = req.WeightLimitKg
	if limited.PerCableKg > 100 {
		limited.PerCableKg = 100
	}
	limited.ProgressionKg = 0

	frame, err := protocol.BuildProgramParams(limited.frameParams())
	if err != nil {
		slog.Error("[SESSION] weight limit frame invalid", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.link.WriteFrame(ctx, ble.CommandCharUUID, frame, true); err != nil {
		slog.Warn("[SESSION] weight limit write failed", "error", err)
		return
	}
	slog.Info("[SESSION] progression saturated at weight limit", "limitKg", limited.PerCableKg)
}

// completeSession finalizes a target-reached session. The stop-at-top
// variant must push an explicit stop frame because the machine does not
// consider the set finished until the bottom of the final rep.
func (c *Controller) completeSession() {
	c.mu.Lock()
	stopAtTop := c.sess != nil && c.sess.program != nil && c.sess.program.StopAtTop
	c.mu.Unlock()

	c.stopPolls()
	if stopAtTop {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.writeStopWithRetry(ctx); err != nil &&
			!errors.Is(err, ble.ErrDisconnected) && !errors.Is(err, ble.ErrNotConnected) {
			slog.Error("[SESSION] stop-at-top stop failed, forcing disconnect", "error", err)
			c.link.Disconnect()
			return
		}
	}
	c.finish("completed")
}

// emit publishes an event without ever blocking a delivery context. When
// the consumer lags, the oldest event is dropped.
func (c *Controller) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case old := <-c.events:
			slog.Warn("[SESSION] event buffer full, dropping oldest", "dropped", old.Type)
		default:
		}
	}
}
