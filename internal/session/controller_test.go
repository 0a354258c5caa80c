package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/ble"
	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
)

// fakeLink is an in-memory Link that records writes and lets tests drive
// notifications and disconnects.
type fakeLink struct {
	mu           sync.Mutex
	writes       map[string][][]byte
	writeErr     error
	subs         map[string]func([]byte)
	onDisconnect func()
	disconnects  int
	connected    bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		writes:    make(map[string][][]byte),
		subs:      make(map[string]func([]byte)),
		connected: true,
	}
}

func (f *fakeLink) WriteFrame(ctx context.Context, charUUID string, frame protocol.Frame, withResponse bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes[charUUID] = append(f.writes[charUUID], frame.Bytes())
	return nil
}

func (f *fakeLink) Read(ctx context.Context, charUUID string) ([]byte, error) {
	return nil, ble.ErrNotConnected
}

func (f *fakeLink) Subscribe(ctx context.Context, charUUID string, callback func(data []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[charUUID] = callback
	return nil
}

func (f *fakeLink) Unsubscribe(ctx context.Context, charUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ble.ErrNotConnected
	}
	delete(f.subs, charUUID)
	return nil
}

func (f *fakeLink) OnDisconnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = cb
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.connected = false
	cb := f.onDisconnect
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// commandWrites returns the recorded command-characteristic payloads with
// the given length.
func (f *fakeLink) commandWrites(size int) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, w := range f.writes[ble.CommandCharUUID] {
		if len(w) == size {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeLink) activeSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeLink) repCallback(t *testing.T) func([]byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.subs[ble.RepCharUUID]
	if !ok {
		t.Fatal("no rep notification subscription registered")
	}
	return cb
}

func repBytes(top, complete uint16) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, top)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	return binary.LittleEndian.AppendUint16(buf, complete)
}

func monitorBytes(pos uint16) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[4:], pos)
	binary.LittleEndian.PutUint16(buf[6:], 1500) // 15 kg
	binary.LittleEndian.PutUint16(buf[8:], pos)
	binary.LittleEndian.PutUint16(buf[10:], 1500)
	return buf
}

// quietConfig keeps the poll loops effectively idle so tests drive all
// telemetry by hand.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorPollInterval = time.Hour
	cfg.PropertyPollInterval = time.Hour
	cfg.StopRetryBackoff = time.Millisecond
	return cfg
}

func startedController(t *testing.T, cfg Config) (*Controller, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	c := NewController(link, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c, link
}

// driveRep plays one rep through the controller: monitor sample at the
// top, top notification, monitor sample at the bottom, completion.
func driveRep(c *Controller, repCb func([]byte), n uint16, topPos, bottomPos uint16) {
	c.handleMonitorData(monitorBytes(topPos))
	repCb(repBytes(n, n-1))
	c.handleMonitorData(monitorBytes(bottomPos))
	repCb(repBytes(n, n))
}

// waitEvent drains the stream until an event of the wanted type arrives.
func waitEvent(t *testing.T, c *Controller, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestControllerStartHandshake(t *testing.T) {
	_, link := startedController(t, quietConfig())

	link.mu.Lock()
	writes := link.writes[ble.CommandCharUUID]
	link.mu.Unlock()

	if len(writes) != 3 {
		t.Fatalf("handshake wrote %d frames, want 3", len(writes))
	}
	if len(writes[0]) != protocol.FrameInitCommand.Size() {
		t.Errorf("first frame is %d bytes, want init command (%d)", len(writes[0]), protocol.FrameInitCommand.Size())
	}
	if len(writes[1]) != protocol.FrameInitPreset.Size() {
		t.Errorf("second frame is %d bytes, want init preset (%d)", len(writes[1]), protocol.FrameInitPreset.Size())
	}
	if len(writes[2]) != protocol.FrameColorScheme.Size() {
		t.Errorf("third frame is %d bytes, want color scheme (%d)", len(writes[2]), protocol.FrameColorScheme.Size())
	}
	// Notification streams are session-scoped, not connection-scoped.
	if got := link.activeSubs(); got != 0 {
		t.Errorf("subscriptions after handshake = %d, want 0", got)
	}
}

func TestControllerRejectsConcurrentSessions(t *testing.T) {
	c, _ := startedController(t, quietConfig())
	defer c.Stop(context.Background())

	req := FixedProgram(protocol.ModeOldSchool, 5, 20, 0)
	if err := c.StartProgram(context.Background(), req); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	if !c.Active() {
		t.Fatal("Active() = false after start")
	}
	if err := c.StartProgram(context.Background(), req); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second StartProgram error = %v, want ErrSessionActive", err)
	}
}

func TestControllerInvalidProgramLeavesIdle(t *testing.T) {
	c, link := startedController(t, quietConfig())

	req := FixedProgram(protocol.ModeOldSchool, 5, 500, 0) // kg out of range
	err := c.StartProgram(context.Background(), req)
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("StartProgram error = %v, want ValidationError", err)
	}
	if c.Active() {
		t.Error("controller active after rejected start")
	}
	if got := link.commandWrites(protocol.FrameProgramParams.Size()); len(got) != 0 {
		t.Errorf("rejected start still wrote %d program frames", len(got))
	}
}

func TestControllerRunsSessionToTarget(t *testing.T) {
	c, link := startedController(t, quietConfig())

	if err := c.StartProgram(context.Background(), FixedProgram(protocol.ModePump, 2, 20, 0)); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	repCb := link.repCallback(t)
	repCb(repBytes(0, 0)) // seed

	// 3 warmup reps, then 2 working reps to hit the target.
	for rep := uint16(1); rep <= 5; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}

	ev := waitEvent(t, c, EventSessionCompleted)
	if ev.Summary == nil {
		t.Fatal("completion event has no summary")
	}
	if ev.Summary.Reason != "completed" {
		t.Errorf("reason = %q, want completed", ev.Summary.Reason)
	}
	if ev.Summary.WorkingReps != 2 || ev.Summary.WarmupReps != 3 {
		t.Errorf("summary reps = %d working / %d warmup, want 2/3", ev.Summary.WorkingReps, ev.Summary.WarmupReps)
	}
	if c.Active() {
		t.Error("controller still active after completion")
	}

	// Target completion needs no stop frame; the machine ends the set on
	// its own. The only 4-byte frame is the connect-time init.
	if got := link.commandWrites(protocol.FrameInitCommand.Size()); len(got) != 1 {
		t.Errorf("4-byte command frames = %d, want 1 (init only)", len(got))
	}

	history := c.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Mode != ModeProgram {
		t.Errorf("archived mode = %s, want program", history[0].Mode)
	}
}

func TestControllerCompletionClearsSubscriptions(t *testing.T) {
	c, link := startedController(t, quietConfig())

	if err := c.StartProgram(context.Background(), FixedProgram(protocol.ModePump, 1, 20, 0)); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	repCb := link.repCallback(t)
	if got := link.activeSubs(); got != 2 {
		t.Fatalf("subscriptions during session = %d, want 2 (rep + event)", got)
	}

	repCb(repBytes(0, 0))
	for rep := uint16(1); rep <= 4; rep++ { // 3 warmup + the single working rep
		driveRep(c, repCb, rep, 2000, 100)
	}
	waitEvent(t, c, EventSessionCompleted)

	if got := link.activeSubs(); got != 0 {
		t.Errorf("subscriptions after completion = %d, want 0", got)
	}

	// A stale notification after cleanup is ignored, and a fresh session
	// re-subscribes from scratch.
	repCb(repBytes(9, 9))
	if err := c.StartProgram(context.Background(), FixedProgram(protocol.ModePump, 5, 20, 0)); err != nil {
		t.Fatalf("second StartProgram: %v", err)
	}
	if got := link.activeSubs(); got != 2 {
		t.Errorf("subscriptions in second session = %d, want 2", got)
	}
	c.Stop(context.Background())
}

func TestControllerStopAtTopSendsStop(t *testing.T) {
	c, link := startedController(t, quietConfig())

	req := FixedProgram(protocol.ModeOldSchool, 1, 20, 0)
	req.StopAtTop = true
	if err := c.StartProgram(context.Background(), req); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	repCb := link.repCallback(t)
	repCb(repBytes(0, 0))
	for rep := uint16(1); rep <= 3; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}
	// Top of the single working rep; the bottom never arrives.
	c.handleMonitorData(monitorBytes(2000))
	repCb(repBytes(4, 3))

	ev := waitEvent(t, c, EventSessionCompleted)
	if ev.Summary.Reason != "completed" {
		t.Errorf("reason = %q, want completed", ev.Summary.Reason)
	}
	if ev.Summary.WorkingReps != 1 {
		t.Errorf("working reps = %d, want 1", ev.Summary.WorkingReps)
	}
	// Init at connect plus the explicit stop after the final top.
	if got := link.commandWrites(protocol.FrameInitCommand.Size()); len(got) != 2 {
		t.Errorf("4-byte command frames = %d, want 2 (init + stop)", len(got))
	}
}

func TestControllerUserStop(t *testing.T) {
	c, link := startedController(t, quietConfig())

	if err := c.StartProgram(context.Background(), FixedProgram(protocol.ModePump, 10, 20, 0)); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	repCb := link.repCallback(t)
	repCb(repBytes(0, 0))
	for rep := uint16(1); rep <= 4; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ev := waitEvent(t, c, EventSessionCompleted)
	if ev.Summary.Reason != "stopped" {
		t.Errorf("reason = %q, want stopped", ev.Summary.Reason)
	}
	// The archive records what was actually lifted, not the target.
	if ev.Summary.WorkingReps != 1 {
		t.Errorf("working reps = %d, want 1", ev.Summary.WorkingReps)
	}
	if ev.Summary.TargetReps != 10 {
		t.Errorf("target reps = %d, want 10", ev.Summary.TargetReps)
	}
	if got := link.commandWrites(protocol.FrameInitCommand.Size()); len(got) != 2 {
		t.Errorf("4-byte command frames = %d, want 2 (init + stop)", len(got))
	}

	if err := c.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Stop error = %v, want ErrNoSession", err)
	}
}

func TestControllerStopFallsBackToDisconnect(t *testing.T) {
	cfg := quietConfig()
	cfg.StopRetries = 3
	c, link := startedController(t, cfg)

	if err := c.StartProgram(context.Background(), FixedProgram(protocol.ModePump, 10, 20, 0)); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}

	link.setWriteErr(errors.New("gatt write rejected"))
	err := c.Stop(context.Background())
	if err == nil {
		t.Fatal("Stop succeeded with a dead command characteristic")
	}

	link.mu.Lock()
	disconnects := link.disconnects
	link.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("forced disconnects = %d, want 1", disconnects)
	}

	// The disconnect path archived the session in its degraded state.
	ev := waitEvent(t, c, EventSessionCompleted)
	if ev.Summary.Reason != "disconnected" {
		t.Errorf("reason = %q, want disconnected", ev.Summary.Reason)
	}
	waitEvent(t, c, EventDisconnected)
}

func TestControllerAutoStopEndsJustLift(t *testing.T) {
	cfg := quietConfig()
	cfg.AutoStopDwell = 60 * time.Millisecond
	c, link := startedController(t, cfg)

	if err := c.StartProgram(context.Background(), JustLiftProgram(protocol.ModeOldSchool, 15)); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	repCb := link.repCallback(t)
	repCb(repBytes(0, 0))
	// Calibrate a real range: tops near 2000, bottoms near 100.
	for rep := uint16(1); rep <= 3; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}

	// Park the cables at the bottom of the range past the dwell.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.handleMonitorData(monitorBytes(100))
		time.Sleep(10 * time.Millisecond)
	}

	ev := waitEvent(t, c, EventSessionCompleted)
	if ev.Summary.Reason != "autostop" {
		t.Errorf("reason = %q, want autostop", ev.Summary.Reason)
	}
	if c.Active() {
		t.Error("controller still active after auto-stop")
	}
	if got := link.commandWrites(protocol.FrameInitCommand.Size()); len(got) != 2 {
		t.Errorf("4-byte command frames = %d, want 2 (init + stop)", len(got))
	}
}

func TestControllerDisconnectArchivesSession(t *testing.T) {
	c, link := startedController(t, quietConfig())

	if err := c.StartEcho(context.Background(), EchoRequest{Level: protocol.EchoHard, EccentricPct: 100, TargetReps: 10}); err != nil {
		t.Fatalf("StartEcho: %v", err)
	}
	repCb := link.repCallback(t)
	repCb(repBytes(0, 0))
	for rep := uint16(1); rep <= 4; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}

	link.Disconnect()

	ev := waitEvent(t, c, EventSessionCompleted)
	if ev.Summary.Reason != "disconnected" {
		t.Errorf("reason = %q, want disconnected", ev.Summary.Reason)
	}
	if ev.Summary.Mode != ModeEcho {
		t.Errorf("mode = %s, want echo", ev.Summary.Mode)
	}
	if ev.Summary.WorkingReps != 1 {
		t.Errorf("working reps = %d, want 1", ev.Summary.WorkingReps)
	}
	waitEvent(t, c, EventDisconnected)
}

func TestControllerWeightLimitSaturates(t *testing.T) {
	c, link := startedController(t, quietConfig())

	req := FixedProgram(protocol.ModeOldSchool, 10, 20, 2)
	req.WeightLimitKg = 23
	if err := c.StartProgram(context.Background(), req); err != nil {
		t.Fatalf("StartProgram: %v", err)
	}
	repCb := link.repCallback(t)
	repCb(repBytes(0, 0))

	// Warmup plus the first working rep: next rep would be 20+2*2=24 kg,
	// past the 23 kg limit, so the clamp frame goes out.
	for rep := uint16(1); rep <= 4; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}
	deadline := time.After(2 * time.Second)
	for {
		if got := link.commandWrites(protocol.FrameProgramParams.Size()); len(got) == 2 {
			frame := got[1]
			perCable := binary.LittleEndian.Uint32(frame[0x58:])
			progression := binary.LittleEndian.Uint32(frame[0x5C:])
			if perCable != 0x41B80000 { // f32 23.0
				t.Errorf("clamped per-cable bits = %08x, want 41B80000 (23 kg)", perCable)
			}
			if progression != 0 {
				t.Errorf("clamped progression bits = %08x, want 0", progression)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("weight limit frame never written")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// The clamp is one-shot: more reps must not rewrite the program.
	for rep := uint16(5); rep <= 7; rep++ {
		driveRep(c, repCb, rep, 2000, 100)
	}
	time.Sleep(20 * time.Millisecond)
	if got := link.commandWrites(protocol.FrameProgramParams.Size()); len(got) != 2 {
		t.Errorf("program frames = %d, want 2 (start + single clamp)", len(got))
	}
	c.Stop(context.Background())
}
