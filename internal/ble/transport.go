package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
)

// Options configures transport timeouts and write pacing.
type Options struct {
	ConnectTimeout time.Duration // bounded wait for connection establishment
	OpTimeout      time.Duration // bounded wait per GATT transaction
	WriteRate      rate.Limit    // outbound command writes per second
	WriteBurst     int
	QueueSize      int // max queued GATT operations
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		OpTimeout:      2 * time.Second,
		WriteRate:      50,
		WriteBurst:     10,
		QueueSize:      32,
	}
}

// op is one queued GATT operation. run executes on the queue worker; the
// result is delivered on done.
type op struct {
	name string
	run  func() error
	done chan error
}

// Transport owns the trainer connection. Every outbound GATT operation is
// funneled through a single-flight FIFO queue: the platform BLE stack
// errors when operations overlap, so the queue is a correctness mechanism,
// not an optimization. Inbound notifications are dispatched by the platform
// and are not serialized by the queue.
type Transport struct {
	adapter Adapter
	address string
	opts    Options
	limiter *rate.Limiter

	mu           sync.Mutex
	conn         Connection
	chars        map[string]Characteristic
	ops          chan *op
	closing      chan struct{}
	connected    bool
	teardownOnce *sync.Once
	onDisconnect func()
}

// New creates a transport for the trainer at the given address.
func New(adapter Adapter, address string, opts Options) *Transport {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.WriteRate <= 0 {
		opts.WriteRate = def.WriteRate
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = def.WriteBurst
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &Transport{
		adapter: adapter,
		address: address,
		opts:    opts,
		limiter: rate.NewLimiter(opts.WriteRate, opts.WriteBurst),
	}
}

// Scan discovers trainers advertising the primary service.
func (t *Transport) Scan(ctx context.Context) ([]Device, error) {
	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return t.adapter.Scan(ctx, ServiceUUID)
}

// Connect establishes the connection, discovers the trainer's
// characteristics, and starts the operation queue.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("ble: already connected to %s", t.address)
	}
	t.mu.Unlock()

	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	conn, err := t.adapter.Connect(connectCtx, t.address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("ble: connect to %s: %w", t.address, ErrTimeout)
		}
		return fmt.Errorf("ble: connect to %s: %w", t.address, err)
	}

	chars := make(map[string]Characteristic)
	for _, uuid := range []string{CommandCharUUID, MonitorCharUUID, PropertyCharUUID, RepCharUUID, EventCharUUID} {
		ch, err := conn.DiscoverCharacteristic(ServiceUUID, uuid)
		if err != nil {
			conn.Disconnect()
			return fmt.Errorf("ble: discover characteristic %s: %w", uuid, err)
		}
		chars[uuid] = ch
	}

	t.mu.Lock()
	t.conn = conn
	t.chars = chars
	t.ops = make(chan *op, t.opts.QueueSize)
	t.closing = make(chan struct{})
	t.teardownOnce = new(sync.Once)
	t.connected = true
	ops, closing := t.ops, t.closing
	t.mu.Unlock()

	go t.worker(ops, closing)

	// Platform-level disconnects converge on the same cleanup path as
	// manual Disconnect. The closure is bound to this connection so a late
	// event from a previous link cannot tear down a newer one.
	conn.OnDisconnect(func() {
		t.mu.Lock()
		stale := t.conn != conn
		t.mu.Unlock()
		if stale {
			return
		}
		slog.Warn("[BLE] link dropped", "address", t.address)
		t.teardown()
	})

	slog.Info("[BLE] connected", "address", t.address)
	return nil
}

// Connected reports whether the link is up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// OnDisconnect registers a callback invoked exactly once per connection
// when the link goes away, regardless of who initiated it.
func (t *Transport) OnDisconnect(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = cb
}

// Disconnect tears the connection down. Safe to call more than once and
// concurrently with a platform disconnect; cleanup runs at most once.
func (t *Transport) Disconnect() error {
	t.teardown()
	return nil
}

// WriteFrame sends a command frame to the given characteristic through the
// operation queue. Writes are paced by the transport's rate limiter.
func (t *Transport) WriteFrame(ctx context.Context, charUUID string, frame protocol.Frame, withResponse bool) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return queueWaitErr(ctx, err)
	}
	ch, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	data := frame.Bytes()
	return t.submit(ctx, "write "+frame.Kind().String(), func() error {
		if withResponse {
			return ch.WriteWithResponse(data)
		}
		return ch.Write(data)
	})
}

// Read fetches the current value of a characteristic through the queue.
func (t *Transport) Read(ctx context.Context, charUUID string) ([]byte, error) {
	ch, err := t.characteristic(charUUID)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = t.submit(ctx, "read "+charUUID, func() error {
		data, err := ch.Read()
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// Subscribe enables notifications on a characteristic. The CCCD write goes
// through the queue; the callback itself is invoked by the platform on its
// own delivery context and must not block on this transport's queue.
func (t *Transport) Subscribe(ctx context.Context, charUUID string, callback func(data []byte)) error {
	ch, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	return t.submit(ctx, "subscribe "+charUUID, func() error {
		return ch.Subscribe(callback)
	})
}

// Unsubscribe disables notifications on a characteristic and clears its
// callback. The CCCD write goes through the queue like any other op.
func (t *Transport) Unsubscribe(ctx context.Context, charUUID string) error {
	ch, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	return t.submit(ctx, "unsubscribe "+charUUID, func() error {
		return ch.Unsubscribe()
	})
}

func (t *Transport) characteristic(charUUID string) (Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}
	ch, ok := t.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("ble: unknown characteristic %s", charUUID)
	}
	return ch, nil
}

// submit enqueues one operation and waits for its result, the link to
// drop, or the caller's context to expire.
func (t *Transport) submit(ctx context.Context, name string, run func() error) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	ops, closing := t.ops, t.closing
	t.mu.Unlock()

	o := &op{name: name, run: run, done: make(chan error, 1)}
	select {
	case ops <- o:
	case <-closing:
		return ErrDisconnected
	case <-ctx.Done():
		return queueWaitErr(ctx, ctx.Err())
	}

	select {
	case err := <-o.done:
		return err
	case <-closing:
		return ErrDisconnected
	case <-ctx.Done():
		return queueWaitErr(ctx, ctx.Err())
	}
}

// worker executes queued operations one at a time. When the connection is
// torn down it fails everything still queued with ErrDisconnected.
func (t *Transport) worker(ops chan *op, closing chan struct{}) {
	for {
		select {
		case <-closing:
			for {
				select {
				case o := <-ops:
					o.done <- ErrDisconnected
				default:
					return
				}
			}
		case o := <-ops:
			t.execute(o, closing)
		}
	}
}

// execute runs one operation with a bounded wait and delivers the result on
// o.done. The platform call cannot be aborted: on timeout the caller is
// released with ErrTimeout, but the worker keeps holding the queue until the
// orphaned call returns so the next operation never overlaps it.
func (t *Transport) execute(o *op, closing chan struct{}) {
	res := make(chan error, 1)
	go func() { res <- o.run() }()

	timer := time.NewTimer(t.opts.OpTimeout)
	defer timer.Stop()

	select {
	case err := <-res:
		if err != nil {
			o.done <- &TransportError{Op: o.name, Err: err}
			return
		}
		o.done <- nil
	case <-closing:
		o.done <- ErrDisconnected
	case <-timer.C:
		slog.Warn("[BLE] operation timed out", "op", o.name, "timeout", t.opts.OpTimeout)
		o.done <- ErrTimeout
		select {
		case <-res:
		case <-closing:
		}
	}
}

// teardown is the single disconnect path. It clears connection state,
// fails queued operations, closes the platform link, and fires the
// onDisconnect callback at most once. Cleanup completes even if the
// callback panics.
func (t *Transport) teardown() {
	t.mu.Lock()
	once := t.teardownOnce
	t.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		t.mu.Lock()
		conn := t.conn
		closing := t.closing
		cb := t.onDisconnect
		t.connected = false
		t.conn = nil
		t.chars = nil
		t.mu.Unlock()

		if closing != nil {
			close(closing)
		}
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Debug("[BLE] platform disconnect", "error", err)
			}
		}
		if cb != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("[BLE] onDisconnect callback panicked", "panic", r)
					}
				}()
				cb()
			}()
		}
		slog.Info("[BLE] disconnected", "address", t.address)
	})
}

// queueWaitErr maps context expiry onto the transport error taxonomy.
func queueWaitErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
