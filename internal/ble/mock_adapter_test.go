package ble

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockCharacteristic records writes and allows subscribing. Write behavior
// is configurable to simulate slow links and transient failures.
type mockCharacteristic struct {
	mu         sync.Mutex
	writes     [][]byte
	readData   []byte
	readErr    error
	writeDelay time.Duration
	writeErrs  []error // consumed one per write; nil entries succeed
	callback   func([]byte)

	// concurrency detector for queue tests
	inFlight    int
	maxInFlight int
}

func (c *mockCharacteristic) beginWrite() (time.Duration, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	delay := c.writeDelay
	var err error
	if len(c.writeErrs) > 0 {
		err = c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
	}
	c.mu.Unlock()
	return delay, err
}

func (c *mockCharacteristic) endWrite(data []byte, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Write(data []byte) error {
	delay, err := c.beginWrite()
	if delay > 0 {
		time.Sleep(delay)
	}
	return c.endWrite(data, err)
}

func (c *mockCharacteristic) WriteWithResponse(data []byte) error {
	return c.Write(data)
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	cp := make([]byte, len(c.readData))
	copy(cp, c.readData)
	return cp, nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *mockCharacteristic) maxConcurrentWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// mockConnection simulates a BLE connection to the trainer, with one
// characteristic per known UUID.
type mockConnection struct {
	mu           sync.Mutex
	chars        map[string]*mockCharacteristic
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	chars := make(map[string]*mockCharacteristic)
	for _, uuid := range []string{CommandCharUUID, MonitorCharUUID, PropertyCharUUID, RepCharUUID, EventCharUUID} {
		chars[uuid] = &mockCharacteristic{}
	}
	return &mockConnection{chars: chars}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	ch, ok := c.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return ch, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the platform disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	connection *mockConnection // most recent connection for test assertions
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{connection: newMockConnection()}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context, _ string) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devices, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	conn := newMockConnection()
	a.mu.Lock()
	a.connection = conn
	a.mu.Unlock()
	return conn, nil
}

// latestConnection returns the most recently created connection.
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

var (
	_ Adapter        = (*mockAdapter)(nil)
	_ Connection     = (*mockConnection)(nil)
	_ Characteristic = (*mockCharacteristic)(nil)
)
