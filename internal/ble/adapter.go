// Package ble provides the GATT transport for the trainer. It owns the
// device connection, serializes every outbound GATT operation through a
// single-flight queue, and converges manual and platform disconnects onto
// one cleanup path.
package ble

import "context"

// Trainer GATT UUIDs. One primary service exposes a write characteristic
// for command frames, two read characteristics polled for monitor telemetry
// and auxiliary properties, and several notify characteristics. Only the
// rep characteristic's notifications carry known semantics.
const (
	ServiceUUID      = "0000fff0-0000-1000-8000-00805f9b34fb"
	CommandCharUUID  = "0000fff1-0000-1000-8000-00805f9b34fb"
	MonitorCharUUID  = "0000fff2-0000-1000-8000-00805f9b34fb"
	PropertyCharUUID = "0000fff3-0000-1000-8000-00805f9b34fb"
	RepCharUUID      = "0000fff4-0000-1000-8000-00805f9b34fb"
	EventCharUUID    = "0000fff5-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic on the trainer.
type Characteristic interface {
	// Write sends data without waiting for an acknowledgment.
	Write(data []byte) error
	// WriteWithResponse sends data and waits for the link-layer ack.
	WriteWithResponse(data []byte) error
	// Read fetches the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications and clears the callback.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
