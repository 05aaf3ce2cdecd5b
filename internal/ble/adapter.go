// Package ble owns the central-role link to an HM-10-style serial-over-BLE
// peripheral: scanning, connection, GATT discovery, and write dispatch. The
// link is a small state machine driven by adapter events; callers interact
// with it only through Start, Send, Status, and Close.
package ble

import "context"

// HM-10 UART bridge UUIDs (16-bit, expanded to the Bluetooth base UUID).
const (
	DefaultServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	DefaultCharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// Device represents a discovered BLE peripheral.
// On macOS the Address is a CoreBluetooth UUID rather than a MAC.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic on a connected peripheral.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical string form.
	UUID() string
	// Write sends data using an acknowledged write; the peripheral must
	// confirm receipt before Write returns.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Service represents a BLE GATT service on a connected peripheral.
type Service interface {
	// UUID returns the service UUID in canonical string form.
	UUID() string
	// DiscoverCharacteristics finds characteristics matching charUUID within
	// this service.
	DiscoverCharacteristics(charUUID string) ([]Characteristic, error)
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices finds services matching serviceUUID on the peripheral.
	DiscoverServices(serviceUUID string) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising the given service UUID, calling
	// found for each one. It blocks until ctx is cancelled or the scan fails.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Connect establishes a connection to the discovered device.
	Connect(ctx context.Context, device Device) (Connection, error)
}
