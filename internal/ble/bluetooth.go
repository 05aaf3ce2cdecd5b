package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BluetoothAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS, WinRT on Windows). On macOS, device addresses are CoreBluetooth
// UUIDs rather than MAC addresses; Device.Address carries whichever the
// platform reports.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluetoothConnection // keyed by device address
}

// NewBluetoothAdapter creates a BLE adapter backed by the platform default.
func NewBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bluetoothConnection),
	}
}

func (a *BluetoothAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only place the platform reports
	// disconnects; fan them out to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *BluetoothAdapter) Scan(ctx context.Context, serviceUUID string, found func(Device)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	var mu sync.Mutex
	seen := make(map[string]bool)

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		if seen[addr] {
			mu.Unlock()
			return
		}
		seen[addr] = true
		mu.Unlock()
		found(Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *BluetoothAdapter) Connect(ctx context.Context, dev Device) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(dev.Address)

	// tinygo/bluetooth's Connect blocks with its own internal timeout; wrap
	// it so our ctx deadline also applies.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed on its
		// own; we cannot cancel it, only stop waiting for it.
		return nil, fmt.Errorf("ble: connect to %s: %w", dev.Address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", dev.Address, result.err)
		}
		conn := &bluetoothConnection{device: &result.device}

		a.mu.Lock()
		a.connections[dev.Address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that BluetoothAdapter implements Adapter.
var _ Adapter = (*BluetoothAdapter)(nil)

type bluetoothConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *bluetoothConnection) DiscoverServices(serviceUUID string) ([]Service, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &bluetoothService{svc: svcs[i]})
	}
	return out, nil
}

func (c *bluetoothConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *bluetoothConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type bluetoothService struct {
	svc bluetooth.DeviceService
}

func (s *bluetoothService) UUID() string {
	return s.svc.UUID().String()
}

func (s *bluetoothService) DiscoverCharacteristics(charUUID string) ([]Characteristic, error) {
	uuid, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &bluetoothCharacteristic{char: chars[i]})
	}
	return out, nil
}

type bluetoothCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *bluetoothCharacteristic) UUID() string {
	return c.char.UUID().String()
}

// Write issues a write request; the peripheral acknowledges receipt.
func (c *bluetoothCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

func (c *bluetoothCharacteristic) Subscribe(cb func(data []byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
