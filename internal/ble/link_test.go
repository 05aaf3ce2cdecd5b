package ble

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDevice() Device {
	return Device{Name: "HM-10", Address: "AA:BB:CC:DD:EE:FF", RSSI: -52}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestLinkReachesReadyAndSends(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID}
	adapter := newMockAdapter([]Device{testDevice()}, uartConn(char))
	m := NewLinkManager(adapter, DefaultLinkOptions(), testLogger())
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "link ready", func() bool { return m.State() == StateReady })

	if !m.Status().Connected {
		t.Error("Status().Connected = false in Ready state")
	}

	payload := []byte("72.5,40,6")
	if err := m.Send(payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := string(char.lastWrite()); got != "72.5,40,6" {
		t.Errorf("written payload = %q, want %q", got, "72.5,40,6")
	}
}

func TestStartIdempotent(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID}
	adapter := newMockAdapter([]Device{testDevice()}, uartConn(char))
	m := NewLinkManager(adapter, DefaultLinkOptions(), testLogger())
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return m.State() == StateReady })

	// Start in any non-Idle state is a no-op: no second enable, no state change.
	if err := m.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if adapter.enableCount() != 1 {
		t.Errorf("enable calls = %d, want 1", adapter.enableCount())
	}
	if m.State() != StateReady {
		t.Errorf("state after redundant Start() = %v, want %v", m.State(), StateReady)
	}
}

func TestStartAdapterUnavailable(t *testing.T) {
	adapter := newMockAdapter(nil, nil)
	adapter.enableErr = errMock
	m := NewLinkManager(adapter, DefaultLinkOptions(), testLogger())
	defer m.Close()

	err := m.Start()
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("Start() error = %v, want ErrAdapterUnavailable", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %v, want %v", m.State(), StateIdle)
	}

	// The link can be restarted once the adapter comes up.
	adapter.enableErr = nil
	if err := m.Start(); err != nil {
		t.Fatalf("Start() after adapter recovery error = %v", err)
	}
	waitFor(t, "scanning after recovery", func() bool { return m.State() != StateIdle })
}

func TestSendOutsideReadyIsDropped(t *testing.T) {
	states := []State{
		StateIdle,
		StateScanning,
		StateConnecting,
		StateDiscoveringServices,
		StateDiscoveringCharacteristics,
	}
	for _, s := range states {
		m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
		m.state = s

		err := m.Send([]byte("72.5,40,6"))
		if !errors.Is(err, ErrLinkNotReady) {
			t.Errorf("Send() in %v: error = %v, want ErrLinkNotReady", s, err)
		}
		if m.State() != s {
			t.Errorf("Send() in %v mutated state to %v", s, m.State())
		}
	}
}

func TestSendRejectsUnencodablePayloads(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID}
	m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
	m.state = StateReady
	m.char = char

	if err := m.Send(nil); !errors.Is(err, ErrEncoding) {
		t.Errorf("Send(nil) error = %v, want ErrEncoding", err)
	}
	if err := m.Send([]byte{}); !errors.Is(err, ErrEncoding) {
		t.Errorf("Send(empty) error = %v, want ErrEncoding", err)
	}
	if err := m.Send([]byte("72.5,40,6\xff")); !errors.Is(err, ErrEncoding) {
		t.Errorf("Send(non-ASCII) error = %v, want ErrEncoding", err)
	}
	if char.writeCount() != 0 {
		t.Errorf("unencodable payloads reached the radio: %d writes", char.writeCount())
	}
}

func TestSendPropagatesWriteError(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID, writeErr: errMock}
	m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
	m.state = StateReady
	m.char = char

	err := m.Send([]byte("72.5,40,6"))
	if !errors.Is(err, errMock) {
		t.Errorf("Send() error = %v, want wrapped mock failure", err)
	}
}

func TestDisconnectFromAnyStateReturnsToScanning(t *testing.T) {
	states := []State{
		StateScanning,
		StateConnecting,
		StateDiscoveringServices,
		StateDiscoveringCharacteristics,
		StateReady,
	}
	for _, s := range states {
		m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
		dev := testDevice()
		conn := &mockConnection{}
		m.state = s
		m.epoch = 7
		m.device = &dev
		m.conn = conn
		m.char = &mockCharacteristic{uuid: DefaultCharacteristicUUID}
		m.attempts = 5 // keeps the rescan on a long backoff, out of this test's way

		m.dispatch(event{kind: evDisconnected, epoch: 7})

		if m.State() != StateScanning {
			t.Errorf("disconnect in %v: state = %v, want %v", s, m.State(), StateScanning)
		}
		m.mu.Lock()
		if m.device != nil || m.conn != nil || m.char != nil {
			t.Errorf("disconnect in %v: handles not cleared", s)
		}
		m.mu.Unlock()
		if !conn.isDisconnected() {
			t.Errorf("disconnect in %v: connection not torn down", s)
		}
		if m.Status().Connected {
			t.Errorf("disconnect in %v: status still connected", s)
		}
	}
}

func TestSecondCandidateIgnoredWhileConnecting(t *testing.T) {
	m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
	dev := testDevice()
	m.state = StateConnecting
	m.epoch = 1
	m.device = &dev

	m.dispatch(event{kind: evDeviceFound, epoch: 1, device: Device{Address: "11:22:33:44:55:66"}})

	if m.State() != StateConnecting {
		t.Errorf("state = %v, want %v", m.State(), StateConnecting)
	}
	m.mu.Lock()
	addr := m.device.Address
	m.mu.Unlock()
	if addr != dev.Address {
		t.Errorf("tracked device = %s, want %s", addr, dev.Address)
	}
}

func TestStaleEpochEventDropped(t *testing.T) {
	m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
	m.state = StateScanning
	m.epoch = 3

	// An event from a superseded connection epoch must not move the machine.
	m.dispatch(event{kind: evDeviceFound, epoch: 2, device: testDevice()})

	if m.State() != StateScanning {
		t.Errorf("state = %v, want %v", m.State(), StateScanning)
	}
}

func TestServiceMismatchStaysParked(t *testing.T) {
	m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
	m.state = StateDiscoveringServices
	m.epoch = 1

	// Firmware may deliver services across several callbacks; a miss parks,
	// it does not fail.
	m.dispatch(event{kind: evServicesFound, epoch: 1, services: []Service{
		&mockService{uuid: "0000180f-0000-1000-8000-00805f9b34fb"},
	}})
	if m.State() != StateDiscoveringServices {
		t.Errorf("state after mismatch = %v, want %v", m.State(), StateDiscoveringServices)
	}

	m.dispatch(event{kind: evServicesFound, epoch: 1, services: []Service{
		&mockService{uuid: DefaultServiceUUID},
	}})
	if m.State() != StateDiscoveringCharacteristics {
		t.Errorf("state after match = %v, want %v", m.State(), StateDiscoveringCharacteristics)
	}
}

func TestCharacteristicMismatchStaysParked(t *testing.T) {
	m := NewLinkManager(newMockAdapter(nil, nil), DefaultLinkOptions(), testLogger())
	m.state = StateDiscoveringCharacteristics
	m.epoch = 1
	dev := testDevice()
	m.device = &dev

	m.dispatch(event{kind: evCharacteristicsFound, epoch: 1, chars: []Characteristic{
		&mockCharacteristic{uuid: "00002a19-0000-1000-8000-00805f9b34fb"},
	}})
	if m.State() != StateDiscoveringCharacteristics {
		t.Errorf("state after mismatch = %v, want %v", m.State(), StateDiscoveringCharacteristics)
	}

	m.dispatch(event{kind: evCharacteristicsFound, epoch: 1, chars: []Characteristic{
		&mockCharacteristic{uuid: DefaultCharacteristicUUID},
	}})
	if m.State() != StateReady {
		t.Errorf("state after match = %v, want %v", m.State(), StateReady)
	}
}

func TestDiscoveryTimeoutRestartsScan(t *testing.T) {
	// Connection whose services never include the target.
	newConn := func() *mockConnection {
		return &mockConnection{services: []Service{
			&mockService{uuid: "0000180f-0000-1000-8000-00805f9b34fb"},
		}}
	}
	opts := DefaultLinkOptions()
	opts.DiscoveryTimeout = 30 * time.Millisecond
	adapter := newMockAdapter([]Device{testDevice()}, newConn)
	m := NewLinkManager(adapter, opts, testLogger())
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "first connection", func() bool { return adapter.connectionCount() >= 1 })
	first := adapter.latestConnection()

	// The timeout must reap the parked connection and go back to scanning.
	waitFor(t, "rescan after timeout", func() bool { return adapter.scanCount() >= 2 })
	if !first.isDisconnected() {
		t.Error("timed-out connection was not torn down")
	}
}

func TestReconnectAfterRemoteDisconnect(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID}
	adapter := newMockAdapter([]Device{testDevice()}, uartConn(char))
	m := NewLinkManager(adapter, DefaultLinkOptions(), testLogger())
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return m.State() == StateReady })

	adapter.latestConnection().SimulateDisconnect()

	// First loss rescans immediately, so the mock should bring the link
	// straight back to Ready on a fresh connection.
	waitFor(t, "link ready again", func() bool {
		return m.State() == StateReady && adapter.connectionCount() == 2
	})
}

func TestNotificationUpdatesStatus(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID}
	adapter := newMockAdapter([]Device{testDevice()}, uartConn(char))

	var gotStatus Status
	var seen bool
	opts := DefaultLinkOptions()
	opts.OnStatus = func(st Status) {
		if st.LastMessage != "" {
			gotStatus, seen = st, true
		}
	}
	m := NewLinkManager(adapter, opts, testLogger())
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return m.State() == StateReady })
	waitFor(t, "subscription", func() bool {
		char.mu.Lock()
		defer char.mu.Unlock()
		return char.callback != nil
	})

	char.SimulateNotification([]byte("OK"))

	waitFor(t, "inbound message", func() bool { return m.Status().LastMessage == "OK" })
	if !seen || gotStatus.LastMessage != "OK" {
		t.Errorf("OnStatus message = %q, want %q", gotStatus.LastMessage, "OK")
	}
}

func TestCloseReturnsToIdle(t *testing.T) {
	char := &mockCharacteristic{uuid: DefaultCharacteristicUUID}
	adapter := newMockAdapter([]Device{testDevice()}, uartConn(char))
	m := NewLinkManager(adapter, DefaultLinkOptions(), testLogger())

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return m.State() == StateReady })
	conn := adapter.latestConnection()

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state after Close() = %v, want %v", m.State(), StateIdle)
	}
	if !conn.isDisconnected() {
		t.Error("connection not torn down on Close()")
	}
	if err := m.Send([]byte("72.5,40,6")); !errors.Is(err, ErrLinkNotReady) {
		t.Errorf("Send() after Close() error = %v, want ErrLinkNotReady", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}
	for i, want := range delays {
		if got := backoffDelay(i, 30); got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would overflow the shift without the cap.
	if got := backoffDelay(100, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30) = %v, want 30s", got)
	}
	if got := backoffDelay(31, 60); got <= 0 || got > 60*time.Second {
		t.Errorf("backoffDelay(31, 60) = %v, want within (0, 60s]", got)
	}
}
