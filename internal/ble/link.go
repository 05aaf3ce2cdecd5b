package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of the link to the peripheral.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering-services"
	case StateDiscoveringCharacteristics:
		return "discovering-characteristics"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAdapterUnavailable means the local Bluetooth adapter could not be
	// powered on; the link stays idle until Start is called again.
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
	// ErrLinkNotReady means Send was called outside the Ready state. The
	// payload is dropped, not queued; the caller owns retry policy.
	ErrLinkNotReady = errors.New("ble: link not ready")
	// ErrEncoding means the payload is empty or not plain ASCII and was
	// never handed to the radio.
	ErrEncoding = errors.New("ble: payload not encodable")
)

// Status is the read-only snapshot exposed to display layers.
type Status struct {
	Connected   bool
	LastMessage string
}

// LinkOptions configures the link manager.
type LinkOptions struct {
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
	// DiscoveryTimeout bounds each discovery step; if the target service or
	// characteristic has not shown up within it, the connection is dropped
	// and scanning restarts.
	DiscoveryTimeout time.Duration
	// ReconnectMax caps the exponential rescan backoff, in seconds.
	ReconnectMax int
	// OnStatus, if set, is called after every status change.
	OnStatus func(Status)
}

// DefaultLinkOptions returns sensible defaults for an HM-10 style module.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		ConnectTimeout:     10 * time.Second,
		DiscoveryTimeout:   30 * time.Second,
		ReconnectMax:       30,
	}
}

type eventKind int

const (
	evDeviceFound eventKind = iota
	evConnected
	evConnectFailed
	evServicesFound
	evCharacteristicsFound
	evDisconnected
	evDiscoveryTimeout
)

func (k eventKind) String() string {
	switch k {
	case evDeviceFound:
		return "device-found"
	case evConnected:
		return "connected"
	case evConnectFailed:
		return "connect-failed"
	case evServicesFound:
		return "services-found"
	case evCharacteristicsFound:
		return "characteristics-found"
	case evDisconnected:
		return "disconnected"
	case evDiscoveryTimeout:
		return "discovery-timeout"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// event is one adapter callback, normalized. Events carry the connection
// epoch they belong to; events from a superseded epoch are discarded.
type event struct {
	kind     eventKind
	epoch    uint64
	device   Device
	conn     Connection
	services []Service
	chars    []Characteristic
}

// LinkManager tracks exactly one peripheral at a time and drives the
// Idle → Scanning → Connecting → DiscoveringServices →
// DiscoveringCharacteristics → Ready lifecycle. Every state except Idle
// falls back to Scanning on disconnect.
//
// All mutation happens in apply under mu; adapter callbacks, timers, and
// goroutine completions funnel through dispatch, which is the single
// serialization point. Send only reads under the same mutex.
type LinkManager struct {
	adapter Adapter
	opts    LinkOptions
	log     *slog.Logger

	mu          sync.Mutex
	state       State
	epoch       uint64 // bumped whenever the current connection attempt is abandoned
	device      *Device
	conn        Connection
	char        Characteristic
	lastMessage string
	attempts    int // consecutive losses since the link was last Ready
	closed      bool
	scanCancel  context.CancelFunc
	discTimer   *time.Timer
}

// NewLinkManager creates a link manager in the Idle state.
func NewLinkManager(adapter Adapter, opts LinkOptions, logger *slog.Logger) *LinkManager {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = DefaultServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 30 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkManager{
		adapter: adapter,
		opts:    opts,
		log:     logger,
	}
}

// Start powers on the adapter and begins scanning. It is a no-op in any
// state other than Idle. If the adapter is unavailable the link stays Idle
// and Start must be called again once Bluetooth is up.
func (m *LinkManager) Start() error {
	m.mu.Lock()
	if m.closed || m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.adapter.Enable(); err != nil {
		m.log.Error("ble: adapter enable failed, link stays idle", "error", err)
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	m.mu.Lock()
	if m.closed || m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateScanning
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.log.Info("ble: scanning", "service", m.opts.ServiceUUID)
	m.startScan(epoch)
	return nil
}

// Send writes payload to the peripheral with an acknowledged write. It
// succeeds only while the link is Ready; in any other state the payload is
// dropped and ErrLinkNotReady is returned. Send never mutates link state.
func (m *LinkManager) Send(payload []byte) error {
	if len(payload) == 0 || !isASCII(payload) {
		return ErrEncoding
	}

	m.mu.Lock()
	state, char := m.state, m.char
	m.mu.Unlock()

	if state != StateReady || char == nil {
		return ErrLinkNotReady
	}
	if err := char.Write(payload); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

// Status returns the current connectivity snapshot.
func (m *LinkManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// State returns the current lifecycle state.
func (m *LinkManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the link down and returns it to Idle. A closed manager
// ignores all further events.
func (m *LinkManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.epoch++
	m.stopScanLocked()
	m.stopDiscTimerLocked()
	conn := m.conn
	m.device, m.conn, m.char = nil, nil, nil
	m.state = StateIdle
	m.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	return nil
}

// dispatch applies one event under the mutex, then runs any follow-up side
// effects and status notification outside it.
func (m *LinkManager) dispatch(ev event) {
	m.mu.Lock()
	if m.closed || ev.epoch != m.epoch {
		m.mu.Unlock()
		m.log.Debug("ble: dropping stale event", "kind", ev.kind, "epoch", ev.epoch)
		return
	}
	before := m.statusLocked()
	post := m.apply(ev)
	after := m.statusLocked()
	m.mu.Unlock()

	for _, fn := range post {
		fn()
	}
	if after != before && m.opts.OnStatus != nil {
		m.opts.OnStatus(after)
	}
}

// apply is the single state-transition function. Caller holds mu.
func (m *LinkManager) apply(ev event) []func() {
	switch ev.kind {
	case evDeviceFound:
		// Only the first candidate seen while scanning is honored; anything
		// discovered after that is ignored until we are back to Scanning.
		if m.state != StateScanning {
			return nil
		}
		m.stopScanLocked()
		dev := ev.device
		m.device = &dev
		m.state = StateConnecting
		epoch := m.epoch
		m.log.Info("ble: device found, connecting",
			"name", dev.Name, "addr", dev.Address, "rssi", dev.RSSI)
		go m.connect(epoch, dev)
		return nil

	case evConnected:
		if m.state != StateConnecting {
			return nil
		}
		m.conn = ev.conn
		m.state = StateDiscoveringServices
		m.armDiscTimerLocked()
		epoch := m.epoch
		conn := ev.conn
		m.log.Debug("ble: connected, discovering services")
		conn.OnDisconnect(func() {
			m.dispatch(event{kind: evDisconnected, epoch: epoch})
		})
		go m.discoverServices(epoch, conn)
		return nil

	case evConnectFailed:
		if m.state != StateConnecting {
			return nil
		}
		return m.lostLocked("connect failed")

	case evServicesFound:
		if m.state != StateDiscoveringServices {
			return nil
		}
		for _, svc := range ev.services {
			if !equalUUID(svc.UUID(), m.opts.ServiceUUID) {
				continue
			}
			m.state = StateDiscoveringCharacteristics
			m.armDiscTimerLocked()
			epoch := m.epoch
			m.log.Debug("ble: service found, discovering characteristics")
			go m.discoverCharacteristics(epoch, svc)
			return nil
		}
		// The module's firmware may deliver services across several
		// callbacks; stay parked until one matches or the timer fires.
		m.log.Debug("ble: target service not in callback, waiting")
		return nil

	case evCharacteristicsFound:
		if m.state != StateDiscoveringCharacteristics {
			return nil
		}
		for _, char := range ev.chars {
			if !equalUUID(char.UUID(), m.opts.CharacteristicUUID) {
				continue
			}
			m.char = char
			m.state = StateReady
			m.attempts = 0
			m.stopDiscTimerLocked()
			epoch := m.epoch
			m.log.Info("ble: link ready", "addr", m.device.Address)
			return []func(){func() { m.subscribe(epoch, char) }}
		}
		m.log.Debug("ble: target characteristic not in callback, waiting")
		return nil

	case evDisconnected:
		if m.state == StateIdle {
			return nil
		}
		return m.lostLocked("disconnected")

	case evDiscoveryTimeout:
		if m.state != StateDiscoveringServices && m.state != StateDiscoveringCharacteristics {
			return nil
		}
		return m.lostLocked("discovery timed out")

	default:
		return nil
	}
}

// lostLocked releases both handles and returns the machine to Scanning,
// scheduling a rescan after the current backoff delay. Caller holds mu.
func (m *LinkManager) lostLocked(reason string) []func() {
	m.stopScanLocked()
	m.stopDiscTimerLocked()
	conn := m.conn
	m.device, m.conn, m.char = nil, nil, nil
	m.state = StateScanning
	m.epoch++
	epoch := m.epoch

	// First loss rescans immediately, mirroring how the module itself
	// re-advertises; repeated losses back off exponentially.
	var delay time.Duration
	if m.attempts > 0 {
		delay = backoffDelay(m.attempts-1, m.opts.ReconnectMax)
	}
	m.attempts++

	m.log.Warn("ble: link lost, rescanning", "reason", reason, "delay", delay)

	post := []func(){}
	if conn != nil {
		post = append(post, func() { conn.Disconnect() })
	}
	if delay == 0 {
		post = append(post, func() { m.startScan(epoch) })
	} else {
		time.AfterFunc(delay, func() { m.startScan(epoch) })
	}
	return post
}

// startScan begins a scan for the given epoch unless the machine has moved on.
func (m *LinkManager) startScan(epoch uint64) {
	m.mu.Lock()
	if m.closed || epoch != m.epoch || m.state != StateScanning {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.scanCancel = cancel
	m.mu.Unlock()

	go func() {
		err := m.adapter.Scan(ctx, m.opts.ServiceUUID, func(dev Device) {
			m.dispatch(event{kind: evDeviceFound, epoch: epoch, device: dev})
		})
		if err != nil && ctx.Err() == nil {
			m.log.Warn("ble: scan failed", "error", err)
		}
	}()
}

func (m *LinkManager) connect(epoch uint64, dev Device) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.adapter.Connect(ctx, dev)
	if err != nil {
		m.log.Warn("ble: connect failed", "addr", dev.Address, "error", err)
		m.dispatch(event{kind: evConnectFailed, epoch: epoch})
		return
	}
	m.dispatch(event{kind: evConnected, epoch: epoch, conn: conn})
}

func (m *LinkManager) discoverServices(epoch uint64, conn Connection) {
	svcs, err := conn.DiscoverServices(m.opts.ServiceUUID)
	if err != nil {
		// A failed discovery round is a miss, not a disconnect; the
		// discovery timer reaps the connection if nothing ever matches.
		m.log.Debug("ble: service discovery round failed", "error", err)
		svcs = nil
	}
	m.dispatch(event{kind: evServicesFound, epoch: epoch, services: svcs})
}

func (m *LinkManager) discoverCharacteristics(epoch uint64, svc Service) {
	chars, err := svc.DiscoverCharacteristics(m.opts.CharacteristicUUID)
	if err != nil {
		m.log.Debug("ble: characteristic discovery round failed", "error", err)
		chars = nil
	}
	m.dispatch(event{kind: evCharacteristicsFound, epoch: epoch, chars: chars})
}

// subscribe records inbound notification frames into the status snapshot.
func (m *LinkManager) subscribe(epoch uint64, char Characteristic) {
	err := char.Subscribe(func(data []byte) {
		m.mu.Lock()
		if m.closed || epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.lastMessage = string(data)
		st := m.statusLocked()
		m.mu.Unlock()
		if m.opts.OnStatus != nil {
			m.opts.OnStatus(st)
		}
	})
	if err != nil {
		m.log.Warn("ble: subscribe failed", "error", err)
	}
}

func (m *LinkManager) statusLocked() Status {
	return Status{
		Connected:   m.state == StateReady,
		LastMessage: m.lastMessage,
	}
}

func (m *LinkManager) stopScanLocked() {
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
}

func (m *LinkManager) armDiscTimerLocked() {
	m.stopDiscTimerLocked()
	epoch := m.epoch
	m.discTimer = time.AfterFunc(m.opts.DiscoveryTimeout, func() {
		m.dispatch(event{kind: evDiscoveryTimeout, epoch: epoch})
	})
}

func (m *LinkManager) stopDiscTimerLocked() {
	if m.discTimer != nil {
		m.discTimer.Stop()
		m.discTimer = nil
	}
}

// backoffDelay returns the rescan delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func isASCII(p []byte) bool {
	for _, b := range p {
		if b > 0x7f {
			return false
		}
	}
	return true
}

// equalUUID compares UUIDs case-insensitively; platforms disagree on hex case.
func equalUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
