// Package supervisor owns the single active radio connection: it drives the
// connection lifecycle, merges discovery from every transport with the
// user's manual connections and publishes each change on an EventBus.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshlink/internal/async"
	"meshlink/internal/device"
	"meshlink/internal/registry"
	"meshlink/internal/store"
	"meshlink/internal/transport"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultFlushDebounce     = 500 * time.Millisecond
)

// Config holds supervisor configuration.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	FlushDebounce     time.Duration

	// Heartbeat writes a keepalive on links that need one. When nil no
	// heartbeat is sent and the response timer is never armed.
	Heartbeat func(ctx context.Context, c transport.Connection) error
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = DefaultFlushDebounce
	}
}

// ErrUnknownDevice is returned by Connect for an ID that is neither
// discovered nor a manual connection.
var ErrUnknownDevice = errors.New("unknown device")

// link is one established connection and its timers.
type link struct {
	dev       device.Device
	conn      transport.Connection
	heartbeat *async.ResettableTimer
	response  *async.ResettableTimer
}

func (l *link) stopTimers() {
	if l.heartbeat != nil {
		l.heartbeat.Cancel("teardown")
	}
	if l.response != nil {
		l.response.Cancel("teardown")
	}
}

// Supervisor manages discovery and the connection lifecycle.
type Supervisor struct {
	transports map[device.TransportType]transport.Transport
	order      []device.TransportType
	registry   *registry.ManualConnectionList
	store      store.Store
	events     *EventBus
	out        *outbox
	cfg        Config
	logger     *slog.Logger

	table         *device.DiscoveryTable
	handshakeGate *async.Gate
	flush         *async.Debouncer[device.Device]

	mu            sync.Mutex
	state         device.ConnectionState
	target        device.Device // device of the current or last attempt
	active        *link
	attempt       uint64
	connectCancel context.CancelFunc

	discMu     sync.Mutex
	discCancel context.CancelFunc
	discWG     sync.WaitGroup
}

// New creates a supervisor over the given transports.
func New(transports []transport.Transport, reg *registry.ManualConnectionList, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		transports:    make(map[device.TransportType]transport.Transport, len(transports)),
		registry:      reg,
		store:         st,
		events:        events,
		out:           newOutbox(events),
		cfg:           cfg,
		logger:        logger.With("component", "supervisor"),
		table:         device.NewDiscoveryTable(),
		handshakeGate: async.NewGate(),
		state:         device.StateDisconnected(),
	}
	for _, t := range transports {
		s.transports[t.Type()] = t
		s.order = append(s.order, t.Type())
	}
	s.flush = async.NewDebouncer(cfg.FlushDebounce, s.persistMetadata,
		async.WithDebounceLogger(s.logger),
		async.WithDebounceErrorHandler(func(err error) {
			s.logger.Error("persist device metadata", "err", err)
		}))
	return s
}

// Close stops discovery, tears down the connection and flushes pending
// writes and events.
func (s *Supervisor) Close() {
	s.StopDiscovery()
	s.Disconnect()
	s.flush.Close()
	s.out.close()
}

// Transports returns the configured transports in registration order.
func (s *Supervisor) Transports() []transport.Transport {
	out := make([]transport.Transport, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, s.transports[t])
	}
	return out
}

// HandshakeGate is open while a connection is established. Waiters are
// cancelled when it drops.
func (s *Supervisor) HandshakeGate() *async.Gate { return s.handshakeGate }

// State returns the lifecycle state.
func (s *Supervisor) State() device.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the connected device.
func (s *Supervisor) Active() (device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return device.Device{}, false
	}
	return s.active.dev.WithState(s.state), true
}

// Devices returns discovered devices merged with manual connections. The
// device of the current attempt is always listed with its live state.
func (s *Supervisor) Devices() []device.Device {
	list := s.table.List()
	index := make(map[uuid.UUID]int, len(list))
	for i, d := range list {
		index[d.ID] = i
	}
	if s.registry != nil {
		for _, m := range s.registry.List() {
			if i, ok := index[m.ID]; ok {
				list[i].IsManualConnection = true
				continue
			}
			index[m.ID] = len(list)
			list = append(list, m)
		}
	}

	s.mu.Lock()
	target, state := s.target, s.state
	s.mu.Unlock()
	if target.ID == uuid.Nil {
		return list
	}
	if i, ok := index[target.ID]; ok {
		list[i].ConnectionState = state
	} else if state.Kind != device.Disconnected {
		list = append(list, target.WithState(state))
	}
	return list
}

// Device looks up one device by ID.
func (s *Supervisor) Device(id uuid.UUID) (device.Device, bool) {
	for _, d := range s.Devices() {
		if d.ID == id {
			return d, true
		}
	}
	return device.Device{}, false
}

// Connect connects to a known device.
func (s *Supervisor) Connect(ctx context.Context, id uuid.UUID) error {
	d, ok := s.Device(id)
	if !ok {
		return fmt.Errorf("connect %s: %w", id, ErrUnknownDevice)
	}
	return s.ConnectDevice(ctx, d)
}

// ManuallyConnect parses connectionString with the transport of type t,
// connects, and on success remembers the device as a manual connection.
func (s *Supervisor) ManuallyConnect(ctx context.Context, t device.TransportType, connectionString string) (device.Device, error) {
	tr, ok := s.transports[t]
	if !ok {
		return device.Device{}, transport.ConnectionFailed(fmt.Sprintf("%s transport not enabled", t), nil)
	}
	if !t.SupportsManualConnection() {
		return device.Device{}, transport.ErrManualUnsupported
	}
	d, err := tr.DeviceForManualConnection(connectionString)
	if err != nil {
		return device.Device{}, err
	}
	if err := s.ConnectDevice(ctx, d); err != nil {
		return d, err
	}
	if s.registry != nil {
		if _, err := s.registry.Insert(d); err != nil {
			s.logger.Error("remember manual connection", "identifier", d.Identifier, "err", err)
		}
	}
	return d, nil
}

// ConnectDevice tears down any current connection and connects to d.
// A cancelled attempt leaves the supervisor disconnected rather than in
// error.
func (s *Supervisor) ConnectDevice(ctx context.Context, d device.Device) error {
	tr, ok := s.transports[d.TransportType]
	if !ok {
		return transport.ConnectionFailed(fmt.Sprintf("%s transport not enabled", d.TransportType), nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	old := s.replaceLocked()
	s.attempt++
	attempt := s.attempt
	s.connectCancel = cancel
	s.transitionLocked(d, device.StateConnecting(), nil)
	s.mu.Unlock()
	s.teardown(old)

	s.logger.Info("connecting", "name", d.Name, "transport", d.TransportType, "identifier", d.Identifier)
	conn, err := tr.Connect(ctx, d)

	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.attempt {
		// A newer Connect or Disconnect took over.
		if conn != nil {
			go conn.Disconnect(nil)
		}
		return transport.ConnectionFailed("superseded", context.Canceled)
	}
	s.connectCancel = nil
	if err != nil {
		if transport.IsCancellation(err) {
			s.transitionLocked(d, device.StateDisconnected(), nil)
			return err
		}
		te := transport.AsError(err, "connect failed")
		s.logger.Warn("connect failed", "name", d.Name, "err", err)
		s.transitionLocked(d, device.StateError(te.StateReason()), te)
		return te
	}

	dev := conn.Device()
	dev.IsManualConnection = d.IsManualConnection || dev.IsManualConnection
	l := &link{dev: dev, conn: conn}
	s.active = l
	s.armHeartbeatLocked(l)
	s.transitionLocked(dev, device.StateConnected(), nil)
	s.handshakeGate.Open()
	go s.pump(l)

	if err := s.store.Put(store.KeyPreferredDevice, dev.ID.String()); err != nil {
		s.logger.Warn("save preferred device", "err", err)
	}
	s.logger.Info("connected", "name", dev.Name, "transport", dev.TransportType)
	return nil
}

// Disconnect tears down the current connection or cancels an attempt in
// flight. An error state is left alone; only a new Connect clears it.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	old := s.replaceLocked()
	s.mu.Unlock()
	s.teardown(old)
}

// replaceLocked detaches the active link and cancels any attempt in flight,
// moving a connecting or connected target to disconnected. The returned
// link must be passed to teardown after unlocking.
func (s *Supervisor) replaceLocked() *link {
	s.attempt++
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	old := s.active
	s.active = nil
	if old != nil {
		old.stopTimers()
		s.resetHandshakeGate()
	}
	if s.state.Kind == device.Connecting || s.state.Kind == device.Connected {
		s.transitionLocked(s.target, device.StateDisconnected(), nil)
	}
	return old
}

func (s *Supervisor) teardown(l *link) {
	if l == nil {
		return
	}
	if err := l.conn.Disconnect(nil); err != nil {
		s.logger.Warn("disconnect", "name", l.dev.Name, "err", err)
	}
	s.flush.Flush()
}

func (s *Supervisor) resetHandshakeGate() {
	s.handshakeGate.Reset()
	s.handshakeGate.CancelAll()
}

// transitionLocked records the new state and posts a connection_state
// event. Repeated identical states are not re-published.
func (s *Supervisor) transitionLocked(d device.Device, next device.ConnectionState, err error) {
	prev := s.state
	if d.ID == s.target.ID && prev == next {
		return
	}
	s.state = next
	s.target = d

	change := ConnectionChange{Device: d.WithState(next), Previous: prev, State: next, Err: err}
	var te *transport.Error
	if errors.As(err, &te) {
		change.ErrorKind = te.Kind.String()
		change.Description = te.Description()
		change.Remediation = te.Remediation()
	}
	s.logger.Debug("connection state", "name", d.Name, "from", prev, "to", next)
	s.out.post(Event{Type: EventConnectionState, Data: change})
}

// pump consumes one link's events until it closes.
func (s *Supervisor) pump(l *link) {
	ended := false
	for ev := range l.conn.Events() {
		switch ev.Kind {
		case transport.EventData:
			s.activity(l)
			s.out.post(Event{Type: EventDataReceived, Data: DataReceived{ID: l.dev.ID, Payload: ev.Data}})
		case transport.EventRSSI:
			s.reportRSSI(l, ev.RSSI)
		case transport.EventError:
			s.logger.Warn("link error", "name", l.dev.Name, "err", ev.Err)
		case transport.EventDisconnected:
			s.linkEnded(l, ev.Err)
			ended = true
		}
	}
	if !ended {
		s.linkEnded(l, transport.ConnectionFailed("link dropped", nil))
	}
}

// linkEnded handles a link going down on its own.
func (s *Supervisor) linkEnded(l *link, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != l {
		return
	}
	s.active = nil
	l.stopTimers()
	s.resetHandshakeGate()
	if err == nil {
		s.transitionLocked(l.dev, device.StateDisconnected(), nil)
	} else {
		te := transport.AsError(err, "link dropped")
		s.logger.Warn("connection lost", "name", l.dev.Name, "err", err)
		s.transitionLocked(l.dev, device.StateError(te.StateReason()), te)
	}
	s.flush.Flush()
}

// Send writes a payload on the active connection.
func (s *Supervisor) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	l := s.active
	s.mu.Unlock()
	if l == nil {
		return transport.ConnectionFailed("not connected", nil)
	}
	if err := l.conn.Send(ctx, payload); err != nil {
		return err
	}
	if l.heartbeat != nil {
		l.heartbeat.Reset(s.cfg.HeartbeatInterval, "sent")
	}
	return nil
}

// ConnectPreferred connects to the last connected device when it is known
// and nothing is connected or connecting. It reports whether an attempt
// was made.
func (s *Supervisor) ConnectPreferred(ctx context.Context) (bool, error) {
	s.mu.Lock()
	busy := s.state.Kind == device.Connecting || s.state.Kind == device.Connected
	s.mu.Unlock()
	if busy {
		return false, nil
	}
	var raw string
	if err := s.store.Get(store.KeyPreferredDevice, &raw); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load preferred device: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse preferred device: %w", err)
	}
	d, ok := s.Device(id)
	if !ok {
		return false, nil
	}
	return true, s.ConnectDevice(ctx, d)
}

func (s *Supervisor) armHeartbeatLocked(l *link) {
	if s.cfg.Heartbeat == nil || !l.dev.TransportType.RequiresPeriodicHeartbeat() {
		return
	}
	timerLogger := s.logger.With("device", l.dev.Identifier)
	l.response = async.NewResettableTimer(func(ctx context.Context) error {
		l.conn.Disconnect(transport.LinkLayer(transport.CodeTimeout, errors.New("no response to heartbeat")))
		return nil
	}, async.WithName("heartbeat-response"), async.WithTimerLogger(timerLogger))

	l.heartbeat = async.NewResettableTimer(func(ctx context.Context) error {
		if err := s.cfg.Heartbeat(ctx, l.conn); err != nil {
			return fmt.Errorf("send heartbeat: %w", err)
		}
		// The deadline runs from the first unanswered heartbeat.
		if !l.response.Pending() {
			l.response.Reset(s.cfg.HeartbeatTimeout, "heartbeat sent")
		}
		return nil
	}, async.WithRepeat(), async.WithName("heartbeat"), async.WithTimerLogger(timerLogger),
		async.WithTimerErrorHandler(func(err error) {
			timerLogger.Warn("heartbeat failed", "err", err)
		}))
	l.heartbeat.Reset(s.cfg.HeartbeatInterval, "connected")
}

// activity records inbound traffic: the link is alive.
func (s *Supervisor) activity(l *link) {
	if l.heartbeat == nil {
		return
	}
	l.response.Cancel("data received")
	l.heartbeat.Reset(s.cfg.HeartbeatInterval, "data received")
}

func (s *Supervisor) reportRSSI(l *link, rssi int) {
	s.mu.Lock()
	if s.active == l {
		l.dev = l.dev.WithRSSI(rssi)
	}
	dev := l.dev
	s.mu.Unlock()

	s.table.Apply(device.Signal(dev.ID, rssi))
	s.out.post(Event{Type: EventDeviceRSSI, Data: SignalReport{ID: dev.ID, RSSI: rssi}})
	s.RecordMetadata(dev)
}

// RecordMetadata queues d's metadata (names, firmware, RSSI) for a debounced
// write to the manual connection list. It is used by the protocol layer
// after the handshake and internally for RSSI reports.
func (s *Supervisor) RecordMetadata(d device.Device) {
	s.mu.Lock()
	if s.active != nil && s.active.dev.ID == d.ID {
		s.active.dev.ShortName = d.ShortName
		s.active.dev.LongName = d.LongName
		s.active.dev.FirmwareVersion = d.FirmwareVersion
		s.active.dev.HardwareModel = d.HardwareModel
		s.active.dev.Num = d.Num
		s.active.dev.RSSI = d.RSSI
	}
	s.mu.Unlock()
	if s.registry == nil {
		return
	}
	if _, ok := s.registry.Get(d.Identifier); ok {
		s.flush.Emit(d)
	}
}

func (s *Supervisor) persistMetadata(ctx context.Context, d device.Device) error {
	_, err := s.registry.UpdateDevice(d.Identifier, func(m *device.Device) {
		if d.ShortName != nil || d.LongName != nil {
			*m = m.WithNames(deref(d.ShortName), deref(d.LongName))
		}
		if d.FirmwareVersion != nil {
			*m = m.WithFirmwareVersion(*d.FirmwareVersion)
		}
		if d.Num != nil {
			*m = m.WithNum(*d.Num)
		}
		if d.RSSI != nil {
			*m = m.WithRSSI(*d.RSSI)
		}
		if d.HardwareModel != nil {
			m.HardwareModel = d.HardwareModel
		}
		m.LastUpdate = d.LastUpdate
	})
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StartDiscovery scans on every transport until StopDiscovery or ctx is
// done. Calling it while a scan runs is a no-op.
func (s *Supervisor) StartDiscovery(ctx context.Context) {
	s.discMu.Lock()
	defer s.discMu.Unlock()
	if s.discCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.discCancel = cancel
	for _, tt := range s.order {
		tr := s.transports[tt]
		s.discWG.Add(1)
		go s.discover(ctx, tr)
	}
	s.logger.Info("discovery started", "transports", len(s.order))
}

// StopDiscovery stops every scan and forgets the discovered devices. Manual
// connections and the device of the current attempt stay listed.
func (s *Supervisor) StopDiscovery() {
	s.discMu.Lock()
	cancel := s.discCancel
	s.discCancel = nil
	s.discMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.discWG.Wait()

	for _, d := range s.table.List() {
		if ev, ok := s.table.Apply(device.Lost(d.ID)); ok {
			s.publishDiscovery(ev)
		}
	}
	s.logger.Info("discovery stopped")
}

// Discovering reports whether a scan is running.
func (s *Supervisor) Discovering() bool {
	s.discMu.Lock()
	defer s.discMu.Unlock()
	return s.discCancel != nil
}

func (s *Supervisor) discover(ctx context.Context, tr transport.Transport) {
	defer s.discWG.Done()
	logger := s.logger.With("transport", tr.Type())
	for ev := range tr.DiscoverDevices(ctx) {
		ev, ok := s.table.Apply(ev)
		if !ok {
			continue
		}
		logger.Debug("discovery", "event", ev.Kind, "id", ev.ID)
		s.publishDiscovery(ev)
	}
	if ctx.Err() != nil {
		return
	}
	// The scan died underneath us; what it reported is no longer tracked.
	logger.Warn("discovery ended", "status", tr.Status())
	for _, ev := range s.table.RemoveTransport(tr.Type()) {
		s.publishDiscovery(ev)
	}
}

func (s *Supervisor) publishDiscovery(ev device.Event) {
	switch ev.Kind {
	case device.EventFound:
		s.out.post(Event{Type: EventDeviceFound, Data: ev.Device})
	case device.EventUpdated:
		s.out.post(Event{Type: EventDeviceUpdated, Data: ev.Device})
	case device.EventLost:
		s.out.post(Event{Type: EventDeviceLost, Data: DeviceRef{ID: ev.ID}})
	case device.EventSignal:
		s.out.post(Event{Type: EventDeviceRSSI, Data: SignalReport{ID: ev.ID, RSSI: ev.RSSI}})
	}
}
