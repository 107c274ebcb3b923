package transport

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"meshlink/internal/async"
	"meshlink/internal/device"
)

// GATT layout of the radio service.
const (
	MeshServiceUUID = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	ToRadioUUID     = "f75c76d2-129e-4dad-a1dd-7866124401e7"
	FromRadioUUID   = "2c55e69e-4993-11ed-b878-0242ac120002"
	FromNumUUID     = "ed9da18c-a800-4f66-a670-aa7547e34453"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultStaleAfter    = 30 * time.Second

	bluezCallTimeout = 5 * time.Second
	poweredOffReason = "Bluetooth is powered off"
)

// BLEConfig configures the BLE transport.
type BLEConfig struct {
	Adapter       string // e.g. "hci0"; empty picks the first adapter
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

// BLETransport reaches radios over Bluetooth LE through BlueZ.
type BLETransport struct {
	cfg    BLEConfig
	opts   options
	logger *slog.Logger
	dial   func() (bluezBus, error)

	// setupComplete opens while the adapter is powered.
	setupComplete *async.Gate

	setupOnce sync.Once
	setupErr  error
	bus       bluezBus
	adapter   dbus.ObjectPath
	stopWatch context.CancelFunc

	mu       sync.Mutex
	ready    bool
	powered  bool
	scanning int
}

// NewBLETransport creates a BLE transport on the system bus. The bus is
// not touched until discovery or a connection needs it.
func NewBLETransport(cfg BLEConfig, logger *slog.Logger, opts ...Option) *BLETransport {
	return newBLETransport(cfg, dialSystemBus, logger, opts...)
}

func newBLETransport(cfg BLEConfig, dial func() (bluezBus, error), logger *slog.Logger, opts ...Option) *BLETransport {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &BLETransport{
		cfg:           cfg,
		opts:          buildOptions(opts),
		logger:        logger.With("component", "ble-transport"),
		dial:          dial,
		setupComplete: async.NewGate(),
	}
}

func (t *BLETransport) Type() device.TransportType { return device.TransportBLE }

func (t *BLETransport) Status() device.TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.setupErr != nil:
		return device.TransportStatus{Kind: device.StatusError, Message: t.setupErr.Error()}
	case !t.ready:
		return device.TransportStatus{Kind: device.StatusUninitialized}
	case !t.powered:
		return device.TransportStatus{Kind: device.StatusError, Message: poweredOffReason}
	case t.scanning > 0:
		return device.TransportStatus{Kind: device.StatusDiscovering}
	default:
		return device.TransportStatus{Kind: device.StatusReady}
	}
}

// Close releases the bus connection.
func (t *BLETransport) Close() error {
	t.mu.Lock()
	stop, bus := t.stopWatch, t.bus
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	t.setupComplete.CancelAll()
	if bus != nil {
		return bus.Close()
	}
	return nil
}

func (t *BLETransport) setup() error {
	t.setupOnce.Do(func() {
		err := t.init()
		if err != nil {
			t.logger.Error("bluetooth unavailable", "err", err)
		}
		t.mu.Lock()
		t.setupErr = err
		t.mu.Unlock()
	})
	return t.setupErr
}

func (t *BLETransport) init() error {
	bus, err := t.dial()
	if err != nil {
		return Unavailable("system bus unreachable", err)
	}
	// Subscribe before reading state so no power change is missed.
	sigs, unsubscribe := bus.Signals()

	ctx, cancel := context.WithTimeout(context.Background(), bluezCallTimeout)
	defer cancel()
	objs, err := bus.ManagedObjects(ctx)
	if err != nil {
		unsubscribe()
		bus.Close()
		return Unavailable("bluetoothd not responding", err)
	}
	adapter, ok := findAdapter(objs, t.cfg.Adapter)
	if !ok {
		unsubscribe()
		bus.Close()
		return Unavailable("no Bluetooth adapter", nil)
	}
	powered, _ := propBool(objs[adapter][ifaceAdapter], "Powered")

	watchCtx, stop := context.WithCancel(context.Background())
	t.mu.Lock()
	t.bus = bus
	t.adapter = adapter
	t.stopWatch = stop
	t.ready = true
	t.mu.Unlock()

	t.logger.Info("adapter found", "path", adapter, "powered", powered)
	t.applyPowered(powered)
	go t.watchAdapter(watchCtx, sigs, unsubscribe)
	return nil
}

func findAdapter(objs managedObjects, name string) (dbus.ObjectPath, bool) {
	if name != "" {
		p := dbus.ObjectPath("/org/bluez/" + name)
		_, ok := objs[p][ifaceAdapter]
		return p, ok
	}
	var paths []string
	for p, ifaces := range objs {
		if _, ok := ifaces[ifaceAdapter]; ok {
			paths = append(paths, string(p))
		}
	}
	if len(paths) == 0 {
		return "", false
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), true
}

func (t *BLETransport) applyPowered(on bool) {
	t.mu.Lock()
	changed := t.powered != on
	t.powered = on
	t.mu.Unlock()
	if on {
		t.setupComplete.Open()
	} else {
		t.setupComplete.Reset()
	}
	if changed {
		t.logger.Info("adapter power changed", "powered", on)
	}
}

func (t *BLETransport) watchAdapter(ctx context.Context, sigs <-chan *dbus.Signal, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig.Path != t.adapter {
				continue
			}
			iface, changed, ok := propertiesChanged(sig)
			if !ok || iface != ifaceAdapter {
				continue
			}
			if on, ok := propBool(changed, "Powered"); ok {
				t.applyPowered(on)
			}
		}
	}
}

func (t *BLETransport) setScanning(delta int) {
	t.mu.Lock()
	t.scanning += delta
	t.mu.Unlock()
}

// bleSighting tracks when a radio last advertised.
type bleSighting struct {
	dev  device.Device
	last time.Time
}

func (t *BLETransport) DiscoverDevices(ctx context.Context) <-chan device.Event {
	out := make(chan device.Event)
	go func() {
		defer close(out)
		if err := t.setup(); err != nil {
			return
		}
		if !t.setupComplete.IsOpen() {
			t.logger.Info("waiting for adapter power")
		}
		if err := t.setupComplete.Wait(ctx); err != nil {
			return
		}
		t.scan(ctx, out)
	}()
	return out
}

func (t *BLETransport) scan(ctx context.Context, out chan<- device.Event) {
	sigs, unsubscribe := t.bus.Signals()
	defer unsubscribe()

	filter := map[string]dbus.Variant{
		"UUIDs":     dbus.MakeVariant([]string{MeshServiceUUID}),
		"Transport": dbus.MakeVariant("le"),
	}
	if err := t.bus.Call(ctx, t.adapter, ifaceAdapter+".SetDiscoveryFilter", filter); err != nil {
		t.logger.Warn("set discovery filter failed", "err", err)
	}
	if err := t.bus.Call(ctx, t.adapter, ifaceAdapter+".StartDiscovery"); err != nil {
		t.logger.Error("start discovery failed", "err", err)
		return
	}
	t.setScanning(1)
	defer func() {
		t.setScanning(-1)
		stopCtx, cancel := context.WithTimeout(context.Background(), bluezCallTimeout)
		defer cancel()
		if err := t.bus.Call(stopCtx, t.adapter, ifaceAdapter+".StopDiscovery"); err != nil {
			t.logger.Debug("stop discovery failed", "err", err)
		}
	}()

	seen := make(map[dbus.ObjectPath]*bleSighting)
	report := func(path dbus.ObjectPath, props map[string]dbus.Variant) bool {
		d, ok := radioFromProps(props)
		if !ok {
			return true
		}
		s, known := seen[path]
		if !known {
			seen[path] = &bleSighting{dev: d, last: time.Now()}
			t.logger.Debug("radio found", "name", d.Name, "address", d.Identifier)
			return emit(ctx, out, device.Found(d))
		}
		s.dev, s.last = d, time.Now()
		return emit(ctx, out, device.Updated(d))
	}

	if objs, err := t.bus.ManagedObjects(ctx); err == nil {
		paths := make([]string, 0, len(objs))
		for p := range objs {
			paths = append(paths, string(p))
		}
		sort.Strings(paths)
		for _, p := range paths {
			path := dbus.ObjectPath(p)
			props, ok := objs[path][ifaceDevice]
			if !ok || !underPath(path, t.adapter) {
				continue
			}
			if !report(path, props) {
				return
			}
		}
	}

	sweep := time.NewTicker(t.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweep.C:
			for path, s := range seen {
				if now.Sub(s.last) > t.cfg.StaleAfter {
					delete(seen, path)
					if !emit(ctx, out, device.Lost(s.dev.ID)) {
						return
					}
				}
			}
		case sig := <-sigs:
			if !t.handleScanSignal(ctx, out, sig, seen, report) {
				return
			}
		}
	}
}

func (t *BLETransport) handleScanSignal(ctx context.Context, out chan<- device.Event, sig *dbus.Signal,
	seen map[dbus.ObjectPath]*bleSighting, report func(dbus.ObjectPath, map[string]dbus.Variant) bool) bool {
	if path, ifaces, ok := interfacesAdded(sig); ok {
		if props, ok := ifaces[ifaceDevice]; ok && underPath(path, t.adapter) {
			return report(path, props)
		}
		return true
	}
	if path, ifaces, ok := interfacesRemoved(sig); ok {
		s, known := seen[path]
		if known && hasUUID(ifaces, ifaceDevice) {
			delete(seen, path)
			return emit(ctx, out, device.Lost(s.dev.ID))
		}
		return true
	}
	iface, changed, ok := propertiesChanged(sig)
	if !ok || iface != ifaceDevice || !underPath(sig.Path, t.adapter) {
		return true
	}
	s, known := seen[sig.Path]
	if !known {
		if !hasUUID(propStrings(changed, "UUIDs"), MeshServiceUUID) {
			return true
		}
		props, err := t.bus.Properties(ctx, sig.Path, ifaceDevice)
		if err != nil {
			return true
		}
		return report(sig.Path, props)
	}
	s.last = time.Now()
	if name := propString(changed, "Alias"); name != "" && name != s.dev.Name {
		s.dev.Name = name
		if !emit(ctx, out, device.Updated(s.dev)) {
			return false
		}
	}
	if rssi, ok := propRSSI(changed, "RSSI"); ok {
		s.dev = s.dev.WithRSSI(rssi)
		return emit(ctx, out, device.Signal(s.dev.ID, rssi))
	}
	return true
}

// radioFromProps builds a device from Device1 properties when it advertises
// the radio service.
func radioFromProps(props map[string]dbus.Variant) (device.Device, bool) {
	if !hasUUID(propStrings(props, "UUIDs"), MeshServiceUUID) {
		return device.Device{}, false
	}
	address := propString(props, "Address")
	if address == "" {
		return device.Device{}, false
	}
	name := propString(props, "Alias")
	if name == "" {
		name = propString(props, "Name")
	}
	if name == "" {
		name = address
	}
	d := device.New(name, device.TransportBLE, address)
	if rssi, ok := propRSSI(props, "RSSI"); ok {
		d = d.WithRSSI(rssi)
	}
	return d, true
}

func (t *BLETransport) DeviceForManualConnection(string) (device.Device, error) {
	return device.Device{}, ErrManualUnsupported
}

func (t *BLETransport) ManuallyConnect(context.Context, string) (Connection, error) {
	return nil, ErrManualUnsupported
}

// gattChars are the object paths of the radio's characteristics.
type gattChars struct {
	toRadio, fromRadio, fromNum dbus.ObjectPath
}

func (t *BLETransport) Connect(ctx context.Context, d device.Device) (Connection, error) {
	if err := t.setup(); err != nil {
		return nil, AsError(err, "bluetooth unavailable")
	}
	if !t.setupComplete.IsOpen() {
		return nil, Unavailable(poweredOffReason, nil)
	}
	if t.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.connectTimeout)
		defer cancel()
	}

	path := devicePath(t.adapter, d.Identifier)
	sigs, unsubscribe := t.bus.Signals()
	fail := func(te *Error) (Connection, error) {
		unsubscribe()
		dctx, cancel := context.WithTimeout(context.Background(), bluezCallTimeout)
		defer cancel()
		t.bus.Call(dctx, path, ifaceDevice+".Disconnect")
		t.logger.Warn("connect failed", "address", d.Identifier, "err", te)
		return nil, te
	}

	t.logger.Info("connecting", "name", d.Name, "address", d.Identifier)
	if err := t.bus.Call(ctx, path, ifaceDevice+".Connect"); err != nil {
		unsubscribe()
		return nil, AsError(err, "connect failed")
	}
	if err := t.waitServicesResolved(ctx, path, sigs); err != nil {
		return fail(AsError(err, "services not resolved"))
	}
	chars, err := t.findCharacteristics(ctx, path)
	if err != nil {
		return fail(ConnectionFailed("radio service not found", err))
	}
	if err := t.bus.Call(ctx, chars.fromNum, ifaceGattChar+".StartNotify"); err != nil {
		return fail(AsError(err, "subscribe failed"))
	}

	c := newBLEConn(t.bus, d, path, chars, sigs, unsubscribe, t.logger)
	return finishConnect(ctx, c, t.opts, t.logger)
}

func (t *BLETransport) waitServicesResolved(ctx context.Context, path dbus.ObjectPath, sigs <-chan *dbus.Signal) error {
	props, err := t.bus.Properties(ctx, path, ifaceDevice)
	if err != nil {
		return err
	}
	if resolved, _ := propBool(props, "ServicesResolved"); resolved {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigs:
			if sig.Path != path {
				continue
			}
			iface, changed, ok := propertiesChanged(sig)
			if !ok || iface != ifaceDevice {
				continue
			}
			if connected, ok := propBool(changed, "Connected"); ok && !connected {
				return LinkLayer(CodePeripheralDisconnected, errors.New("disconnected during service discovery"))
			}
			if resolved, ok := propBool(changed, "ServicesResolved"); ok && resolved {
				return nil
			}
		}
	}
}

func (t *BLETransport) findCharacteristics(ctx context.Context, dev dbus.ObjectPath) (gattChars, error) {
	objs, err := t.bus.ManagedObjects(ctx)
	if err != nil {
		return gattChars{}, err
	}
	var service dbus.ObjectPath
	for path, ifaces := range objs {
		props, ok := ifaces[ifaceGattService]
		if ok && underPath(path, dev) && hasUUID([]string{propString(props, "UUID")}, MeshServiceUUID) {
			service = path
			break
		}
	}
	if service == "" {
		return gattChars{}, errors.New("service not advertised")
	}
	var chars gattChars
	for path, ifaces := range objs {
		props, ok := ifaces[ifaceGattChar]
		if !ok || !underPath(path, service) {
			continue
		}
		switch u := []string{propString(props, "UUID")}; {
		case hasUUID(u, ToRadioUUID):
			chars.toRadio = path
		case hasUUID(u, FromRadioUUID):
			chars.fromRadio = path
		case hasUUID(u, FromNumUUID):
			chars.fromNum = path
		}
	}
	if chars.toRadio == "" || chars.fromRadio == "" || chars.fromNum == "" {
		return gattChars{}, errors.New("characteristics missing")
	}
	return chars, nil
}

// bleConn is a Connection to one radio over GATT. Inbound data is pulled
// from FromRadio each time FromNum notifies.
type bleConn struct {
	bus         bluezBus
	dev         device.Device
	path        dbus.ObjectPath
	chars       gattChars
	sigs        <-chan *dbus.Signal
	unsubscribe func()
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu    sync.Mutex
	state device.ConnectionState
	cause error

	events    chan ConnectionEvent
	closing   chan struct{}
	closeOnce sync.Once
}

func newBLEConn(bus bluezBus, d device.Device, path dbus.ObjectPath, chars gattChars,
	sigs <-chan *dbus.Signal, unsubscribe func(), logger *slog.Logger) *bleConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &bleConn{
		bus:         bus,
		dev:         d,
		path:        path,
		chars:       chars,
		sigs:        sigs,
		unsubscribe: unsubscribe,
		logger:      logger.With("device", d.Identifier),
		ctx:         ctx,
		cancel:      cancel,
		state:       device.StateConnected(),
		events:      make(chan ConnectionEvent, 64),
		closing:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *bleConn) Device() device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.WithState(c.state)
}

func (c *bleConn) State() device.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *bleConn) Events() <-chan ConnectionEvent { return c.events }

func (c *bleConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closing:
		return ConnectionFailed("not connected", nil)
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := c.bus.Call(ctx, c.chars.toRadio, ifaceGattChar+".WriteValue", payload, opts); err != nil {
		return AsError(err, "write failed")
	}
	return nil
}

func (c *bleConn) Disconnect(err error) error {
	var callErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = err
		if err == nil {
			c.state = device.StateDisconnected()
		} else {
			c.state = device.StateError(reasonOf(err))
		}
		c.mu.Unlock()
		close(c.closing)
		c.cancel()
		c.unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), bluezCallTimeout)
		defer cancel()
		c.bus.Call(ctx, c.chars.fromNum, ifaceGattChar+".StopNotify")
		callErr = c.bus.Call(ctx, c.path, ifaceDevice+".Disconnect")
	})
	if callErr != nil && err == nil {
		return AsError(callErr, "disconnect failed")
	}
	return nil
}

func (c *bleConn) run() {
	defer close(c.events)
	c.drain()
	for {
		select {
		case <-c.closing:
			c.finish()
			return
		case sig := <-c.sigs:
			iface, changed, ok := propertiesChanged(sig)
			if !ok {
				continue
			}
			switch {
			case sig.Path == c.chars.fromNum && iface == ifaceGattChar:
				if _, ok := propBytes(changed, "Value"); ok {
					c.drain()
				}
			case sig.Path == c.path && iface == ifaceDevice:
				if connected, ok := propBool(changed, "Connected"); ok && !connected {
					c.logger.Warn("peripheral disconnected")
					c.Disconnect(LinkLayer(CodePeripheralDisconnected, errors.New("peripheral disconnected")))
					c.finish()
					return
				}
				if rssi, ok := propRSSI(changed, "RSSI"); ok {
					c.deliver(ConnectionEvent{Kind: EventRSSI, RSSI: rssi})
				}
			}
		}
	}
}

// drain reads FromRadio until the radio returns an empty value.
func (c *bleConn) drain() {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, bluezCallTimeout)
		data, err := c.bus.ReadValue(ctx, c.chars.fromRadio)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				c.deliver(ConnectionEvent{Kind: EventError, Err: AsError(err, "read failed")})
			}
			return
		}
		if len(data) == 0 {
			return
		}
		if !c.deliver(ConnectionEvent{Kind: EventData, Data: data}) {
			return
		}
	}
}

func (c *bleConn) deliver(ev ConnectionEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closing:
		return false
	}
}

func (c *bleConn) finish() {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	select {
	case c.events <- ConnectionEvent{Kind: EventDisconnected, Err: cause}:
	case <-time.After(finalEventTimeout):
		c.logger.Debug("final disconnect event not consumed")
	}
}
