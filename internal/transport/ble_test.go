package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"meshlink/internal/device"
)

const (
	testAdapter   = dbus.ObjectPath("/org/bluez/hci0")
	testAddress   = "AA:BB:CC:DD:EE:01"
	testDevPath   = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	testSvcPath   = testDevPath + "/service0010"
	testToRadio   = testSvcPath + "/char0011"
	testFromRadio = testSvcPath + "/char0013"
	testFromNum   = testSvcPath + "/char0015"
)

type fakeBus struct {
	mu     sync.Mutex
	objs   managedObjects
	reads  [][]byte
	calls  []string
	writes [][]byte
	subs   map[int]chan *dbus.Signal
	next   int
}

func newFakeBus(powered bool) *fakeBus {
	return &fakeBus{
		objs: managedObjects{
			testAdapter: {ifaceAdapter: {"Powered": dbus.MakeVariant(powered)}},
		},
		subs: make(map[int]chan *dbus.Signal),
	}
}

func (b *fakeBus) addRadio(resolved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objs[testDevPath] = map[string]map[string]dbus.Variant{ifaceDevice: {
		"Address":          dbus.MakeVariant(testAddress),
		"Alias":            dbus.MakeVariant("Meshtastic_ee01"),
		"UUIDs":            dbus.MakeVariant([]string{MeshServiceUUID}),
		"RSSI":             dbus.MakeVariant(int16(-70)),
		"ServicesResolved": dbus.MakeVariant(resolved),
	}}
	b.objs[testSvcPath] = map[string]map[string]dbus.Variant{ifaceGattService: {"UUID": dbus.MakeVariant(MeshServiceUUID)}}
	b.objs[testToRadio] = map[string]map[string]dbus.Variant{ifaceGattChar: {"UUID": dbus.MakeVariant(ToRadioUUID)}}
	b.objs[testFromRadio] = map[string]map[string]dbus.Variant{ifaceGattChar: {"UUID": dbus.MakeVariant(FromRadioUUID)}}
	b.objs[testFromNum] = map[string]map[string]dbus.Variant{ifaceGattChar: {"UUID": dbus.MakeVariant(FromNumUUID)}}
}

func (b *fakeBus) queueRead(data ...[]byte) {
	b.mu.Lock()
	b.reads = append(b.reads, data...)
	b.mu.Unlock()
}

func (b *fakeBus) called(method string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c == method {
			return true
		}
	}
	return false
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- sig
	}
}

func (b *fakeBus) emitProps(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	b.emit(&dbus.Signal{
		Sender: bluezService,
		Path:   path,
		Name:   signalPropsChanged,
		Body:   []interface{}{iface, changed, []string{}},
	})
}

func (b *fakeBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBus) ManagedObjects(context.Context) (managedObjects, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(managedObjects, len(b.objs))
	for k, v := range b.objs {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBus) Properties(_ context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props, ok := b.objs[path][iface]
	if !ok {
		return nil, dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}
	}
	return props, nil
}

func (b *fakeBus) Call(_ context.Context, path dbus.ObjectPath, method string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, method)
	if method == ifaceGattChar+".WriteValue" && len(args) > 0 {
		if p, ok := args[0].([]byte); ok {
			b.writes = append(b.writes, p)
		}
	}
	return nil
}

func (b *fakeBus) ReadValue(context.Context, dbus.ObjectPath) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reads) == 0 {
		return []byte{}, nil
	}
	v := b.reads[0]
	b.reads = b.reads[1:]
	return v, nil
}

func (b *fakeBus) Signals() (<-chan *dbus.Signal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan *dbus.Signal, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *fakeBus) Close() error { return nil }

func newTestBLE(bus *fakeBus, cfg BLEConfig) *BLETransport {
	return newBLETransport(cfg, func() (bluezBus, error) { return bus, nil }, testLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBLEDiscoveryWaitsForPower(t *testing.T) {
	bus := newFakeBus(false)
	bus.addRadio(false)
	tr := newTestBLE(bus, BLEConfig{})
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := tr.DiscoverDevices(ctx)

	waitFor(t, func() bool { return tr.Status().Kind == device.StatusError })
	if tr.Status().Message != poweredOffReason {
		t.Errorf("status = %v", tr.Status())
	}
	select {
	case ev := <-events:
		t.Fatalf("event before power on: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	bus.emitProps(testAdapter, ifaceAdapter, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)})

	ev := nextEvent(t, events)
	if ev.Kind != device.EventFound || ev.Device.Identifier != testAddress || ev.Device.Name != "Meshtastic_ee01" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Device.RSSI == nil || *ev.Device.RSSI != -70 {
		t.Errorf("rssi = %v", ev.Device.RSSI)
	}
	if !bus.called(ifaceAdapter + ".StartDiscovery") {
		t.Error("StartDiscovery not called")
	}

	bus.emitProps(testDevPath, ifaceDevice, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-52))})
	ev = nextEvent(t, events)
	if ev.Kind != device.EventSignal || ev.RSSI != -52 {
		t.Errorf("event = %+v, want rssi -52", ev)
	}

	bus.emit(&dbus.Signal{Path: "/", Name: signalIfacesRemoved, Body: []interface{}{testDevPath, []string{ifaceDevice}}})
	ev = nextEvent(t, events)
	if ev.Kind != device.EventLost || ev.ID != device.IDFromIdentifier(testAddress) {
		t.Errorf("event = %+v, want lost", ev)
	}

	cancel()
	for range events {
	}
	if !bus.called(ifaceAdapter + ".StopDiscovery") {
		t.Error("StopDiscovery not called after cancel")
	}
}

func TestBLEStaleSweep(t *testing.T) {
	bus := newFakeBus(true)
	bus.addRadio(false)
	tr := newTestBLE(bus, BLEConfig{SweepInterval: 10 * time.Millisecond, StaleAfter: 30 * time.Millisecond})
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := tr.DiscoverDevices(ctx)

	if ev := nextEvent(t, events); ev.Kind != device.EventFound {
		t.Fatalf("event = %+v", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != device.EventLost {
		t.Fatalf("event = %+v, want lost after going stale", ev)
	}
}

func TestBLEUnavailable(t *testing.T) {
	tr := newBLETransport(BLEConfig{}, func() (bluezBus, error) {
		return nil, errors.New("no such file")
	}, testLogger())

	events := tr.DiscoverDevices(context.Background())
	if _, ok := <-events; ok {
		t.Error("stream delivered an event without a bus")
	}
	if tr.Status().Kind != device.StatusError {
		t.Errorf("status = %v", tr.Status())
	}
	_, err := tr.Connect(context.Background(), device.New("r", device.TransportBLE, testAddress))
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindTransportUnavailable {
		t.Errorf("err = %v, want transport unavailable", err)
	}
}

func TestBLEManualUnsupported(t *testing.T) {
	tr := newTestBLE(newFakeBus(true), BLEConfig{})
	if _, err := tr.ManuallyConnect(context.Background(), "AA:BB"); !errors.Is(err, ErrManualUnsupported) {
		t.Errorf("err = %v", err)
	}
	if _, err := tr.DeviceForManualConnection("AA:BB"); !errors.Is(err, ErrManualUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestBLEConnectDrainAndPeripheralDisconnect(t *testing.T) {
	bus := newFakeBus(true)
	bus.addRadio(true)
	bus.queueRead([]byte{0x01}, []byte{0x02})
	tr := newTestBLE(bus, BLEConfig{})
	defer tr.Close()

	conn, err := tr.Connect(context.Background(), device.New("r", device.TransportBLE, testAddress))
	if err != nil {
		t.Fatal(err)
	}
	if !bus.called(ifaceGattChar + ".StartNotify") {
		t.Error("FromNum notifications not enabled")
	}

	for _, want := range [][]byte{{0x01}, {0x02}} {
		ev := <-conn.Events()
		if ev.Kind != EventData || !bytes.Equal(ev.Data, want) {
			t.Fatalf("event = %+v, want data % x", ev, want)
		}
	}

	bus.queueRead([]byte{0x03})
	bus.emitProps(testFromNum, ifaceGattChar, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{1, 0, 0, 0})})
	if ev := <-conn.Events(); ev.Kind != EventData || !bytes.Equal(ev.Data, []byte{0x03}) {
		t.Fatalf("event = %+v, want data 03", ev)
	}

	if err := conn.Send(context.Background(), []byte{0x0A}); err != nil {
		t.Fatal(err)
	}
	bus.mu.Lock()
	if len(bus.writes) != 1 || !bytes.Equal(bus.writes[0], []byte{0x0A}) {
		t.Errorf("writes = %v", bus.writes)
	}
	bus.mu.Unlock()

	bus.emitProps(testDevPath, ifaceDevice, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})
	ev := <-conn.Events()
	if ev.Kind != EventDisconnected {
		t.Fatalf("event = %+v, want disconnected", ev)
	}
	var te *Error
	if !errors.As(ev.Err, &te) || te.Kind != KindLinkLayer || te.LinkCategory() != CategoryPeripheralAsleep {
		t.Errorf("err = %v, want peripheral disconnected", ev.Err)
	}
	if conn.State() != device.StateError("peripheral disconnected") {
		t.Errorf("state = %v", conn.State())
	}
	if _, ok := <-conn.Events(); ok {
		t.Error("events not closed")
	}
}

func TestBLEConnectWaitsForServices(t *testing.T) {
	bus := newFakeBus(true)
	bus.addRadio(false)
	tr := newTestBLE(bus, BLEConfig{})
	defer tr.Close()
	if err := tr.setup(); err != nil {
		t.Fatal(err)
	}

	// Watcher plus the connect attempt.
	go func() {
		for bus.subscribers() < 2 || !bus.called(ifaceDevice+".Connect") {
			time.Sleep(5 * time.Millisecond)
		}
		bus.emitProps(testDevPath, ifaceDevice, map[string]dbus.Variant{"ServicesResolved": dbus.MakeVariant(true)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := tr.Connect(ctx, device.New("r", device.TransportBLE, testAddress))
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Disconnect(nil); err != nil {
		t.Fatal(err)
	}
	if !bus.called(ifaceDevice + ".Disconnect") {
		t.Error("Device1.Disconnect not called")
	}
	if conn.State().Kind != device.Disconnected {
		t.Errorf("state = %v", conn.State())
	}
}

func TestBLEConnectPoweredOff(t *testing.T) {
	bus := newFakeBus(false)
	bus.addRadio(true)
	tr := newTestBLE(bus, BLEConfig{})
	defer tr.Close()

	_, err := tr.Connect(context.Background(), device.New("r", device.TransportBLE, testAddress))
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindTransportUnavailable {
		t.Errorf("err = %v, want transport unavailable", err)
	}
}
