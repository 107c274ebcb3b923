package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService = "org.bluez"

	ifaceAdapter        = "org.bluez.Adapter1"
	ifaceDevice         = "org.bluez.Device1"
	ifaceGattService    = "org.bluez.GattService1"
	ifaceGattChar       = "org.bluez.GattCharacteristic1"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
	signalPropsChanged  = ifaceProperties + ".PropertiesChanged"
	signalIfacesAdded   = ifaceObjectManager + ".InterfacesAdded"
	signalIfacesRemoved = ifaceObjectManager + ".InterfacesRemoved"
)

// managedObjects is the result of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezBus is the slice of the BlueZ D-Bus API the BLE transport uses.
type bluezBus interface {
	ManagedObjects(ctx context.Context) (managedObjects, error)
	Properties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error)
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error
	ReadValue(ctx context.Context, path dbus.ObjectPath) ([]byte, error)
	// Signals subscribes to every BlueZ signal. The returned func
	// unsubscribes; the channel is not closed.
	Signals() (<-chan *dbus.Signal, func())
	Close() error
}

// systemBus talks to bluetoothd on the system bus.
type systemBus struct {
	conn *dbus.Conn
}

func dialSystemBus() (bluezBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if err := conn.AddMatchSignal(dbus.WithMatchSender(bluezService)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("match bluez signals: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) ManagedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	err := b.conn.Object(bluezService, "/").
		CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).
		Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

func (b *systemBus) Properties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := b.conn.Object(bluezService, path).
		CallWithContext(ctx, ifaceProperties+".GetAll", 0, iface).
		Store(&props)
	if err != nil {
		return nil, fmt.Errorf("get properties %s: %w", path, err)
	}
	return props, nil
}

func (b *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	return b.conn.Object(bluezService, path).CallWithContext(ctx, method, 0, args...).Err
}

func (b *systemBus) ReadValue(ctx context.Context, path dbus.ObjectPath) ([]byte, error) {
	var value []byte
	err := b.conn.Object(bluezService, path).
		CallWithContext(ctx, ifaceGattChar+".ReadValue", 0, map[string]dbus.Variant{}).
		Store(&value)
	return value, err
}

func (b *systemBus) Signals() (<-chan *dbus.Signal, func()) {
	ch := make(chan *dbus.Signal, 64)
	b.conn.Signal(ch)
	return ch, func() { b.conn.RemoveSignal(ch) }
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

// Property helpers. BlueZ omits properties it does not know, so every
// lookup tolerates absence.

func propString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func propBool(props map[string]dbus.Variant, key string) (bool, bool) {
	if v, ok := props[key]; ok {
		b, ok := v.Value().(bool)
		return b, ok
	}
	return false, false
}

func propRSSI(props map[string]dbus.Variant, key string) (int, bool) {
	v, ok := props[key]
	if !ok {
		return 0, false
	}
	switch n := v.Value().(type) {
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func propStrings(props map[string]dbus.Variant, key string) []string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().([]string); ok {
			return s
		}
	}
	return nil
}

func propBytes(props map[string]dbus.Variant, key string) ([]byte, bool) {
	if v, ok := props[key]; ok {
		b, ok := v.Value().([]byte)
		return b, ok
	}
	return nil, false
}

func hasUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, want) {
			return true
		}
	}
	return false
}

// devicePath is the object path BlueZ uses for a device address.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return adapter + dbus.ObjectPath("/dev_"+strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// underPath reports whether p is a descendant of parent.
func underPath(p, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// propertiesChanged decodes a PropertiesChanged signal body.
func propertiesChanged(sig *dbus.Signal) (iface string, changed map[string]dbus.Variant, ok bool) {
	if sig.Name != signalPropsChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok1 := sig.Body[0].(string)
	changed, ok2 := sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, ok1 && ok2
}

// interfacesAdded decodes an InterfacesAdded signal body.
func interfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if sig.Name != signalIfacesAdded || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok1 := sig.Body[0].(dbus.ObjectPath)
	ifaces, ok2 := sig.Body[1].(map[string]map[string]dbus.Variant)
	return path, ifaces, ok1 && ok2
}

// interfacesRemoved decodes an InterfacesRemoved signal body.
func interfacesRemoved(sig *dbus.Signal) (dbus.ObjectPath, []string, bool) {
	if sig.Name != signalIfacesRemoved || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok1 := sig.Body[0].(dbus.ObjectPath)
	ifaces, ok2 := sig.Body[1].([]string)
	return path, ifaces, ok1 && ok2
}
