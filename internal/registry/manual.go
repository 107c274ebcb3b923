// Package registry keeps the user's manually configured radios: devices that
// are dialed by address or path because their transport cannot discover them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"meshlink/internal/device"
	"meshlink/internal/store"
)

// Observer is called synchronously after every mutation with a snapshot of
// the list. It runs without the registry lock held.
type Observer func([]device.Device)

// ManualConnectionList is an ordered, persisted registry of manual devices.
// The in-memory list is a write-through cache of the store: every mutation is
// saved before it becomes visible, and a failed save leaves the list as it was.
type ManualConnectionList struct {
	store  store.Store
	logger *slog.Logger

	// notifyMu serializes mutations with their notifications. It is taken
	// before mu.
	notifyMu sync.Mutex

	mu        sync.Mutex
	devices   []device.Device
	observers map[uint64]Observer
	nextID    uint64
}

// New loads the persisted list. A missing key yields an empty list.
func New(st store.Store, logger *slog.Logger) (*ManualConnectionList, error) {
	l := &ManualConnectionList{
		store:     st,
		logger:    logger.With("component", "manual-connections"),
		observers: make(map[uint64]Observer),
	}
	var devices []device.Device
	if err := st.Get(store.KeyManualConnections, &devices); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load manual connections: %w", err)
		}
	}
	for i := range devices {
		devices[i].IsManualConnection = true
		devices[i].WasRestored = true
		devices[i].ConnectionState = device.StateDisconnected()
	}
	l.devices = devices
	l.logger.Debug("manual connections loaded", "count", len(devices))
	return l, nil
}

// List returns a copy of the registry in insertion order.
func (l *ManualConnectionList) List() []device.Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of entries.
func (l *ManualConnectionList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices)
}

// Get returns the entry with the given identifier.
func (l *ManualConnectionList) Get(identifier string) (device.Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(identifier); i >= 0 {
		return l.devices[i], true
	}
	return device.Device{}, false
}

// GetByID returns the entry with the given device ID.
func (l *ManualConnectionList) GetByID(id uuid.UUID) (device.Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.devices {
		if d.ID == id {
			return d, true
		}
	}
	return device.Device{}, false
}

// Insert appends d unless an entry with the same identifier exists. It
// reports whether the list changed.
func (l *ManualConnectionList) Insert(d device.Device) (bool, error) {
	d.IsManualConnection = true
	changed, err := l.mutate(func(cur []device.Device) ([]device.Device, bool) {
		if indexOf(cur, d.Identifier) >= 0 {
			return nil, false
		}
		next := make([]device.Device, len(cur), len(cur)+1)
		copy(next, cur)
		return append(next, d), true
	})
	if changed {
		l.logger.Info("manual connection added", "identifier", d.Identifier, "transport", d.TransportType)
	}
	return changed, err
}

// UpdateDevice applies fn to the entry with identifier. It is a no-op when
// the identifier is absent.
func (l *ManualConnectionList) UpdateDevice(identifier string, fn func(*device.Device)) (bool, error) {
	return l.mutate(func(cur []device.Device) ([]device.Device, bool) {
		i := indexOf(cur, identifier)
		if i < 0 {
			return nil, false
		}
		next := make([]device.Device, len(cur))
		copy(next, cur)
		fn(&next[i])
		// The entry's identity is the registry key.
		next[i].Identifier = cur[i].Identifier
		next[i].IsManualConnection = true
		return next, true
	})
}

// SetFirmwareVersion records the firmware version of an entry.
func (l *ManualConnectionList) SetFirmwareVersion(identifier, version string) (bool, error) {
	return l.UpdateDevice(identifier, func(d *device.Device) {
		*d = d.WithFirmwareVersion(version)
	})
}

// SetRSSI records the last signal strength of an entry.
func (l *ManualConnectionList) SetRSSI(identifier string, rssi int) (bool, error) {
	return l.UpdateDevice(identifier, func(d *device.Device) {
		*d = d.WithRSSI(rssi)
	})
}

// Remove deletes the entry with d's identifier.
func (l *ManualConnectionList) Remove(d device.Device) (bool, error) {
	changed, err := l.mutate(func(cur []device.Device) ([]device.Device, bool) {
		i := indexOf(cur, d.Identifier)
		if i < 0 {
			return nil, false
		}
		next := make([]device.Device, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		return append(next, cur[i+1:]...), true
	})
	if changed {
		l.logger.Info("manual connection removed", "identifier", d.Identifier)
	}
	return changed, err
}

// RemoveAt deletes the entries at the given offsets. Out-of-range offsets
// are ignored.
func (l *ManualConnectionList) RemoveAt(offsets ...int) (int, error) {
	var removed int
	_, err := l.mutate(func(cur []device.Device) ([]device.Device, bool) {
		drop := make(map[int]bool, len(offsets))
		for _, o := range offsets {
			if o >= 0 && o < len(cur) {
				drop[o] = true
			}
		}
		if len(drop) == 0 {
			return nil, false
		}
		next := make([]device.Device, 0, len(cur)-len(drop))
		for i, d := range cur {
			if !drop[i] {
				next = append(next, d)
			}
		}
		removed = len(drop)
		return next, true
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RemoveAll clears the registry.
func (l *ManualConnectionList) RemoveAll() error {
	_, err := l.mutate(func(cur []device.Device) ([]device.Device, bool) {
		return nil, len(cur) > 0
	})
	return err
}

// Observe registers fn for change notifications and returns an unsubscribe
// function. fn may read the registry and unsubscribe but must not mutate it.
func (l *ManualConnectionList) Observe(fn Observer) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.observers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

func (l *ManualConnectionList) indexLocked(identifier string) int {
	return indexOf(l.devices, identifier)
}

func indexOf(devices []device.Device, identifier string) int {
	for i, d := range devices {
		if d.Identifier == identifier {
			return i
		}
	}
	return -1
}

func (l *ManualConnectionList) snapshotLocked() []device.Device {
	out := make([]device.Device, len(l.devices))
	copy(out, l.devices)
	return out
}

// mutate computes the next list from the current one, persists it and swaps
// it in. Observers run after l.mu is released; notifyMu is held across the
// whole mutation so they still see changes in order.
func (l *ManualConnectionList) mutate(change func(cur []device.Device) ([]device.Device, bool)) (bool, error) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	next, changed := change(l.devices)
	if !changed {
		l.mu.Unlock()
		return false, nil
	}
	if err := l.persistLocked(next); err != nil {
		l.mu.Unlock()
		return false, err
	}
	l.devices = next
	ids := make([]uint64, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, len(ids))
	for i, id := range ids {
		observers[i] = l.observers[id]
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	for _, fn := range observers {
		view := make([]device.Device, len(snapshot))
		copy(view, snapshot)
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("observer panic", "panic", r)
				}
			}()
			fn(view)
		}()
	}
	return true, nil
}

func (l *ManualConnectionList) persistLocked(next []device.Device) error {
	persisted := make([]device.Device, len(next))
	for i, d := range next {
		// Connection state is runtime-only.
		d.ConnectionState = device.StateDisconnected()
		d.WasRestored = false
		persisted[i] = d
	}
	if err := l.store.Put(store.KeyManualConnections, persisted); err != nil {
		return fmt.Errorf("save manual connections: %w", err)
	}
	return nil
}
