package device

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// EventKind tags a discovery event.
type EventKind uint8

const (
	EventFound EventKind = iota
	EventUpdated
	EventLost
	EventSignal
)

func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "device_found"
	case EventUpdated:
		return "device_updated"
	case EventLost:
		return "device_lost"
	case EventSignal:
		return "device_rssi"
	default:
		return "unknown"
	}
}

// Event is a discovery event. Device is set for Found/Updated; ID for all
// kinds; RSSI for Signal.
type Event struct {
	Kind   EventKind
	Device Device
	ID     uuid.UUID
	RSSI   int
}

func Found(d Device) Event   { return Event{Kind: EventFound, Device: d, ID: d.ID} }
func Updated(d Device) Event { return Event{Kind: EventUpdated, Device: d, ID: d.ID} }
func Lost(id uuid.UUID) Event {
	return Event{Kind: EventLost, ID: id}
}
func Signal(id uuid.UUID, rssi int) Event {
	return Event{Kind: EventSignal, ID: id, RSSI: rssi}
}

// DiscoveryTable folds discovery events into the set of present devices.
// An update for an unseen device counts as its first sighting.
type DiscoveryTable struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]Device
}

// NewDiscoveryTable returns an empty table.
func NewDiscoveryTable() *DiscoveryTable {
	return &DiscoveryTable{devices: make(map[uuid.UUID]Device)}
}

// Apply folds one event in and returns the event as the consumer should see
// it: an update for an unknown device is rewritten to Found. The second
// result is false when the event had no effect (signal or loss of an
// unknown device).
func (t *DiscoveryTable) Apply(ev Event) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case EventFound:
		t.devices[ev.Device.ID] = ev.Device
		return ev, true
	case EventUpdated:
		if _, ok := t.devices[ev.Device.ID]; !ok {
			t.devices[ev.Device.ID] = ev.Device
			return Found(ev.Device), true
		}
		t.devices[ev.Device.ID] = ev.Device
		return ev, true
	case EventLost:
		if _, ok := t.devices[ev.ID]; !ok {
			return ev, false
		}
		delete(t.devices, ev.ID)
		return ev, true
	case EventSignal:
		d, ok := t.devices[ev.ID]
		if !ok {
			return ev, false
		}
		d = d.WithRSSI(ev.RSSI)
		t.devices[ev.ID] = d
		ev.Device = d
		return ev, true
	}
	return ev, false
}

// Get returns the device with id.
func (t *DiscoveryTable) Get(id uuid.UUID) (Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[id]
	return d, ok
}

// RemoveTransport drops every device of the given transport type and
// returns a Lost event for each, ordered by identifier.
func (t *DiscoveryTable) RemoveTransport(tt TransportType) []Event {
	t.mu.Lock()
	var gone []Device
	for id, d := range t.devices {
		if d.TransportType == tt {
			gone = append(gone, d)
			delete(t.devices, id)
		}
	}
	t.mu.Unlock()
	sort.Slice(gone, func(i, j int) bool { return gone[i].Identifier < gone[j].Identifier })
	out := make([]Event, len(gone))
	for i, d := range gone {
		out[i] = Lost(d.ID)
	}
	return out
}

// List returns the devices sorted by transport then name.
func (t *DiscoveryTable) List() []Device {
	t.mu.RLock()
	out := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransportType != out[j].TransportType {
			return out[i].TransportType < out[j].TransportType
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

// Len returns the number of present devices.
func (t *DiscoveryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}
