package supervisor

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"meshlink/internal/device"
)

// Event types
const (
	EventDeviceFound     = "device_found"
	EventDeviceUpdated   = "device_updated"
	EventDeviceLost      = "device_lost"
	EventDeviceRSSI      = "device_rssi"
	EventConnectionState = "connection_state"
	EventDataReceived    = "data_received"
)

// Event is published on the EventBus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceRef identifies a device that is no longer present.
type DeviceRef struct {
	ID uuid.UUID `json:"id"`
}

// SignalReport carries a fresh RSSI reading.
type SignalReport struct {
	ID   uuid.UUID `json:"id"`
	RSSI int       `json:"rssi"`
}

// DataReceived carries one inbound payload from the active connection.
type DataReceived struct {
	ID      uuid.UUID `json:"id"`
	Payload []byte    `json:"payload"`
}

// ConnectionChange is published for every lifecycle transition. Err holds
// the typed failure for Error states so a retry policy can inspect it.
type ConnectionChange struct {
	Device      device.Device          `json:"device"`
	Previous    device.ConnectionState `json:"previous"`
	State       device.ConnectionState `json:"state"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	Description string                 `json:"description,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
	Err         error                  `json:"-"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for connectivity events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// outbox delivers events to the bus from a single goroutine, in the order
// they were posted, so handlers may call back into the supervisor.
type outbox struct {
	bus *EventBus

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newOutbox(bus *EventBus) *outbox {
	o := &outbox{
		bus:  bus,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) post(ev Event) {
	o.mu.Lock()
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.drain()
		select {
		case <-o.wake:
		case <-o.quit:
			o.drain()
			return
		}
	}
}

func (o *outbox) drain() {
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			o.bus.Emit(ev)
		}
	}
}

// close delivers what is queued and stops the dispatcher.
func (o *outbox) close() {
	o.once.Do(func() { close(o.quit) })
	<-o.done
}
