// Package transport discovers radios and opens connections to them over
// Bluetooth LE, TCP and USB serial.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"meshlink/internal/device"
)

// Transport is one physical link family.
type Transport interface {
	Type() device.TransportType
	Status() device.TransportStatus

	// DiscoverDevices starts scanning and streams events until ctx is done.
	// The channel is closed once scanning has fully stopped. Every call starts
	// a fresh scan.
	DiscoverDevices(ctx context.Context) <-chan device.Event

	// Connect returns a connection in the Connected state or a *Error.
	Connect(ctx context.Context, d device.Device) (Connection, error)

	// ManuallyConnect parses connectionString and connects to the result.
	ManuallyConnect(ctx context.Context, connectionString string) (Connection, error)

	// DeviceForManualConnection parses connectionString without dialing.
	DeviceForManualConnection(connectionString string) (device.Device, error)
}

// Connection is an established link to one radio.
type Connection interface {
	Device() device.Device
	State() device.ConnectionState

	// Send writes one payload. Payloads are opaque to the transport.
	Send(ctx context.Context, payload []byte) error

	// Events delivers inbound data and link changes. It is closed after the
	// final EventDisconnected.
	Events() <-chan ConnectionEvent

	// Disconnect tears the link down. A nil err is a caller teardown; a
	// non-nil err is recorded as the reason.
	Disconnect(err error) error
}

// ConnectionEventKind tags a ConnectionEvent.
type ConnectionEventKind uint8

const (
	EventData ConnectionEventKind = iota
	EventRSSI
	EventError
	EventDisconnected
)

func (k ConnectionEventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventRSSI:
		return "rssi"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent is one inbound item from a Connection. Err on an
// EventDisconnected is nil for a caller teardown.
type ConnectionEvent struct {
	Kind ConnectionEventKind
	Data []byte
	RSSI int
	Err  error
}

// Handshaker runs after the link is up and before Connect returns. It is
// supplied by the protocol layer; transports never parse payloads.
type Handshaker func(ctx context.Context, c Connection) error

type options struct {
	handshake      Handshaker
	connectTimeout time.Duration
}

// Option configures a transport.
type Option func(*options)

// WithHandshake sets the handshake run on every new connection.
func WithHandshake(h Handshaker) Option {
	return func(o *options) { o.handshake = h }
}

// WithConnectTimeout bounds link setup. Zero means no bound beyond ctx.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// EmptyFrameKeepalive writes a zero-length frame. Radios drop it, but the
// write fails fast on a dead socket or unplugged port. It suits links whose
// radio also produces traffic within the heartbeat response window.
func EmptyFrameKeepalive(ctx context.Context, c Connection) error {
	if err := c.Send(ctx, nil); err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	return nil
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// finishConnect runs the handshake and tears the link down if it fails.
func finishConnect(ctx context.Context, c Connection, o options, logger *slog.Logger) (Connection, error) {
	if o.handshake == nil {
		return c, nil
	}
	if err := o.handshake(ctx, c); err != nil {
		te := AsError(err, "handshake failed")
		c.Disconnect(te)
		logger.Warn("handshake failed", "device", c.Device().Identifier, "err", err)
		return nil, te
	}
	return c, nil
}

// emit sends ev on ch unless ctx is done first.
func emit(ctx context.Context, ch chan<- device.Event, ev device.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
