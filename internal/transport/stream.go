package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"meshlink/internal/device"
)

// finalEventTimeout bounds how long teardown waits for a consumer to take the
// last EventDisconnected before closing the channel.
const finalEventTimeout = time.Second

// writeDeadliner is implemented by net.Conn.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn is a framed Connection over a byte stream. TCP sockets and
// serial ports share it.
type streamConn struct {
	dev    device.Device
	rwc    io.ReadWriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	state device.ConnectionState
	cause error

	events    chan ConnectionEvent
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newStreamConn(d device.Device, rwc io.ReadWriteCloser, logger *slog.Logger) *streamConn {
	c := &streamConn{
		dev:     d.WithState(device.StateConnected()),
		rwc:     rwc,
		logger:  logger.With("device", d.Identifier),
		state:   device.StateConnected(),
		events:  make(chan ConnectionEvent, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *streamConn) Device() device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.WithState(c.state)
}

func (c *streamConn) State() device.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *streamConn) Events() <-chan ConnectionEvent { return c.events }

func (c *streamConn) Send(ctx context.Context, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closing:
		return ConnectionFailed("not connected", nil)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		wd.SetWriteDeadline(deadline)
	}
	if _, err := c.rwc.Write(frame); err != nil {
		return AsError(err, "write failed")
	}
	return nil
}

func (c *streamConn) Disconnect(err error) error {
	var closeErr error
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
		closeErr = c.rwc.Close()
	})
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", c.dev.Identifier, closeErr)
	}
	return nil
}

func (c *streamConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	fr := NewFrameReader(c.rwc)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			select {
			case <-c.closing:
			default:
				// The far end went away.
				c.logger.Warn("link dropped", "err", err)
				c.Disconnect(ConnectionFailed("link dropped", err))
			}
			c.finish()
			return
		}
		select {
		case c.events <- ConnectionEvent{Kind: EventData, Data: payload}:
		case <-c.closing:
			c.finish()
			return
		}
	}
}

func (c *streamConn) finish() {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	select {
	case c.events <- ConnectionEvent{Kind: EventDisconnected, Err: cause}:
	case <-time.After(finalEventTimeout):
		c.logger.Debug("final disconnect event not consumed")
	}
}

// reasonOf is the short text recorded in an error ConnectionState.
func reasonOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.StateReason()
	}
	return err.Error()
}
