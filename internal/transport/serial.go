package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"meshlink/internal/device"
)

const (
	DefaultSerialBaud = 115200

	defaultSerialPoll = 5 * time.Second
	wakeSequenceLen   = 32
)

// PortInfo describes one serial port found during a poll.
type PortInfo struct {
	Path         string
	Product      string
	SerialNumber string
}

// PortLister returns the ports radios may be attached to.
type PortLister func() ([]PortInfo, error)

// PortOpener opens a serial port ready for framed I/O.
type PortOpener func(path string, baud int) (io.ReadWriteCloser, error)

// listUSBPorts reports USB CDC ports, falling back to every port when the
// platform cannot tell which are USB.
func listUSBPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		var out []PortInfo
		for _, p := range details {
			if !p.IsUSB {
				continue
			}
			out = append(out, PortInfo{Path: p.Name, Product: p.Product, SerialNumber: p.SerialNumber})
		}
		return out, nil
	}
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Path: n})
	}
	return out, nil
}

// openSerialPort opens path at 8N1, asserts DTR/RTS and writes the wake
// sequence so a sleeping radio starts talking.
func openSerialPort(path string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// USB CDC ACM: assert DTR/RTS for the radio firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	_ = port.ResetInputBuffer()

	if _, err := port.Write(bytes.Repeat([]byte{frameStart2}, wakeSequenceLen)); err != nil {
		port.Close()
		return nil, fmt.Errorf("wake %s: %w", path, err)
	}
	return port, nil
}

// SerialConfig configures the serial transport.
type SerialConfig struct {
	Baud         int
	PollInterval time.Duration
	ListPorts    PortLister
	OpenPort     PortOpener
}

// SerialTransport reaches radios attached over USB. Discovery polls the
// port list; a port that disappears between polls is reported lost.
type SerialTransport struct {
	cfg    SerialConfig
	opts   options
	logger *slog.Logger

	mu     sync.Mutex
	status device.TransportStatus
}

// NewSerialTransport creates a serial transport.
func NewSerialTransport(cfg SerialConfig, logger *slog.Logger, opts ...Option) *SerialTransport {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultSerialBaud
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSerialPoll
	}
	if cfg.ListPorts == nil {
		cfg.ListPorts = listUSBPorts
	}
	if cfg.OpenPort == nil {
		cfg.OpenPort = openSerialPort
	}
	return &SerialTransport{
		cfg:    cfg,
		opts:   buildOptions(opts),
		logger: logger.With("component", "serial-transport"),
		status: device.TransportStatus{Kind: device.StatusReady},
	}
}

func (t *SerialTransport) Type() device.TransportType { return device.TransportSerial }

func (t *SerialTransport) Status() device.TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *SerialTransport) setStatus(s device.TransportStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func serialDevice(path string) device.Device {
	return device.New(filepath.Base(path), device.TransportSerial, path)
}

func (t *SerialTransport) DiscoverDevices(ctx context.Context) <-chan device.Event {
	out := make(chan device.Event)
	go func() {
		defer close(out)
		t.setStatus(device.TransportStatus{Kind: device.StatusDiscovering})
		defer t.setStatus(device.TransportStatus{Kind: device.StatusReady})

		ticker := time.NewTicker(t.cfg.PollInterval)
		defer ticker.Stop()

		known := make(map[string]bool)
		for {
			ports, err := t.cfg.ListPorts()
			if err != nil {
				t.logger.Warn("port poll failed", "err", err)
			} else if !t.reconcile(ctx, out, known, ports) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// reconcile emits Found for new ports and Lost for vanished ones. It returns
// false when ctx ended mid-way.
func (t *SerialTransport) reconcile(ctx context.Context, out chan<- device.Event, known map[string]bool, ports []PortInfo) bool {
	current := make(map[string]bool, len(ports))
	for _, p := range ports {
		current[p.Path] = true
		if known[p.Path] {
			continue
		}
		known[p.Path] = true
		t.logger.Info("port found", "path", p.Path, "product", p.Product)
		if !emit(ctx, out, device.Found(serialDevice(p.Path))) {
			return false
		}
	}

	var gone []string
	for path := range known {
		if !current[path] {
			gone = append(gone, path)
		}
	}
	sort.Strings(gone)
	for _, path := range gone {
		delete(known, path)
		t.logger.Info("port no longer connected", "path", path)
		if !emit(ctx, out, device.Lost(device.IDFromIdentifier(path))) {
			return false
		}
	}
	return true
}

func (t *SerialTransport) DeviceForManualConnection(connectionString string) (device.Device, error) {
	path := strings.TrimSpace(connectionString)
	if path == "" {
		return device.Device{}, ConnectionFailed("invalid connection string", nil)
	}
	d := serialDevice(path)
	d.Name = path + " (Manual)"
	d.IsManualConnection = true
	return d, nil
}

func (t *SerialTransport) ManuallyConnect(ctx context.Context, connectionString string) (Connection, error) {
	d, err := t.DeviceForManualConnection(connectionString)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, d)
}

func (t *SerialTransport) Connect(ctx context.Context, d device.Device) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, ConnectionFailed("cancelled", err)
	}
	if t.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.connectTimeout)
		defer cancel()
	}

	t.logger.Info("opening port", "path", d.Identifier, "baud", t.cfg.Baud)
	port, err := t.cfg.OpenPort(d.Identifier, t.cfg.Baud)
	if err != nil {
		return nil, ConnectionFailed("could not open port", err)
	}
	c := newStreamConn(d, port, t.logger)
	return finishConnect(ctx, c, t.opts, t.logger)
}
