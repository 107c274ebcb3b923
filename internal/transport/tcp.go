package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"meshlink/internal/device"
)

const (
	// DefaultTCPPort is the port radios listen on for the framed API.
	DefaultTCPPort = 4403

	mdnsService = "_meshtastic._tcp"
	mdnsDomain  = "local."

	defaultBrowseInterval = 10 * time.Second
)

// Browser runs one mDNS browse that ends when ctx is done. It must not close
// entries.
type Browser func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// zeroconfBrowse is the Browser backed by the system network.
func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	// zeroconf closes the channel it is given, so relay through a private one.
	found := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, found); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case e, ok := <-found:
			if !ok {
				return nil
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	BrowseInterval time.Duration
	Browser        Browser
	Dialer         *net.Dialer
}

// TCPTransport reaches radios on the local network. Discovery uses mDNS in
// fixed rounds; a radio missing from a whole round is reported lost.
type TCPTransport struct {
	cfg    TCPConfig
	opts   options
	logger *slog.Logger

	mu     sync.Mutex
	status device.TransportStatus
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(cfg TCPConfig, logger *slog.Logger, opts ...Option) *TCPTransport {
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = defaultBrowseInterval
	}
	if cfg.Browser == nil {
		cfg.Browser = zeroconfBrowse
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return &TCPTransport{
		cfg:    cfg,
		opts:   buildOptions(opts),
		logger: logger.With("component", "tcp-transport"),
		status: device.TransportStatus{Kind: device.StatusReady},
	}
}

func (t *TCPTransport) Type() device.TransportType { return device.TransportTCP }

func (t *TCPTransport) Status() device.TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *TCPTransport) setStatus(s device.TransportStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *TCPTransport) DiscoverDevices(ctx context.Context) <-chan device.Event {
	out := make(chan device.Event)
	go func() {
		defer close(out)
		t.setStatus(device.TransportStatus{Kind: device.StatusDiscovering})
		defer t.setStatus(device.TransportStatus{Kind: device.StatusReady})

		present := make(map[uuid.UUID]bool)
		for ctx.Err() == nil {
			seen, err := t.browseRound(ctx, out, present)
			if err != nil {
				t.logger.Error("mdns browse failed", "err", err)
				t.setStatus(device.TransportStatus{Kind: device.StatusError, Message: err.Error()})
				return
			}
			if ctx.Err() != nil {
				return
			}
			for id := range present {
				if !seen[id] {
					delete(present, id)
					if !emit(ctx, out, device.Lost(id)) {
						return
					}
				}
			}
		}
	}()
	return out
}

// browseRound runs one browse of BrowseInterval and returns the IDs seen.
func (t *TCPTransport) browseRound(ctx context.Context, out chan<- device.Event, present map[uuid.UUID]bool) (map[uuid.UUID]bool, error) {
	roundCtx, cancel := context.WithTimeout(ctx, t.cfg.BrowseInterval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	errc := make(chan error, 1)
	go func() { errc <- t.cfg.Browser(roundCtx, mdnsService, mdnsDomain, entries) }()

	seen := make(map[uuid.UUID]bool)
	for {
		select {
		case e := <-entries:
			d, ok := deviceFromEntry(e)
			if !ok {
				continue
			}
			seen[d.ID] = true
			if present[d.ID] {
				continue
			}
			present[d.ID] = true
			t.logger.Debug("radio found", "name", d.Name, "identifier", d.Identifier)
			if !emit(ctx, out, device.Found(d)) {
				cancel()
				<-errc
				return seen, nil
			}
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return seen, err
			}
			return seen, nil
		}
	}
}

// deviceFromEntry builds a device from a resolved service.
func deviceFromEntry(e *zeroconf.ServiceEntry) (device.Device, bool) {
	if e == nil || e.HostName == "" {
		return device.Device{}, false
	}
	host := strings.TrimSuffix(e.HostName, ".")
	ip := "Unknown IP"
	if len(e.AddrIPv4) > 0 {
		ip = e.AddrIPv4[0].String()
	}

	txt := make(map[string]string, len(e.Text))
	for _, rec := range e.Text {
		k, v, _ := strings.Cut(rec, "=")
		txt[strings.ToLower(k)] = v
	}
	name := txt["shortname"]
	if id := txt["id"]; len(id) > 4 {
		if name != "" {
			name += "_"
		}
		name += id[len(id)-4:]
	}
	if name == "" {
		name = fmt.Sprintf("%s (%s)", e.Instance, ip)
	}

	identifier := net.JoinHostPort(host, strconv.Itoa(e.Port))
	d := device.New(name, device.TransportTCP, identifier)
	d.ID = device.IDFromIdentifier(fmt.Sprintf("%s:%s:%s:%d", e.Instance, host, ip, e.Port))
	return d, true
}

// splitTCPIdentifier parses "host", "host:port" or "[v6]:port".
func splitTCPIdentifier(s string) (host string, port int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	if strings.HasPrefix(s, "[") {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			return "", 0, err
		}
		port, err := parsePort(p)
		return h, port, err
	}
	switch strings.Count(s, ":") {
	case 0:
		return s, DefaultTCPPort, nil
	case 1:
		h, p, _ := strings.Cut(s, ":")
		if h == "" {
			return "", 0, fmt.Errorf("missing host")
		}
		port, err := parsePort(p)
		return h, port, err
	default:
		return "", 0, fmt.Errorf("invalid identifier format")
	}
}

func parsePort(p string) (int, error) {
	if p == "" {
		return 0, fmt.Errorf("missing port")
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid port %q", p)
		}
	}
	n, err := strconv.Atoi(p)
	if err != nil || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return n, nil
}

func (t *TCPTransport) DeviceForManualConnection(connectionString string) (device.Device, error) {
	host, port, err := splitTCPIdentifier(connectionString)
	if err != nil {
		return device.Device{}, ConnectionFailed("invalid connection string", err)
	}
	identifier := net.JoinHostPort(host, strconv.Itoa(port))
	d := device.New(strings.TrimSpace(connectionString)+" (Manual)", device.TransportTCP, identifier)
	d.IsManualConnection = true
	return d, nil
}

func (t *TCPTransport) ManuallyConnect(ctx context.Context, connectionString string) (Connection, error) {
	d, err := t.DeviceForManualConnection(connectionString)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, d)
}

func (t *TCPTransport) Connect(ctx context.Context, d device.Device) (Connection, error) {
	host, port, err := splitTCPIdentifier(d.Identifier)
	if err != nil {
		return nil, ConnectionFailed("invalid identifier format", err)
	}
	if t.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.connectTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	t.logger.Info("connecting", "name", d.Name, "addr", addr)
	conn, err := t.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if IsCancellation(err) {
			return nil, ConnectionFailed("cancelled", err)
		}
		return nil, AsError(err, "dial failed")
	}
	c := newStreamConn(d, conn, t.logger)
	return finishConnect(ctx, c, t.opts, t.logger)
}
