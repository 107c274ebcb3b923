package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"meshlink/internal/supervisor"
)

// EventSnapshot is the first message on every WebSocket: the device list and
// the connection state at the time of the upgrade.
const EventSnapshot = "snapshot"

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
)

// Greeting builds the first message a joining client receives.
type Greeting func() ([]byte, error)

// WSHub fans events out to WebSocket clients. A joining client is greeted on
// the hub goroutine before it is added, so it sees every event queued after
// its greeting. A client whose buffer is full is evicted rather than allowed
// to stall the others.
type WSHub struct {
	logger *slog.Logger
	greet  Greeting

	joins    chan *wsClient
	leaves   chan *wsClient
	events   chan any
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	// Set by the hub before send is closed.
	closeStatus websocket.StatusCode
	closeReason string
}

// NewWSHub creates a hub. greet may be nil. Run must be started before
// clients join.
func NewWSHub(logger *slog.Logger, greet Greeting) *WSHub {
	return &WSHub{
		logger:  logger,
		greet:   greet,
		joins:   make(chan *wsClient),
		leaves:  make(chan *wsClient),
		events:  make(chan any, 256),
		done:    make(chan struct{}),
		clients: make(map[*wsClient]struct{}),
	}
}

// Run is the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c, websocket.StatusGoingAway, "server shutdown")
			}
			h.mu.Unlock()
			return
		case c := <-h.joins:
			h.admit(c)
		case c := <-h.leaves:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.dropLocked(c, websocket.StatusNormalClosure, "")
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client left", "total", total)
		case msg := <-h.events:
			h.deliver(msg)
		}
	}
}

func (h *WSHub) admit(c *wsClient) {
	if h.greet != nil {
		hello, err := h.greet()
		if err != nil {
			h.logger.Error("ws greeting", "err", err)
		} else {
			select {
			case c.send <- hello:
			default:
			}
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client joined", "total", total)
}

func (h *WSHub) deliver(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c, websocket.StatusPolicyViolation, "too slow")
			h.logger.Warn("ws client evicted", "reason", "send buffer full", "total", len(h.clients))
		}
	}
}

func (h *WSHub) dropLocked(c *wsClient, status websocket.StatusCode, reason string) {
	delete(h.clients, c)
	c.closeStatus = status
	c.closeReason = reason
	close(c.send)
}

// join hands c to the hub. It reports false once the hub is stopped.
func (h *WSHub) join(c *wsClient) bool {
	select {
	case h.joins <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) leave(c *wsClient) {
	select {
	case h.leaves <- c:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down and closes every client. Safe to call repeatedly.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues msg for every client. It never blocks; when the queue is
// full the message is dropped.
func (h *WSHub) Broadcast(msg any) {
	select {
	case h.events <- msg:
	default:
		h.logger.Warn("ws broadcast queue full, dropping message")
	}
}

type snapshot struct {
	Devices    any `json:"devices"`
	Connection any `json:"connection"`
}

func (s *Server) snapshotMessage() ([]byte, error) {
	conn := connectionResponse{State: s.conn.State()}
	if dev, ok := s.conn.Active(); ok {
		conn.Device = &dev
	}
	return json.Marshal(supervisor.Event{
		Type: EventSnapshot,
		Data: snapshot{Devices: s.conn.Devices(), Connection: conn},
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	if !s.wsHub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(client.closeStatus, client.closeReason)
}

// wsReadPump only watches for the client going away; inbound messages are
// ignored.
func (s *Server) wsReadPump(client *wsClient) {
	defer s.wsHub.leave(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
