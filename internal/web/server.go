// Package web serves the local status API and the live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"meshlink/internal/device"
	"meshlink/internal/registry"
	"meshlink/internal/supervisor"
	"meshlink/internal/transport"
)

// EventManualConnections is broadcast on /ws whenever the manual list changes.
const EventManualConnections = "manual_connections"

// Connectivity is the part of the supervisor the API drives.
type Connectivity interface {
	Devices() []device.Device
	Device(id uuid.UUID) (device.Device, bool)
	Connect(ctx context.Context, id uuid.UUID) error
	ManuallyConnect(ctx context.Context, t device.TransportType, connectionString string) (device.Device, error)
	Disconnect()
	State() device.ConnectionState
	Active() (device.Device, bool)
	Transports() []transport.Transport
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origins for mutating requests and the
// WebSocket upgrade.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the status API.
type Server struct {
	conn           Connectivity
	manual         *registry.ManualConnectionList
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubs         []func()
}

// NewServer creates the server and starts relaying events to WebSocket
// clients.
func NewServer(conn Connectivity, manual *registry.ManualConnectionList, events *supervisor.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		conn:   conn,
		manual: manual,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger, s.snapshotMessage)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if events != nil {
		s.unsubs = append(s.unsubs, events.OnAll(func(event supervisor.Event) {
			s.wsHub.Broadcast(event)
		}))
	}
	if manual != nil {
		s.unsubs = append(s.unsubs, manual.Observe(func(list []device.Device) {
			s.wsHub.Broadcast(supervisor.Event{Type: EventManualConnections, Data: list})
		}))
	}

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)

	s.mux.HandleFunc("GET /api/manual", s.handleAPIListManual)
	s.mux.HandleFunc("POST /api/manual", s.handleAPIAddManual)
	s.mux.HandleFunc("DELETE /api/manual/{id}", s.handleAPIRemoveManual)

	s.mux.HandleFunc("POST /api/connect/{id}", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleAPIDisconnect)
	s.mux.HandleFunc("GET /api/connection", s.handleAPIConnection)

	s.mux.HandleFunc("GET /api/transports", s.handleAPITransports)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin is checked on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot send custom headers on a WebSocket upgrade, so only
	// /api/ requires the key.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
