package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"meshlink/internal/device"
	"meshlink/internal/supervisor"
	"meshlink/internal/transport"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.conn.Devices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	dev, ok := s.conn.Device(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIListManual(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manual.List())
}

type addManualRequest struct {
	Transport        string `json:"transport"`
	ConnectionString string `json:"connection_string"`
}

// handleAPIAddManual connects to a user-supplied address. The device is
// remembered only when the connection succeeds.
func (s *Server) handleAPIAddManual(w http.ResponseWriter, r *http.Request) {
	var req addManualRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	t, err := device.ParseTransportType(req.Transport)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ConnectionString == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connection_string must not be empty"})
		return
	}

	dev, err := s.conn.ManuallyConnect(r.Context(), t, req.ConnectionString)
	if err != nil {
		s.writeConnectError(w, err, req.ConnectionString)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIRemoveManual(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	dev, ok := s.manual.GetByID(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "manual connection not found"})
		return
	}
	if _, err := s.manual.Remove(dev); err != nil {
		s.logger.Error("remove manual connection", "err", err, "identifier", dev.Identifier)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.conn.Connect(r.Context(), id); err != nil {
		s.writeConnectError(w, err, id.String())
		return
	}
	s.handleAPIConnection(w, r)
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.conn.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type connectionResponse struct {
	State  device.ConnectionState `json:"state"`
	Device *device.Device         `json:"device"`
}

func (s *Server) handleAPIConnection(w http.ResponseWriter, r *http.Request) {
	resp := connectionResponse{State: s.conn.State()}
	if dev, ok := s.conn.Active(); ok {
		resp.Device = &dev
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type transportView struct {
	Type                      device.TransportType   `json:"type"`
	Status                    device.TransportStatus `json:"status"`
	Icon                      string                 `json:"icon"`
	RequiresPeriodicHeartbeat bool                   `json:"requires_periodic_heartbeat"`
	SupportsManualConnection  bool                   `json:"supports_manual_connection"`
}

func (s *Server) handleAPITransports(w http.ResponseWriter, r *http.Request) {
	views := []transportView{}
	for _, t := range s.conn.Transports() {
		tt := t.Type()
		views = append(views, transportView{
			Type:                      tt,
			Status:                    t.Status(),
			Icon:                      tt.Icon(),
			RequiresPeriodicHeartbeat: tt.RequiresPeriodicHeartbeat(),
			SupportsManualConnection:  tt.SupportsManualConnection(),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type connectErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// writeConnectError maps a failed connect onto a status code. Transport
// failures are reported as 502 with the user-facing description.
func (s *Server) writeConnectError(w http.ResponseWriter, err error, target string) {
	if errors.Is(err, supervisor.ErrUnknownDevice) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if transport.IsCancellation(err) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "connection attempt cancelled"})
		return
	}
	var te *transport.Error
	if errors.As(err, &te) {
		status := http.StatusBadGateway
		if errors.Is(err, transport.ErrManualUnsupported) {
			status = http.StatusBadRequest
		}
		s.logger.Warn("connect failed", "target", target, "err", err)
		s.writeJSON(w, status, connectErrorResponse{
			Error:       te.Description(),
			Kind:        te.Kind.String(),
			Remediation: te.Remediation(),
		})
		return
	}
	s.logger.Error("connect", "target", target, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
