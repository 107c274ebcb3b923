// Package device holds the data model shared by every transport: devices,
// connection and transport states, and discovery events.
package device

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransportType is the closed set of physical links a radio can be reached on.
type TransportType string

const (
	TransportBLE    TransportType = "BLE"
	TransportTCP    TransportType = "TCP"
	TransportSerial TransportType = "Serial"
)

// TransportTypes lists every transport type in display order.
var TransportTypes = []TransportType{TransportBLE, TransportTCP, TransportSerial}

// ParseTransportType accepts the display name case-insensitively.
func ParseTransportType(s string) (TransportType, error) {
	for _, t := range TransportTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown transport type %q", s)
}

// Icon returns the icon name the UI shows for this transport.
func (t TransportType) Icon() string {
	switch t {
	case TransportBLE:
		return "bluetooth"
	case TransportTCP:
		return "network"
	case TransportSerial:
		return "cable.connector.horizontal"
	default:
		return "questionmark"
	}
}

// RequiresPeriodicHeartbeat is true for links without link-level keepalive.
func (t TransportType) RequiresPeriodicHeartbeat() bool {
	return t == TransportTCP || t == TransportSerial
}

// SupportsManualConnection is true for transports that can be dialed from a
// user-supplied address or path.
func (t TransportType) SupportsManualConnection() bool {
	return t == TransportTCP || t == TransportSerial
}

// IDFromIdentifier derives a stable ID from a transport address: the first
// 16 bytes of the SHA-256 of its UTF-8 encoding.
func IDFromIdentifier(identifier string) uuid.UUID {
	sum := sha256.Sum256([]byte(identifier))
	var id uuid.UUID
	copy(id[:], sum[:16])
	return id
}

// Device is an immutable snapshot of one radio. Change it by copying.
// New optional fields may be added; consumers must tolerate absent ones.
type Device struct {
	ID                 uuid.UUID       `json:"id"`
	Name               string          `json:"name"`
	TransportType      TransportType   `json:"transport_type"`
	Identifier         string          `json:"identifier"`
	Num                *uint32         `json:"num,omitempty"`
	ShortName          *string         `json:"short_name,omitempty"`
	LongName           *string         `json:"long_name,omitempty"`
	FirmwareVersion    *string         `json:"firmware_version,omitempty"`
	HardwareModel      *string         `json:"hardware_model,omitempty"`
	RSSI               *int            `json:"rssi,omitempty"`
	LastUpdate         time.Time       `json:"last_update"`
	ConnectionState    ConnectionState `json:"connection_state"`
	WasRestored        bool            `json:"was_restored,omitempty"`
	IsManualConnection bool            `json:"is_manual_connection,omitempty"`
}

// New builds a device whose ID is derived from identifier.
func New(name string, t TransportType, identifier string) Device {
	return Device{
		ID:            IDFromIdentifier(identifier),
		Name:          name,
		TransportType: t,
		Identifier:    identifier,
		LastUpdate:    time.Now(),
	}
}

// DisplayName prefers the node's long name, then short name, then Name.
func (d Device) DisplayName() string {
	if d.LongName != nil && *d.LongName != "" {
		return *d.LongName
	}
	if d.ShortName != nil && *d.ShortName != "" {
		return *d.ShortName
	}
	return d.Name
}

// WithState returns a copy with the connection state replaced.
func (d Device) WithState(s ConnectionState) Device {
	d.ConnectionState = s
	d.LastUpdate = time.Now()
	return d
}

// WithRSSI returns a copy with the signal strength replaced.
func (d Device) WithRSSI(rssi int) Device {
	d.RSSI = &rssi
	d.LastUpdate = time.Now()
	return d
}

// WithFirmwareVersion returns a copy with the firmware version replaced.
func (d Device) WithFirmwareVersion(v string) Device {
	d.FirmwareVersion = &v
	d.LastUpdate = time.Now()
	return d
}

// WithNames returns a copy with short and long names replaced.
func (d Device) WithNames(short, long string) Device {
	d.ShortName = &short
	d.LongName = &long
	d.LastUpdate = time.Now()
	return d
}

// WithNum returns a copy with the mesh node number set.
func (d Device) WithNum(num uint32) Device {
	d.Num = &num
	d.LastUpdate = time.Now()
	return d
}

// ConnectionKind is the tag of a ConnectionState.
type ConnectionKind uint8

const (
	Disconnected ConnectionKind = iota
	Connecting
	Connected
	Errored
)

// ConnectionState is disconnected, connecting, connected or error(reason).
type ConnectionState struct {
	Kind   ConnectionKind
	Reason string
}

// Constructors for each state.
func StateDisconnected() ConnectionState { return ConnectionState{Kind: Disconnected} }
func StateConnecting() ConnectionState   { return ConnectionState{Kind: Connecting} }
func StateConnected() ConnectionState    { return ConnectionState{Kind: Connected} }
func StateError(reason string) ConnectionState {
	return ConnectionState{Kind: Errored, Reason: reason}
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error: " + s.Reason
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch {
	case str == "" || str == "disconnected":
		*s = StateDisconnected()
	case str == "connecting":
		*s = StateConnecting()
	case str == "connected":
		*s = StateConnected()
	case strings.HasPrefix(str, "error"):
		*s = StateError(strings.TrimPrefix(strings.TrimPrefix(str, "error"), ": "))
	default:
		return fmt.Errorf("unknown connection state %q", str)
	}
	return nil
}

// TransportStatusKind is the tag of a TransportStatus.
type TransportStatusKind uint8

const (
	StatusUninitialized TransportStatusKind = iota
	StatusReady
	StatusDiscovering
	StatusError
)

// TransportStatus describes a transport subsystem, independent of any device.
type TransportStatus struct {
	Kind    TransportStatusKind
	Message string
}

func (s TransportStatus) String() string {
	switch s.Kind {
	case StatusReady:
		return "ready"
	case StatusDiscovering:
		return "discovering"
	case StatusError:
		return "error: " + s.Message
	default:
		return "uninitialized"
	}
}

func (s TransportStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
