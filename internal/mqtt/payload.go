//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshlink/internal/device"
	"meshlink/internal/supervisor"
)

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte // empty clears a retained topic
	Retained bool
}

// presence is published on <prefix>/devices/<id>.
type presence struct {
	ID              uuid.UUID            `json:"id"`
	Present         bool                 `json:"present"`
	Name            string               `json:"name,omitempty"`
	DisplayName     string               `json:"display_name,omitempty"`
	Transport       device.TransportType `json:"transport,omitempty"`
	Identifier      string               `json:"identifier,omitempty"`
	RSSI            *int                 `json:"rssi,omitempty"`
	FirmwareVersion *string              `json:"firmware_version,omitempty"`
	Manual          bool                 `json:"manual,omitempty"`
	LastSeen        string               `json:"last_seen,omitempty"`
}

// connection is published on <prefix>/connection.
type connection struct {
	State       string               `json:"state"`
	Previous    string               `json:"previous"`
	Connected   bool                 `json:"connected"`
	DeviceID    uuid.UUID            `json:"device_id"`
	DeviceName  string               `json:"device_name"`
	Transport   device.TransportType `json:"transport"`
	ErrorKind   string               `json:"error_kind,omitempty"`
	Description string               `json:"description,omitempty"`
	Remediation string               `json:"remediation,omitempty"`
}

func bridgeStateTopic(prefix string) string { return prefix + "/bridge/state" }

func connectionTopic(prefix string) string { return prefix + "/connection" }

func deviceTopic(prefix string, id uuid.UUID) string {
	return prefix + "/devices/" + id.String()
}

func buildPresence(prefix string, d device.Device) message {
	p := presence{
		ID:              d.ID,
		Present:         true,
		Name:            d.Name,
		DisplayName:     d.DisplayName(),
		Transport:       d.TransportType,
		Identifier:      d.Identifier,
		RSSI:            d.RSSI,
		FirmwareVersion: d.FirmwareVersion,
		Manual:          d.IsManualConnection,
	}
	if !d.LastUpdate.IsZero() {
		p.LastSeen = d.LastUpdate.UTC().Format(time.RFC3339)
	}
	return message{Topic: deviceTopic(prefix, d.ID), Payload: mustJSON(p), Retained: true}
}

func buildAbsence(prefix string, id uuid.UUID) message {
	return message{Topic: deviceTopic(prefix, id), Payload: mustJSON(presence{ID: id}), Retained: true}
}

func buildConnection(prefix string, c supervisor.ConnectionChange) message {
	p := connection{
		State:       c.State.String(),
		Previous:    c.Previous.String(),
		Connected:   c.State.Kind == device.Connected,
		DeviceID:    c.Device.ID,
		DeviceName:  c.Device.DisplayName(),
		Transport:   c.Device.TransportType,
		ErrorKind:   c.ErrorKind,
		Description: c.Description,
		Remediation: c.Remediation,
	}
	return message{Topic: connectionTopic(prefix), Payload: mustJSON(p), Retained: true}
}

// topicSafe lowercases s and replaces anything outside [a-z0-9_-].
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
