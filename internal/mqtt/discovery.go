//go:build !no_mqtt

package mqtt

// Home Assistant MQTT discovery for the daemon itself: one connectivity
// binary sensor and one sensor naming the connected radio.

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	JSONAttrTopic     string   `json:"json_attributes_topic,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// buildDiscovery returns the retained HA config messages for the bridge.
func buildDiscovery(prefix, clientID string) []message {
	nodeID := topicSafe(clientID)
	dev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "meshlink",
		Model:        "radio bridge",
		Name:         clientID,
	}
	avail := bridgeStateTopic(prefix)
	state := connectionTopic(prefix)

	connected := haDiscovery{
		Name:              clientID + " Radio Connected",
		UniqueID:          nodeID + "_connected",
		StateTopic:        state,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.connected else 'OFF' }}",
		DeviceClass:       "connectivity",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		JSONAttrTopic:     state,
		Device:            dev,
	}
	radio := haDiscovery{
		Name:              clientID + " Radio",
		UniqueID:          nodeID + "_radio",
		StateTopic:        state,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.device_name if value_json.connected else 'none' }}",
		Icon:              "mdi:radio-tower",
		Device:            dev,
	}
	return []message{
		{Topic: "homeassistant/binary_sensor/" + nodeID + "/connected/config", Payload: mustJSON(connected), Retained: true},
		{Topic: "homeassistant/sensor/" + nodeID + "/radio/config", Payload: mustJSON(radio), Retained: true},
	}
}
