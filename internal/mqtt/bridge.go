//go:build !no_mqtt

// Package mqtt mirrors discovery and connection state to an MQTT broker.
// It only publishes; nothing is read back from the broker.
package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"meshlink/internal/device"
	"meshlink/internal/supervisor"
)

const defaultClientID = "meshlink"

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Snapshot supplies the current state republished after every (re)connect.
type Snapshot interface {
	Devices() []device.Device
}

// Bridge publishes supervisor events to MQTT.
type Bridge struct {
	client   pahomqtt.Client
	events   *supervisor.EventBus
	snapshot Snapshot
	prefix   string
	clientID string
	logger   *slog.Logger
	unsub    func()

	// publish is swapped out in tests.
	publish func(m message)
}

// NewBridge connects to the broker. The last will marks the bridge offline.
func NewBridge(events *supervisor.EventBus, snapshot Snapshot, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(events, snapshot, cfg, logger)
	b.publish = b.publishMQTT

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(b.prefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(events *supervisor.EventBus, snapshot Snapshot, cfg Config, logger *slog.Logger) *Bridge {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	return &Bridge{
		events:   events,
		snapshot: snapshot,
		prefix:   cfg.TopicPrefix,
		clientID: clientID,
		logger:   logger.With("component", "mqtt"),
	}
}

// Start subscribes to supervisor events.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(message{Topic: bridgeStateTopic(b.prefix), Payload: []byte("offline"), Retained: true})
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publish(message{Topic: bridgeStateTopic(b.prefix), Payload: []byte("online"), Retained: true})
	for _, m := range buildDiscovery(b.prefix, b.clientID) {
		b.publish(m)
	}
	if b.snapshot == nil {
		return
	}
	for _, d := range b.snapshot.Devices() {
		b.publish(buildPresence(b.prefix, d))
	}
}

func (b *Bridge) handleEvent(event supervisor.Event) {
	switch event.Type {
	case supervisor.EventDeviceFound, supervisor.EventDeviceUpdated:
		if d, ok := event.Data.(device.Device); ok {
			b.publish(buildPresence(b.prefix, d))
		}
	case supervisor.EventDeviceLost:
		if ref, ok := event.Data.(supervisor.DeviceRef); ok {
			b.publish(buildAbsence(b.prefix, ref.ID))
		}
	case supervisor.EventConnectionState:
		if c, ok := event.Data.(supervisor.ConnectionChange); ok {
			b.publish(buildConnection(b.prefix, c))
		}
	}
}

func (b *Bridge) publishMQTT(m message) {
	token := b.client.Publish(m.Topic, 1, m.Retained, m.Payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", m.Topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", m.Topic, "err", err)
		}
	}()
}
