package main

import (
	"strings"
	"testing"
	"time"

	"meshlink/internal/supervisor"
	"meshlink/internal/transport"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("transports:\n  tcp:\n    enabled: true\n"))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "meshlink.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Transports.Serial.Baud != transport.DefaultSerialBaud {
		t.Errorf("baud = %d", cfg.Transports.Serial.Baud)
	}
	if cfg.Connection.HeartbeatInterval != supervisor.DefaultHeartbeatInterval {
		t.Errorf("heartbeat interval = %s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.MQTT.TopicPrefix != "meshlink" {
		t.Errorf("topic prefix = %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestParseConfigDurations(t *testing.T) {
	data := `
transports:
  serial:
    enabled: true
    poll_interval: 2s
connection:
  heartbeat_interval: 90s
  heartbeat_timeout: 15s
  connect_timeout: 1m
  auto_connect: true
`
	cfg, err := parseConfig([]byte(data))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Transports.Serial.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %s", cfg.Transports.Serial.PollInterval)
	}
	if cfg.Connection.HeartbeatInterval != 90*time.Second || cfg.Connection.HeartbeatTimeout != 15*time.Second {
		t.Errorf("heartbeat = %s/%s", cfg.Connection.HeartbeatInterval, cfg.Connection.HeartbeatTimeout)
	}
	if cfg.Connection.ConnectTimeout != time.Minute {
		t.Errorf("connect timeout = %s", cfg.Connection.ConnectTimeout)
	}
	if !cfg.Connection.AutoConnect {
		t.Error("auto_connect not parsed")
	}
}

func TestSupervisorConfigHeartbeat(t *testing.T) {
	cfg, err := parseConfig([]byte("transports:\n  tcp:\n    enabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if supervisorConfig(cfg).Heartbeat != nil {
		t.Error("heartbeat set without connection.heartbeat")
	}

	cfg, err = parseConfig([]byte("transports:\n  tcp:\n    enabled: true\nconnection:\n  heartbeat: true\n  heartbeat_interval: 90s\n"))
	if err != nil {
		t.Fatal(err)
	}
	sc := supervisorConfig(cfg)
	if sc.Heartbeat == nil {
		t.Fatal("heartbeat not wired")
	}
	if sc.HeartbeatInterval != 90*time.Second || sc.HeartbeatTimeout != supervisor.DefaultHeartbeatTimeout {
		t.Errorf("intervals = %s/%s", sc.HeartbeatInterval, sc.HeartbeatTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no transports", "web:\n  listen: :9000\n", "at least one"},
		{"timeout too long", "transports:\n  ble:\n    enabled: true\nconnection:\n  heartbeat_interval: 10s\n  heartbeat_timeout: 10s\n", "heartbeat_timeout"},
		{"mqtt without broker", "transports:\n  tcp:\n    enabled: true\nmqtt:\n  enabled: true\n", "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("parseConfig: %v", err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	if _, err := parseConfig([]byte("transports: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
