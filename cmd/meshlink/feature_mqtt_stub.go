//go:build no_mqtt

package main

import (
	"log/slog"

	"meshlink/internal/supervisor"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *supervisor.EventBus, _ *supervisor.Supervisor, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
