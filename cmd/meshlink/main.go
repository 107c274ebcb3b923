package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"meshlink/internal/registry"
	"meshlink/internal/store"
	"meshlink/internal/supervisor"
	"meshlink/internal/transport"
	"meshlink/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transports struct {
		BLE struct {
			Enabled bool   `yaml:"enabled"`
			Adapter string `yaml:"adapter"`
		} `yaml:"ble"`
		TCP struct {
			Enabled        bool          `yaml:"enabled"`
			BrowseInterval time.Duration `yaml:"browse_interval"`
		} `yaml:"tcp"`
		Serial struct {
			Enabled      bool          `yaml:"enabled"`
			Baud         int           `yaml:"baud"`
			PollInterval time.Duration `yaml:"poll_interval"`
		} `yaml:"serial"`
	} `yaml:"transports"`
	Connection struct {
		// Heartbeat sends an empty keepalive frame on TCP and serial links.
		// The radio must produce traffic within heartbeat_timeout of it.
		Heartbeat         bool          `yaml:"heartbeat"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		FlushDebounce     time.Duration `yaml:"flush_debounce"`
		AutoConnect       bool          `yaml:"auto_connect"`
	} `yaml:"connection"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	t := c.Transports
	if !t.BLE.Enabled && !t.TCP.Enabled && !t.Serial.Enabled {
		return fmt.Errorf("at least one of transports.ble, transports.tcp, transports.serial must be enabled")
	}
	if t.Serial.Baud < 0 {
		return fmt.Errorf("transports.serial.baud must be positive, got %d", t.Serial.Baud)
	}
	if c.Connection.HeartbeatTimeout >= c.Connection.HeartbeatInterval && c.Connection.HeartbeatInterval > 0 {
		return fmt.Errorf("connection.heartbeat_timeout (%s) must be shorter than heartbeat_interval (%s)",
			c.Connection.HeartbeatTimeout, c.Connection.HeartbeatInterval)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("meshlink starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	manual, err := registry.New(db, logger)
	if err != nil {
		logger.Error("load manual connections", "err", err)
		os.Exit(1)
	}

	transports, closeTransports := createTransports(cfg, logger)
	defer closeTransports()

	events := supervisor.NewEventBus(logger)
	sup := supervisor.New(transports, manual, db, events, supervisorConfig(cfg), logger)

	// Start MQTT first so it sees the initial discovery events (no-op when
	// built with no_mqtt tag).
	mqtt := initMQTT(events, sup, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(sup, manual, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.StartDiscovery(ctx)

	if cfg.Connection.AutoConnect {
		go autoConnect(ctx, sup, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	sup.Close()
	mqtt.Stop()

	logger.Info("goodbye")
}

func supervisorConfig(cfg *Config) supervisor.Config {
	sc := supervisor.Config{
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
		FlushDebounce:     cfg.Connection.FlushDebounce,
	}
	if cfg.Connection.Heartbeat {
		sc.Heartbeat = transport.EmptyFrameKeepalive
	}
	return sc
}

// autoConnectDelay gives discovery time to see the preferred radio before
// the first attempt.
const autoConnectDelay = 5 * time.Second

// autoConnect reconnects to the last used radio once at startup.
func autoConnect(ctx context.Context, sup *supervisor.Supervisor, logger *slog.Logger) {
	select {
	case <-time.After(autoConnectDelay):
	case <-ctx.Done():
		return
	}
	attempted, err := sup.ConnectPreferred(ctx)
	switch {
	case err != nil && !transport.IsCancellation(err):
		logger.Warn("auto-connect failed", "err", err)
	case attempted && err == nil:
		logger.Info("auto-connected to preferred radio")
	case !attempted:
		logger.Info("auto-connect skipped: preferred radio not found")
	}
}

func createTransports(cfg *Config, logger *slog.Logger) ([]transport.Transport, func()) {
	opts := []transport.Option{transport.WithConnectTimeout(cfg.Connection.ConnectTimeout)}
	var out []transport.Transport
	closers := []func(){}

	t := cfg.Transports
	if t.BLE.Enabled {
		ble := transport.NewBLETransport(transport.BLEConfig{Adapter: t.BLE.Adapter}, logger, opts...)
		out = append(out, ble)
		closers = append(closers, func() {
			if err := ble.Close(); err != nil {
				logger.Warn("close bluetooth", "err", err)
			}
		})
		logger.Info("using Bluetooth LE transport", "adapter", t.BLE.Adapter)
	}
	if t.TCP.Enabled {
		out = append(out, transport.NewTCPTransport(transport.TCPConfig{BrowseInterval: t.TCP.BrowseInterval}, logger, opts...))
		logger.Info("using TCP transport", "browse_interval", t.TCP.BrowseInterval)
	}
	if t.Serial.Enabled {
		out = append(out, transport.NewSerialTransport(transport.SerialConfig{
			Baud:         t.Serial.Baud,
			PollInterval: t.Serial.PollInterval,
		}, logger, opts...))
		logger.Info("using serial transport", "baud", t.Serial.Baud)
	}
	return out, func() {
		for _, c := range closers {
			c()
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "meshlink.db"
	}
	if cfg.Transports.Serial.Baud == 0 {
		cfg.Transports.Serial.Baud = transport.DefaultSerialBaud
	}
	if cfg.Connection.HeartbeatInterval == 0 {
		cfg.Connection.HeartbeatInterval = supervisor.DefaultHeartbeatInterval
	}
	if cfg.Connection.HeartbeatTimeout == 0 {
		cfg.Connection.HeartbeatTimeout = supervisor.DefaultHeartbeatTimeout
	}
	if cfg.Connection.ConnectTimeout == 0 {
		cfg.Connection.ConnectTimeout = 30 * time.Second
	}
	if cfg.Connection.FlushDebounce == 0 {
		cfg.Connection.FlushDebounce = supervisor.DefaultFlushDebounce
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "meshlink"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
