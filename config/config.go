// Package config loads runtime configuration from defaults, an optional JSON
// file, and environment overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/c360/callwatch/errors"
)

// PBXConfig holds the manager session settings.
type PBXConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Secret         string `json:"secret"`
	WatchNumber    string `json:"watch_number"`
	WatchChannel   string `json:"watch_channel"`
	AutoReconnect  bool   `json:"auto_reconnect"`
	ConnectTimeout int    `json:"connect_timeout_seconds"`
}

// WebhookConfig holds the HTTP listener settings.
type WebhookConfig struct {
	Port int `json:"port"`
}

// NATSConfig holds the notification publisher settings.
type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// WebsocketConfig holds the live feed settings.
type WebsocketConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// NotifyConfig groups the optional output surfaces.
type NotifyConfig struct {
	NATS      NATSConfig      `json:"nats"`
	Websocket WebsocketConfig `json:"websocket"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the full runtime configuration.
type Config struct {
	PBX     PBXConfig     `json:"pbx"`
	Webhook WebhookConfig `json:"webhook"`
	Notify  NotifyConfig  `json:"notify"`
	Log     LogConfig     `json:"log"`
}

// Default returns the built-in configuration. PBX credentials are empty on
// purpose; without them the session reports Not configured and only the
// webhook path is active.
func Default() Config {
	return Config{
		PBX: PBXConfig{
			Port:           5038,
			AutoReconnect:  true,
			ConnectTimeout: 10,
		},
		Webhook: WebhookConfig{Port: 8088},
		Notify: NotifyConfig{
			NATS:      NATSConfig{URL: "nats://localhost:4222"},
			Websocket: WebsocketConfig{Port: 8089, Path: "/ws"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the JSON file at path (if
// path is non-empty; a missing file is an error), then environment
// overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "read "+path+" failed")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "parse "+path+" failed")
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays CALLWATCH_* environment variables onto the configuration.
func applyEnv(cfg *Config) {
	setString(&cfg.PBX.Host, "CALLWATCH_PBX_HOST")
	setInt(&cfg.PBX.Port, "CALLWATCH_PBX_PORT")
	setString(&cfg.PBX.Username, "CALLWATCH_PBX_USERNAME")
	setString(&cfg.PBX.Secret, "CALLWATCH_PBX_SECRET")
	setString(&cfg.PBX.WatchNumber, "CALLWATCH_WATCH_NUMBER")
	setString(&cfg.PBX.WatchChannel, "CALLWATCH_WATCH_CHANNEL")
	setInt(&cfg.Webhook.Port, "CALLWATCH_WEBHOOK_PORT")
	setBool(&cfg.Notify.NATS.Enabled, "CALLWATCH_NATS_ENABLED")
	setString(&cfg.Notify.NATS.URL, "CALLWATCH_NATS_URL")
	setBool(&cfg.Notify.Websocket.Enabled, "CALLWATCH_WS_ENABLED")
	setInt(&cfg.Notify.Websocket.Port, "CALLWATCH_WS_PORT")
	setString(&cfg.Log.Level, "CALLWATCH_LOG_LEVEL")
	setString(&cfg.Log.Format, "CALLWATCH_LOG_FORMAT")
}

func setString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setBool(target *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// Validate checks settings for internal consistency. PBX credentials may be
// absent; everything else must be usable.
func (c Config) Validate() error {
	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("webhook port %d out of range", c.Webhook.Port))
	}
	if c.PBX.Port < 0 || c.PBX.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("pbx port %d out of range", c.PBX.Port))
	}
	if c.PBX.Host != "" && (c.PBX.Username == "" || c.PBX.Secret == "") {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"pbx host set but username or secret missing")
	}
	if c.Notify.NATS.Enabled && c.Notify.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats enabled but url missing")
	}
	if c.Notify.Websocket.Enabled && (c.Notify.Websocket.Port < 0 || c.Notify.Websocket.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("websocket port %d out of range", c.Notify.Websocket.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"unknown log level "+c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"unknown log format "+c.Log.Format)
	}
	return nil
}
