package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c360/callwatch/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5038, cfg.PBX.Port)
	assert.True(t, cfg.PBX.AutoReconnect)
	assert.Equal(t, 8088, cfg.Webhook.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.Notify.NATS.URL)
	assert.False(t, cfg.Notify.NATS.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `{
		"pbx": {"host": "pbx.local", "username": "watcher", "secret": "s3cret", "watch_channel": "SIP/1034"},
		"webhook": {"port": 9000},
		"log": {"level": "debug", "format": "text"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pbx.local", cfg.PBX.Host)
	assert.Equal(t, "SIP/1034", cfg.PBX.WatchChannel)
	assert.Equal(t, 9000, cfg.Webhook.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched values keep defaults
	assert.Equal(t, 5038, cfg.PBX.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `{"webhook": {"port": 9000}}`)

	t.Setenv("CALLWATCH_WEBHOOK_PORT", "9100")
	t.Setenv("CALLWATCH_PBX_HOST", "env.pbx.local")
	t.Setenv("CALLWATCH_PBX_USERNAME", "env-user")
	t.Setenv("CALLWATCH_PBX_SECRET", "env-secret")
	t.Setenv("CALLWATCH_WATCH_CHANNEL", "SIP/1034")
	t.Setenv("CALLWATCH_NATS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Webhook.Port)
	assert.Equal(t, "env.pbx.local", cfg.PBX.Host)
	assert.True(t, cfg.Notify.NATS.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(*Config) {},
		},
		{
			name:    "webhook port out of range",
			mutate:  func(c *Config) { c.Webhook.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "host without credentials",
			mutate:  func(c *Config) { c.PBX.Host = "pbx.local" },
			wantErr: "username or secret missing",
		},
		{
			name: "nats enabled without url",
			mutate: func(c *Config) {
				c.Notify.NATS.Enabled = true
				c.Notify.NATS.URL = ""
			},
			wantErr: "url missing",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "unknown log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "unknown log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
