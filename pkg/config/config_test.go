package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "!", cfg.Commands.Prefix)
	assert.Equal(t, 64, cfg.RateLimit.MaxQueueDepth)
	assert.Equal(t, 1, cfg.Gateway.ReconnectBaseSeconds)
	assert.Equal(t, 60, cfg.Gateway.ReconnectMaxSeconds)
	assert.True(t, cfg.Cogs.Dice.Enabled)
	assert.True(t, cfg.Cogs.Events.Enabled)
	assert.True(t, cfg.Cogs.Blackjack.Enabled)
	assert.True(t, cfg.Cogs.Calc.Enabled)
	assert.Equal(t, "0 9 * * *", cfg.Cogs.Quotes.Schedule)
}

func TestLoadConfig_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("CLAWCORD_COMMANDS_PREFIX", "?")
	t.Setenv("CLAWCORD_GATEWAY_TOKEN", "env-token")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, "?", cfg.Commands.Prefix)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
	// Untouched values keep their defaults.
	assert.Equal(t, 64, cfg.RateLimit.MaxQueueDepth)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"gateway": {"token": "file-token", "default_channel_id": "c1"},
		"commands": {"prefix": "$"}
	}`), 0o600))

	t.Setenv("CLAWCORD_GATEWAY_TOKEN", "env-token")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Gateway.Token)
	assert.Equal(t, "$", cfg.Commands.Prefix)
	assert.Equal(t, "c1", cfg.Gateway.DefaultChannelID)
}

func TestSaveConfig_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Gateway.Token = "tok"
	cfg.Cogs.Moderation.AutoDeleteChannelID = "chan-9"
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", loaded.Gateway.Token)
	assert.Equal(t, "chan-9", loaded.Cogs.Moderation.AutoDeleteChannelID)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero reconnect base", func(c *Config) { c.Gateway.ReconnectBaseSeconds = 0 }},
		{"max below base", func(c *Config) { c.Gateway.ReconnectMaxSeconds = 0 }},
		{"zero queue depth", func(c *Config) { c.RateLimit.MaxQueueDepth = 0 }},
		{"empty prefix", func(c *Config) { c.Commands.Prefix = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPrivacyMapPath_ExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cogs.Moderation.PrivacyMapPath = "~/.clawcord/privacy.json"

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home+"/.clawcord/privacy.json", cfg.PrivacyMapPath())
}
