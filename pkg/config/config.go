package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Commands  CommandsConfig  `json:"commands"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Cogs      CogsConfig      `json:"cogs"`
}

type GatewayConfig struct {
	Token            string `env:"CLAWCORD_GATEWAY_TOKEN"              json:"token"`
	URL              string `env:"CLAWCORD_GATEWAY_URL"                json:"url"`
	APIBase          string `env:"CLAWCORD_GATEWAY_API_BASE"           json:"api_base"`
	Intents          int    `env:"CLAWCORD_GATEWAY_INTENTS"            json:"intents"`
	DefaultChannelID string `env:"CLAWCORD_GATEWAY_DEFAULT_CHANNEL_ID" json:"default_channel_id"`

	// Reconnect backoff tuning, in seconds. Base doubles per consecutive
	// failure up to Max; jitter is applied on top.
	ReconnectBaseSeconds int `env:"CLAWCORD_GATEWAY_RECONNECT_BASE" json:"reconnect_base_seconds"`
	ReconnectMaxSeconds  int `env:"CLAWCORD_GATEWAY_RECONNECT_MAX"  json:"reconnect_max_seconds"`

	// MaxReconnectFailures is the number of consecutive connect failures
	// after which the manager reports a fatal error. 0 means retry forever.
	MaxReconnectFailures int `env:"CLAWCORD_GATEWAY_MAX_RECONNECT_FAILURES" json:"max_reconnect_failures"`

	ShutdownGraceSeconds int `env:"CLAWCORD_GATEWAY_SHUTDOWN_GRACE" json:"shutdown_grace_seconds"`
}

type CommandsConfig struct {
	Prefix               string `env:"CLAWCORD_COMMANDS_PREFIX"         json:"prefix"`
	HandlerBudgetSeconds int    `env:"CLAWCORD_COMMANDS_HANDLER_BUDGET" json:"handler_budget_seconds"`
}

type RateLimitConfig struct {
	MaxQueueDepth int `env:"CLAWCORD_RATE_LIMIT_MAX_QUEUE_DEPTH" json:"max_queue_depth"`
}

type CogsConfig struct {
	Dice       DiceCogConfig       `json:"dice"`
	Quotes     QuotesCogConfig     `json:"quotes"`
	Moderation ModerationCogConfig `json:"moderation"`
	Events     EventsCogConfig     `json:"events"`
	Blackjack  BlackjackCogConfig  `json:"blackjack"`
	Calc       CalcCogConfig       `json:"calc"`
}

type DiceCogConfig struct {
	Enabled bool `env:"CLAWCORD_COGS_DICE_ENABLED" json:"enabled"`
}

type QuotesCogConfig struct {
	Enabled bool `env:"CLAWCORD_COGS_QUOTES_ENABLED" json:"enabled"`
	// Schedule is a cron expression for the daily quote post.
	Schedule string `env:"CLAWCORD_COGS_QUOTES_SCHEDULE" json:"schedule"`
}

type ModerationCogConfig struct {
	Enabled bool `env:"CLAWCORD_COGS_MODERATION_ENABLED" json:"enabled"`
	// AutoDeleteChannelID enables auto-deletion of messages in one channel.
	AutoDeleteChannelID    string `env:"CLAWCORD_COGS_MODERATION_AUTO_DELETE_CHANNEL" json:"auto_delete_channel_id"`
	AutoDeleteDelaySeconds int    `env:"CLAWCORD_COGS_MODERATION_AUTO_DELETE_DELAY"   json:"auto_delete_delay_seconds"`
	PrivacyMapPath         string `env:"CLAWCORD_COGS_MODERATION_PRIVACY_MAP_PATH"    json:"privacy_map_path"`
}

type EventsCogConfig struct {
	Enabled bool `env:"CLAWCORD_COGS_EVENTS_ENABLED" json:"enabled"`
}

type BlackjackCogConfig struct {
	Enabled bool `env:"CLAWCORD_COGS_BLACKJACK_ENABLED" json:"enabled"`
}

type CalcCogConfig struct {
	Enabled bool `env:"CLAWCORD_COGS_CALC_ENABLED" json:"enabled"`
}

// defaultIntents covers guilds, guild messages, message content and
// scheduled events.
const defaultIntents = 1<<0 | 1<<9 | 1<<15 | 1<<16

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:                  "wss://gateway.discord.gg/?v=10&encoding=json",
			APIBase:              "https://discord.com/api/v10",
			Intents:              defaultIntents,
			ReconnectBaseSeconds: 1,
			ReconnectMaxSeconds:  60,
			ShutdownGraceSeconds: 10,
		},
		Commands: CommandsConfig{
			Prefix:               "!",
			HandlerBudgetSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			MaxQueueDepth: 64,
		},
		Cogs: CogsConfig{
			Dice:   DiceCogConfig{Enabled: true},
			Quotes: QuotesCogConfig{Enabled: true, Schedule: "0 9 * * *"},
			Moderation: ModerationCogConfig{
				Enabled:                true,
				AutoDeleteDelaySeconds: 30,
				PrivacyMapPath:         "~/.clawcord/privacy_map.json",
			},
			Events:    EventsCogConfig{Enabled: true},
			Blackjack: BlackjackCogConfig{Enabled: true},
			Calc:      CalcCogConfig{Enabled: true},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Env overrides still apply when no file exists.
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks tunables that would otherwise fail deep inside the
// gateway or limiter.
func (c *Config) Validate() error {
	if c.Gateway.ReconnectBaseSeconds <= 0 {
		return errors.New("gateway.reconnect_base_seconds must be positive")
	}
	if c.Gateway.ReconnectMaxSeconds < c.Gateway.ReconnectBaseSeconds {
		return fmt.Errorf("gateway.reconnect_max_seconds (%d) below base (%d)",
			c.Gateway.ReconnectMaxSeconds, c.Gateway.ReconnectBaseSeconds)
	}
	if c.RateLimit.MaxQueueDepth <= 0 {
		return errors.New("rate_limit.max_queue_depth must be positive")
	}
	if c.Commands.Prefix == "" {
		return errors.New("commands.prefix must not be empty")
	}
	return nil
}

func (c *Config) PrivacyMapPath() string {
	return expandHome(c.Cogs.Moderation.PrivacyMapPath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
