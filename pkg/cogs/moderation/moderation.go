// Package moderation carries the channel-hygiene features: auto-deletion of
// messages in a configured channel, per-user privacy auto-delete, and
// channel lock/unlock.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/logger"
)

// Config tunes the moderation cog.
type Config struct {
	// AutoDeleteChannelID enables auto-deletion of every user message in
	// one channel.
	AutoDeleteChannelID string
	AutoDeleteDelay     time.Duration
	// PrivacyMapPath persists the user -> channels privacy map across
	// restarts.
	PrivacyMapPath string
}

type Cog struct {
	cfg Config

	mu   sync.Mutex
	deps cog.Deps
	// privacy maps user ID to the set of channels they enabled privacy in.
	privacy map[string]map[string]bool

	autoDeleteOn bool
}

func New(cfg Config) *Cog {
	if cfg.AutoDeleteDelay <= 0 {
		cfg.AutoDeleteDelay = 30 * time.Second
	}
	return &Cog{
		cfg:          cfg,
		privacy:      make(map[string]map[string]bool),
		autoDeleteOn: cfg.AutoDeleteChannelID != "",
	}
}

func (c *Cog) Name() string { return "moderation" }

func (c *Cog) Setup(ctx context.Context, deps cog.Deps) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps = deps
	return c.loadPrivacyMap()
}

func (c *Cog) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savePrivacyMap()
}

func (c *Cog) Subscriptions() []cog.Subscription {
	return []cog.Subscription{
		{Type: event.TypeMessageCreate, Handler: c.onMessage},
	}
}

func (c *Cog) Commands() []cog.Command {
	return []cog.Command{
		{
			Name:        "privacy",
			Description: "Enable or disable privacy auto-delete for yourself in a channel",
			Usage:       "privacy <channel-id> <on|off>",
			Require:     event.PermManageChannels,
			Run:         c.privacyCmd,
		},
		{
			Name:        "privacystatus",
			Description: "Show the channels you have privacy enabled in",
			Usage:       "privacystatus",
			Require:     event.PermViewChannels,
			Run:         c.privacyStatus,
		},
		{
			Name:        "autodelete",
			Description: "Toggle the auto-delete channel",
			Usage:       "autodelete <on|off>",
			Require:     event.PermManageMessages,
			Run:         c.autodelete,
		},
		{
			Name:        "lock",
			Description: "Lock the current channel's topic to read-only notice",
			Usage:       "lock",
			Require:     event.PermManageChannels,
			Run:         c.lock,
		},
		{
			Name:        "unlock",
			Description: "Remove the read-only notice from the current channel",
			Usage:       "unlock",
			Require:     event.PermManageChannels,
			Run:         c.unlock,
		},
	}
}

// onMessage schedules deletion for messages in the auto-delete channel and
// for users who enabled privacy in the message's channel. Bot messages are
// left alone.
func (c *Cog) onMessage(ev event.Event) {
	if ev.Message == nil || ev.User.Bot {
		return
	}

	c.mu.Lock()
	deps := c.deps
	due := (c.autoDeleteOn && ev.ChannelID == c.cfg.AutoDeleteChannelID) ||
		c.privacy[ev.User.ID][ev.ChannelID]
	c.mu.Unlock()

	if !due || deps.Rest == nil {
		return
	}

	channelID, messageID := ev.ChannelID, ev.Message.ID
	time.AfterFunc(c.cfg.AutoDeleteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deps.Rest.DeleteMessage(ctx, channelID, messageID); err != nil {
			logger.WarnCF("moderation", "Auto-delete failed", map[string]any{
				"channel_id": channelID,
				"message_id": messageID,
				"error":      err.Error(),
			})
		}
	})
}

func (c *Cog) privacyCmd(ctx context.Context, inv *cog.Invocation) error {
	channelID := inv.Option("channel", 0)
	mode := strings.ToLower(inv.Option("enable", 1))
	if channelID == "" || (mode != "on" && mode != "off") {
		return inv.RespondEphemeral(ctx, "Usage: `privacy <channel-id> <on|off>`")
	}

	c.mu.Lock()
	userID := inv.Event.User.ID
	if mode == "on" {
		if c.privacy[userID] == nil {
			c.privacy[userID] = make(map[string]bool)
		}
		c.privacy[userID][channelID] = true
	} else {
		delete(c.privacy[userID], channelID)
		if len(c.privacy[userID]) == 0 {
			delete(c.privacy, userID)
		}
	}
	err := c.savePrivacyMap()
	c.mu.Unlock()
	if err != nil {
		logger.WarnCF("moderation", "Privacy map save failed", map[string]any{"error": err.Error()})
	}

	if mode == "on" {
		return inv.RespondEphemeral(ctx, "Privacy enabled: your messages in <#"+channelID+"> will be auto-deleted.")
	}
	return inv.RespondEphemeral(ctx, "Privacy disabled for <#"+channelID+">.")
}

func (c *Cog) privacyStatus(ctx context.Context, inv *cog.Invocation) error {
	c.mu.Lock()
	channels := make([]string, 0, len(c.privacy[inv.Event.User.ID]))
	for ch := range c.privacy[inv.Event.User.ID] {
		channels = append(channels, "<#"+ch+">")
	}
	c.mu.Unlock()

	if len(channels) == 0 {
		return inv.RespondEphemeral(ctx, "You have privacy enabled in no channels.")
	}
	return inv.RespondEphemeral(ctx, "Privacy enabled in: "+strings.Join(channels, ", "))
}

func (c *Cog) autodelete(ctx context.Context, inv *cog.Invocation) error {
	mode := strings.ToLower(inv.Option("mode", 0))
	if mode != "on" && mode != "off" {
		return inv.RespondEphemeral(ctx, "Usage: `autodelete <on|off>`")
	}
	if c.cfg.AutoDeleteChannelID == "" {
		return inv.RespondEphemeral(ctx, "No auto-delete channel is configured.")
	}

	c.mu.Lock()
	c.autoDeleteOn = mode == "on"
	c.mu.Unlock()

	return inv.Respond(ctx, fmt.Sprintf("Auto-delete is now %s for <#%s>.", mode, c.cfg.AutoDeleteChannelID))
}

const lockedTopicNotice = "[locked] This channel is read-only."

func (c *Cog) lock(ctx context.Context, inv *cog.Invocation) error {
	c.mu.Lock()
	deps := c.deps
	c.mu.Unlock()
	if err := deps.Rest.EditChannel(ctx, inv.Event.ChannelID, map[string]any{
		"topic": lockedTopicNotice,
	}); err != nil {
		return err
	}
	return inv.Respond(ctx, "Channel locked.")
}

func (c *Cog) unlock(ctx context.Context, inv *cog.Invocation) error {
	c.mu.Lock()
	deps := c.deps
	c.mu.Unlock()
	if err := deps.Rest.EditChannel(ctx, inv.Event.ChannelID, map[string]any{
		"topic": "",
	}); err != nil {
		return err
	}
	return inv.Respond(ctx, "Channel unlocked.")
}

// loadPrivacyMap reads the persisted map; a missing file is a fresh start.
// Caller holds c.mu.
func (c *Cog) loadPrivacyMap() error {
	if c.cfg.PrivacyMapPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.cfg.PrivacyMapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading privacy map: %w", err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing privacy map: %w", err)
	}
	c.privacy = make(map[string]map[string]bool, len(raw))
	for user, channels := range raw {
		set := make(map[string]bool, len(channels))
		for _, ch := range channels {
			set[ch] = true
		}
		c.privacy[user] = set
	}
	logger.InfoCF("moderation", "Privacy map loaded", map[string]any{"users": len(c.privacy)})
	return nil
}

// savePrivacyMap persists the map. Caller holds c.mu.
func (c *Cog) savePrivacyMap() error {
	if c.cfg.PrivacyMapPath == "" {
		return nil
	}
	raw := make(map[string][]string, len(c.privacy))
	for user, channels := range c.privacy {
		for ch := range channels {
			raw[user] = append(raw[user], ch)
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.PrivacyMapPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.cfg.PrivacyMapPath, data, 0o600)
}
