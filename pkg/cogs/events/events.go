// Package events creates guild scheduled events and announces newly created
// ones to the default channel.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/logger"
)

type Cog struct {
	mu   sync.Mutex
	deps cog.Deps
}

func New() *Cog { return &Cog{} }

func (c *Cog) Name() string { return "events" }

func (c *Cog) Setup(ctx context.Context, deps cog.Deps) error {
	c.mu.Lock()
	c.deps = deps
	c.mu.Unlock()
	return nil
}

func (c *Cog) Subscriptions() []cog.Subscription {
	return []cog.Subscription{
		{Type: event.TypeScheduledEventCreate, Handler: c.onScheduledEvent},
	}
}

func (c *Cog) Commands() []cog.Command {
	return []cog.Command{
		{
			Name:        "event",
			Description: "Create a guild scheduled event",
			Usage:       "event <start-rfc3339> <name...>",
			Require:     event.PermManageEvents,
			Run:         c.create,
		},
	}
}

func (c *Cog) create(ctx context.Context, inv *cog.Invocation) error {
	start := inv.Option("start", 0)
	name := inv.Option("name", -1)
	if name == "" && len(inv.Args) > 1 {
		name = strings.Join(inv.Args[1:], " ")
	}
	if start == "" || name == "" {
		return inv.RespondEphemeral(ctx, "Usage: `event <start-rfc3339> <name...>`")
	}
	if _, err := time.Parse(time.RFC3339, start); err != nil {
		return inv.RespondEphemeral(ctx, "Start time must be RFC 3339, e.g. `2026-09-01T18:00:00Z`.")
	}
	if inv.Event.GuildID == "" {
		return inv.RespondEphemeral(ctx, "Scheduled events can only be created in a guild.")
	}

	c.mu.Lock()
	deps := c.deps
	c.mu.Unlock()
	if err := deps.Rest.CreateScheduledEvent(ctx, inv.Event.GuildID, name, start); err != nil {
		return err
	}
	return inv.Respond(ctx, fmt.Sprintf("Event **%s** scheduled for %s.", name, start))
}

// onScheduledEvent announces new scheduled events in the default channel.
func (c *Cog) onScheduledEvent(ev event.Event) {
	if ev.ScheduledEvent == nil {
		return
	}
	c.mu.Lock()
	deps := c.deps
	c.mu.Unlock()
	if deps.Rest == nil || deps.DefaultChannelID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := fmt.Sprintf("New event: **%s**", ev.ScheduledEvent.Name)
	if ev.ScheduledEvent.StartTime != "" {
		msg += " starting " + ev.ScheduledEvent.StartTime
	}
	if _, err := deps.Rest.CreateMessage(ctx, deps.DefaultChannelID, msg); err != nil {
		logger.WarnCF("events", "Event announcement failed", map[string]any{"error": err.Error()})
	}
}
