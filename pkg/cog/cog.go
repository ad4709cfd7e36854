// Package cog defines the capability interface for loadable command/event
// modules and the registry that holds them.
//
// A cog is a data object built by a factory: a named bundle of commands and
// event subscriptions, with optional setup/teardown hooks. Nothing here uses
// reflection; the registry only ever sees the interface.
package cog

import (
	"context"

	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/rest"
)

// Invocation carries one command invocation: the triggering event, the
// parsed arguments, and reply callbacks bound to the invoking context.
type Invocation struct {
	Event event.Event

	// Args holds whitespace-split arguments for message commands.
	Args []string
	// Options holds named options for interaction commands.
	Options map[string]string

	// Respond delivers a reply to the invoking context.
	Respond func(ctx context.Context, content string) error
	// RespondEphemeral delivers a reply visible only to the invoker where
	// the platform supports it; otherwise it behaves like Respond.
	RespondEphemeral func(ctx context.Context, content string) error
}

// Option returns a named interaction option, or the positional message
// argument at index i, whichever form the invocation arrived in.
func (inv *Invocation) Option(name string, i int) string {
	if v, ok := inv.Options[name]; ok {
		return v
	}
	if i >= 0 && i < len(inv.Args) {
		return inv.Args[i]
	}
	return ""
}

// Command is one invokable command owned by a cog.
type Command struct {
	Name        string
	Description string
	Usage       string
	Require     event.Permissions
	Run         func(ctx context.Context, inv *Invocation) error
}

// Subscription registers a cog handler for one event variant.
type Subscription struct {
	Type    event.Type
	Handler func(ev event.Event)
}

// Deps is what the registry hands to a cog's Setup hook.
type Deps struct {
	Rest             *rest.Client
	DefaultChannelID string
}

// Cog is the capability interface modules implement.
type Cog interface {
	Name() string
	Commands() []Command
	Subscriptions() []Subscription
}

// SetupHook is implemented by cogs that need initialization on load.
type SetupHook interface {
	Setup(ctx context.Context, deps Deps) error
}

// TeardownHook is implemented by cogs that need cleanup on unload.
type TeardownHook interface {
	Teardown(ctx context.Context) error
}
