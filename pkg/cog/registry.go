package cog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyland-inc/clawcord/pkg/bus"
	"github.com/tinyland-inc/clawcord/pkg/logger"
)

var (
	// ErrDuplicateCommandName rejects a cog whose command name collides
	// with an already-registered one.
	ErrDuplicateCommandName = errors.New("duplicate command name")
	// ErrDuplicateCog rejects a second cog with the same name.
	ErrDuplicateCog = errors.New("cog already registered")
	// ErrCogBusy rejects unloading while an execution is in flight for one
	// of the cog's commands.
	ErrCogBusy = errors.New("cog has executions in flight")
	// ErrUnknownCog is returned for operations on a cog that is not loaded.
	ErrUnknownCog = errors.New("cog not registered")
)

type cogEntry struct {
	cog      Cog
	commands []string
	subs     []*bus.Subscription
	inflight int
}

// Registry holds the loaded cogs, indexes their commands by name, and wires
// their event subscriptions into the bus. All operations are safe for
// concurrent use; the command-name index has a single logical lock.
type Registry struct {
	mu       sync.RWMutex
	bus      *bus.Bus
	deps     Deps
	cogs     map[string]*cogEntry
	commands map[string]*indexed
}

type indexed struct {
	cmd   Command
	owner *cogEntry
}

func NewRegistry(b *bus.Bus, deps Deps) *Registry {
	return &Registry{
		bus:      b,
		deps:     deps,
		cogs:     make(map[string]*cogEntry),
		commands: make(map[string]*indexed),
	}
}

// Register loads a cog: runs its Setup hook, indexes its commands, and
// subscribes its event handlers. A name collision fails the whole
// registration; the registry is unchanged on any error.
func (r *Registry) Register(ctx context.Context, c Cog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cogs[c.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateCog, c.Name())
	}

	cmds := c.Commands()
	for _, cmd := range cmds {
		if _, exists := r.commands[cmd.Name]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateCommandName, cmd.Name)
		}
	}

	// Setup runs inside the registration critical section so a failure
	// leaves no partial registration behind.
	if hook, ok := c.(SetupHook); ok {
		if err := hook.Setup(ctx, r.deps); err != nil {
			return fmt.Errorf("cog %q setup: %w", c.Name(), err)
		}
	}

	entry := &cogEntry{cog: c}
	for _, cmd := range cmds {
		r.commands[cmd.Name] = &indexed{cmd: cmd, owner: entry}
		entry.commands = append(entry.commands, cmd.Name)
	}
	for _, sub := range c.Subscriptions() {
		entry.subs = append(entry.subs, r.bus.Subscribe(sub.Type, sub.Handler))
	}
	r.cogs[c.Name()] = entry

	logger.InfoCF("registry", "Cog registered", map[string]any{
		"cog":           c.Name(),
		"commands":      len(entry.commands),
		"subscriptions": len(entry.subs),
	})
	return nil
}

// Unload removes a cog. It fails with ErrCogBusy while any of the cog's
// commands is executing; otherwise its commands and subscriptions are
// removed atomically, so the router either sees the whole cog or none of it.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.cogs[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownCog, name)
	}
	if entry.inflight > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q (%d in flight)", ErrCogBusy, name, entry.inflight)
	}

	for _, cmdName := range entry.commands {
		delete(r.commands, cmdName)
	}
	for _, sub := range entry.subs {
		sub.Cancel()
	}
	delete(r.cogs, name)
	r.mu.Unlock()

	if hook, ok := entry.cog.(TeardownHook); ok {
		if err := hook.Teardown(ctx); err != nil {
			logger.WarnCF("registry", "Cog teardown failed", map[string]any{
				"cog":   name,
				"error": err.Error(),
			})
		}
	}

	logger.InfoCF("registry", "Cog unloaded", map[string]any{"cog": name})
	return nil
}

// UnloadAll tears down every cog that has no execution in flight, used
// during shutdown after the router drained.
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.cogs))
	for name := range r.cogs {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if err := r.Unload(ctx, name); err != nil {
			logger.WarnCF("registry", "Unload during shutdown failed", map[string]any{
				"cog":   name,
				"error": err.Error(),
			})
		}
	}
}

// Resolve looks up a command by name and marks an execution in flight for
// its owning cog. The caller must invoke release exactly once when the
// execution finishes.
func (r *Registry) Resolve(name string) (Command, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.commands[name]
	if !ok {
		return Command{}, nil, false
	}
	idx.owner.inflight++

	entry := idx.owner
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			entry.inflight--
			r.mu.Unlock()
		})
	}
	return idx.cmd, release, true
}

// CommandCount reports the number of registered commands.
func (r *Registry) CommandCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Commands lists every registered command, for help output.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, idx := range r.commands {
		out = append(out, idx.cmd)
	}
	return out
}
