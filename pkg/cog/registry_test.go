package cog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/clawcord/pkg/bus"
	"github.com/tinyland-inc/clawcord/pkg/event"
)

type stubCog struct {
	name     string
	cmds     []Command
	subs     []Subscription
	setupErr error

	mu           sync.Mutex
	setupDeps    Deps
	setupCalls   int
	teardownCall int
}

func (s *stubCog) Name() string                  { return s.name }
func (s *stubCog) Commands() []Command           { return s.cmds }
func (s *stubCog) Subscriptions() []Subscription { return s.subs }

func (s *stubCog) Setup(ctx context.Context, deps Deps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupCalls++
	s.setupDeps = deps
	return s.setupErr
}

func (s *stubCog) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownCall++
	return nil
}

func nopRun(ctx context.Context, inv *Invocation) error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	return NewRegistry(b, Deps{DefaultChannelID: "c-default"}), b
}

func TestRegister_IndexesCommandsAndSubscriptions(t *testing.T) {
	r, b := newTestRegistry(t)

	seen := make(chan event.Event, 1)
	c := &stubCog{
		name: "alpha",
		cmds: []Command{{Name: "one", Run: nopRun}, {Name: "two", Run: nopRun}},
		subs: []Subscription{{Type: event.TypeChannelUpdate, Handler: func(ev event.Event) { seen <- ev }}},
	}
	if err := r.Register(context.Background(), c); err != nil {
		t.Fatalf("register: %v", err)
	}

	if r.CommandCount() != 2 {
		t.Errorf("command count: got %d, want 2", r.CommandCount())
	}
	if c.setupCalls != 1 {
		t.Errorf("setup calls: got %d", c.setupCalls)
	}
	if c.setupDeps.DefaultChannelID != "c-default" {
		t.Errorf("setup deps: got %+v", c.setupDeps)
	}

	b.Publish(event.Event{ID: "e1", Type: event.TypeChannelUpdate})
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("subscription was not wired into the bus")
	}
}

func TestRegister_DuplicateCogRejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	first := &stubCog{name: "alpha", cmds: []Command{{Name: "one", Run: nopRun}}}
	if err := r.Register(context.Background(), first); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := r.Register(context.Background(), &stubCog{name: "alpha"})
	if !errors.Is(err, ErrDuplicateCog) {
		t.Fatalf("expected ErrDuplicateCog, got %v", err)
	}
	if r.CommandCount() != 1 {
		t.Errorf("registry changed on failed registration: %d commands", r.CommandCount())
	}
}

func TestRegister_DuplicateCommandNameRejected(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Register(context.Background(), &stubCog{
		name: "alpha", cmds: []Command{{Name: "roll", Run: nopRun}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	clash := &stubCog{name: "beta", cmds: []Command{{Name: "other", Run: nopRun}, {Name: "roll", Run: nopRun}}}
	err := r.Register(context.Background(), clash)
	if !errors.Is(err, ErrDuplicateCommandName) {
		t.Fatalf("expected ErrDuplicateCommandName, got %v", err)
	}
	// The colliding cog must not be partially registered.
	if r.CommandCount() != 1 {
		t.Errorf("command count: got %d, want 1", r.CommandCount())
	}
	if clash.setupCalls != 0 {
		t.Error("setup ran for a rejected cog")
	}
	if _, _, ok := r.Resolve("other"); ok {
		t.Error("rejected cog's command is resolvable")
	}
}

func TestRegister_SetupFailureLeavesNoTrace(t *testing.T) {
	r, _ := newTestRegistry(t)

	c := &stubCog{name: "alpha", cmds: []Command{{Name: "one", Run: nopRun}}, setupErr: errors.New("nope")}
	if err := r.Register(context.Background(), c); err == nil {
		t.Fatal("expected setup error to fail registration")
	}
	if r.CommandCount() != 0 {
		t.Errorf("command count: got %d, want 0", r.CommandCount())
	}
	if err := r.Unload(context.Background(), "alpha"); !errors.Is(err, ErrUnknownCog) {
		t.Errorf("expected ErrUnknownCog, got %v", err)
	}
}

func TestResolve_UnknownCommand(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, _, ok := r.Resolve("missing"); ok {
		t.Fatal("resolved a command that was never registered")
	}
}

func TestUnload_BusyUntilReleased(t *testing.T) {
	r, b := newTestRegistry(t)

	seen := make(chan event.Event, 1)
	c := &stubCog{
		name: "alpha",
		cmds: []Command{{Name: "one", Run: nopRun}},
		subs: []Subscription{{Type: event.TypeChannelUpdate, Handler: func(ev event.Event) { seen <- ev }}},
	}
	if err := r.Register(context.Background(), c); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, release, ok := r.Resolve("one")
	if !ok {
		t.Fatal("resolve failed")
	}

	if err := r.Unload(context.Background(), "alpha"); !errors.Is(err, ErrCogBusy) {
		t.Fatalf("expected ErrCogBusy, got %v", err)
	}
	// The command stays available while the unload is refused.
	if _, rel2, ok := r.Resolve("one"); !ok {
		t.Fatal("command disappeared during refused unload")
	} else {
		rel2()
	}

	release()
	release() // release is idempotent

	if err := r.Unload(context.Background(), "alpha"); err != nil {
		t.Fatalf("unload after release: %v", err)
	}
	if _, _, ok := r.Resolve("one"); ok {
		t.Error("command resolvable after unload")
	}
	if c.teardownCall != 1 {
		t.Errorf("teardown calls: got %d", c.teardownCall)
	}

	// The cog's subscription is cancelled with it.
	b.Publish(event.Event{ID: "e1", Type: event.TypeChannelUpdate})
	select {
	case <-seen:
		t.Error("unloaded cog still received events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnloadAll(t *testing.T) {
	r, _ := newTestRegistry(t)

	a := &stubCog{name: "alpha", cmds: []Command{{Name: "one", Run: nopRun}}}
	z := &stubCog{name: "zeta", cmds: []Command{{Name: "two", Run: nopRun}}}
	for _, c := range []*stubCog{a, z} {
		if err := r.Register(context.Background(), c); err != nil {
			t.Fatalf("register %s: %v", c.name, err)
		}
	}

	r.UnloadAll(context.Background())
	if r.CommandCount() != 0 {
		t.Errorf("command count: got %d, want 0", r.CommandCount())
	}
	if a.teardownCall != 1 || z.teardownCall != 1 {
		t.Errorf("teardowns: alpha %d zeta %d", a.teardownCall, z.teardownCall)
	}
}

func TestInvocationOption(t *testing.T) {
	inv := &Invocation{
		Args:    []string{"pos0", "pos1"},
		Options: map[string]string{"named": "value"},
	}
	if inv.Option("named", 5) != "value" {
		t.Error("named option not preferred")
	}
	if inv.Option("missing", 1) != "pos1" {
		t.Error("positional fallback failed")
	}
	if inv.Option("missing", 9) != "" {
		t.Error("out-of-range index should be empty")
	}
}
