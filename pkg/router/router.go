// Package router matches normalized events to registered commands, enforces
// permissions, and executes handlers with isolation.
//
// Concurrent invocations from different users run independently; a single
// user's sequential commands are processed in arrival order through a
// per-user lane.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/clawcord/pkg/bus"
	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/logger"
	"github.com/tinyland-inc/clawcord/pkg/rest"
)

// HandlerError wraps a failure inside a command handler. It is surfaced
// only to the invoker; it never crashes the router.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PermissionError reports a permission check failure.
type PermissionError struct {
	Command string
	Missing event.Permissions
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("command %q requires: %s", e.Command, e.Missing.Names())
}

// Responder delivers replies to the invoking context. *rest.Client
// implements it; tests substitute their own.
type Responder interface {
	CreateMessage(ctx context.Context, channelID, content string) (*rest.Message, error)
	InteractionRespond(ctx context.Context, interactionID, token, content string, ephemeral bool) error
}

// Config tunes the router.
type Config struct {
	Prefix string
	// Budget bounds each handler execution.
	Budget time.Duration
	// Grace bounds how long Close waits for in-flight handlers.
	Grace time.Duration
}

type task struct {
	cmd     cog.Command
	inv     *cog.Invocation
	release func()
}

type lane struct {
	queue []task
	busy  bool
}

// Router subscribes to message and interaction events and dispatches them
// to registered commands.
type Router struct {
	registry  *cog.Registry
	responder Responder
	cfg       Config

	mu    sync.Mutex
	lanes map[string]*lane

	// seqMu guards the idempotent-redelivery window: a resume may replay a
	// bounded tail of already-handled events. The window is tracked per
	// event type because each bus subscription drains on its own goroutine,
	// so the two types interleave in no defined order.
	seqMu   sync.Mutex
	epoch   int64
	lastSeq map[event.Type]int64

	subs   []*bus.Subscription
	wg     sync.WaitGroup
	closed bool
}

func New(registry *cog.Registry, responder Responder, cfg Config) *Router {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	return &Router{
		registry:  registry,
		responder: responder,
		cfg:       cfg,
		lanes:     make(map[string]*lane),
		lastSeq:   make(map[event.Type]int64),
	}
}

// Bind subscribes the router to the bus variants it handles.
func (r *Router) Bind(b *bus.Bus) {
	r.subs = append(r.subs,
		b.Subscribe(event.TypeMessageCreate, r.Handle),
		b.Subscribe(event.TypeInteractionCreate, r.Handle),
	)
}

// Close stops accepting events and waits up to Grace for in-flight handler
// executions to finish.
func (r *Router) Close() {
	for _, sub := range r.subs {
		sub.Cancel()
	}

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.Grace):
		logger.WarnC("router", "Shutdown grace expired with handlers still running")
	}
}

// Handle routes one normalized event. Events of one type arrive in publish
// order on that type's subscriber goroutine.
func (r *Router) Handle(ev event.Event) {
	if ev.Seq > 0 && r.redelivered(ev) {
		logger.DebugCF("router", "Dropping redelivered event", map[string]any{
			"seq": ev.Seq, "epoch": ev.Epoch, "event_id": ev.ID,
		})
		return
	}

	switch ev.Type {
	case event.TypeMessageCreate:
		r.handleMessage(ev)
	case event.TypeInteractionCreate:
		r.handleInteraction(ev)
	}
}

// redelivered reports whether ev falls inside the already-handled window of
// its type. A higher epoch means the gateway re-identified and the sequence
// space restarted, so the windows are cleared; events from an older epoch
// are stale replays.
func (r *Router) redelivered(ev event.Event) bool {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	switch {
	case ev.Epoch > r.epoch:
		r.epoch = ev.Epoch
		r.lastSeq = make(map[event.Type]int64)
	case ev.Epoch < r.epoch:
		return true
	}
	if ev.Seq <= r.lastSeq[ev.Type] {
		return true
	}
	r.lastSeq[ev.Type] = ev.Seq
	return false
}

func (r *Router) handleMessage(ev event.Event) {
	if ev.Message == nil || ev.User.Bot {
		return
	}
	content := ev.Message.Content
	if !strings.HasPrefix(content, r.cfg.Prefix) {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(content, r.cfg.Prefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])

	cmd, release, ok := r.registry.Resolve(name)
	if !ok {
		// Unknown message commands are ignored silently.
		return
	}

	inv := &cog.Invocation{
		Event: ev,
		Args:  fields[1:],
		Respond: func(ctx context.Context, content string) error {
			_, err := r.responder.CreateMessage(ctx, ev.ChannelID, content)
			return err
		},
	}
	inv.RespondEphemeral = inv.Respond

	r.dispatch(ev, cmd, inv, release)
}

func (r *Router) handleInteraction(ev event.Event) {
	if ev.Interaction == nil {
		return
	}
	in := ev.Interaction
	name := strings.ToLower(in.Name)

	cmd, release, ok := r.registry.Resolve(name)
	if !ok {
		// Interactions expect an acknowledgement within a tight deadline;
		// report the unknown command rather than staying silent.
		r.ackUnknown(ev)
		return
	}

	inv := &cog.Invocation{
		Event:   ev,
		Options: in.Options,
		Respond: func(ctx context.Context, content string) error {
			return r.responder.InteractionRespond(ctx, in.ID, in.Token, content, false)
		},
		RespondEphemeral: func(ctx context.Context, content string) error {
			return r.responder.InteractionRespond(ctx, in.ID, in.Token, content, true)
		},
	}

	r.dispatch(ev, cmd, inv, release)
}

func (r *Router) ackUnknown(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	in := ev.Interaction
	if err := r.responder.InteractionRespond(ctx, in.ID, in.Token, "Unknown command.", true); err != nil {
		logger.WarnCF("router", "Unknown-command ack failed", map[string]any{"error": err.Error()})
	}
}

// dispatch checks permissions, then queues the execution on the invoking
// user's lane.
func (r *Router) dispatch(ev event.Event, cmd cog.Command, inv *cog.Invocation, release func()) {
	if !ev.User.Permissions.Has(cmd.Require) {
		release()
		perr := &PermissionError{Command: cmd.Name, Missing: cmd.Require &^ ev.User.Permissions}
		logger.InfoCF("router", "Permission denied", map[string]any{
			"command": cmd.Name,
			"user":    ev.User.ID,
			"missing": perr.Missing.Names(),
		})
		r.respondError(inv, "Permission denied: requires "+perr.Missing.Names()+".")
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		release()
		return
	}
	l, ok := r.lanes[ev.User.ID]
	if !ok {
		l = &lane{}
		r.lanes[ev.User.ID] = l
	}
	l.queue = append(l.queue, task{cmd: cmd, inv: inv, release: release})
	if !l.busy {
		l.busy = true
		r.wg.Add(1)
		go r.runLane(ev.User.ID, l)
	}
	r.mu.Unlock()
}

// runLane drains one user's queue in FIFO order, then retires the lane.
func (r *Router) runLane(userID string, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			l.busy = false
			delete(r.lanes, userID)
			r.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue = l.queue[1:]
		r.mu.Unlock()

		r.execute(t)
	}
}

// execute runs one handler under the execution budget, converting panics
// and errors into a HandlerError response for the invoker.
func (r *Router) execute(t task) {
	defer t.release()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Budget)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return t.cmd.Run(ctx, t.inv)
	}()

	if err == nil {
		return
	}

	herr := &HandlerError{Command: t.cmd.Name, Err: err}
	logger.ErrorCF("router", "Handler failed", map[string]any{
		"command": t.cmd.Name,
		"user":    t.inv.Event.User.ID,
		"error":   err.Error(),
	})
	r.respondError(t.inv, "Something went wrong running "+herr.Command+".")
}

func (r *Router) respondError(inv *cog.Invocation, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	respond := inv.RespondEphemeral
	if respond == nil {
		respond = inv.Respond
	}
	if respond == nil {
		return
	}
	if err := respond(ctx, msg); err != nil {
		logger.WarnCF("router", "Error reply failed", map[string]any{"error": err.Error()})
	}
}
