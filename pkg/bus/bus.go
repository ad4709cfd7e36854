// Package bus implements the in-process publish/subscribe fan-out between
// the gateway receive loop and cog event handlers.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/logger"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler consumes one event. Panics are recovered and logged; they never
// reach the bus or sibling subscribers.
type Handler func(event.Event)

// queueDepth bounds each subscriber's backlog. Publish never blocks: when a
// subscriber falls this far behind, its events are dropped with a warning.
const queueDepth = 128

// Subscription identifies one registered handler and can cancel it.
type Subscription struct {
	bus     *Bus
	typ     event.Type
	id      uint64
	queue   chan event.Event
	done    chan struct{}
	stopped atomic.Bool
	flush   atomic.Bool
}

// Cancel removes the subscription and stops its worker. Events already
// queued are discarded.
func (s *Subscription) Cancel() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s.typ, s.id)
	close(s.done)
}

// Bus fans events out per variant tag. Delivery among subscribers of one
// type follows registration order; each subscriber drains its own queue so
// a slow handler only delays itself.
type Bus struct {
	mu     sync.RWMutex
	subs   map[event.Type][]*Subscription
	nextID atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

func New() *Bus {
	return &Bus{subs: make(map[event.Type][]*Subscription)}
}

// Subscribe registers handler for every future event of the given type. On a
// closed bus the returned subscription is inert: no worker is started and no
// events will ever be delivered.
func (b *Bus) Subscribe(typ event.Type, handler Handler) *Subscription {
	sub := &Subscription{
		bus:   b,
		typ:   typ,
		id:    b.nextID.Add(1),
		queue: make(chan event.Event, queueDepth),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.stopped.Store(true)
		close(sub.done)
		return sub
	}
	b.subs[typ] = append(b.subs[typ], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.run(handler, &b.wg)

	return sub
}

// Publish enqueues ev for every current subscriber of its type and returns
// immediately. The gateway receive loop calls this; it must never block.
func (b *Bus) Publish(ev event.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	subs := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
			logger.WarnCF("bus", "Subscriber queue full, dropping event", map[string]any{
				"type":     string(ev.Type),
				"event_id": ev.ID,
			})
		}
	}
	return nil
}

// Close rejects further publishes, lets every subscriber drain its queued
// events, then stops the workers. It returns once all workers have exited.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[event.Type][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		if sub.stopped.CompareAndSwap(false, true) {
			sub.flush.Store(true)
			close(sub.done)
		}
	}
	b.wg.Wait()
}

func (b *Bus) remove(typ event.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[typ]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[typ] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (s *Subscription) run(handler Handler, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case ev := <-s.queue:
			invoke(handler, ev)
		case <-s.done:
			// Close drains the backlog; Cancel discards it.
			if !s.flush.Load() {
				return
			}
			for {
				select {
				case ev := <-s.queue:
					invoke(handler, ev)
				default:
					return
				}
			}
		}
	}
}

// invoke isolates one handler call so a panic is reported, not propagated.
func invoke(handler Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("bus", "Subscriber panicked", map[string]any{
				"type":     string(ev.Type),
				"event_id": ev.ID,
				"panic":    r,
			})
		}
	}()
	handler(ev)
}
