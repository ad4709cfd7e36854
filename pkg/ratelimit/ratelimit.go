// Package ratelimit tracks per-route bucket quotas for outbound API calls.
//
// The server is authoritative: every response reports the bucket's remaining
// quota and reset time, and those values override local bookkeeping. Between
// responses the limiter only has to be pessimistic enough that remaining
// never goes negative.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/clawcord/pkg/logger"
)

// ErrThrottled is returned when a bucket's pending queue is at capacity, and
// for calls discarded during shutdown.
var ErrThrottled = errors.New("rate limit queue full")

// Result carries the rate-limit metadata of one completed call.
type Result struct {
	Bucket     string
	Remaining  int
	Limit      int
	Reset      time.Time
	RetryAfter time.Duration
	Global     bool
}

// Call performs the outbound request and reports the server's quota
// bookkeeping for the bucket it was charged against.
type Call func(ctx context.Context) (*Result, error)

type bucket struct {
	mu        sync.Mutex
	remaining int
	limit     int
	reset     time.Time
	known     bool
	waiters   []chan struct{}
	active    bool
}

// Limiter schedules outbound calls against per-route buckets. Calls within a
// bucket run one at a time in FIFO order; distinct buckets are independent
// except during a global cooldown.
type Limiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	globalUntil   time.Time
	maxQueueDepth int
	done          chan struct{}
	closed        bool
}

func NewLimiter(maxQueueDepth int) *Limiter {
	return &Limiter{
		buckets:       make(map[string]*bucket),
		maxQueueDepth: maxQueueDepth,
		done:          make(chan struct{}),
	}
}

// Schedule runs call under the bucket's quota. It executes immediately when
// quota is available, waits for the reset otherwise, and fails fast with
// ErrThrottled when the bucket's queue is already at the configured depth.
func (l *Limiter) Schedule(ctx context.Context, bucketKey string, call Call) (*Result, error) {
	b, err := l.bucket(bucketKey)
	if err != nil {
		return nil, err
	}

	if err := b.acquire(ctx, l.done, l.maxQueueDepth); err != nil {
		return nil, err
	}
	defer b.releaseNext()

	if err := l.awaitGlobalCooldown(ctx); err != nil {
		return nil, err
	}
	if err := b.awaitQuota(ctx, l.done); err != nil {
		return nil, err
	}

	res, callErr := call(ctx)
	if res != nil {
		b.update(res)
		l.noteGlobal(res)
	} else {
		b.charge()
	}
	return res, callErr
}

// SetBucket primes a bucket's local bookkeeping, normally from a response
// observed outside Schedule.
func (l *Limiter) SetBucket(bucketKey string, remaining, limit int, reset time.Time) {
	b, err := l.bucket(bucketKey)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.remaining = remaining
	b.limit = limit
	b.reset = reset
	b.known = true
	b.mu.Unlock()
}

// Shutdown discards all queued entries. Waiting Schedule calls return
// ErrThrottled; new calls are rejected.
func (l *Limiter) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
}

func (l *Limiter) bucket(key string) (*bucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("limiter shut down: %w", ErrThrottled)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limit: 1}
		l.buckets[key] = b
	}
	return b, nil
}

// noteGlobal records a server-signalled global cooldown.
func (l *Limiter) noteGlobal(res *Result) {
	if !res.Global || res.RetryAfter <= 0 {
		return
	}
	until := time.Now().Add(res.RetryAfter)
	l.mu.Lock()
	if until.After(l.globalUntil) {
		l.globalUntil = until
	}
	l.mu.Unlock()
	logger.WarnCF("ratelimit", "Global cooldown", map[string]any{
		"retry_after": res.RetryAfter.String(),
	})
}

func (l *Limiter) awaitGlobalCooldown(ctx context.Context) error {
	for {
		l.mu.Lock()
		until := l.globalUntil
		l.mu.Unlock()

		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.done:
			timer.Stop()
			return fmt.Errorf("limiter shut down: %w", ErrThrottled)
		}
	}
}

// acquire joins the bucket's FIFO queue and returns once this caller holds
// the bucket. maxDepth bounds the number of callers queued behind the
// active one.
func (b *bucket) acquire(ctx context.Context, done chan struct{}, maxDepth int) error {
	b.mu.Lock()
	if !b.active && len(b.waiters) == 0 {
		b.active = true
		b.mu.Unlock()
		return nil
	}
	if len(b.waiters) >= maxDepth {
		b.mu.Unlock()
		return ErrThrottled
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.abandon(ch)
		return ctx.Err()
	case <-done:
		b.abandon(ch)
		return fmt.Errorf("limiter shut down: %w", ErrThrottled)
	}
}

// abandon removes a waiter that gave up. If its turn arrived concurrently,
// hand the bucket to the next in line instead.
func (b *bucket) abandon(ch chan struct{}) {
	b.mu.Lock()
	for i, w := range b.waiters {
		if w == ch {
			b.waiters = append(b.waiters[:i:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()
	// Not found: releaseNext already signalled us; pass it on.
	b.releaseNext()
}

func (b *bucket) releaseNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.waiters) == 0 {
		b.active = false
		return
	}
	next := b.waiters[0]
	b.waiters = b.waiters[1:]
	close(next)
}

// awaitQuota blocks until the bucket has quota, refreshing remaining to the
// last known limit when the reset instant passes.
func (b *bucket) awaitQuota(ctx context.Context, done chan struct{}) error {
	for {
		b.mu.Lock()
		if !b.known || b.remaining > 0 {
			b.mu.Unlock()
			return nil
		}
		if !time.Now().Before(b.reset) {
			b.remaining = b.limit
			b.mu.Unlock()
			return nil
		}
		wait := time.Until(b.reset)
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-done:
			timer.Stop()
			return fmt.Errorf("limiter shut down: %w", ErrThrottled)
		}
	}
}

// update applies server-reported values. Server bookkeeping always wins.
func (b *bucket) update(res *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known = true
	b.remaining = max(res.Remaining, 0)
	if res.Limit > 0 {
		b.limit = res.Limit
	}
	if !res.Reset.IsZero() {
		b.reset = res.Reset
	}
}

// charge decrements local bookkeeping when a call produced no quota
// metadata (transport error).
func (b *bucket) charge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.known && b.remaining > 0 {
		b.remaining--
	}
}
