// Package gateway owns the persistent bidirectional session to the
// platform: handshake, heartbeats, resume and reconnect.
//
// One long-lived goroutine runs the receive loop and is the sole writer of
// session state. Every successfully parsed wire message is normalized and
// published to the event bus in receipt order; publishing never blocks.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/clawcord/pkg/bus"
	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/logger"
	"github.com/tinyland-inc/clawcord/pkg/wire"
)

// ErrAuth is returned when the platform rejects the credentials. It is
// fatal: the manager never retries an authentication failure.
var ErrAuth = errors.New("authentication failed")

// NetworkError wraps transient transport failures that trigger
// backoff/reconnect.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Credentials are passed opaquely from the config loader.
type Credentials struct {
	Token   string
	Intents int
}

// Config tunes the connection manager.
type Config struct {
	URL                  string
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectFailures int // consecutive connect failures before fatal; 0 = unbounded
}

// maxMissedACKs is how many consecutive unacknowledged heartbeats the
// manager tolerates before tearing the connection down.
const maxMissedACKs = 2

// Manager maintains the gateway session and forwards normalized events to
// the bus.
type Manager struct {
	session

	cfg   Config
	creds Credentials
	bus   *bus.Bus

	// writeMu serializes frame writes: the receive loop and the heartbeat
	// goroutine share the connection.
	writeMu sync.Mutex

	fatal  chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	rng       *rand.Rand
}

func NewManager(cfg Config, b *bus.Bus) *Manager {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = 60 * time.Second
	}
	return &Manager{
		cfg:   cfg,
		bus:   b,
		fatal: make(chan error, 1),
		ready: make(chan struct{}),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect establishes the persistent link and starts the receive loop. It
// returns once the session reaches Ready, with ErrAuth if the credentials
// were rejected or a NetworkError if the first dial failed. Subsequent
// disconnects are handled internally with backoff; only ErrAuth or exceeding
// MaxReconnectFailures surface on Fatal().
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	var err error
	started := false
	m.startOnce.Do(func() {
		started = true
		m.creds = creds

		runCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel

		var conn *websocket.Conn
		var interval time.Duration
		conn, interval, err = m.connect(ctx, false)
		if err != nil {
			cancel()
			return
		}

		m.wg.Add(1)
		go m.run(runCtx, conn, interval)

		select {
		case <-m.ready:
		case err = <-m.fatal:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if !started {
		return errors.New("gateway: Connect called twice")
	}
	return err
}

// Fatal delivers the single unrecoverable error that ended the session, if
// any.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Shutdown closes the session cooperatively and waits for the receive loop
// to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.setState(StateClosed)
	logger.InfoC("gateway", "Session closed")
	return nil
}

// connect dials, completes the hello/identify (or hello/resume) handshake,
// and returns the live connection plus the server's heartbeat interval.
func (m *Manager) connect(ctx context.Context, resume bool) (*websocket.Conn, time.Duration, error) {
	if resume {
		m.setState(StateResuming)
	} else {
		m.setState(StateConnecting)
	}

	url := m.cfg.URL
	if resume {
		if ru := m.ResumeURL(); ru != "" {
			url = ru
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, 0, &NetworkError{Op: "dial", Err: err}
	}

	var hello *wire.Hello
	payload, err := m.read(conn)
	if err == nil {
		hello, err = wire.DecodeHello(payload)
	}
	if err != nil {
		conn.Close()
		return nil, 0, &NetworkError{Op: "hello", Err: err}
	}

	var frame *wire.Payload
	if resume {
		frame, err = wire.ResumePayload(m.creds.Token, m.SessionID(), m.Seq())
	} else {
		m.setState(StateIdentifying)
		m.beginEpoch()
		frame, err = wire.IdentifyPayload(m.creds.Token, m.creds.Intents)
	}
	if err == nil {
		err = m.write(conn, frame)
	}
	if err != nil {
		conn.Close()
		return nil, 0, &NetworkError{Op: "handshake", Err: err}
	}

	return conn, time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

// run is the receive loop. It owns the connection for its lifetime and is
// the only goroutine that mutates session state.
func (m *Manager) run(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	defer m.wg.Done()

	failures := 0
	for {
		closeCode, err := m.serve(ctx, conn, interval)

		if ctx.Err() != nil {
			m.sendClose(conn)
			conn.Close()
			m.setState(StateDisconnected)
			return
		}

		conn.Close()
		m.setState(StateDisconnected)

		if closeCode == wire.CloseAuthenticationFailed {
			m.reportFatal(fmt.Errorf("%w: gateway close %d", ErrAuth, closeCode))
			return
		}
		if closeCode == wire.CloseInvalidSeq || closeCode == wire.CloseSessionTimedOut {
			m.invalidate()
		}

		logger.WarnCF("gateway", "Connection lost", map[string]any{
			"error":      errString(err),
			"close_code": closeCode,
			"resumable":  m.resumable(),
		})

		// Reconnect with backoff; resume when the session allows it.
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.backoff(failures)):
			}

			var interval2 time.Duration
			conn, interval2, err = m.connect(ctx, m.resumable())
			if err == nil {
				interval = interval2
				failures = 0
				break
			}

			failures++
			if errors.Is(err, ErrAuth) {
				m.reportFatal(err)
				return
			}
			if m.cfg.MaxReconnectFailures > 0 && failures >= m.cfg.MaxReconnectFailures {
				m.reportFatal(fmt.Errorf("giving up after %d consecutive connect failures: %w", failures, err))
				return
			}
			logger.WarnCF("gateway", "Reconnect failed", map[string]any{
				"error":    err.Error(),
				"failures": failures,
			})
		}
	}
}

// serve reads frames from one connection until it dies, driving heartbeats
// alongside. Returns the websocket close code, if one was received.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, interval time.Duration) (int, error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	acks := make(chan struct{}, 1)
	beat := make(chan struct{}, 1)
	go m.heartbeatLoop(hbCtx, conn, interval, acks, beat)

	for {
		payload, err := m.read(conn)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, err
			}
			return 0, err
		}

		switch payload.Op {
		case wire.OpDispatch:
			m.handleDispatch(payload)
		case wire.OpHeartbeat:
			// Server requested an immediate beat.
			select {
			case beat <- struct{}{}:
			default:
			}
		case wire.OpHeartbeatACK:
			select {
			case acks <- struct{}{}:
			default:
			}
		case wire.OpReconnect:
			return 0, errors.New("server requested reconnect")
		case wire.OpInvalidSession:
			if !wire.DecodeInvalidSession(payload) {
				m.invalidate()
			}
			return 0, errors.New("session invalidated")
		default:
			logger.DebugCF("gateway", "Ignoring frame", map[string]any{"op": payload.Op})
		}
	}
}

// handleDispatch normalizes one dispatch frame and publishes it. Runs on
// the receive loop, preserving receipt order.
func (m *Manager) handleDispatch(payload *wire.Payload) {
	m.advanceSeq(payload.S)

	switch payload.T {
	case wire.EventReady:
		ready, err := wire.DecodeReady(payload)
		if err != nil {
			logger.ErrorCF("gateway", "Bad ready payload", map[string]any{"error": err.Error()})
			return
		}
		m.setSessionID(ready.SessionID)
		m.setResumeURL(ready.ResumeGatewayURL)
		m.setState(StateReady)
		m.readyOnce.Do(func() { close(m.ready) })
		logger.InfoCF("gateway", "Session ready", map[string]any{
			"session_id": ready.SessionID,
			"user":       ready.User.Username,
		})
	case wire.EventResumed:
		m.setState(StateReady)
		logger.InfoCF("gateway", "Session resumed", map[string]any{
			"session_id": m.SessionID(),
			"seq":        m.Seq(),
		})
	}

	ev, err := event.Normalize(payload)
	if err != nil {
		if errors.Is(err, event.ErrUnknownEventType) {
			logger.DebugCF("gateway", "Dropping unknown event", map[string]any{"type": payload.T})
		} else {
			logger.WarnCF("gateway", "Dropping malformed event", map[string]any{
				"type":  payload.T,
				"error": err.Error(),
			})
		}
		return
	}
	ev.Epoch = m.Epoch()

	if err := m.bus.Publish(ev); err != nil {
		logger.WarnCF("gateway", "Publish failed", map[string]any{"error": err.Error()})
	}
}

// heartbeatLoop sends a liveness beat every interval and tears the
// connection down after maxMissedACKs consecutive silent intervals.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, acks, beat <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	send := func() bool {
		frame, err := wire.HeartbeatPayload(m.Seq())
		if err == nil {
			err = m.write(conn, frame)
		}
		if err != nil {
			logger.WarnCF("gateway", "Heartbeat write failed", map[string]any{"error": err.Error()})
			conn.Close()
			return false
		}
		return true
	}

	if !send() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-acks:
			missed = 0
		case <-beat:
			if !send() {
				return
			}
		case <-ticker.C:
			// Drain any ACK that arrived since the last tick first.
			select {
			case <-acks:
				missed = 0
			default:
				missed++
			}
			if missed >= maxMissedACKs {
				logger.WarnCF("gateway", "Heartbeat ACKs missed, reconnecting", map[string]any{
					"missed": missed,
				})
				conn.Close()
				return
			}
			if !send() {
				return
			}
		}
	}
}

func (m *Manager) read(conn *websocket.Conn) (*wire.Payload, error) {
	var payload wire.Payload
	if err := conn.ReadJSON(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (m *Manager) write(conn *websocket.Conn, payload *wire.Payload) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(payload)
}

func (m *Manager) sendClose(conn *websocket.Conn) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
		deadline)
}

// backoff returns the exponential delay for the given consecutive failure
// count, with ±25% jitter, capped at ReconnectMax.
func (m *Manager) backoff(failures int) time.Duration {
	d := m.cfg.ReconnectBase
	for i := 0; i < failures && d < m.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > m.cfg.ReconnectMax {
		d = m.cfg.ReconnectMax
	}
	jitter := time.Duration(m.rng.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func (m *Manager) reportFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
	logger.ErrorCF("gateway", "Fatal gateway error", map[string]any{"error": err.Error()})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
