package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/clawcord/pkg/bus"
	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/wire"
)

// newFakeGateway runs a scripted websocket server. handler is invoked once
// per accepted connection with a 1-based connection number.
func newFakeGateway(t *testing.T, handler func(n int, conn *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		handler(int(n.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendFrame(t *testing.T, conn *websocket.Conn, p *wire.Payload) {
	t.Helper()
	if err := conn.WriteJSON(p); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Payload {
	t.Helper()
	var p wire.Payload
	if err := conn.ReadJSON(&p); err != nil {
		t.Errorf("server read: %v", err)
		return &wire.Payload{Op: -1}
	}
	return &p
}

func helloFrame(intervalMS int) *wire.Payload {
	d, _ := json.Marshal(wire.Hello{HeartbeatInterval: intervalMS})
	return &wire.Payload{Op: wire.OpHello, D: d}
}

func readyFrame(seq int64, sessionID string) *wire.Payload {
	d := fmt.Sprintf(`{"v": 10, "session_id": %q, "user": {"id": "bot", "username": "clawcord"}}`, sessionID)
	return &wire.Payload{Op: wire.OpDispatch, T: wire.EventReady, S: seq, D: json.RawMessage(d)}
}

func messageFrame(seq int64, id, content string) *wire.Payload {
	d := fmt.Sprintf(`{
		"id": %q,
		"channel_id": "c1",
		"content": %q,
		"author": {"id": "u1", "username": "alice"}
	}`, id, content)
	return &wire.Payload{Op: wire.OpDispatch, T: wire.EventMessageCreate, S: seq, D: json.RawMessage(d)}
}

// drain keeps the server side open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnect_HandshakeToReady(t *testing.T) {
	b := bus.New()
	defer b.Close()
	got := make(chan event.Event, 8)
	b.Subscribe(event.TypeMessageCreate, func(ev event.Event) { got <- ev })

	url := newFakeGateway(t, func(n int, conn *websocket.Conn) {
		sendFrame(t, conn, helloFrame(60000))

		identify := readFrame(t, conn)
		if identify.Op != wire.OpIdentify {
			t.Errorf("expected identify (op %d), got op %d", wire.OpIdentify, identify.Op)
			return
		}
		var id wire.Identify
		if err := json.Unmarshal(identify.D, &id); err != nil || id.Token != "tok" {
			t.Errorf("identify payload: %s (err %v)", identify.D, err)
		}

		sendFrame(t, conn, readyFrame(1, "sess-1"))
		sendFrame(t, conn, messageFrame(2, "m1", "hello"))
		drain(conn)
	})

	m := NewManager(Config{URL: url, ReconnectBase: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, b)
	if err := m.Connect(context.Background(), Credentials{Token: "tok", Intents: 512}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != StateReady {
		t.Errorf("state: got %s, want ready", m.State())
	}
	if m.SessionID() != "sess-1" {
		t.Errorf("session id: got %q", m.SessionID())
	}

	select {
	case ev := <-got:
		if ev.Message == nil || ev.Message.Content != "hello" {
			t.Errorf("event: got %+v", ev)
		}
		if ev.Seq != 2 {
			t.Errorf("seq: got %d, want 2", ev.Seq)
		}
		if ev.Epoch != 1 {
			t.Errorf("epoch: got %d, want 1", ev.Epoch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched event never reached the bus")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("state after shutdown: got %s", m.State())
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	b := bus.New()
	defer b.Close()

	url := newFakeGateway(t, func(n int, conn *websocket.Conn) {
		sendFrame(t, conn, helloFrame(60000))
		readFrame(t, conn) // identify
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.CloseAuthenticationFailed, "Authentication failed."),
			deadline)
	})

	m := NewManager(Config{URL: url, ReconnectBase: 10 * time.Millisecond}, b)
	err := m.Connect(context.Background(), Credentials{Token: "bad"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestConnect_DialFailure(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewManager(Config{URL: "ws://127.0.0.1:1", ReconnectBase: 10 * time.Millisecond}, b)
	err := m.Connect(context.Background(), Credentials{Token: "tok"})
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestConnect_CalledTwice(t *testing.T) {
	b := bus.New()
	defer b.Close()

	url := newFakeGateway(t, func(n int, conn *websocket.Conn) {
		sendFrame(t, conn, helloFrame(60000))
		readFrame(t, conn)
		sendFrame(t, conn, readyFrame(1, "sess-1"))
		drain(conn)
	})

	m := NewManager(Config{URL: url, ReconnectBase: 10 * time.Millisecond}, b)
	if err := m.Connect(context.Background(), Credentials{Token: "tok"}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := m.Connect(context.Background(), Credentials{Token: "tok"}); err == nil {
		t.Fatal("expected second Connect to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestReconnect_ResumesSession(t *testing.T) {
	b := bus.New()
	defer b.Close()
	got := make(chan event.Event, 8)
	b.Subscribe(event.TypeMessageCreate, func(ev event.Event) { got <- ev })

	resumed := make(chan *wire.Payload, 1)
	url := newFakeGateway(t, func(n int, conn *websocket.Conn) {
		sendFrame(t, conn, helloFrame(60000))
		switch n {
		case 1:
			readFrame(t, conn) // identify
			sendFrame(t, conn, readyFrame(1, "sess-1"))
			sendFrame(t, conn, messageFrame(2, "m1", "first"))
			// Drop the connection without a close frame.
			time.Sleep(50 * time.Millisecond)
			conn.Close()
		case 2:
			resumed <- readFrame(t, conn)
			sendFrame(t, conn, &wire.Payload{Op: wire.OpDispatch, T: wire.EventResumed, D: json.RawMessage(`{}`)})
			sendFrame(t, conn, messageFrame(3, "m2", "second"))
			drain(conn)
		}
	})

	m := NewManager(Config{URL: url, ReconnectBase: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, b)
	if err := m.Connect(context.Background(), Credentials{Token: "tok"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case p := <-resumed:
		if p.Op != wire.OpResume {
			t.Fatalf("expected resume (op %d), got op %d", wire.OpResume, p.Op)
		}
		var r wire.Resume
		if err := json.Unmarshal(p.D, &r); err != nil {
			t.Fatalf("resume payload: %v", err)
		}
		if r.SessionID != "sess-1" || r.Seq != 2 || r.Token != "tok" {
			t.Errorf("resume: got %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never attempted to resume")
	}

	var contents []string
	for len(contents) < 2 {
		select {
		case ev := <-got:
			contents = append(contents, ev.Message.Content)
		case <-time.After(3 * time.Second):
			t.Fatalf("events received before timeout: %v", contents)
		}
	}
	if contents[0] != "first" || contents[1] != "second" {
		t.Errorf("contents: got %v", contents)
	}
	if m.Seq() != 3 {
		t.Errorf("seq: got %d, want 3", m.Seq())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestMissedHeartbeatACKs_TriggerReconnect(t *testing.T) {
	b := bus.New()
	defer b.Close()

	reconnected := make(chan struct{})
	url := newFakeGateway(t, func(n int, conn *websocket.Conn) {
		switch n {
		case 1:
			// Short heartbeat interval and no ACKs: the client must give up
			// on this connection by itself.
			sendFrame(t, conn, helloFrame(40))
			readFrame(t, conn) // identify
			sendFrame(t, conn, readyFrame(1, "sess-1"))
			drain(conn)
		case 2:
			sendFrame(t, conn, helloFrame(60000))
			readFrame(t, conn) // resume
			sendFrame(t, conn, &wire.Payload{Op: wire.OpDispatch, T: wire.EventResumed, D: json.RawMessage(`{}`)})
			close(reconnected)
			drain(conn)
		}
	})

	m := NewManager(Config{URL: url, ReconnectBase: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, b)
	if err := m.Connect(context.Background(), Credentials{Token: "tok"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client never reconnected after missed ACKs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestInvalidSession_ReidentifiesFresh(t *testing.T) {
	b := bus.New()
	defer b.Close()

	second := make(chan *wire.Payload, 1)
	url := newFakeGateway(t, func(n int, conn *websocket.Conn) {
		sendFrame(t, conn, helloFrame(60000))
		switch n {
		case 1:
			readFrame(t, conn) // identify
			sendFrame(t, conn, readyFrame(1, "sess-1"))
			sendFrame(t, conn, &wire.Payload{Op: wire.OpInvalidSession, D: json.RawMessage(`false`)})
			drain(conn)
		case 2:
			second <- readFrame(t, conn)
			sendFrame(t, conn, readyFrame(1, "sess-2"))
			sendFrame(t, conn, messageFrame(2, "m2", "after"))
			drain(conn)
		}
	})

	got := make(chan event.Event, 1)
	b.Subscribe(event.TypeMessageCreate, func(ev event.Event) { got <- ev })

	m := NewManager(Config{URL: url, ReconnectBase: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, b)
	if err := m.Connect(context.Background(), Credentials{Token: "tok"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case p := <-second:
		if p.Op != wire.OpIdentify {
			t.Fatalf("expected a fresh identify (op %d), got op %d", wire.OpIdentify, p.Op)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never re-identified")
	}

	// Events on the new session carry the new epoch.
	select {
	case ev := <-got:
		if ev.Epoch != 2 {
			t.Errorf("epoch after re-identify: got %d, want 2", ev.Epoch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("post-reidentify event never reached the bus")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestAdvanceSeq_Monotonic(t *testing.T) {
	var s session
	s.advanceSeq(5)
	s.advanceSeq(3) // redelivered tail must not roll back
	if s.Seq() != 5 {
		t.Errorf("seq: got %d, want 5", s.Seq())
	}
	s.advanceSeq(6)
	if s.Seq() != 6 {
		t.Errorf("seq: got %d, want 6", s.Seq())
	}
}

func TestBackoff_CappedWithJitter(t *testing.T) {
	m := NewManager(Config{ReconnectBase: time.Second, ReconnectMax: 8 * time.Second}, bus.New())

	for failures := 0; failures < 12; failures++ {
		d := m.backoff(failures)
		if d < 0 {
			t.Fatalf("negative backoff %v at %d failures", d, failures)
		}
		// Cap plus the 25% jitter ceiling.
		if d > 10*time.Second {
			t.Fatalf("backoff %v exceeds cap at %d failures", d, failures)
		}
	}
}
