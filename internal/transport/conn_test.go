package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/messenger-client/internal/stomp"
)

// brokerSession — одно WS-соединение на стороне тестового брокера.
type brokerSession struct {
	ws   *websocket.Conn
	auth string
	mu   sync.Mutex
	subs chan *stomp.Frame
	sent chan *stomp.Frame
}

func (s *brokerSession) send(f *stomp.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (s *brokerSession) write(t *testing.T, f *stomp.Frame) {
	t.Helper()
	if err := s.send(f); err != nil {
		t.Fatalf("broker write: %v", err)
	}
}

func (s *brokerSession) close() {
	s.ws.Close()
}

// newBroker поднимает минимальный STOMP-брокер: CONNECT/CONNECTED, учёт
// SUBSCRIBE и SEND. Каждая новая сессия отдаётся в канал.
func newBroker(t *testing.T) (wsURL string, sessions chan *brokerSession) {
	t.Helper()
	sessions = make(chan *brokerSession, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := &brokerSession{
			ws:   ws,
			auth: r.Header.Get("Authorization"),
			subs: make(chan *stomp.Frame, 16),
			sent: make(chan *stomp.Frame, 16),
		}
		sessions <- sess
		for {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frame, err := stomp.Unmarshal(raw)
			if err != nil {
				continue
			}
			switch frame.Command {
			case stomp.CmdConnect:
				if err := sess.send(stomp.NewFrame(stomp.CmdConnected, nil).With(stomp.HdrVersion, "1.2")); err != nil {
					return
				}
			case stomp.CmdSubscribe:
				sess.subs <- frame
			case stomp.CmdSend:
				sess.sent <- frame
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), sessions
}

func waitSession(t *testing.T, sessions chan *brokerSession) *brokerSession {
	t.Helper()
	select {
	case s := <-sessions:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("broker session did not arrive")
		return nil
	}
}

func waitFrame(t *testing.T, ch chan *stomp.Frame, what string) *stomp.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not arrive", what)
		return nil
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not fire", what)
	}
}

func testOptions(url string) Options {
	return Options{
		URL: url,
		TokenFunc: func(ctx context.Context) (string, error) {
			return "test-token", nil
		},
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// TestConnectHandshake verifies the dial carries the bearer token, the STOMP
// handshake completes, and OnConnect fires.
func TestConnectHandshake(t *testing.T) {
	url, sessions := newBroker(t)
	c := New(testOptions(url))
	defer c.Disconnect()

	connected := make(chan struct{}, 4)
	c.OnConnect(func() { connected <- struct{}{} })
	c.Connect(context.Background())

	sess := waitSession(t, sessions)
	waitSignal(t, connected, "OnConnect")
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	if sess.auth != "Bearer test-token" {
		t.Fatalf("auth header = %q", sess.auth)
	}
}

// TestSubscribeDispatch verifies that MESSAGE frames are routed to the
// handler registered for their subscription.
func TestSubscribeDispatch(t *testing.T) {
	url, sessions := newBroker(t)
	c := New(testOptions(url))
	defer c.Disconnect()

	connected := make(chan struct{}, 4)
	c.OnConnect(func() { connected <- struct{}{} })
	c.Connect(context.Background())
	sess := waitSession(t, sessions)
	waitSignal(t, connected, "OnConnect")

	got := make(chan []byte, 1)
	id := c.Subscribe("/topic/chats/c1/messages", func(body []byte) { got <- body })
	if id == "" {
		t.Fatal("subscribe returned empty id while connected")
	}
	subFrame := waitFrame(t, sess.subs, "SUBSCRIBE")
	if subFrame.Headers[stomp.HdrDestination] != "/topic/chats/c1/messages" {
		t.Fatalf("destination = %q", subFrame.Headers[stomp.HdrDestination])
	}
	if subFrame.Headers[stomp.HdrID] != id {
		t.Fatalf("subscription id = %q, want %q", subFrame.Headers[stomp.HdrID], id)
	}

	sess.write(t, stomp.NewFrame(stomp.CmdMessage, []byte(`{"ok":true}`)).
		With(stomp.HdrSubscription, id).
		With(stomp.HdrDestination, "/topic/chats/c1/messages"))

	select {
	case body := <-got:
		if string(body) != `{"ok":true}` {
			t.Fatalf("body = %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
}

// TestPublish verifies the SEND frame carries the JSON payload.
func TestPublish(t *testing.T) {
	url, sessions := newBroker(t)
	c := New(testOptions(url))
	defer c.Disconnect()

	connected := make(chan struct{}, 4)
	c.OnConnect(func() { connected <- struct{}{} })
	c.Connect(context.Background())
	sess := waitSession(t, sessions)
	waitSignal(t, connected, "OnConnect")

	if err := c.Publish("/app/typing", map[string]any{"chat_id": "c1", "typing": true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	frame := waitFrame(t, sess.sent, "SEND")
	if frame.Headers[stomp.HdrDestination] != "/app/typing" {
		t.Fatalf("destination = %q", frame.Headers[stomp.HdrDestination])
	}
	var payload struct {
		ChatID string `json:"chat_id"`
		Typing bool   `json:"typing"`
	}
	if err := json.Unmarshal(frame.Body, &payload); err != nil {
		t.Fatalf("body decode: %v", err)
	}
	if payload.ChatID != "c1" || !payload.Typing {
		t.Fatalf("payload = %+v", payload)
	}
}

// TestPublishDisconnected verifies publish while down returns ErrNotConnected
// and subscribe returns an empty ID.
func TestPublishDisconnected(t *testing.T) {
	c := New(testOptions("ws://127.0.0.1:1/ws"))
	if err := c.Publish("/app/typing", map[string]string{}); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if id := c.Subscribe("/topic/x", func([]byte) {}); id != "" {
		t.Fatalf("subscribe id = %q, want empty", id)
	}
}

// TestReconnectFiresOnConnectAgain verifies the session loop redials after a
// drop and replays OnConnect so consumers can resubscribe.
func TestReconnectFiresOnConnectAgain(t *testing.T) {
	url, sessions := newBroker(t)
	c := New(testOptions(url))
	defer c.Disconnect()

	connected := make(chan struct{}, 4)
	c.OnConnect(func() {
		c.Subscribe("/topic/chats/c1/messages", func([]byte) {})
		connected <- struct{}{}
	})
	c.Connect(context.Background())

	first := waitSession(t, sessions)
	waitSignal(t, connected, "first OnConnect")
	waitFrame(t, first.subs, "first SUBSCRIBE")

	first.close()

	second := waitSession(t, sessions)
	waitSignal(t, connected, "second OnConnect")
	sub := waitFrame(t, second.subs, "second SUBSCRIBE")
	if sub.Headers[stomp.HdrDestination] != "/topic/chats/c1/messages" {
		t.Fatalf("resubscribed destination = %q", sub.Headers[stomp.HdrDestination])
	}
}

// TestDisconnectStopsLoop verifies Disconnect is terminal: no redial follows.
func TestDisconnectStopsLoop(t *testing.T) {
	url, sessions := newBroker(t)
	c := New(testOptions(url))

	connected := make(chan struct{}, 4)
	c.OnConnect(func() { connected <- struct{}{} })
	c.Connect(context.Background())
	waitSession(t, sessions)
	waitSignal(t, connected, "OnConnect")

	c.Disconnect()
	select {
	case <-sessions:
		t.Fatal("redial after Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
	if c.State() == StateConnected {
		t.Fatal("still connected after Disconnect")
	}
}

// TestBackoff verifies the exponential ladder and its cap.
func TestBackoff(t *testing.T) {
	base, max := time.Second, 10*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(base, max, tc.attempt); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
