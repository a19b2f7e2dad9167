// Package transport manages the persistent STOMP/WebSocket connection:
// connect, capped-exponential reconnect, and publish/subscribe over named
// destinations. The connection does not remember consumer subscriptions
// across reconnects; consumers listen for OnConnect and re-issue them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/stomp"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var ErrNotConnected = errors.New("transport not connected")

// Handler receives the body of a MESSAGE frame for one subscription.
type Handler func(body []byte)

// Options configure the connection. Zero values fall back to defaults.
type Options struct {
	URL string

	// TokenFunc supplies the bearer token for the WebSocket handshake.
	TokenFunc func(ctx context.Context) (string, error)

	BaseDelay   time.Duration // first reconnect delay
	MaxDelay    time.Duration // backoff cap
	MaxAttempts int           // consecutive failed attempts before giving up

	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufSize    int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 60 * time.Second
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = 65536
	}
	if out.SendBufSize <= 0 {
		out.SendBufSize = 256
	}
	return out
}

type subscription struct {
	id      string
	dest    string
	handler Handler
}

// Conn is one persistent connection. Lifecycle:
// Connect -> [session: dial, CONNECT/CONNECTED, pumps] -> drop -> backoff -> redial,
// until Disconnect or the attempt budget is exhausted.
type Conn struct {
	opts Options

	mu      sync.RWMutex
	state   State
	ws      *websocket.Conn
	send    chan *stomp.Frame
	subs    map[string]*subscription
	closing bool

	listenerMu sync.RWMutex
	onConnect  []func()

	runOnce sync.Once
	done    chan struct{}
}

func New(opts Options) *Conn {
	return &Conn{
		opts: opts.withDefaults(),
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
	}
}

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnConnect registers a listener fired on every transition into connected,
// including reconnects. Listeners re-issue their subscriptions here.
func (c *Conn) OnConnect(fn func()) {
	c.listenerMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.listenerMu.Unlock()
}

// Connect starts the connection loop. Subsequent calls are no-ops; the loop
// owns redialing until Disconnect.
func (c *Conn) Connect(ctx context.Context) {
	c.runOnce.Do(func() {
		go c.run(ctx)
	})
}

func (c *Conn) run(ctx context.Context) {
	attempt := 0
	for {
		if c.isClosing() {
			return
		}
		c.setState(StateConnecting)
		err := c.session(ctx)
		if c.isClosing() || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if err == nil {
			// Session ran and dropped: start the backoff ladder from scratch.
			attempt = 0
		}
		attempt++
		if attempt > c.opts.MaxAttempts {
			logger.Errorf("transport: giving up after %d attempts", c.opts.MaxAttempts)
			c.setState(StateDisconnected)
			return
		}
		delay := backoff(c.opts.BaseDelay, c.opts.MaxDelay, attempt)
		logger.Infof("transport: reconnect attempt %d in %v", attempt, delay)
		c.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(delay):
		}
	}
}

// session performs one dial + STOMP handshake and pumps frames until the
// connection drops. A non-nil error means the session never reached connected.
func (c *Conn) session(ctx context.Context) error {
	header := http.Header{}
	if c.opts.TokenFunc != nil {
		tokenCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		token, err := c.opts.TokenFunc(tokenCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("transport token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, header)
	cancel()
	if err != nil {
		return fmt.Errorf("transport dial: %w", err)
	}

	if err := c.handshake(ws); err != nil {
		ws.Close()
		return err
	}

	send := make(chan *stomp.Frame, c.opts.SendBufSize)
	c.mu.Lock()
	c.ws = ws
	c.send = send
	c.state = StateConnected
	c.mu.Unlock()
	logger.Info("transport: connected")

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(sessionCtx, ws, send)
	}()

	c.fireOnConnect()

	// readPump runs in this goroutine so that session returns when the
	// connection drops.
	c.readPump(ws)

	sessionCancel()
	ws.Close()
	wg.Wait()
	c.teardownSession()
	return nil
}

// handshake sends CONNECT and expects CONNECTED as the first frame.
func (c *Conn) handshake(ws *websocket.Conn) error {
	connect := stomp.NewFrame(stomp.CmdConnect, nil).
		With(stomp.HdrAcceptVer, "1.2").
		With(stomp.HdrHost, "messenger")
	if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("transport handshake deadline: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return fmt.Errorf("transport handshake write: %w", err)
	}
	if err := ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		return fmt.Errorf("transport handshake deadline: %w", err)
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("transport handshake read: %w", err)
	}
	frame, err := stomp.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("transport handshake: %w", err)
	}
	if frame.Command != stomp.CmdConnected {
		return fmt.Errorf("transport handshake: expected CONNECTED, got %s (%s)",
			frame.Command, frame.Headers[stomp.HdrMessage])
	}
	return nil
}

func (c *Conn) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(c.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		logger.Errorf("transport set read deadline: %v", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("transport read: %v", err)
			}
			return
		}
		frame, err := stomp.Unmarshal(raw)
		if err != nil {
			logger.Errorf("transport frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, send chan *stomp.Frame) {
	pingPeriod := c.opts.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := ws.WriteControl(websocket.CloseMessage, nil, deadline); err != nil &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logger.Debugf("transport close message: %v", err)
			}
			return
		case frame := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("transport set write deadline: %v", err)
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame.Marshal()); err != nil {
				logger.Errorf("transport write: %v", err)
				return
			}
		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("transport set write deadline: %v", err)
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes a MESSAGE frame to the handler registered under its
// subscription header. Frames for unknown subscriptions are dropped: they
// belong to a previous session whose bookkeeping is already gone.
func (c *Conn) dispatch(frame *stomp.Frame) {
	switch frame.Command {
	case stomp.CmdMessage:
		subID := frame.Headers[stomp.HdrSubscription]
		c.mu.RLock()
		sub := c.subs[subID]
		c.mu.RUnlock()
		if sub == nil {
			logger.Debugf("transport: frame for unknown subscription %q dropped", subID)
			return
		}
		sub.handler(frame.Body)
	case stomp.CmdError:
		logger.Errorf("transport: broker error: %s", frame.Headers[stomp.HdrMessage])
	default:
		logger.Debugf("transport: unexpected frame %s", frame.Command)
	}
}

// Subscribe binds handler to destination. Returns the subscription ID, or ""
// while disconnected (drop, caller re-issues on the next OnConnect).
func (c *Conn) Subscribe(dest string, handler Handler) string {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		logger.Infof("transport: subscribe %s dropped, %s", dest, c.State())
		return ""
	}
	id := "sub-" + uuid.NewString()
	c.subs[id] = &subscription{id: id, dest: dest, handler: handler}
	send := c.send
	c.mu.Unlock()

	frame := stomp.NewFrame(stomp.CmdSubscribe, nil).
		With(stomp.HdrID, id).
		With(stomp.HdrDestination, dest)
	c.enqueue(send, frame)
	return id
}

// Unsubscribe tears down one subscription. Unknown IDs are no-ops.
func (c *Conn) Unsubscribe(id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	if !ok || c.state != StateConnected {
		delete(c.subs, id)
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)
	send := c.send
	c.mu.Unlock()

	c.enqueue(send, stomp.NewFrame(stomp.CmdUnsubscribe, nil).With(stomp.HdrID, id))
}

// Publish sends a JSON payload to destination. While disconnected it drops
// the frame and returns ErrNotConnected; the caller retries.
func (c *Conn) Publish(dest string, payload any) error {
	c.mu.RLock()
	state := c.state
	send := c.send
	c.mu.RUnlock()
	if state != StateConnected {
		logger.Infof("transport: publish %s dropped, %s", dest, state)
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport publish marshal: %w", err)
	}
	frame := stomp.NewFrame(stomp.CmdSend, body).
		With(stomp.HdrDestination, dest).
		With(stomp.HdrContentType, "application/json")
	c.enqueue(send, frame)
	return nil
}

func (c *Conn) enqueue(send chan *stomp.Frame, frame *stomp.Frame) {
	select {
	case send <- frame:
	default:
		// Backpressure: the write pump is stuck, drop and log rather than block.
		logger.Errorf("transport: send buffer full, dropping %s", frame.Command)
	}
}

// Disconnect stops the connection loop permanently.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
}

func (c *Conn) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// teardownSession wipes per-session bookkeeping. Consumer-level subscription
// intent lives in the controller and is replayed via OnConnect.
func (c *Conn) teardownSession() {
	c.mu.Lock()
	c.ws = nil
	c.send = nil
	c.subs = make(map[string]*subscription)
	if !c.closing {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Conn) fireOnConnect() {
	c.listenerMu.RLock()
	listeners := make([]func(), len(c.onConnect))
	copy(listeners, c.onConnect)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// backoff returns the capped exponential delay for the given attempt (1-based).
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
