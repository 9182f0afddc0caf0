// Package transport implements the client side of the relay connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/repositories"
	"github.com/satriahrh/djsync/server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
	ErrSendBuffer   = errors.New("send buffer full")
)

// Backoff controls reconnect timing.
type Backoff struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is 1s doubling up to 10s, five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Multiplier:  2,
		Max:         10 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Options configures a WebSocket transport.
type Options struct {
	URL     string
	Token   string
	Backoff Backoff
	Clock   clock.Clock
	Dialer  *websocket.Dialer
}

// connection is one physical socket with its outbound queue.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *connection) stop() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// WebSocket is a repositories.Transport over gorilla/websocket that reconnects
// with exponential backoff. Nothing is buffered while disconnected.
type WebSocket struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	conn     *connection
	handlers map[string][]repositories.Handler
	status   []repositories.StatusHandler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ repositories.Transport = (*WebSocket)(nil)

// NewWebSocket creates a disconnected transport.
func NewWebSocket(opts Options, logger *zap.Logger) *WebSocket {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		opts:     opts,
		logger:   logger,
		handlers: make(map[string][]repositories.Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the relay, retrying with the backoff policy until a dial
// succeeds, the attempts run out or ctx ends. Reconnects after a drop happen on
// their own.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	err := t.dial(ctx)
	if err == nil || errors.Is(err, ErrClosed) {
		return err
	}
	t.logger.Warn("Connect attempt failed", zap.Error(err))
	return t.retry(ctx, err)
}

func (t *WebSocket) dial(ctx context.Context) error {
	headers := http.Header{}
	if t.opts.Token != "" {
		headers.Add("Authorization", "Bearer "+t.opts.Token)
	}

	ws, _, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, headers)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.opts.URL, err)
	}

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	if t.conn != nil {
		t.conn.stop()
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("Transport connected", zap.String("url", t.opts.URL))

	go t.writePump(conn)
	go t.readPump(conn)
	t.notify(true)
	return nil
}

// IsConnected reports whether a socket is open.
func (t *WebSocket) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine in arrival order.
func (t *WebSocket) On(event string, handler repositories.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], handler)
}

// OnStatus registers a connection status callback.
func (t *WebSocket) OnStatus(handler repositories.StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = append(t.status, handler)
}

// Emit queues an event for sending. It never blocks.
func (t *WebSocket) Emit(event string, payload any) error {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	select {
	case t.conn.send <- data:
		return nil
	case <-t.conn.done:
		return ErrNotConnected
	default:
		return ErrSendBuffer
	}
}

// Close shuts the socket and stops reconnecting.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.stop()
		t.notify(false)
	}
	return nil
}

func (t *WebSocket) readPump(conn *connection) {
	defer t.dropped(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("Transport read failed", zap.Error(err))
			}
			return
		}

		env, err := protocol.Unmarshal(message)
		if err != nil {
			t.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		t.dispatch(env.Event, env.Data)
	}
}

func (t *WebSocket) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.stop()
	}()

	for {
		select {
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				t.logger.Warn("Transport write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			return
		}
	}
}

func (t *WebSocket) dispatch(event string, data json.RawMessage) {
	t.mu.RLock()
	handlers := append([]repositories.Handler(nil), t.handlers[event]...)
	t.mu.RUnlock()

	if len(handlers) == 0 {
		t.logger.Debug("No handler for event", zap.String("event", event))
		return
	}
	for _, h := range handlers {
		h(data)
	}
}

// dropped runs once per connection when its read loop ends.
func (t *WebSocket) dropped(conn *connection) {
	conn.stop()

	t.mu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
	}
	closed := t.closed
	t.mu.Unlock()

	if !current || closed {
		return
	}

	t.logger.Warn("Transport disconnected", zap.String("url", t.opts.URL))
	t.notify(false)
	go t.reconnect()
}

func (t *WebSocket) reconnect() {
	err := t.retry(t.ctx, ErrNotConnected)
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	t.logger.Error("Giving up reconnecting", zap.Error(err))
}

// retry redials with backoff. lastErr is reported if no attempt succeeds.
func (t *WebSocket) retry(ctx context.Context, lastErr error) error {
	b := t.opts.Backoff
	for attempt := 1; b.MaxAttempts <= 0 || attempt <= b.MaxAttempts; attempt++ {
		delay := b.Delay(attempt)
		t.logger.Info("Reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := t.opts.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-t.ctx.Done():
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}

		err := t.dial(ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err
		t.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("gave up after %d attempts: %w", b.MaxAttempts, lastErr)
}

func (t *WebSocket) notify(connected bool) {
	t.mu.RLock()
	handlers := append([]repositories.StatusHandler(nil), t.status...)
	t.mu.RUnlock()

	for _, h := range handlers {
		h(connected)
	}
}
