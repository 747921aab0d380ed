package push

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Handler receives the raw payload of a named event.
type Handler func(payload json.RawMessage)

// DefaultRetryDelays are the waits before each reconnect attempt; once they are
// exhausted the client gives up and reports Closed.
var DefaultRetryDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// Client is a websocket subscriber that reconnects automatically.
type Client struct {
	url         string
	delays      []time.Duration
	dialTimeout time.Duration
	logger      *log.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]Handler
	states   []func(State)
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryDelays overrides DefaultRetryDelays.
func WithRetryDelays(d ...time.Duration) ClientOption {
	return func(c *Client) { c.delays = d }
}

// WithLogger sets the client logger.
func WithLogger(l *log.Entry) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the hub at url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:         url,
		delays:      DefaultRetryDelays,
		dialTimeout: 10 * time.Second,
		logger:      log.WithField("component", "push"),
		handlers:    make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers h for event. Handlers run on the client's read goroutine.
func (c *Client) Subscribe(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnState registers a lifecycle listener.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, fn)
}

// Start dials the hub and begins reading. The first connection attempt is not
// retried. Calling Start while the client is connected or reconnecting is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setConn(ws)
	c.emit(Connected)
	go c.run(runCtx, ws, done)
	return nil
}

// Publish sends an event to every other client connected to the hub.
func (c *Client) Publish(ctx context.Context, event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Close stops reconnecting, closes the connection, and waits for the read loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.conn
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	// cancel before closing so the read loop sees shutdown, not a dropped connection
	cancel()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "closing")
	}
	<-done
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

func (c *Client) run(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	for {
		err := c.readLoop(ctx, ws)
		c.setConn(nil)
		if ctx.Err() != nil {
			// Close may have missed a socket dialed by reconnect
			_ = ws.Close(websocket.StatusNormalClosure, "closing")
			c.emit(Closed)
			return
		}
		c.logger.WithError(err).Warn("connection lost")
		c.emit(Reconnecting)

		ws = c.reconnect(ctx)
		if ws == nil {
			c.emit(Closed)
			return
		}
		c.setConn(ws)
		c.emit(Reconnected)
	}
}

func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	for i, d := range c.delays {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		ws, err := c.dial(ctx)
		if err == nil {
			return ws
		}
		c.logger.WithError(err).WithField("attempt", i+1).Warn("reconnect failed")
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var msg Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return err
		}
		c.mu.Lock()
		handlers := append([]Handler(nil), c.handlers[msg.Event]...)
		c.mu.Unlock()
		if len(handlers) == 0 {
			c.logger.WithField("event", msg.Event).Debug("no handler for event")
		}
		for _, h := range handlers {
			h(msg.Payload)
		}
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
}

func (c *Client) emit(s State) {
	c.mu.Lock()
	states := slices.Clone(c.states)
	c.mu.Unlock()
	c.logger.WithField("state", s).Debug("connection state changed")
	for _, fn := range states {
		fn(s)
	}
}
