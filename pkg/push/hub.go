package push

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Relay forwards hub deliveries to hubs running in other processes.
type Relay interface {
	Publish(ctx context.Context, sender string, msg Message) error
}

type conn struct {
	id string
	ch chan Message
}

// Hub fans messages out to every connected websocket client.
// Server-originated messages reach all clients; a message published by a
// client reaches every client except its sender.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}

	relay   Relay
	origins []string
	logger  *log.Entry
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRelay forwards every delivery through r as well.
func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

// WithOriginPatterns allows cross-origin websocket upgrades from the given host patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// NewHub creates a Hub.
func NewHub(logger *log.Entry, opts ...HubOption) *Hub {
	h := &Hub{
		conns:  make(map[*conn]struct{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Broadcast sends msg to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.publish(ctx, "", msg)
}

// BroadcastEvent encodes payload and broadcasts it to all clients.
func (h *Hub) BroadcastEvent(ctx context.Context, event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	h.Broadcast(ctx, msg)
	return nil
}

func (h *Hub) publish(ctx context.Context, sender string, msg Message) {
	h.Deliver(msg, sender)
	if h.relay != nil {
		if err := h.relay.Publish(ctx, sender, msg); err != nil {
			h.logger.WithError(err).WithField("event", msg.Event).Error("relay publish failed")
		}
	}
}

// Deliver hands msg to local connections other than exclude without relaying.
func (h *Hub) Deliver(msg Message, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if exclude != "" && c.id == exclude {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			// connection is behind; drop rather than block the publisher
			h.logger.WithField("conn", c.id).WithField("event", msg.Event).Warn("dropping message for slow connection")
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register() *conn {
	c := &conn{id: uuid.NewString(), ch: make(chan Message, 64)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	close(c.ch)
}

// ServeWS upgrades the request and pumps messages in both directions until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.WithError(err).Warn("websocket accept failed")
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "closing")
	ws.SetReadLimit(readLimit)

	c := h.register()
	defer h.unregister(c)
	logger := h.logger.WithField("conn", c.id)
	logger.Debug("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			var msg Message
			if err := wsjson.Read(ctx, ws, &msg); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					logger.WithError(err).Debug("read failed")
				}
				return
			}
			if !Known(msg.Event) {
				logger.WithField("event", msg.Event).Warn("ignoring unknown event")
				continue
			}
			h.publish(ctx, c.id, msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("client disconnected")
			return
		case msg := <-c.ch:
			if err := wsjson.Write(ctx, ws, msg); err != nil {
				logger.WithError(err).Debug("write failed")
				return
			}
		}
	}
}

const readLimit = 1 << 20
