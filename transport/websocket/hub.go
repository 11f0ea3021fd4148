// Package websocket pushes routed messages to browser clients. Clients connect
// to the Hub handler and pick their topics with repeated ?topic= parameters.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
)

var (
	_ eventlog.Transport = (*Hub)(nil)
	_ http.Handler       = (*Hub)(nil)
)

const (
	defaultBuffer       = 16
	defaultWriteTimeout = 5 * time.Second
)

type client struct {
	topics    map[string]struct{}
	msgs      chan []byte
	closeSlow func()
}

// Hub is both the websocket endpoint and a Transport. A client whose buffer is
// full is disconnected rather than allowed to stall Send.
type Hub struct {
	bufferSize     int
	writeTimeout   time.Duration
	originPatterns []string
	logger         *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	conns   map[*websocket.Conn]struct{}
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-client queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithOriginPatterns allows cross-origin clients matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		bufferSize:   defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop(),
		clients:      make(map[*client]struct{}),
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "websocket-hub"))
	return h
}

// ServeHTTP upgrades the request and streams messages for the requested topics
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "at least one topic is required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, eventlog.ErrTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	err = h.serve(r.Context(), conn, topics)
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, eventlog.ErrTransportClosed),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		h.logger.Debug("websocket client disconnected", zap.Error(err))
	}
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, topics []string) error {
	c := &client{
		topics: make(map[string]struct{}, len(topics)),
		msgs:   make(chan []byte, h.bufferSize),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
		},
	}
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}

	// Close may have run since ServeHTTP checked; re-check under the lock so
	// no client registers after Close copied the connections.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return eventlog.ErrTransportClosed
	}
	h.clients[c] = struct{}{}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c, conn)

	// Clients never send; CloseRead handles control frames and cancels ctx on close.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case msg := <-c.msgs:
			if err := h.write(ctx, conn, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (h *Hub) remove(c *client, conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.CloseNow()
}

// Send queues msg for every client subscribed to topic. Slow clients are
// disconnected and reported with ErrSubscriberBusy.
func (h *Hub) Send(ctx context.Context, topic string, msg eventlog.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return eventlog.ErrTransportClosed
	}

	slow := 0
	for c := range h.clients {
		if _, ok := c.topics[topic]; !ok {
			continue
		}
		select {
		case c.msgs <- payload:
		default:
			slow++
			go c.closeSlow()
		}
	}
	if slow > 0 {
		return fmt.Errorf("%d websocket clients on %s: %w", slow, topic, eventlog.ErrSubscriberBusy)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}
