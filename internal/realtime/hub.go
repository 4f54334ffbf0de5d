// Package realtime keeps one live connection per user and fans messages out
// to them without ever blocking the caller.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
)

// Transport is the minimal contract the hub needs from a connection.
// WriteJSON is only called from the connection's writer goroutine; Ping may
// be called concurrently with it.
type Transport interface {
	WriteJSON(v any) error
	Ping() error
	Close() error
}

const defaultBuffer = 32

// Conn is one registered connection.
type Conn struct {
	UserID string
	Role   models.Role

	t       Transport
	send    chan any
	done    chan struct{}
	once    sync.Once
	pending atomic.Bool
	log     *slog.Logger
}

// MarkAlive records an answer to the last liveness ping.
func (c *Conn) MarkAlive() { c.pending.Store(false) }

// Done is closed once the connection has been shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) enqueue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		observability.BroadcastsSent.Inc()
		return true
	default:
		observability.BroadcastsDropped.Inc()
		c.log.Warn("realtime buffer full, dropping message", "user_id", c.UserID)
		return false
	}
}

func (c *Conn) writeLoop(onFail func()) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.t.WriteJSON(msg); err != nil {
				c.log.Info("realtime write failed", "user_id", c.UserID, "error", err)
				onFail()
				return
			}
		}
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.t.Close()
	})
}

// Hub indexes connections by user id.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	buffer int
	every  time.Duration
	log    *slog.Logger
}

type Option func(*Hub)

// WithBuffer sets the per-connection send buffer.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithPingInterval sets how often Run pings connections.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.every = d
		}
	}
}

func NewHub(log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		conns:  make(map[string]*Conn),
		buffer: defaultBuffer,
		every:  30 * time.Second,
		log:    log,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds a connection for userID, replacing and closing any previous
// one for the same user.
func (h *Hub) Register(userID string, role models.Role, t Transport) *Conn {
	c := &Conn{
		UserID: userID,
		Role:   role,
		t:      t,
		send:   make(chan any, h.buffer),
		done:   make(chan struct{}),
		log:    h.log,
	}
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()

	if old != nil {
		old.shutdown()
		h.log.Info("realtime connection replaced", "user_id", userID)
	} else {
		observability.RealtimeConnections.Inc()
	}
	go c.writeLoop(func() { h.Unregister(c) })
	return c
}

// Unregister removes c if it is still the user's current connection and
// closes it either way.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	removed := false
	if cur, ok := h.conns[c.UserID]; ok && cur == c {
		delete(h.conns, c.UserID)
		removed = true
	}
	h.mu.Unlock()
	if removed {
		observability.RealtimeConnections.Dec()
	}
	c.shutdown()
}

// SendToUser enqueues msg for one user. It reports whether the message was
// accepted; an absent user or a full buffer both return false.
func (h *Hub) SendToUser(userID string, msg any) bool {
	h.mu.RLock()
	c := h.conns[userID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.enqueue(msg)
}

// BroadcastToRole enqueues msg for every connection with the role and
// returns how many accepted it.
func (h *Hub) BroadcastToRole(role models.Role, msg any) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.Role == role {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(msg) {
			n++
		}
	}
	return n
}

// Connected reports whether userID has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Sweep runs one liveness cycle. Connections that never answered the
// previous ping are dropped; the rest are marked pending and pinged again.
func (h *Hub) Sweep() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		if c.pending.Load() {
			h.log.Info("realtime connection unresponsive, closing", "user_id", c.UserID)
			h.Unregister(c)
			continue
		}
		c.pending.Store(true)
		if err := c.t.Ping(); err != nil {
			h.log.Info("realtime ping failed", "user_id", c.UserID, "error", err)
			h.Unregister(c)
		}
	}
}

// Run sweeps on the configured interval until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	all := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()
	for _, c := range all {
		observability.RealtimeConnections.Dec()
		c.shutdown()
	}
}
