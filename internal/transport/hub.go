// Package transport adapts client WebSocket connections to connection-tagged
// frames and an outbound send primitive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/mcprelay/core/logx"
)

// SessionHeader carries the session id to the client and the resume token
// back to the relay.
const SessionHeader = "Mcp-Session-Id"

var (
	ErrConnectionGone = errors.New("connection gone")
	ErrSlowConsumer   = errors.New("outbound queue full")
)

// EventKind tags transport events.
type EventKind int

const (
	EventConnect EventKind = iota
	EventMessage
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one transport occurrence on a connection.
type Event struct {
	Kind         EventKind
	ConnectionID string
	// ServerID is the routing key given on the connect URL.
	ServerID    string
	ResumeToken string
	RemoteAddr  string
	Body        []byte
	Reason      string
}

// Outcome answers an event. Only connect outcomes are inspected: a non-nil
// Err refuses the connection before the upgrade.
type Outcome struct {
	SessionID string
	Err       error
}

// Handler consumes transport events. Message events for one connection are
// delivered sequentially in arrival order.
type Handler interface {
	Handle(ctx context.Context, ev Event) Outcome
}

// Options tunes the hub.
type Options struct {
	QueueSize       int
	WriteTimeout    time.Duration
	Heartbeat       time.Duration
	MaxMessageBytes int64
	OriginPatterns  []string
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 10 << 20
	}
}

type conn struct {
	id        string
	ws        *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
	status    atomic.Int32
}

// close marks the connection done. The writer flushes queued frames and then
// closes the socket with status and reason.
func (c *conn) close(status websocket.StatusCode, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.reason.Store(reason)
		c.status.Store(int32(status))
		close(c.done)
	})
	return first
}

func (c *conn) closeReason(def string) string {
	if r, ok := c.reason.Load().(string); ok && r != "" {
		return r
	}
	return def
}

// Hub owns the live WebSocket connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	opts  Options
	newID func() string
}

// NewHub builds a Hub.
func NewHub(opts Options) *Hub {
	opts.setDefaults()
	return &Hub{conns: map[string]*conn{}, opts: opts, newID: uuid.NewString}
}

func (h *Hub) get(id string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send queues frame on the connection's outbound queue. Frames queued on one
// connection are written in queue order. It fails with ErrConnectionGone once
// the connection is closed and with ErrSlowConsumer when the queue stays full
// past the write timeout.
func (h *Hub) Send(ctx context.Context, connID string, frame []byte) error {
	c := h.get(connID)
	if c == nil {
		return ErrConnectionGone
	}
	select {
	case <-c.done:
		return ErrConnectionGone
	default:
	}
	t := time.NewTimer(h.opts.WriteTimeout)
	defer t.Stop()
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrConnectionGone
	case <-t.C:
		return fmt.Errorf("%w: %s", ErrSlowConsumer, connID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseConnection closes the link. Closing an unknown or closed connection is
// a no-op.
func (h *Hub) CloseConnection(connID, reason string) {
	if c := h.get(connID); c != nil {
		c.close(websocket.StatusNormalClosure, reason)
	}
}

// Handler upgrades GET requests to WebSocket connections. The connect event
// is handled before the upgrade so refused clients get a plain HTTP 503.
func (h *Hub) Handler(next Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := h.newID()
		serverID := chi.URLParam(r, "server")
		if serverID == "" {
			serverID = r.URL.Query().Get("server")
		}
		token := r.Header.Get(SessionHeader)
		if token == "" {
			token = r.URL.Query().Get("session")
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		out := next.Handle(r.Context(), Event{Kind: EventConnect, ConnectionID: connID, ServerID: serverID, ResumeToken: token, RemoteAddr: r.RemoteAddr})
		if out.Err != nil {
			logx.Log.Warn().Str("component", "transport").Str("conn_id", connID).Str("server", serverID).Err(out.Err).Msg("connection refused")
			http.Error(w, "connection refused: "+out.Err.Error(), http.StatusServiceUnavailable)
			return
		}
		if out.SessionID != "" {
			w.Header().Set(SessionHeader, out.SessionID)
		}
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
		if err != nil {
			next.Handle(ctx, Event{Kind: EventDisconnect, ConnectionID: connID, Reason: "upgrade failed"})
			return
		}
		ws.SetReadLimit(h.opts.MaxMessageBytes)
		c := &conn{id: connID, ws: ws, out: make(chan []byte, h.opts.QueueSize), done: make(chan struct{})}
		h.mu.Lock()
		h.conns[connID] = c
		h.mu.Unlock()

		go h.writeLoop(ctx, c)
		if h.opts.Heartbeat > 0 {
			go h.pingLoop(ctx, c)
		}
		reason := h.readLoop(ctx, c, next)

		h.mu.Lock()
		delete(h.conns, connID)
		h.mu.Unlock()
		c.close(websocket.StatusNormalClosure, reason)
		next.Handle(ctx, Event{Kind: EventDisconnect, ConnectionID: connID, Reason: c.closeReason(reason)})
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn, next Handler) string {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if s := websocket.CloseStatus(err); s != -1 {
				return "client closed: " + s.String()
			}
			return c.closeReason("read failed")
		}
		next.Handle(ctx, Event{Kind: EventMessage, ConnectionID: c.id, Body: data})
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	defer func() {
		status := websocket.StatusCode(c.status.Load())
		if status == 0 {
			status = websocket.StatusNormalClosure
		}
		_ = c.ws.Close(status, c.closeReason(""))
	}()
	for {
		select {
		case f := <-c.out:
			if !h.write(c, f) {
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.out:
					if !h.write(c, f) {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) write(c *conn, frame []byte) bool {
	wctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, frame); err != nil {
		logx.Log.Debug().Str("component", "transport").Str("conn_id", c.id).Err(err).Msg("write failed")
		c.close(websocket.StatusInternalError, "write failed")
		return false
	}
	return true
}

func (h *Hub) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.Heartbeat)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
