// Package lifecycle reconciles transport connections with logical sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/metrics"
	"github.com/gaspardpetit/mcprelay/internal/registry"
	"github.com/gaspardpetit/mcprelay/internal/serverstate"
	"github.com/gaspardpetit/mcprelay/internal/session"
)

var (
	ErrNotAccepting        = errors.New("relay is not accepting connections")
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrStorageUnavailable  = errors.New("session storage unavailable")
)

// probeID is looked up when a connection names no server; a miss still
// proves the registry is reachable.
const probeID = "healthcheck"

// State is the lifecycle state of a connection.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the relay's record of one transport link.
type Connection struct {
	ID           string
	RemoteAddr   string
	SessionID    string
	State        State
	Created      time.Time
	LastActivity time.Time
}

// Transport is the part of the transport the manager drives.
type Transport interface {
	CloseConnection(connID, reason string)
}

// Options tunes the manager.
type Options struct {
	// IdleTimeout closes connections without traffic or pending work.
	// Zero disables it.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// ConnectRequest describes a new transport connection.
type ConnectRequest struct {
	ConnectionID string
	ServerID     string
	ResumeToken  string
	RemoteAddr   string
}

// Accepted is returned for admitted connections.
type Accepted struct {
	SessionID string
	Resumed   bool
}

// Manager owns the connection state machine.
type Manager struct {
	mu        sync.Mutex
	conns     map[string]*Connection
	sessions  *session.Table
	reg       registry.Store
	transport Transport
	opts      Options
	now       func() time.Time
	newToken  func() string
}

// New builds a Manager. Resumption is enabled when the session table has a
// non-zero grace period.
func New(reg registry.Store, sessions *session.Table, t Transport, opts Options) *Manager {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 5 * time.Second
	}
	return &Manager{
		conns:     map[string]*Connection{},
		sessions:  sessions,
		reg:       reg,
		transport: t,
		opts:      opts,
		now:       time.Now,
		newToken:  func() string { return ulid.Make().String() },
	}
}

func (m *Manager) resumable() bool { return m.sessions.Grace() > 0 }

// Connect admits a connection: it probes the registry, then resumes the
// session named by the resume token or creates a new one. On any failure the
// connection never reaches Open.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (Accepted, error) {
	log := logx.Log.With().Str("component", "lifecycle").Str("conn_id", req.ConnectionID).Str("server", req.ServerID).Logger()
	if !serverstate.Accepting() && !serverstate.Probing() {
		metrics.Rejected("not_accepting")
		return Accepted{}, fmt.Errorf("%w: %s", ErrNotAccepting, serverstate.GetState())
	}
	now := m.now()
	c := &Connection{ID: req.ConnectionID, RemoteAddr: req.RemoteAddr, State: Connecting, Created: now, LastActivity: now}
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	reject := func(reason string, err error) (Accepted, error) {
		m.mu.Lock()
		delete(m.conns, c.ID)
		m.mu.Unlock()
		metrics.Rejected(reason)
		log.Error().Err(err).Str("reason", reason).Msg("connection rejected")
		return Accepted{}, err
	}

	probe := req.ServerID
	if probe == "" {
		probe = probeID
	}
	if _, err := m.reg.Get(ctx, probe); err != nil && !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, registry.ErrInvalidID) {
		serverstate.MarkDegraded()
		return reject("registry_unavailable", fmt.Errorf("%w: %v", ErrRegistryUnavailable, err))
	}
	if serverstate.Probing() {
		serverstate.MarkReady()
		log.Info().Msg("registry reachable again")
	}

	var (
		s       *session.Session
		resumed bool
	)
	if req.ResumeToken != "" && m.resumable() {
		rs, err := m.sessions.Resume(ctx, req.ResumeToken, c.ID, now)
		switch {
		case err == nil:
			s, resumed = rs, true
			if req.ServerID != "" && rs.ServerID() != req.ServerID {
				log.Warn().Str("session_id", rs.ID()).Str("bound", rs.ServerID()).Msg("resumed session keeps its original server binding")
			}
		case errors.Is(err, session.ErrNotFound):
			log.Debug().Str("token", req.ResumeToken).Msg("resume token not resumable; starting new session")
		default:
			return reject("storage_unavailable", fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		}
	}
	if s == nil {
		id := c.ID
		if m.resumable() {
			id = m.newToken()
		}
		ns, err := m.sessions.Create(ctx, id, c.ID, req.ServerID, now)
		if err != nil {
			return reject("storage_unavailable", fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		}
		s = ns
	}

	m.mu.Lock()
	c.SessionID = s.ID()
	c.State = Open
	m.mu.Unlock()
	metrics.ConnectionOpened()
	metrics.SetSessions(m.sessions.Len())
	log.Info().Str("session_id", s.ID()).Bool("resumed", resumed).Str("remote", req.RemoteAddr).Msg("connection open")
	return Accepted{SessionID: s.ID(), Resumed: resumed}, nil
}

// Close moves a connection through Closing to Closed: pending requests are
// cancelled, the session is detached or removed and the transport link is
// closed. Repeated calls are no-ops.
func (m *Manager) Close(ctx context.Context, connID, reason string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok || c.State >= Closing {
		m.mu.Unlock()
		return
	}
	wasOpen := c.State == Open
	c.State = Closing
	m.mu.Unlock()

	log := logx.Log.With().Str("component", "lifecycle").Str("conn_id", connID).Logger()
	if s, ok := m.sessions.ByConnection(connID); ok {
		cancelled := s.CancelPending()
		var err error
		if m.resumable() {
			err = m.sessions.Detach(ctx, s, m.now())
		} else {
			err = m.sessions.Remove(ctx, s)
		}
		if err != nil {
			log.Error().Err(err).Str("session_id", s.ID()).Msg("session storage failed during close")
		}
		log = log.With().Str("session_id", s.ID()).Int("cancelled", cancelled).Logger()
	}

	m.mu.Lock()
	c.State = Closed
	delete(m.conns, connID)
	m.mu.Unlock()
	if wasOpen {
		metrics.ConnectionClosed()
	}
	metrics.SetSessions(m.sessions.Len())
	m.transport.CloseConnection(connID, reason)
	log.Info().Str("reason", reason).Msg("connection closed")
}

// Touch records client activity on a connection.
func (m *Manager) Touch(connID string) {
	now := m.now()
	m.mu.Lock()
	if c, ok := m.conns[connID]; ok && now.After(c.LastActivity) {
		c.LastActivity = now
	}
	m.mu.Unlock()
	if s, ok := m.sessions.ByConnection(connID); ok {
		s.Touch(now)
	}
}

// ConnectionState reports the state of a known connection.
func (m *Manager) ConnectionState(connID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return Closed, false
	}
	return c.State, true
}

// Reap closes idle connections and drops detached sessions whose grace
// period ended. It returns the closed connection ids and expired session ids.
func (m *Manager) Reap(ctx context.Context, now time.Time) (closed, expired []string) {
	if m.opts.IdleTimeout > 0 {
		m.mu.Lock()
		for id, c := range m.conns {
			if c.State == Open && now.Sub(c.LastActivity) > m.opts.IdleTimeout {
				closed = append(closed, id)
			}
		}
		m.mu.Unlock()
		kept := closed[:0]
		for _, id := range closed {
			if s, ok := m.sessions.ByConnection(id); ok && s.PendingCount() > 0 {
				continue
			}
			m.Close(ctx, id, "idle timeout")
			kept = append(kept, id)
		}
		closed = kept
		sort.Strings(closed)
	}
	expired = m.sessions.Expire(ctx, now)
	if len(expired) > 0 {
		logx.Log.Debug().Str("component", "lifecycle").Strs("sessions", expired).Msg("detached sessions expired")
	}
	metrics.SetSessions(m.sessions.Len())
	return closed, expired
}

// Run reaps periodically until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Reap(ctx, m.now())
		}
	}
}

// CloseAll closes every connection, used on shutdown.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(ctx, id, reason)
	}
}
