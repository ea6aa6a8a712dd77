// Package session tracks logical MCP sessions and their pending requests.
package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("request id already pending")
	ErrLimit     = errors.New("too many pending requests")
	ErrTransient = errors.New("session store temporarily unavailable")
)

// Pending is one request submitted to the executor and not yet completed.
type Pending struct {
	Key       string
	Method    string
	Submitted time.Time
	cancelled bool
}

// Session is a logical MCP session. All mutation goes through its mutex so
// completions racing a close observe a consistent pending set.
type Session struct {
	mu              sync.Mutex
	id              string
	serverID        string
	protocolVersion string
	connID          string
	lastActivity    time.Time
	detachedAt      time.Time
	pending         map[string]*Pending
}

func newSession(id, connID, serverID string, now time.Time) *Session {
	return &Session{
		id:           id,
		serverID:     serverID,
		connID:       connID,
		lastActivity: now,
		pending:      map[string]*Pending{},
	}
}

func (s *Session) ID() string { return s.id }

// ServerID is the bound MCP server id, empty when unbound.
func (s *Session) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// DetachedAt is zero while a connection is attached.
func (s *Session) DetachedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachedAt
}

// AddPending registers key as pending. A live entry with the same key is
// rejected with ErrDuplicate; a cancelled one left over from a previous
// connection is replaced. limit <= 0 disables the cap.
func (s *Session) AddPending(key, method string, now time.Time, limit int) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok && !p.cancelled {
		return nil, ErrDuplicate
	}
	if limit > 0 && s.liveLocked() >= limit {
		return nil, ErrLimit
	}
	p := &Pending{Key: key, Method: method, Submitted: now}
	s.pending[key] = p
	s.lastActivity = now
	return p, nil
}

func (s *Session) liveLocked() int {
	n := 0
	for _, p := range s.pending {
		if !p.cancelled {
			n++
		}
	}
	return n
}

// Complete removes p from the pending set. ok is false when p was already
// completed or replaced, so each submission completes at most once.
// cancelled reports whether the owning connection closed meanwhile.
func (s *Session) Complete(p *Pending) (cancelled, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found := s.pending[p.Key]
	if !found || cur != p {
		return false, false
	}
	delete(s.pending, p.Key)
	return p.cancelled, true
}

// CancelPending marks every pending entry cancelled and returns how many
// were live.
func (s *Session) CancelPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if !p.cancelled {
			p.cancelled = true
			n++
		}
	}
	return n
}

// PendingCount returns the number of entries awaiting completion, cancelled
// ones included.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Record returns the persisted projection of s.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() Record {
	return Record{
		ID:              s.id,
		ServerID:        s.serverID,
		ProtocolVersion: s.protocolVersion,
		ConnectionID:    s.connID,
		LastActivity:    s.lastActivity,
		DetachedAt:      s.detachedAt,
	}
}
