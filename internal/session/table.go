package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/mcprelay/core/retry"
)

// Table indexes live sessions by id and by attached connection.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]string
	store    RecordStore
	policy   retry.Policy
	grace    time.Duration
}

// NewTable builds a Table persisting through store. grace is how long a
// detached session stays resumable; zero disables detaching.
func NewTable(store RecordStore, grace time.Duration) *Table {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Table{
		sessions: map[string]*Session{},
		byConn:   map[string]string{},
		store:    store,
		policy:   retry.Default,
		grace:    grace,
	}
}

// SetRetryPolicy overrides the storage retry policy.
func (t *Table) SetRetryPolicy(p retry.Policy) { t.policy = p }

// Grace is the resumption window.
func (t *Table) Grace() time.Duration { return t.grace }

func isTransient(err error) bool { return errors.Is(err, ErrTransient) }

func (t *Table) save(ctx context.Context, r Record, ttl time.Duration) error {
	return retry.Do(ctx, t.policy, isTransient, func(ctx context.Context) error {
		return t.store.Save(ctx, r, ttl)
	})
}

// Create persists a new session attached to connID and indexes it. Nothing
// is indexed when the write fails.
func (t *Table) Create(ctx context.Context, id, connID, serverID string, now time.Time) (*Session, error) {
	s := newSession(id, connID, serverID, now)
	if err := t.save(ctx, s.Record(), 0); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.sessions[id] = s
	t.byConn[connID] = id
	t.mu.Unlock()
	return s, nil
}

// Save persists the current projection of s.
func (t *Table) Save(ctx context.Context, s *Session) error {
	return t.save(ctx, s.Record(), 0)
}

func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// ByConnection returns the session attached to connID.
func (t *Table) ByConnection(connID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byConn[connID]
	if !ok {
		return nil, false
	}
	s, ok := t.sessions[id]
	return s, ok
}

// Detach unbinds s from its connection and keeps it resumable for the grace
// period. The index entry is dropped even when the write fails.
func (t *Table) Detach(ctx context.Context, s *Session, now time.Time) error {
	s.mu.Lock()
	connID := s.connID
	s.connID = ""
	s.detachedAt = now
	rec := s.recordLocked()
	s.mu.Unlock()

	t.mu.Lock()
	if t.byConn[connID] == s.id {
		delete(t.byConn, connID)
	}
	t.mu.Unlock()
	return t.save(ctx, rec, t.grace)
}

// Resume reattaches the detached session named by token to connID. A
// session still attached elsewhere, unknown or past its grace period yields
// ErrNotFound. Records written by another relay instance are loaded from the
// store.
func (t *Table) Resume(ctx context.Context, token, connID string, now time.Time) (*Session, error) {
	t.mu.Lock()
	s, ok := t.sessions[token]
	t.mu.Unlock()
	if !ok {
		var rec Record
		err := retry.Do(ctx, t.policy, isTransient, func(ctx context.Context) error {
			var err error
			rec, err = t.store.Load(ctx, token)
			return err
		})
		if err != nil {
			return nil, err
		}
		if rec.DetachedAt.IsZero() {
			return nil, ErrNotFound
		}
		s = newSession(rec.ID, "", rec.ServerID, rec.LastActivity)
		s.protocolVersion = rec.ProtocolVersion
		s.detachedAt = rec.DetachedAt
	}

	s.mu.Lock()
	if s.detachedAt.IsZero() || (t.grace > 0 && now.Sub(s.detachedAt) > t.grace) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.connID = connID
	s.detachedAt = time.Time{}
	s.lastActivity = now
	rec := s.recordLocked()
	s.mu.Unlock()

	if err := t.save(ctx, rec, 0); err != nil {
		s.mu.Lock()
		s.connID = ""
		s.detachedAt = rec.LastActivity
		s.mu.Unlock()
		return nil, err
	}
	t.mu.Lock()
	t.sessions[s.id] = s
	t.byConn[connID] = s.id
	t.mu.Unlock()
	return s, nil
}

// Remove drops s from the table and deletes its record. Local state is
// always dropped; the returned error only reports the store delete.
func (t *Table) Remove(ctx context.Context, s *Session) error {
	t.mu.Lock()
	delete(t.sessions, s.id)
	for c, id := range t.byConn {
		if id == s.id {
			delete(t.byConn, c)
		}
	}
	t.mu.Unlock()
	return retry.Do(ctx, t.policy, isTransient, func(ctx context.Context) error {
		return t.store.Delete(ctx, s.id)
	})
}

// Expire removes detached sessions whose grace period ended before now and
// returns their ids.
func (t *Table) Expire(ctx context.Context, now time.Time) []string {
	var expired []*Session
	t.mu.RLock()
	for _, s := range t.sessions {
		d := s.DetachedAt()
		if !d.IsZero() && now.Sub(d) > t.grace {
			expired = append(expired, s)
		}
	}
	t.mu.RUnlock()
	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		_ = t.Remove(ctx, s)
		ids = append(ids, s.id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sessions returns the live sessions ordered by id.
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
