package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the durable projection of a Session.
type Record struct {
	ID              string    `json:"id"`
	ServerID        string    `json:"server_id,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	ConnectionID    string    `json:"connection_id,omitempty"`
	LastActivity    time.Time `json:"last_activity"`
	DetachedAt      time.Time `json:"detached_at,omitzero"`
}

// RecordStore persists session records. ttl <= 0 keeps the record until it
// is deleted.
type RecordStore interface {
	Save(ctx context.Context, r Record, ttl time.Duration) error
	Load(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
}

type memoryRecord struct {
	rec     Record
	expires time.Time
}

type memoryStore struct {
	mu   sync.Mutex
	recs map[string]memoryRecord
	now  func() time.Time
}

// NewMemoryStore returns a process-local RecordStore.
func NewMemoryStore() RecordStore {
	return &memoryStore{recs: map[string]memoryRecord{}, now: time.Now}
}

func (m *memoryStore) Save(_ context.Context, r Record, ttl time.Duration) error {
	mr := memoryRecord{rec: r}
	if ttl > 0 {
		mr.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.recs[r.ID] = mr
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Load(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !mr.expires.IsZero() && m.now().After(mr.expires) {
		delete(m.recs, id)
		return Record{}, ErrNotFound
	}
	return mr.rec, nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

const redisKeyPrefix = "mcprelay:session:"

type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore keeps records under mcprelay:session:<id> so a detached
// session can be resumed through any relay instance sharing the redis.
func NewRedisStore(client redis.UniversalClient) RecordStore {
	return &redisStore{client: client}
}

func (r *redisStore) Save(ctx context.Context, rec Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, redisKeyPrefix+rec.ID, b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrTransient, rec.ID, err)
	}
	return nil
}

func (r *redisStore) Load(ctx context.Context, id string) (Record, error) {
	b, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: load %s: %v", ErrTransient, id, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (r *redisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrTransient, id, err)
	}
	return nil
}
