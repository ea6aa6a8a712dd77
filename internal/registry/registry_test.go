package registry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/mcprelay/core/retry"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "registry"))
	require.NoError(t, err)
	ss, err := NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	stores := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendFile:   fs,
		BackendRedis:  NewRedisStore(rc),
		BackendSQLite: ss,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	doc := json.RawMessage(`{"command":"python3","args":["server.py"],"x-owner":"ops","nested":{"a":[1,2]}}`)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "demo", doc))
			e, err := s.Get(ctx, "demo")
			require.NoError(t, err)
			assert.Equal(t, "demo", e.ID)
			assert.JSONEq(t, string(doc), string(e.Doc))

			// overwrite is visible immediately
			doc2 := json.RawMessage(`{"url":"http://mcp.internal/mcp"}`)
			require.NoError(t, s.Put(ctx, "demo", doc2))
			e, err = s.Get(ctx, "demo")
			require.NoError(t, err)
			assert.JSONEq(t, string(doc2), string(e.Doc))
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(context.Background(), "ghost"), ErrNotFound)
		})
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"demo", "demo-2", "files", "dev"} {
				require.NoError(t, s.Put(ctx, id, json.RawMessage(`{}`)))
			}
			ids, err := s.List(ctx, "de")
			require.NoError(t, err)
			assert.Equal(t, []string{"demo", "demo-2", "dev"}, ids)

			all, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 4)

			require.NoError(t, s.Delete(ctx, "demo"))
			_, err = s.Get(ctx, "demo")
			assert.ErrorIs(t, err, ErrNotFound)
			ids, err = s.List(ctx, "demo")
			require.NoError(t, err)
			assert.Equal(t, []string{"demo-2"}, ids)
		})
	}
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Put(ctx, "demo", json.RawMessage(`[1,2]`)), ErrInvalidDocument)
			assert.ErrorIs(t, s.Put(ctx, "demo", json.RawMessage(`{"a":`)), ErrInvalidDocument)
			assert.ErrorIs(t, s.Put(ctx, "../etc", json.RawMessage(`{}`)), ErrInvalidID)
			assert.ErrorIs(t, s.Put(ctx, "", json.RawMessage(`{}`)), ErrInvalidID)
		})
	}
}

func TestRedisUnavailableIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	s := NewRedisStore(rc)
	require.NoError(t, s.Put(context.Background(), "demo", json.RawMessage(`{}`)))
	mr.Close()
	_, err := s.Get(context.Background(), "demo")
	assert.True(t, IsTransient(err), "got %v", err)
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, id string) (Entry, error) {
	f.calls++
	if f.calls <= f.failures {
		return Entry{}, transient("get", id, errors.New("connection reset"))
	}
	return f.Store.Get(ctx, id)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "demo", json.RawMessage(`{}`)))
	p := retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	f := &flakyStore{Store: mem, failures: 2}
	_, err := WithRetry(f, p).Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)

	f = &flakyStore{Store: mem, failures: 3}
	_, err = WithRetry(f, p).Get(ctx, "demo")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, f.calls)

	// not found is never retried
	f = &flakyStore{Store: mem}
	_, err = WithRetry(f, p).Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.calls)
}

func TestMetadata(t *testing.T) {
	e := Entry{ID: "demo", Doc: json.RawMessage(`{"command":"node","args":["index.js"],"timeout":"5s","memory_limit_mb":128,"capabilities":{"tools":{}}}`)}
	md, err := e.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "node", md.Command)
	assert.Equal(t, []string{"index.js"}, md.Args)
	assert.Equal(t, 128, md.MemoryLimitMB)
	assert.JSONEq(t, `{"tools":{}}`, string(md.Capabilities))
	assert.Equal(t, 5*time.Second, md.TimeoutOr(30*time.Second))
	assert.Equal(t, 2*time.Second, md.TimeoutOr(2*time.Second))
	assert.Equal(t, 30*time.Second, Metadata{}.TimeoutOr(30*time.Second))

	_, err = Entry{ID: "bad", Doc: json.RawMessage(`{"timeout":"soon"}`)}.Metadata()
	assert.Error(t, err)
	_, err = Entry{ID: "bad", Doc: json.RawMessage(`{"args":"x"}`)}.Metadata()
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "", "")
	require.NoError(t, err)
	_ = s.Close()

	s, err = Open(ctx, BackendSQLite, filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	_ = s.Close()

	mr := miniredis.RunT(t)
	s, err = Open(ctx, BackendRedis, mr.Addr())
	require.NoError(t, err)
	_ = s.Close()

	_, err = Open(ctx, BackendFile, "")
	assert.Error(t, err)
	_, err = Open(ctx, "etcd", "x")
	assert.Error(t, err)
}
