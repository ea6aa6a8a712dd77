package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mcprelay:registry:"

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys live under
// mcprelay:registry:<id>; SET is atomic per key.
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client, prefix: redisKeyPrefix}
}

func (r *redisStore) Get(ctx context.Context, id string) (Entry, error) {
	b, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, transient("get", id, err)
	}
	return Entry{ID: id, Doc: b}, nil
}

func (r *redisStore) Put(ctx context.Context, id string, doc json.RawMessage) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+id, []byte(doc), 0).Err(); err != nil {
		return transient("put", id, err)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), r.prefix)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, transient("list", prefix, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *redisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.prefix+id).Result()
	if err != nil {
		return transient("delete", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *redisStore) Close() error { return r.client.Close() }
