package serverstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store backed by a Redis instance so several relay
// instances share one readiness and drain flag.
type redisStore struct {
	client redis.UniversalClient
	key    string
}

const redisKey = "mcprelay:state"

const opTimeout = 2 * time.Second

// NewRedisStore returns a Store using client. The key is initialized to
// not_ready when it does not exist.
func NewRedisStore(ctx context.Context, client redis.UniversalClient) *redisStore {
	rs := &redisStore{client: client, key: redisKey}
	b, _ := json.Marshal(State{Status: NotReady})
	_ = client.SetNX(ctx, rs.key, b, 0).Err()
	return rs
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: NotReady}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_ = r.client.Set(ctx, r.key, b, 0).Err()
}
