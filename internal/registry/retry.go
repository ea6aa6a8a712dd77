package registry

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/mcprelay/core/retry"
)

type retryStore struct {
	Store
	policy retry.Policy
}

// WithRetry retries transient failures of s with p. Not-found and
// validation errors are returned on the first attempt.
func WithRetry(s Store, p retry.Policy) Store {
	return &retryStore{Store: s, policy: p}
}

func (r *retryStore) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		var err error
		e, err = r.Store.Get(ctx, id)
		return err
	})
	return e, err
}

func (r *retryStore) Put(ctx context.Context, id string, doc json.RawMessage) error {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		return r.Store.Put(ctx, id, doc)
	})
}

func (r *retryStore) List(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	err := retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		var err error
		ids, err = r.Store.List(ctx, prefix)
		return err
	})
	return ids, err
}

func (r *retryStore) Delete(ctx context.Context, id string) error {
	return retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		return r.Store.Delete(ctx, id)
	})
}
