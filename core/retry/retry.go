package retry

import (
	"context"
	"time"
)

// Policy bounds how often and how long a storage call is retried.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Default caps storage retries at three attempts.
var Default = Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}

// Delay returns the backoff before the given retry (0 is the first retry).
// The delay doubles per attempt and is capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// attempts are exhausted or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
