package serverstate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore(t *testing.T) {
	prev := current()
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := GetState(); got != NotReady {
		t.Fatalf("initial state = %q; want %q", got, NotReady)
	}
	if Accepting() {
		t.Fatalf("not_ready must not accept")
	}
	MarkReady()
	if !Accepting() {
		t.Fatalf("ready must accept")
	}
	MarkDegraded()
	if Accepting() || !Probing() || GetState() != Degraded {
		t.Fatalf("degraded state = %q accepting=%v probing=%v", GetState(), Accepting(), Probing())
	}
	MarkReady()
	if Probing() {
		t.Fatalf("ready must not be probing")
	}
	MarkDegraded()
	StartDrain()
	if Probing() {
		t.Fatalf("draining must not be probing")
	}
	if got := GetState(); got != Draining {
		t.Fatalf("state after StartDrain = %q; want %q", got, Draining)
	}
	MarkReady()
	if !IsDraining() || Accepting() {
		t.Fatalf("drain must be sticky")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()

	prev := current()
	defer UseStore(prev)
	UseStore(NewRedisStore(context.Background(), c))
	if got := GetState(); got != NotReady {
		t.Fatalf("initial state = %q", got)
	}
	MarkReady()

	// a second instance sharing the redis observes the same state
	other := NewRedisStore(context.Background(), c)
	if st := other.Load(); st.Status != Ready {
		t.Fatalf("shared state = %q", st.Status)
	}
	StartDrain()
	if st := other.Load(); !st.Draining {
		t.Fatalf("drain not shared")
	}
}
