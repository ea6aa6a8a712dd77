// Package inflight tracks executor invocations per server. Shutdown waits on
// the total reaching zero; /api/state reports the per-server breakdown.
package inflight

import (
	"context"
	"sort"
	"sync"
)

// Counter counts in-flight invocations by server id.
type Counter struct {
	mu       sync.Mutex
	total    int64
	byServer map[string]int64
	zeroCh   chan struct{}
}

// Server is one row of a Counter snapshot.
type Server struct {
	ServerID string `json:"server_id"`
	InFlight int64  `json:"in_flight"`
}

// Inc records an invocation starting against server.
func (c *Counter) Inc(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()
	if c.total == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.total++
	c.byServer[server]++
}

// Dec records an invocation against server finishing. Unmatched calls are
// ignored.
func (c *Counter) Dec(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()
	n, ok := c.byServer[server]
	if !ok || n <= 0 {
		return
	}
	if n == 1 {
		delete(c.byServer, server)
	} else {
		c.byServer[server] = n - 1
	}
	c.total--
	if c.total == 0 {
		close(c.zeroCh)
	}
}

// Load returns the total in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Servers returns the servers with invocations in flight, sorted by id.
func (c *Counter) Servers() []Server {
	c.mu.Lock()
	out := make([]Server, 0, len(c.byServer))
	for id, n := range c.byServer {
		out = append(out, Server{ServerID: id, InFlight: n})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// WaitForZero blocks until nothing is in flight or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.initLocked()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Counter) initLocked() {
	if c.byServer == nil {
		c.byServer = map[string]int64{}
	}
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.total == 0 {
			close(c.zeroCh)
		}
	}
}

var drainable Counter

// Drainable returns the shared counter that shutdown drains.
func Drainable() *Counter { return &drainable }

// DrainableCount returns the shared in-flight total.
func DrainableCount() int64 { return drainable.Load() }

// DrainableWaitForZero blocks until the shared counter reaches zero or ctx ends.
func DrainableWaitForZero(ctx context.Context) bool { return drainable.WaitForZero(ctx) }
