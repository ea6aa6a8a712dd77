// Package executor runs one MCP request against a server described by its
// registry metadata and returns the JSON-RPC outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gaspardpetit/mcprelay/internal/protocol"
	"github.com/gaspardpetit/mcprelay/internal/registry"
)

var (
	ErrTimeout = errors.New("executor deadline exceeded")
	ErrCrash   = errors.New("executor crashed")
	// ErrOutOfMemory is a crash caused by the memory ceiling.
	ErrOutOfMemory = fmt.Errorf("%w: memory ceiling exceeded", ErrCrash)
	// ErrNotRunnable means the metadata names nothing the executor can run.
	ErrNotRunnable = errors.New("server metadata has no runnable target")
)

// Context is the session context handed to every invocation.
type Context struct {
	SessionID       string `json:"session_id"`
	ConnectionID    string `json:"connection_id,omitempty"`
	ServerID        string `json:"server_id"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// Invocation is a single stateless call.
type Invocation struct {
	UnitRef  string
	Metadata registry.Metadata
	Context  Context
	// Payload is the JSON-RPC 2.0 request sent to the server.
	Payload  json.RawMessage
	Deadline time.Time
}

// Result is the server outcome: exactly one of Result or Error is set.
type Result struct {
	Result json.RawMessage
	Error  *protocol.Error
}

// Executor is the stateless compute boundary. Implementations must honour
// Invocation.Deadline and never retry.
type Executor interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, inv Invocation) (Result, error)

func (f Func) Invoke(ctx context.Context, inv Invocation) (Result, error) { return f(ctx, inv) }

func withDeadline(ctx context.Context, d time.Time) (context.Context, context.CancelFunc) {
	if d.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, d)
}

// rpcResponse is the subset of a JSON-RPC response the relay forwards.
type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r rpcResponse) toResult() (Result, bool) {
	if r.Error != nil {
		return Result{Error: &protocol.Error{Code: r.Error.Code, Message: r.Error.Message}}, true
	}
	if len(r.Result) > 0 {
		return Result{Result: r.Result}, true
	}
	return Result{}, false
}
