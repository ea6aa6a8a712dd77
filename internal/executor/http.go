package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/protocol"
)

// ContextHeader carries the JSON encoded Context to remote servers.
const ContextHeader = "X-Mcp-Relay-Context"

// HTTPExecutor forwards a request to a remote MCP server over the streamable
// HTTP transport. Every invocation opens its own upstream session so the
// relay stays stateless.
type HTTPExecutor struct {
	Client     *http.Client
	ClientInfo mcp.Implementation
}

// NewHTTPExecutor returns an HTTPExecutor identifying itself as name/version.
func NewHTTPExecutor(name, version string) *HTTPExecutor {
	return &HTTPExecutor{
		Client: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}},
		ClientInfo: mcp.Implementation{Name: name, Version: version},
	}
}

func (h *HTTPExecutor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Metadata.URL == "" {
		return Result{}, fmt.Errorf("%w: missing url", ErrNotRunnable)
	}
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(inv.Payload, &req); err != nil || req.Method == "" {
		return Result{}, fmt.Errorf("%w: invalid request payload", ErrCrash)
	}
	ctx, cancel := withDeadline(ctx, inv.Deadline)
	defer cancel()

	invCtx, _ := json.Marshal(inv.Context)
	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPHeaders(map[string]string{ContextHeader: string(invCtx)}),
	}
	if h.Client != nil {
		opts = append(opts, transport.WithHTTPBasicClient(h.Client))
	}
	t, err := transport.NewStreamableHTTP(inv.Metadata.URL, opts...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrNotRunnable, err)
	}
	defer func() { _ = t.Close() }()
	if err := t.Start(ctx); err != nil {
		return Result{}, h.classify(ctx, inv, "start", err)
	}

	version := inv.Context.ProtocolVersion
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	initReq := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(0)),
		Method:  string(mcp.MethodInitialize),
		Params: map[string]any{
			"protocolVersion": version,
			"clientInfo":      h.ClientInfo,
			"capabilities":    map[string]any{},
		},
	}
	initResp, err := t.SendRequest(ctx, initReq)
	if err != nil {
		return Result{}, h.classify(ctx, inv, string(mcp.MethodInitialize), err)
	}
	if initResp.Error != nil {
		return Result{}, fmt.Errorf("%w: %s: initialize rejected: %s", ErrCrash, inv.UnitRef, initResp.Error.Message)
	}
	_ = t.SendNotification(ctx, mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPC_VERSION, Notification: mcp.Notification{Method: protocol.MethodInitialized}})

	if len(req.ID) == 0 {
		n := mcp.JSONRPCNotification{JSONRPC: mcp.JSONRPC_VERSION, Notification: mcp.Notification{Method: req.Method}}
		if len(req.Params) > 0 {
			var fields map[string]any
			if json.Unmarshal(req.Params, &fields) == nil {
				n.Params.AdditionalFields = fields
			}
		}
		if err := t.SendNotification(ctx, n); err != nil {
			return Result{}, h.classify(ctx, inv, req.Method, err)
		}
		return Result{}, nil
	}

	call := transport.JSONRPCRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: mcp.NewRequestId(int64(1)), Method: req.Method}
	if len(req.Params) > 0 && string(req.Params) != "null" {
		call.Params = req.Params
	}
	resp, err := t.SendRequest(ctx, call)
	if err != nil {
		return Result{}, h.classify(ctx, inv, req.Method, err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrCrash, inv.UnitRef, err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(b, &rr); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrCrash, inv.UnitRef, err)
	}
	res, ok := rr.toResult()
	if !ok {
		res = Result{Result: json.RawMessage("{}")}
	}
	return res, nil
}

func (h *HTTPExecutor) classify(ctx context.Context, inv Invocation, step string, err error) error {
	logx.Log.Debug().Str("component", "executor.http").Str("server", inv.UnitRef).Str("step", step).Err(err).Msg("upstream call failed")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, inv.UnitRef)
	}
	return fmt.Errorf("%w: %s: %s: %v", ErrCrash, inv.UnitRef, step, err)
}
