package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/mcprelay/internal/dispatch"
	"github.com/gaspardpetit/mcprelay/internal/executor"
	"github.com/gaspardpetit/mcprelay/internal/lifecycle"
	"github.com/gaspardpetit/mcprelay/internal/protocol"
	"github.com/gaspardpetit/mcprelay/internal/registry"
	"github.com/gaspardpetit/mcprelay/internal/serverstate"
	"github.com/gaspardpetit/mcprelay/internal/session"
	"github.com/gaspardpetit/mcprelay/internal/transport"
)

func TestRoute(t *testing.T) {
	cases := []struct {
		body string
		want ActionKind
	}{
		{`{"id":0,"method":"initialize","params":{}}`, ActInitialize},
		{`{"id":1,"method":"ping"}`, ActPing},
		{`{"method":"notifications/initialized"}`, ActInitialized},
		{`{"id":2,"method":"tools/list"}`, ActRequest},
		{`{"method":"notifications/cancelled","params":{"requestId":2}}`, ActNotification},
		{`{"id":3,"result":{}}`, ActResponse},
		{`{"id":4`, ActMalformed},
		{`{"id":5,"method":7}`, ActMalformed},
	}
	for _, tc := range cases {
		a := Route(transport.Event{Kind: transport.EventMessage, Body: []byte(tc.body)})
		assert.Equal(t, tc.want, a.Kind, tc.body)
	}
	assert.Equal(t, ActConnect, Route(transport.Event{Kind: transport.EventConnect}).Kind)
	assert.Equal(t, ActDisconnect, Route(transport.Event{Kind: transport.EventDisconnect}).Kind)
}

type relay struct {
	url     string
	hub     *transport.Hub
	lc      *lifecycle.Manager
	reg     registry.Store
	invoked atomic.Int32
	gates   sync.Map
}

// gate returns the channel a "slow" tool call with the given name blocks on.
func (r *relay) gate(name string) chan struct{} {
	ch, _ := r.gates.LoadOrStore(name, make(chan struct{}))
	return ch.(chan struct{})
}

func (r *relay) invoke(_ context.Context, inv executor.Invocation) (executor.Result, error) {
	r.invoked.Add(1)
	var req struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(inv.Payload, &req); err != nil {
		return executor.Result{}, err
	}
	switch req.Method {
	case "tools/list":
		return executor.Result{Result: json.RawMessage(`{"tools":[{"name":"echo","inputSchema":{"type":"object"}}]}`)}, nil
	case "tools/call":
		<-r.gate(req.Params.Name)
		return executor.Result{Result: json.RawMessage(fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, req.Params.Name))}, nil
	}
	return executor.Result{Error: &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "method not found"}}, nil
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	serverstate.UseStore(serverstate.NewMemoryStore())
	serverstate.MarkReady()
	t.Cleanup(func() { serverstate.UseStore(serverstate.NewMemoryStore()) })

	r := &relay{reg: registry.NewMemoryStore()}
	require.NoError(t, r.reg.Put(context.Background(), "demo", json.RawMessage(`{"command":"demo-server","version":"0.1.0"}`)))
	table := session.NewTable(nil, 0)
	r.hub = transport.NewHub(transport.Options{})
	r.lc = lifecycle.New(r.reg, table, r.hub, lifecycle.Options{})
	d := dispatch.New(r.reg, table, executor.Func(r.invoke), r.hub, r.lc, dispatch.Options{Timeout: 5 * time.Second})
	rt := New(r.lc, d, r.hub)

	mux := chi.NewRouter()
	mux.Get("/ws", r.hub.Handler(rt))
	mux.Get("/ws/{server}", r.hub.Handler(rt))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		d.Wait()
	})
	r.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return r
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, frame string) string {
	t.Helper()
	write(t, c, frame)
	return read(t, c)
}

func write(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func read(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, msg, err := c.Read(ctx)
	require.NoError(t, err)
	return string(msg)
}

func TestDemoListTools(t *testing.T) {
	r := newRelay(t)
	c := dial(t, r.url+"/ws/demo")

	hello := roundTrip(t, c, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1"}}}`)
	assert.JSONEq(t, `{"id":0,"result":{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"demo","version":"0.1.0"}}}`, hello)
	write(t, c, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	got := roundTrip(t, c, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.JSONEq(t, `{"id":1,"result":{"tools":[{"name":"echo","inputSchema":{"type":"object"}}]}}`, got)
	assert.Equal(t, `{"id":2,"result":{}}`, roundTrip(t, c, `{"id":2,"method":"ping"}`))
	assert.Equal(t, int32(1), r.invoked.Load())
}

func TestGhostServer(t *testing.T) {
	r := newRelay(t)
	c := dial(t, r.url+"/ws/ghost")
	for i := 1; i <= 3; i++ {
		got := roundTrip(t, c, fmt.Sprintf(`{"id":%d,"method":"tools/list"}`, i))
		assert.Equal(t, fmt.Sprintf(`{"id":%d,"error":{"code":-32001,"message":"UnknownServer"}}`, i), got)
	}
	assert.Equal(t, int32(0), r.invoked.Load())
}

func TestOutOfOrderResponses(t *testing.T) {
	r := newRelay(t)
	c := dial(t, r.url+"/ws/demo")
	write(t, c, `{"id":"slow","method":"tools/call","params":{"name":"slow"}}`)
	write(t, c, `{"id":"fast","method":"tools/call","params":{"name":"fast"}}`)

	close(r.gate("fast"))
	assert.JSONEq(t, `{"id":"fast","result":{"content":[{"type":"text","text":"fast"}]}}`, read(t, c))
	close(r.gate("slow"))
	assert.JSONEq(t, `{"id":"slow","result":{"content":[{"type":"text","text":"slow"}]}}`, read(t, c))
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	r := newRelay(t)
	c := dial(t, r.url+"/ws/demo")
	assert.Equal(t, `{"id":null,"error":{"code":-32700,"message":"MalformedFrame"}}`, roundTrip(t, c, `{"id":1,`))
	assert.Equal(t, `{"id":7,"error":{"code":-32600,"message":"MalformedFrame"}}`, roundTrip(t, c, `{"id":7,"method":""}`))
	got := roundTrip(t, c, `{"id":8,"method":"tools/list"}`)
	assert.Contains(t, got, `"id":8,"result"`)
}

func TestUnknownMethodForwarded(t *testing.T) {
	r := newRelay(t)
	c := dial(t, r.url+"/ws/demo")
	assert.Equal(t, `{"id":3,"error":{"code":-32601,"message":"method not found"}}`, roundTrip(t, c, `{"id":3,"method":"resources/list"}`))
}

func TestDisconnectCleansUp(t *testing.T) {
	r := newRelay(t)
	c, resp, err := websocket.Dial(context.Background(), r.url+"/ws?server=demo", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get(transport.SessionHeader))
	require.Eventually(t, func() bool { return len(r.lc.Snapshot().Connections) == 1 }, 2*time.Second, 5*time.Millisecond)
	_ = c.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool {
		s := r.lc.Snapshot()
		return len(s.Connections) == 0 && len(s.Sessions) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.hub.Len())
}

func TestRefusedWhileDraining(t *testing.T) {
	r := newRelay(t)
	serverstate.StartDrain()
	_, resp, err := websocket.Dial(context.Background(), r.url+"/ws/demo", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}
