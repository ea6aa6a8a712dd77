// Package router classifies inbound frames and hands them to the lifecycle
// manager or the dispatcher.
package router

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/lifecycle"
	"github.com/gaspardpetit/mcprelay/internal/metrics"
	"github.com/gaspardpetit/mcprelay/internal/protocol"
	"github.com/gaspardpetit/mcprelay/internal/transport"
)

const (
	methodInitialize  = string(mcp.MethodInitialize)
	methodPing        = string(mcp.MethodPing)
	methodInitialized = protocol.MethodInitialized
)

// ActionKind is what the relay does with an event.
type ActionKind int

const (
	ActConnect ActionKind = iota
	ActDisconnect
	ActInitialize
	ActPing
	ActInitialized
	ActRequest
	ActNotification
	ActResponse
	ActMalformed
)

func (k ActionKind) String() string {
	switch k {
	case ActConnect:
		return "connect"
	case ActDisconnect:
		return "disconnect"
	case ActInitialize:
		return "initialize"
	case ActPing:
		return "ping"
	case ActInitialized:
		return "initialized"
	case ActRequest:
		return "request"
	case ActNotification:
		return "notification"
	case ActResponse:
		return "response"
	case ActMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Action is the routing decision for one event.
type Action struct {
	Kind      ActionKind
	Message   protocol.Message
	Malformed *protocol.MalformedError
}

// Route classifies ev without side effects.
func Route(ev transport.Event) Action {
	switch ev.Kind {
	case transport.EventConnect:
		return Action{Kind: ActConnect}
	case transport.EventDisconnect:
		return Action{Kind: ActDisconnect}
	}
	msg, err := protocol.Parse(ev.Body)
	if err != nil {
		var me *protocol.MalformedError
		if !errors.As(err, &me) {
			me = &protocol.MalformedError{Code: protocol.CodeParseError, Reason: err.Error()}
		}
		return Action{Kind: ActMalformed, Malformed: me}
	}
	a := Action{Message: msg}
	switch {
	case msg.Kind == protocol.KindResponse:
		a.Kind = ActResponse
	case msg.Kind == protocol.KindRequest && msg.Method == methodInitialize:
		a.Kind = ActInitialize
	case msg.Kind == protocol.KindRequest && msg.Method == methodPing:
		a.Kind = ActPing
	case msg.Kind == protocol.KindRequest:
		a.Kind = ActRequest
	case msg.Method == methodInitialized:
		a.Kind = ActInitialized
	default:
		a.Kind = ActNotification
	}
	return a
}

// Lifecycle is the connection manager surface the router drives.
type Lifecycle interface {
	Connect(ctx context.Context, req lifecycle.ConnectRequest) (lifecycle.Accepted, error)
	Close(ctx context.Context, connID, reason string)
	Touch(connID string)
	ConnectionState(connID string) (lifecycle.State, bool)
	Initialize(ctx context.Context, connID string, msg protocol.Message) ([]byte, error)
	Ping(connID string, msg protocol.Message) []byte
}

// Dispatcher executes requests and notifications.
type Dispatcher interface {
	Submit(ctx context.Context, connID string, msg protocol.Message)
	Notify(ctx context.Context, connID string, msg protocol.Message)
	Response(ctx context.Context, connID string, msg protocol.Message)
}

// Sender queues frames for a connection.
type Sender interface {
	Send(ctx context.Context, connID string, frame []byte) error
}

// Router implements transport.Handler.
type Router struct {
	lc  Lifecycle
	d   Dispatcher
	out Sender
}

// New builds a Router.
func New(lc Lifecycle, d Dispatcher, out Sender) *Router {
	return &Router{lc: lc, d: d, out: out}
}

// Handle routes one transport event. Message events of a connection arrive
// in order; requests are submitted in that order.
func (r *Router) Handle(ctx context.Context, ev transport.Event) transport.Outcome {
	switch ev.Kind {
	case transport.EventConnect:
		acc, err := r.lc.Connect(ctx, lifecycle.ConnectRequest{
			ConnectionID: ev.ConnectionID,
			ServerID:     ev.ServerID,
			ResumeToken:  ev.ResumeToken,
			RemoteAddr:   ev.RemoteAddr,
		})
		return transport.Outcome{SessionID: acc.SessionID, Err: err}
	case transport.EventDisconnect:
		reason := ev.Reason
		if reason == "" {
			reason = "transport closed"
		}
		r.lc.Close(ctx, ev.ConnectionID, reason)
		return transport.Outcome{}
	}

	log := logx.Log.With().Str("component", "router").Str("conn_id", ev.ConnectionID).Logger()
	if st, ok := r.lc.ConnectionState(ev.ConnectionID); !ok || st != lifecycle.Open {
		metrics.Rejected("not_open")
		log.Debug().Str("state", st.String()).Msg("frame on connection that is not open; dropped")
		return transport.Outcome{}
	}
	r.lc.Touch(ev.ConnectionID)
	a := Route(ev)
	metrics.FrameRouted(a.Kind.String())

	switch a.Kind {
	case ActMalformed:
		metrics.Rejected("malformed_frame")
		log.Warn().Str("error_code", protocol.MsgMalformedFrame).Str("reason", a.Malformed.Reason).Msg("malformed frame")
		r.send(ctx, ev.ConnectionID, a.Malformed.Frame())
	case ActInitialize:
		frame, err := r.lc.Initialize(ctx, ev.ConnectionID, a.Message)
		r.send(ctx, ev.ConnectionID, frame)
		if err != nil {
			log.Error().Err(err).Msg("initialize failed; closing connection")
			r.lc.Close(ctx, ev.ConnectionID, "storage unavailable")
		}
	case ActPing:
		r.send(ctx, ev.ConnectionID, r.lc.Ping(ev.ConnectionID, a.Message))
	case ActInitialized:
		log.Debug().Msg("client initialized")
	case ActRequest:
		r.d.Submit(ctx, ev.ConnectionID, a.Message)
	case ActNotification:
		r.d.Notify(ctx, ev.ConnectionID, a.Message)
	case ActResponse:
		r.d.Response(ctx, ev.ConnectionID, a.Message)
	}
	return transport.Outcome{}
}

func (r *Router) send(ctx context.Context, connID string, frame []byte) {
	if err := r.out.Send(ctx, connID, frame); err != nil {
		logx.Log.Warn().Str("component", "router").Str("conn_id", connID).Err(err).Msg("send failed; closing connection")
		r.lc.Close(ctx, connID, "send failed")
	}
}
