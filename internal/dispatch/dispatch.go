// Package dispatch hands client requests to the executor and pushes the
// outcome back to the originating connection.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/executor"
	"github.com/gaspardpetit/mcprelay/internal/inflight"
	"github.com/gaspardpetit/mcprelay/internal/metrics"
	"github.com/gaspardpetit/mcprelay/internal/protocol"
	"github.com/gaspardpetit/mcprelay/internal/registry"
	"github.com/gaspardpetit/mcprelay/internal/session"
	"github.com/gaspardpetit/mcprelay/internal/transport"
)

// Sender pushes a frame onto a connection's outbound queue.
type Sender interface {
	Send(ctx context.Context, connID string, frame []byte) error
}

// Closer tears a connection down through the lifecycle manager.
type Closer interface {
	Close(ctx context.Context, connID, reason string)
}

// Sessions resolves the session attached to a connection.
type Sessions interface {
	ByConnection(connID string) (*session.Session, bool)
}

// Options tunes the dispatcher.
type Options struct {
	// Timeout is the invocation deadline ceiling. Metadata may lower it.
	Timeout time.Duration
	// MaxInflight caps pending requests per session; zero disables it.
	MaxInflight          int
	ForwardNotifications bool
}

// Dispatcher submits requests to the executor. Invocations run concurrently;
// results are sent in completion order.
type Dispatcher struct {
	reg      registry.Store
	sessions Sessions
	exec     executor.Executor
	out      Sender
	closer   Closer
	opts     Options
	inflight *inflight.Counter
	wg       sync.WaitGroup
	now      func() time.Time
}

// New builds a Dispatcher. reg should already retry transient failures.
func New(reg registry.Store, sessions Sessions, exec executor.Executor, out Sender, closer Closer, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		reg:      reg,
		sessions: sessions,
		exec:     exec,
		out:      out,
		closer:   closer,
		opts:     opts,
		inflight: inflight.Drainable(),
		now:      time.Now,
	}
}

type target struct {
	session *session.Session
	server  string
	md      registry.Metadata
}

// resolve finds the bound server for connID. On failure it returns the error
// frame to send and whether the connection must be closed after it.
func (d *Dispatcher) resolve(ctx context.Context, connID string, id []byte, log zerolog.Logger) (target, []byte, bool) {
	s, ok := d.sessions.ByConnection(connID)
	if !ok || s.ServerID() == "" {
		metrics.Rejected("unknown_server")
		log.Debug().Msg("no server bound to session")
		return target{}, protocol.ErrorFrame(id, protocol.CodeUnknownServer, protocol.MsgUnknownServer), false
	}
	serverID := s.ServerID()
	entry, err := d.reg.Get(ctx, serverID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		metrics.Rejected("unknown_server")
		log.Info().Str("server", serverID).Str("error_code", protocol.MsgUnknownServer).Msg("server not registered")
		return target{}, protocol.ErrorFrame(id, protocol.CodeUnknownServer, protocol.MsgUnknownServer), false
	case err != nil:
		metrics.Rejected("storage_unavailable")
		log.Error().Err(err).Str("server", serverID).Str("error_code", protocol.MsgStorageUnavailable).Msg("registry lookup failed")
		return target{}, protocol.ErrorFrame(id, protocol.CodeInternalError, protocol.MsgStorageUnavailable), true
	}
	md, err := entry.Metadata()
	if err != nil {
		metrics.Rejected("invalid_metadata")
		log.Warn().Err(err).Str("server", serverID).Msg("invalid server metadata")
		return target{}, protocol.ErrorFrame(id, protocol.CodeInternalError, protocol.MsgInvalidMetadata), false
	}
	return target{session: s, server: serverID, md: md}, nil, false
}

// Submit dispatches a client request. Rejections are answered immediately;
// accepted requests complete asynchronously.
func (d *Dispatcher) Submit(ctx context.Context, connID string, msg protocol.Message) {
	log := logx.Log.With().Str("component", "dispatch").Str("conn_id", connID).Str("req_id", msg.IDKey()).Str("method", msg.Method).Logger()
	t, frame, fatal := d.resolve(ctx, connID, msg.ID, log)
	if frame != nil {
		d.reply(ctx, connID, frame, log)
		if fatal {
			d.closer.Close(ctx, connID, "registry unavailable")
		}
		return
	}
	now := d.now()
	p, err := t.session.AddPending(msg.IDKey(), msg.Method, now, d.opts.MaxInflight)
	switch {
	case errors.Is(err, session.ErrDuplicate):
		metrics.Rejected("duplicate_request")
		log.Warn().Str("error_code", protocol.MsgDuplicateRequest).Msg("request id already pending")
		d.reply(ctx, connID, protocol.ErrorFrame(msg.ID, protocol.CodeInvalidRequest, protocol.MsgDuplicateRequest), log)
		return
	case errors.Is(err, session.ErrLimit):
		metrics.Rejected("limit_exceeded")
		log.Warn().Str("error_code", protocol.MsgLimitExceeded).Int("limit", d.opts.MaxInflight).Msg("too many concurrent requests")
		d.reply(ctx, connID, protocol.ErrorFrame(msg.ID, protocol.CodeLimitExceeded, protocol.MsgLimitExceeded), log)
		return
	}
	metrics.PendingAdded()

	inv := executor.Invocation{
		UnitRef:  t.server,
		Metadata: t.md,
		Context: executor.Context{
			SessionID:       t.session.ID(),
			ConnectionID:    connID,
			ServerID:        t.server,
			ProtocolVersion: t.session.ProtocolVersion(),
		},
		Payload:  msg.JSONRPC(),
		Deadline: now.Add(t.md.TimeoutOr(d.opts.Timeout)),
	}
	d.wg.Add(1)
	d.inflight.Inc(t.server)
	go d.run(connID, t.session, p, msg, inv, log.With().Str("server", t.server).Str("session_id", t.session.ID()).Logger())
}

func (d *Dispatcher) run(connID string, s *session.Session, p *session.Pending, msg protocol.Message, inv executor.Invocation, log zerolog.Logger) {
	defer d.wg.Done()
	defer d.inflight.Dec(inv.UnitRef)
	ctx, cancel := context.WithDeadline(context.Background(), inv.Deadline)
	defer cancel()

	start := time.Now()
	res, err := d.exec.Invoke(ctx, inv)
	metrics.PendingRemoved()
	cancelled, ok := s.Complete(p)
	if !ok {
		return
	}

	frame, outcome := completionFrame(msg.ID, res, err)
	metrics.ObserveDispatch(inv.UnitRef, outcome, time.Since(start))
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("mcp request complete")
	if cancelled {
		log.Debug().Msg("connection closed before completion; result discarded")
		return
	}
	d.reply(context.Background(), connID, frame, log)
}

// completionFrame maps an executor outcome to the frame sent to the client.
func completionFrame(id []byte, res executor.Result, err error) ([]byte, string) {
	switch {
	case err == nil && res.Error != nil:
		return protocol.ErrorFrame(id, res.Error.Code, res.Error.Message), metrics.OutcomeRPCError
	case err == nil:
		return protocol.ResultFrame(id, res.Result), metrics.OutcomeOK
	case errors.Is(err, executor.ErrTimeout):
		return protocol.ErrorFrame(id, protocol.CodeExecTimeout, protocol.MsgExecutorTimeout), metrics.OutcomeTimeout
	case errors.Is(err, executor.ErrNotRunnable):
		return protocol.ErrorFrame(id, protocol.CodeInternalError, protocol.MsgInvalidMetadata), metrics.OutcomeInvalidMetadata
	case errors.Is(err, executor.ErrOutOfMemory):
		return protocol.ErrorFrame(id, protocol.CodeExecCrash, protocol.MsgExecutorCrash), metrics.OutcomeOutOfMemory
	default:
		return protocol.ErrorFrame(id, protocol.CodeExecCrash, protocol.MsgExecutorCrash), metrics.OutcomeCrash
	}
}

// reply sends frame; a vanished connection is handed to the lifecycle
// manager for cleanup and never retried.
func (d *Dispatcher) reply(ctx context.Context, connID string, frame []byte, log zerolog.Logger) {
	err := d.out.Send(ctx, connID, frame)
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrConnectionGone) {
		log.Warn().Err(err).Msg("connection gone; dropping frame")
	} else {
		log.Warn().Err(err).Msg("send failed; closing connection")
	}
	d.closer.Close(context.Background(), connID, "send failed")
}

// Notify forwards a client notification fire-and-forget when enabled.
func (d *Dispatcher) Notify(ctx context.Context, connID string, msg protocol.Message) {
	log := logx.Log.With().Str("component", "dispatch").Str("conn_id", connID).Str("method", msg.Method).Logger()
	if !d.opts.ForwardNotifications {
		log.Debug().Msg("notification dropped")
		return
	}
	t, frame, _ := d.resolve(ctx, connID, nil, log)
	if frame != nil {
		return
	}
	inv := executor.Invocation{
		UnitRef:  t.server,
		Metadata: t.md,
		Context:  executor.Context{SessionID: t.session.ID(), ConnectionID: connID, ServerID: t.server, ProtocolVersion: t.session.ProtocolVersion()},
		Payload:  msg.JSONRPC(),
		Deadline: d.now().Add(t.md.TimeoutOr(d.opts.Timeout)),
	}
	d.wg.Add(1)
	d.inflight.Inc(t.server)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Dec(t.server)
		ctx, cancel := context.WithDeadline(context.Background(), inv.Deadline)
		defer cancel()
		if _, err := d.exec.Invoke(ctx, inv); err != nil {
			log.Debug().Err(err).Str("server", t.server).Msg("notification forward failed")
		}
	}()
}

// Response acknowledges a client response. Executors never issue requests to
// clients, so there is nothing to correlate it with.
func (d *Dispatcher) Response(_ context.Context, connID string, msg protocol.Message) {
	logx.Log.Debug().Str("component", "dispatch").Str("conn_id", connID).Str("req_id", msg.IDKey()).Msg("client response discarded")
}

// Wait blocks until every started invocation finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
