package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/protocol"
	"github.com/gaspardpetit/mcprelay/internal/registry"
)

var defaultCapabilities = json.RawMessage(`{"tools":{}}`)

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    json.RawMessage    `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// NegotiateVersion returns requested when supported, else the latest
// protocol version.
func NegotiateVersion(requested string) string {
	if slices.Contains(mcp.ValidProtocolVersions, requested) {
		return requested
	}
	return mcp.LATEST_PROTOCOL_VERSION
}

// Initialize answers an initialize request for the session on connID. The
// returned frame is always sent; a non-nil error means the connection must
// be closed afterwards.
func (m *Manager) Initialize(ctx context.Context, connID string, msg protocol.Message) ([]byte, error) {
	log := logx.Log.With().Str("component", "lifecycle").Str("conn_id", connID).Logger()
	s, ok := m.sessions.ByConnection(connID)
	if !ok || s.ServerID() == "" {
		return protocol.ErrorFrame(msg.ID, protocol.CodeUnknownServer, protocol.MsgUnknownServer), nil
	}
	serverID := s.ServerID()
	entry, err := m.reg.Get(ctx, serverID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return protocol.ErrorFrame(msg.ID, protocol.CodeUnknownServer, protocol.MsgUnknownServer), nil
	case err != nil:
		return protocol.ErrorFrame(msg.ID, protocol.CodeInternalError, protocol.MsgStorageUnavailable), fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	md, err := entry.Metadata()
	if err != nil {
		log.Warn().Err(err).Str("server", serverID).Msg("invalid server metadata")
		return protocol.ErrorFrame(msg.ID, protocol.CodeInternalError, protocol.MsgInvalidMetadata), nil
	}

	var p initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return protocol.ErrorFrame(msg.ID, protocol.CodeInvalidRequest, protocol.MsgMalformedFrame), nil
		}
	}
	version := NegotiateVersion(p.ProtocolVersion)
	s.SetProtocolVersion(version)
	s.Touch(m.now())
	if err := m.sessions.Save(ctx, s); err != nil {
		return protocol.ErrorFrame(msg.ID, protocol.CodeInternalError, protocol.MsgStorageUnavailable), fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	caps := md.Capabilities
	if len(caps) == 0 || string(caps) == "null" {
		caps = defaultCapabilities
	}
	serverVersion := md.Version
	if serverVersion == "" {
		serverVersion = "unknown"
	}
	res, err := json.Marshal(initializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      mcp.Implementation{Name: serverID, Version: serverVersion},
	})
	if err != nil {
		return protocol.ErrorFrame(msg.ID, protocol.CodeInternalError, protocol.MsgInvalidMetadata), nil
	}
	log.Info().Str("session_id", s.ID()).Str("server", serverID).Str("protocol_version", version).
		Str("client", p.ClientInfo.Name).Msg("session initialized")
	return protocol.ResultFrame(msg.ID, res), nil
}

// Ping answers a liveness request.
func (m *Manager) Ping(connID string, msg protocol.Message) []byte {
	m.Touch(connID)
	return protocol.ResultFrame(msg.ID, nil)
}

// ConnectionView is the JSON view of a connection.
type ConnectionView struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	SessionID    string    `json:"session_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionView is the JSON view of a session.
type SessionView struct {
	ID              string     `json:"id"`
	ServerID        string     `json:"server_id,omitempty"`
	ProtocolVersion string     `json:"protocol_version,omitempty"`
	ConnectionID    string     `json:"connection_id,omitempty"`
	Pending         int        `json:"pending"`
	LastActivity    time.Time  `json:"last_activity"`
	DetachedAt      *time.Time `json:"detached_at,omitempty"`
}

// Snapshot is the relay state served on /api/state.
type Snapshot struct {
	Connections []ConnectionView `json:"connections"`
	Sessions    []SessionView    `json:"sessions"`
	Pending     int              `json:"pending"`
}

// Snapshot returns a point-in-time view ordered by id.
func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{Connections: []ConnectionView{}, Sessions: []SessionView{}}
	m.mu.Lock()
	for _, c := range m.conns {
		snap.Connections = append(snap.Connections, ConnectionView{
			ID:           c.ID,
			State:        c.State.String(),
			SessionID:    c.SessionID,
			RemoteAddr:   c.RemoteAddr,
			Created:      c.Created,
			LastActivity: c.LastActivity,
		})
	}
	m.mu.Unlock()
	slices.SortFunc(snap.Connections, func(a, b ConnectionView) int { return strings.Compare(a.ID, b.ID) })
	for _, s := range m.sessions.Sessions() {
		r := s.Record()
		v := SessionView{
			ID:              r.ID,
			ServerID:        r.ServerID,
			ProtocolVersion: r.ProtocolVersion,
			ConnectionID:    r.ConnectionID,
			Pending:         s.PendingCount(),
			LastActivity:    r.LastActivity,
		}
		if !r.DetachedAt.IsZero() {
			d := r.DetachedAt
			v.DetachedAt = &d
		}
		snap.Pending += v.Pending
		snap.Sessions = append(snap.Sessions, v)
	}
	return snap
}
