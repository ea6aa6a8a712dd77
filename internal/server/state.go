package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gaspardpetit/mcprelay/core/logx"
	"github.com/gaspardpetit/mcprelay/internal/inflight"
	"github.com/gaspardpetit/mcprelay/internal/lifecycle"
	"github.com/gaspardpetit/mcprelay/internal/serverstate"
)

// StateSource provides relay snapshots.
type StateSource interface {
	Snapshot() lifecycle.Snapshot
}

// State is the body of /api/state. InFlight counts executor invocations
// that shutdown waits for.
type State struct {
	Status   string            `json:"status"`
	Draining bool              `json:"draining"`
	InFlight int64             `json:"in_flight"`
	Servers  []inflight.Server `json:"in_flight_servers"`
	lifecycle.Snapshot
}

// StateHandler serves state snapshots and streams.
type StateHandler struct {
	Source   StateSource
	Interval time.Duration
}

func (h *StateHandler) snapshot() State {
	c := inflight.Drainable()
	return State{
		Status:   serverstate.GetState(),
		Draining: serverstate.IsDraining(),
		InFlight: c.Load(),
		Servers:  c.Servers(),
		Snapshot: h.Source.Snapshot(),
	}
}

// GetState returns a JSON snapshot of connections and sessions.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		logx.Log.Error().Err(err).Msg("encode state")
	}
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			b, _ := json.Marshal(h.snapshot())
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
