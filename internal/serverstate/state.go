package serverstate

import "sync/atomic"

// Status values reported by GetState.
const (
	NotReady = "not_ready"
	Ready    = "ready"
	Degraded = "degraded"
	Draining = "draining"
)

// State holds the server status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the server state is persisted. Implementations may store
// state in memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// active is the currently configured Store.
var active atomic.Value

func init() {
	active.Store(storeBox{NewMemoryStore()})
}

type storeBox struct{ Store }

func current() Store { return active.Load().(storeBox).Store }

// UseStore replaces the active Store. It is safe for concurrent use.
func UseStore(s Store) {
	if s != nil {
		active.Store(storeBox{s})
	}
}

// memoryStore implements Store using an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: NotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetState updates the server status string. Draining is sticky: once
// started, status changes are ignored.
func SetState(status string) {
	s := current()
	st := s.Load()
	if st.Draining {
		return
	}
	st.Status = status
	s.Store(st)
}

// GetState returns the current server status.
func GetState() string {
	return current().Load().Status
}

// MarkDegraded flags the server degraded, typically after a failed storage
// probe. A degraded server is not Accepting, but connect attempts still run
// their registry probe (see Probing) and the first success restores ready.
func MarkDegraded() { SetState(Degraded) }

// MarkReady restores the ready status unless draining.
func MarkReady() { SetState(Ready) }

// Accepting reports whether new connections should be admitted.
func Accepting() bool {
	st := current().Load()
	return !st.Draining && st.Status == Ready
}

// Probing reports whether a connect attempt may run as a recovery probe while
// the server is degraded.
func Probing() bool {
	st := current().Load()
	return !st.Draining && st.Status == Degraded
}

// StartDrain marks the server as draining.
func StartDrain() {
	s := current()
	st := s.Load()
	st.Draining = true
	st.Status = Draining
	s.Store(st)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return current().Load().Draining
}
