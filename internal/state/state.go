// Package state owns the command-scoped mutable context and its clearing
// policy.
//
// Ownership boundary:
// - the single Shared Operation State slot
// - the last-opcode marker
//
// Only the running handler writes the slot, and only for the duration of
// its own invocation.
package state

import "sync/atomic"

// Wiper is implemented by state values holding secrets that must be
// scrubbed before the slot is dropped.
type Wiper interface {
	Wipe()
}

// Shared is the single mutable context handed to the running handler.
type Shared struct {
	slot any
}

// Slot returns the typed state of the current opcode, allocating the zero
// value when the slot is empty or holds another type.
func Slot[T any](s *Shared) *T {
	if v, ok := s.slot.(*T); ok {
		return v
	}
	s.wipe()
	v := new(T)
	s.slot = v
	return v
}

// Empty reports whether the slot holds nothing.
func (s *Shared) Empty() bool {
	return s.slot == nil
}

func (s *Shared) wipe() {
	if w, ok := s.slot.(Wiper); ok {
		w.Wipe()
	}
	s.slot = nil
}

// ClearReason labels why the state was cleared.
type ClearReason string

const (
	ClearOpcodeChange ClearReason = "opcode_change"
	ClearFault        ClearReason = "fault"
	ClearSession      ClearReason = "session"
)

// Manager owns the shared state and the last-opcode marker for one loop.
type Manager struct {
	shared Shared
	last   byte
	clears atomic.Uint64
	notify func(ClearReason)
}

// NewManager returns a manager with cleared state. notify may be nil.
func NewManager(notify func(ClearReason)) *Manager {
	m := &Manager{notify: notify}
	m.Clear(ClearSession)
	return m
}

// Clear wipes the shared state to its zero value.
func (m *Manager) Clear(reason ClearReason) {
	m.shared.wipe()
	m.clears.Add(1)
	if m.notify != nil {
		m.notify(reason)
	}
}

// Enter records op as the active opcode, clearing the state when it differs
// from the previous one. It reports whether a clear happened.
func (m *Manager) Enter(op byte) bool {
	if op == m.last {
		return false
	}
	m.Clear(ClearOpcodeChange)
	m.last = op
	return true
}

func (m *Manager) Last() byte {
	return m.last
}

func (m *Manager) Shared() *Shared {
	return &m.shared
}

// Clears is the number of clears performed, including the initial one.
func (m *Manager) Clears() uint64 {
	return m.clears.Load()
}
