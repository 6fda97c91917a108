// Package pending implements the Pending-Response Table: a concurrent map
// from RequestId to a one-shot delivery slot awaiting the client's reply.
package pending

import (
	"sync"

	"github.com/svnoak/yats/internal/wire"
)

// Slot is a single-producer, single-consumer hand-off point for one
// outstanding request's response. A second Deliver is silently dropped.
type Slot struct {
	ch   chan wire.TunneledResponse
	once sync.Once
}

func newSlot() *Slot {
	return &Slot{ch: make(chan wire.TunneledResponse, 1)}
}

// Deliver hands resp to the waiter. Safe to call at most meaningfully
// once; subsequent calls are no-ops.
func (s *Slot) Deliver(resp wire.TunneledResponse) {
	s.once.Do(func() { s.ch <- resp })
}

// C returns the channel the waiter receives on.
func (s *Slot) C() <-chan wire.TunneledResponse {
	return s.ch
}

// Table is the concurrent RequestId -> Slot map. Insert and Take are both
// idempotent on absent keys; whichever of the receiver (on delivery) or the
// waiter (on timeout/teardown) calls Take first wins.
type Table struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// New returns an empty Table.
func New() *Table {
	return &Table{slots: make(map[string]*Slot)}
}

// Insert creates and registers a new Slot for id. Callers must Insert
// before handing the corresponding envelope to the session writer, so a
// fast reply can never arrive before its slot exists.
func (t *Table) Insert(id string) *Slot {
	s := newSlot()
	t.mu.Lock()
	t.slots[id] = s
	t.mu.Unlock()
	return s
}

// Take removes and returns the slot for id, if still present. Idempotent:
// calling Take again for the same id returns (nil, false).
func (t *Table) Take(id string) (*Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	if !ok {
		return nil, false
	}
	delete(t.slots, id)
	return s, true
}

// Len returns the current number of outstanding slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// TakeMany removes and returns whichever of ids are still present. A
// session's TearDown uses this with the RequestIds it recorded when
// writing each envelope, so it only reclaims slots it is responsible for —
// the table itself is shared process-wide across every client.
func (t *Table) TakeMany(ids []string) map[string]*Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*Slot, len(ids))
	for _, id := range ids {
		if s, ok := t.slots[id]; ok {
			out[id] = s
			delete(t.slots, id)
		}
	}
	return out
}
