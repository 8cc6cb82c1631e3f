// Package hub implements the session registry and broadcast primitive
// described in spec.md §4.4: a fixed-capacity slot table shared between
// a reactor goroutine (dispatching readable events) and any producer
// goroutine that calls Broadcast (the video ingest goroutine, or the
// telemetry reactor itself).
package hub

import (
	"errors"
	"sync"

	"wsrelay/internal/session"
)

// DefaultCapacity is the hub's fixed upper bound on concurrent sessions,
// spec.md §3: "Capacity is a fixed upper bound (default 1024)."
const DefaultCapacity = 1024

// ErrFull is returned by Insert when the hub is at capacity; spec.md
// §4.4/§7: "Hub saturation: refuse new accept; log; listener remains open."
var ErrFull = errors.New("hub: at capacity")

// Detacher is implemented by the reactor to remove a session's fd from
// the epoll instance. The hub never talks to epoll directly; it only
// calls back through this seam, keeping the cyclic session/hub/reactor
// inclusion from spec.md §9 one-directional.
type Detacher interface {
	Detach(fd int)
}

// Hub is the set of sessions bound to one listener (one per pipeline:
// telemetry or video).
type Hub struct {
	mu       sync.Mutex
	slots    []*session.Session
	detacher Detacher

	// sticky is the pre-encoded binary frame replayed to newly opened
	// sessions before any live frames (video hub only; spec.md §3/§4.7).
	sticky []byte
}

// New creates a hub with the given slot capacity. detacher may be nil and
// supplied later via SetDetacher — the reactor that owns a hub's epoll
// registrations typically must be constructed with a reference to the
// hub, so the two are wired together after both exist.
func New(capacity int, detacher Detacher) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		slots:    make([]*session.Session, capacity),
		detacher: detacher,
	}
}

// SetDetacher wires the reactor responsible for this hub's epoll
// registrations. Safe to call once after both the hub and its reactor
// have been constructed.
func (h *Hub) SetDetacher(d Detacher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detacher = d
}

// Insert places a freshly accepted session into the first free slot. The
// reactor is responsible for registering the fd with epoll itself;
// Insert only manages the hub's bookkeeping, per spec.md §4.4 (the
// registration step is folded into the reactor's accept loop, which calls
// Insert and then registers the fd, one after the other on the reactor
// goroutine; the hub's own invariant is state-table-only).
func (h *Hub) Insert(s *session.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, slot := range h.slots {
		if slot == nil {
			h.slots[i] = s
			return nil
		}
	}
	return ErrFull
}

// Remove detaches and closes the session occupying fd, if any. This is
// the single place a session's fd is released, per spec.md §5's
// resource discipline.
func (h *Hub) Remove(fd int) {
	h.mu.Lock()
	var found *session.Session
	for i, slot := range h.slots {
		if slot != nil && slot.Fd == fd {
			found = slot
			h.slots[i] = nil
			break
		}
	}
	h.mu.Unlock()

	if found == nil {
		return
	}
	if h.detacher != nil {
		h.detacher.Detach(fd)
	}
	found.Close()
}

// Snapshot returns the sessions currently occupying a slot, for the
// reactor to dispatch readiness events against by fd. It is a copy; the
// reactor must not mutate the hub's slot table through it.
func (h *Hub) Snapshot() []*session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session.Session, 0, len(h.slots))
	for _, s := range h.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast delivers frame to every Open, handshake-complete session.
// Per spec.md §4.4/§8 it snapshots the session list under the lock and
// performs the writes outside it, so a slow client cannot hold up
// Insert/Remove for longer than the snapshot copy takes. Sessions whose
// write fails are returned so the caller (the pipeline that broadcast) can transition them
// to Closing and eventually Remove them — broadcast itself never
// retries or removes, per spec.md §4.4 ("do not retry within the
// broadcast call").
func (h *Hub) Broadcast(frame []byte) (failed []*session.Session) {
	targets := h.openSnapshot()
	for _, s := range targets {
		if err := s.SendFrame(frame); err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

func (h *Hub) openSnapshot() []*session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session.Session, 0, len(h.slots))
	for _, s := range h.slots {
		if s != nil && s.State == session.StateOpen && s.HandshakeDone {
			out = append(out, s)
		}
	}
	return out
}

// SetStickyConfig stores the sticky configuration frame, idempotently
// (first write wins) per spec.md §4.4: "idempotent set-once-per-upstream-session."
// Used by the video hub only.
func (h *Hub) SetStickyConfig(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sticky != nil {
		return
	}
	h.sticky = frame
}

// StickyConfig returns the currently set sticky frame, or nil if none.
func (h *Hub) StickyConfig() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sticky
}

// ClearStickyConfig drops the sticky frame so the next upstream session
// can publish a fresh one, per spec.md §4.5: "The sticky config must be
// cleared so the next upstream session can publish a fresh one."
func (h *Hub) ClearStickyConfig() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sticky = nil
}

// ReplayStickyConfigTo sends the sticky frame (if any) to s, marking it
// replayed so a later call is a no-op. Spec.md §4.4: "replay occurs on
// the session's transition to Open, before any live frames."
func (h *Hub) ReplayStickyConfigTo(s *session.Session) error {
	frame := h.StickyConfig()
	if frame == nil || s.StickyReplayed {
		return nil
	}
	s.StickyReplayed = true
	return s.SendFrame(frame)
}

// Len reports the number of occupied slots, mostly for tests/metrics.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.slots {
		if s != nil {
			n++
		}
	}
	return n
}
