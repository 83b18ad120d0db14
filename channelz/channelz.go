// Package channelz is the process-wide telemetry registry spec.md §2
// names the Telemetry Registry: it assigns globally monotonic ids to
// server and socket refs and serves on-demand snapshots of their state.
//
// It is intentionally a small, from-scratch registry rather than a
// binding to google.golang.org/grpc/channelz: that package's entity
// graph and ID allocator are internal to grpc-go's own server/transport
// and are not meant to be driven by a foreign dispatch core, so this
// module grounds the same design (an id-to-ref map with on-demand
// snapshot functions) in its own code, styled after the counter and
// lifecycle bookkeeping the teacher's Server/ClientTransport already do
// with sync.Map and atomic counters.
package channelz

import (
	"sync"
	"sync/atomic"
)

// Kind distinguishes the two ref kinds spec.md §3 names.
type Kind int

const (
	KindServer Kind = iota
	KindSocket
)

// Ref is a telemetry ref: an id paired with a snapshot function that
// produces the current observable state. Snapshot must never cache —
// it is invoked fresh on every read, per spec.md §4.3.
type Ref struct {
	ID       int64
	Kind     Kind
	Name     string
	snapshot func() any
}

// Snapshot invokes the ref's snapshot function.
func (r *Ref) Snapshot() any {
	if r == nil || r.snapshot == nil {
		return nil
	}
	return r.snapshot()
}

// Registry assigns ids and owns the id→ref map. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	nextID  int64
	mu      sync.Mutex
	entries map[int64]*Ref
}

// NewRegistry returns an empty registry with its id counter starting at 1.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*Ref)}
}

// RegisterServer assigns a new id to a server-kind ref.
func (r *Registry) RegisterServer(snapshot func() any) *Ref {
	return r.register(KindServer, "", snapshot)
}

// RegisterSocket assigns a new id to a socket-kind ref (used for both
// listeners and accepted sessions, distinguished by Name/snapshot shape).
func (r *Registry) RegisterSocket(name string, snapshot func() any) *Ref {
	return r.register(KindSocket, name, snapshot)
}

func (r *Registry) register(kind Kind, name string, snapshot func() any) *Ref {
	id := atomic.AddInt64(&r.nextID, 1)
	ref := &Ref{ID: id, Kind: kind, Name: name, snapshot: snapshot}
	r.mu.Lock()
	r.entries[id] = ref
	r.mu.Unlock()
	return ref
}

// Unregister removes ref from the registry. Idempotent: unregistering an
// already-absent ref (including nil) is a no-op, which is what lets
// server.Server layer a CAS-guarded "unregistered once" flag on top
// without the registry itself double-erroring.
func (r *Registry) Unregister(ref *Ref) {
	if ref == nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, ref.ID)
	r.mu.Unlock()
}

// Lookup returns the live ref for id, for external inspection callers
// (e.g. a future channelz-compatible debug endpoint).
func (r *Registry) Lookup(id int64) (*Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.entries[id]
	return ref, ok
}

// ChildrenTracker tracks the parent/child relationship spec.md §3
// invariants 3 and 4 require: a server refs its listeners and sessions
// as children for the lifetime of the relationship.
type ChildrenTracker struct {
	mu       sync.Mutex
	children map[int64]*Ref
}

// RefChild adds ref as a child. A nil tracker is a no-op, so callers
// that don't care about parent/child accounting (most tests) can leave
// their ChildrenTracker unset.
func (t *ChildrenTracker) RefChild(ref *Ref) {
	if t == nil || ref == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.children == nil {
		t.children = make(map[int64]*Ref)
	}
	t.children[ref.ID] = ref
}

// UnrefChild removes ref as a child. A nil tracker is a no-op.
func (t *ChildrenTracker) UnrefChild(ref *Ref) {
	if t == nil || ref == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, ref.ID)
}

// ChildIDs returns the ids of every currently-referenced child.
func (t *ChildrenTracker) ChildIDs() []int64 {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.children))
	for id := range t.children {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently-referenced children.
func (t *ChildrenTracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.children)
}
