// Package registry owns the known peer set and each peer's health record.
// All mutation funnels through per-peer serialized updates: two transitions
// for the same peer are never in flight at once, while distinct peers may
// be updated concurrently.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a peer ID is not registered.
var ErrNotFound = errors.New("peer not found")

// State is a peer's health state.
type State int

const (
	// StateUnknown means the peer has never been successfully probed.
	StateUnknown State = iota
	StateAlive
	StateSuspect
	StateDead
	// StateSelfIsolated applies to the local node's own record only.
	StateSelfIsolated
)

// String returns the wire/log representation of a State.
func (s State) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StateSuspect:
		return "SUSPECT"
	case StateDead:
		return "DEAD"
	case StateSelfIsolated:
		return "SELF_ISOLATED"
	default:
		return "UNKNOWN"
	}
}

// Peer is one monitored node's health record.
type Peer struct {
	ID   string
	Addr string

	State          State
	LastSeen       time.Time // last successful direct probe
	LastTransition time.Time

	// Hysteresis counters, explicit so replayed inputs are deterministic.
	Failures        int       // consecutive direct-probe failures
	ConfirmedRounds int       // classifier-confirmed down rounds while SUSPECT
	SuspectSince    time.Time // entry time of the current SUSPECT episode
	DownSince       time.Time // entry time of the current DEAD episode
}

type entry struct {
	mu sync.Mutex
	p  Peer
}

// Registry is the single shared mutable store of peer records.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Upsert registers a peer, or refreshes its address if already present.
// New peers start UNKNOWN: they are never classified as down until the
// first successful direct probe.
func (r *Registry) Upsert(id, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.mu.Lock()
		e.p.Addr = addr
		e.mu.Unlock()
		return
	}
	r.entries[id] = &entry{p: Peer{ID: id, Addr: addr, State: StateUnknown}}
}

// Remove drops a peer from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns a copy of the peer record.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Peer{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, true
}

// List returns a point-in-time snapshot of all peers, ordered by ID.
// Safe to iterate while mutations proceed elsewhere.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	peers := make([]Peer, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		peers = append(peers, e.p)
		e.mu.Unlock()
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Update applies fn to the peer record under its per-peer lock.
func (r *Registry) Update(id string, fn func(p *Peer)) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.p)
	return nil
}

// ApplyTransition atomically moves a peer to next, stamps the transition
// time, and returns the prior state for event derivation.
func (r *Registry) ApplyTransition(id string, next State, now time.Time) (State, error) {
	var prior State
	err := r.Update(id, func(p *Peer) {
		prior = p.State
		p.State = next
		p.LastTransition = now
	})
	return prior, err
}
