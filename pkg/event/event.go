// Package event defines the immutable state-transition events the monitor
// produces and the fire-and-forget emitter that hands them to external
// sinks (notifier, history store).
package event

import "time"

// Kind is the event kind.
type Kind string

const (
	KindPeerDown           Kind = "PEER_DOWN"
	KindPeerRecovered      Kind = "PEER_RECOVERED"
	KindSelfIsolationStart Kind = "SELF_ISOLATION_START"
	KindSelfIsolationEnd   Kind = "SELF_ISOLATION_END"
)

// Event is an immutable record of one state transition. Exactly one is
// emitted per evented transition and it is never mutated afterward.
type Event struct {
	Kind    Kind          `json:"kind"`
	Peer    string        `json:"peer"`    // subject peer ID, or the local node for self-isolation
	Witness string        `json:"witness"` // the observing node
	At      time.Time     `json:"at"`      // state-entry time
	// Duration is set for PEER_RECOVERED and SELF_ISOLATION_END: elapsed
	// time since the matching start event.
	Duration time.Duration `json:"duration,omitempty"`
}
