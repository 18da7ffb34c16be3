// Package health applies classification outcomes to peer state with
// hysteresis: no one-shot ALIVE→DEAD flips, immediate recovery on the way
// up, and exactly one event per visible transition.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/pkg/classify"
	"github.com/Annad25/gpu-monitor/pkg/event"
	"github.com/Annad25/gpu-monitor/pkg/registry"
)

// EventSink receives the driver's transition events. Satisfied by
// *event.Emitter.
type EventSink interface {
	Emit(ev event.Event)
}

// LocalStatus is a snapshot of the local node's own record.
type LocalStatus struct {
	State         registry.State
	IsolatedSince time.Time
	// BlamedPeers are peers whose direct path failed while a majority of
	// the mesh still saw them alive: isolation with respect to them only.
	BlamedPeers []string
}

// Driver owns the per-peer state machine and the local node's record.
// All entry points take an explicit now so replaying the same inputs
// against a fresh registry yields identical states and events.
type Driver struct {
	reg     *registry.Registry
	sink    EventSink
	localID string

	suspectThreshold int
	confirmThreshold int

	mu            sync.Mutex
	localState    registry.State
	isolatedSince time.Time
	asserted      bool // isolation (re)asserted during the current round
	blamed        map[string]bool

	log *zap.Logger
}

// New returns a driver. The local record starts ALIVE.
func New(reg *registry.Registry, sink EventSink, localID string, suspectThreshold, confirmThreshold int, log *zap.Logger) *Driver {
	return &Driver{
		reg:              reg,
		sink:             sink,
		localID:          localID,
		suspectThreshold: suspectThreshold,
		confirmThreshold: confirmThreshold,
		localState:       registry.StateAlive,
		blamed:           make(map[string]bool),
		log:              log,
	}
}

// ObserveSuccess handles a successful direct probe of id. Recovery is
// immediate: SUSPECT or DEAD goes straight back to ALIVE, with one
// PEER_RECOVERED event when a matching PEER_DOWN exists.
func (d *Driver) ObserveSuccess(id string, now time.Time) {
	var (
		prior     registry.State
		downSince time.Time
	)
	err := d.reg.Update(id, func(p *registry.Peer) {
		prior = p.State
		downSince = p.DownSince
		p.Failures = 0
		p.ConfirmedRounds = 0
		p.LastSeen = now
		if p.State != registry.StateAlive {
			p.State = registry.StateAlive
			p.LastTransition = now
			p.SuspectSince = time.Time{}
			p.DownSince = time.Time{}
		}
	})
	if err != nil {
		return
	}

	d.mu.Lock()
	delete(d.blamed, id)
	d.mu.Unlock()

	switch prior {
	case registry.StateUnknown:
		d.log.Info("peer alive", zap.String("peer", id))
	case registry.StateSuspect:
		d.log.Info("peer cleared suspicion", zap.String("peer", id))
	case registry.StateDead:
		d.sink.Emit(event.Event{
			Kind:     event.KindPeerRecovered,
			Peer:     id,
			Witness:  d.localID,
			At:       now,
			Duration: now.Sub(downSince),
		})
	}
}

// ObserveFailure handles a failed direct probe of id together with the
// classifier's outcome for it.
func (d *Driver) ObserveFailure(id string, out classify.Outcome, now time.Time) {
	p, ok := d.reg.Get(id)
	if !ok || p.State == registry.StateUnknown {
		// Never successfully probed: not classifiable as down.
		return
	}

	switch out.Verdict {
	case classify.VerdictSelfIsolated:
		// The failure says nothing about the peer; the local node is the
		// one cut off. Peer counters untouched.
		d.enterIsolation(now, "")

	case classify.VerdictPeerAlive:
		d.accumulate(id, now, false)
		d.enterIsolation(now, id)

	case classify.VerdictPeerDown:
		d.accumulate(id, now, true)

	default: // inconclusive
		d.accumulate(id, now, false)
	}
}

// accumulate advances the failure hysteresis for one peer. confirmed marks
// this round's failure as classifier-confirmed down evidence.
func (d *Driver) accumulate(id string, now time.Time, confirmed bool) {
	var (
		toSuspect    bool
		toDead       bool
		suspectSince time.Time
	)
	d.reg.Update(id, func(p *registry.Peer) {
		p.Failures++

		if p.State == registry.StateAlive && p.Failures >= d.suspectThreshold {
			p.State = registry.StateSuspect
			p.LastTransition = now
			p.SuspectSince = now
			toSuspect = true
			if confirmed {
				p.ConfirmedRounds = 1
			} else {
				p.ConfirmedRounds = 0
			}
			return
		}

		if p.State == registry.StateSuspect && confirmed {
			p.ConfirmedRounds++
			if p.ConfirmedRounds >= d.confirmThreshold {
				p.State = registry.StateDead
				p.LastTransition = now
				p.DownSince = p.SuspectSince
				suspectSince = p.SuspectSince
				toDead = true
			}
		}
	})

	if toSuspect {
		d.log.Warn("peer suspected", zap.String("peer", id))
	}
	if toDead {
		d.log.Warn("peer confirmed down", zap.String("peer", id),
			zap.Time("down_since", suspectSince))
		// Entry time is the first SUSPECT transition: that is when the
		// outage began as far as this observer can tell.
		d.sink.Emit(event.Event{
			Kind:    event.KindPeerDown,
			Peer:    id,
			Witness: d.localID,
			At:      suspectSince,
		})
	}
}

// ObserveRound runs the local node's own state check once per round:
// SELF_ISOLATED clears only when the anchor answered and at least one
// opinion query got a response.
func (d *Driver) ObserveRound(anchorOK, gossipAnswered bool, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	asserted := d.asserted
	d.asserted = false

	if d.localState != registry.StateSelfIsolated {
		return
	}
	// A round that re-asserted isolation cannot also end it; exit needs a
	// clean subsequent round with the anchor and at least one peer answering.
	if asserted || !anchorOK || !gossipAnswered {
		d.log.Info("still isolated", zap.Bool("anchor_ok", anchorOK),
			zap.Bool("gossip_answered", gossipAnswered))
		return
	}

	d.localState = registry.StateAlive
	since := d.isolatedSince
	d.isolatedSince = time.Time{}
	d.blamed = make(map[string]bool)

	d.sink.Emit(event.Event{
		Kind:     event.KindSelfIsolationEnd,
		Peer:     d.localID,
		Witness:  d.localID,
		At:       now,
		Duration: now.Sub(since),
	})
}

// enterIsolation flips the local record to SELF_ISOLATED (once) and, when
// the verdict was peer-specific, records which peer we are isolated from.
func (d *Driver) enterIsolation(now time.Time, blamedPeer string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if blamedPeer != "" {
		d.blamed[blamedPeer] = true
	}
	d.asserted = true
	if d.localState == registry.StateSelfIsolated {
		return
	}
	d.localState = registry.StateSelfIsolated
	d.isolatedSince = now

	d.sink.Emit(event.Event{
		Kind:    event.KindSelfIsolationStart,
		Peer:    d.localID,
		Witness: d.localID,
		At:      now,
	})
}

// SelfIsolated reports whether the local record is currently SELF_ISOLATED.
func (d *Driver) SelfIsolated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localState == registry.StateSelfIsolated
}

// Local returns a snapshot of the local node's record.
func (d *Driver) Local() LocalStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	blamed := make([]string, 0, len(d.blamed))
	for id := range d.blamed {
		blamed = append(blamed, id)
	}
	sort.Strings(blamed)
	return LocalStatus{
		State:         d.localState,
		IsolatedSince: d.isolatedSince,
		BlamedPeers:   blamed,
	}
}
