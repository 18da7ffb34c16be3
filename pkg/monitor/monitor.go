// Package monitor runs the periodic health loop: probe fan-out, failure
// classification, state machine application, and event emission, one round
// per interval. A round never blocks past its deadline; stopping drains
// the in-flight round first.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/internal/telemetry"
	"github.com/Annad25/gpu-monitor/pkg/classify"
	"github.com/Annad25/gpu-monitor/pkg/health"
	"github.com/Annad25/gpu-monitor/pkg/probe"
	"github.com/Annad25/gpu-monitor/pkg/registry"
	"github.com/Annad25/gpu-monitor/pkg/transport"
)

// Reminder re-alerts for peers that stay down. Satisfied by
// *notify.Notifier; nil disables reminders.
type Reminder interface {
	Remind(peers []registry.Peer, now time.Time)
}

type roundCache struct {
	reachable map[string]bool
	anchorOK  bool
	at        time.Time
}

// Monitor wires the round pipeline together.
type Monitor struct {
	localID   string
	anchorURL string
	interval  time.Duration
	warmup    time.Duration

	reg        *registry.Registry
	prober     *probe.Prober
	classifier *classify.Classifier
	driver     *health.Driver
	reminder   Reminder
	log        *zap.Logger

	mu   sync.RWMutex
	last *roundCache

	stop chan struct{}
	done chan struct{}
}

// Config collects the monitor's wiring.
type Config struct {
	LocalID   string
	AnchorURL string
	Interval  time.Duration
	Warmup    time.Duration
}

// New returns a monitor. reminder may be nil.
func New(cfg Config, reg *registry.Registry, prober *probe.Prober, classifier *classify.Classifier, driver *health.Driver, reminder Reminder, log *zap.Logger) *Monitor {
	return &Monitor{
		localID:    cfg.LocalID,
		anchorURL:  cfg.AnchorURL,
		interval:   cfg.Interval,
		warmup:     cfg.Warmup,
		reg:        reg,
		prober:     prober,
		classifier: classifier,
		driver:     driver,
		reminder:   reminder,
		log:        log,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the monitoring loop. It runs until Stop is called.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop signals the loop and waits for any in-flight round to drain.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)

	select {
	case <-time.After(m.warmup):
	case <-m.stop:
		return
	}

	m.log.Info("monitoring started",
		zap.String("server", m.localID),
		zap.Duration("interval", m.interval),
		zap.Int("peers", len(m.reg.List())))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		m.RunRound(ctx, time.Now())
		cancel()

		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
	}
}

// RunRound executes one full monitoring round at the given time. Exported
// for deterministic tests.
func (m *Monitor) RunRound(ctx context.Context, now time.Time) {
	start := time.Now()
	peers := m.reg.List()

	targets := make([]probe.Target, 0, len(peers))
	for _, p := range peers {
		targets = append(targets, probe.Target{ID: p.ID, Addr: p.Addr})
	}

	rr := m.prober.Round(ctx, targets, m.anchorURL)
	anchorOK := rr.Anchor.OK

	// Successes first so freshly recovered peers count as voters for the
	// failures classified afterwards.
	for _, p := range peers {
		if res, ok := rr.Peers[p.ID]; ok && res.OK {
			m.driver.ObserveSuccess(p.ID, now)
		}
	}

	// Voters: peers believed ALIVE after this round's successes.
	voters := make([]registry.Peer, 0, len(peers))
	for _, p := range m.reg.List() {
		if p.State == registry.StateAlive {
			voters = append(voters, p)
		}
	}

	for _, p := range peers {
		res, ok := rr.Peers[p.ID]
		if !ok || res.OK {
			continue
		}
		if p.State == registry.StateUnknown {
			// Never seen alive; not classifiable, no gossip spent on it.
			continue
		}
		out := m.classifier.Classify(ctx, p, voters, anchorOK)
		m.driver.ObserveFailure(p.ID, out, now)
	}

	// Self-isolation exit needs a fresh anchor reading plus at least one
	// answered gossip query.
	gossipAnswered := false
	if m.driver.SelfIsolated() && anchorOK {
		gossipAnswered = m.classifier.AnyResponder(ctx, voters, m.localID)
	}
	m.driver.ObserveRound(anchorOK, gossipAnswered, now)

	// Retain this round's readings to answer /opinion queries from peers.
	cache := &roundCache{
		reachable: make(map[string]bool, len(rr.Peers)),
		anchorOK:  anchorOK,
		at:        now,
	}
	for id, res := range rr.Peers {
		cache.reachable[id] = res.OK
	}
	m.mu.Lock()
	m.last = cache
	m.mu.Unlock()

	after := m.reg.List()
	for _, p := range after {
		telemetry.PeerState.WithLabelValues(p.ID).Set(float64(p.State))
	}
	if m.reminder != nil {
		m.reminder.Remind(after, now)
	}

	telemetry.RoundsTotal.Inc()
	telemetry.RoundDuration.Observe(time.Since(start).Seconds())
}

// OpinionFor answers a gossip query: this node's most recent reading of
// subject, from the last completed round. Known is false until the subject
// has appeared in a round.
func (m *Monitor) OpinionFor(subject string) transport.Opinion {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op := transport.Opinion{Reporter: m.localID, Subject: subject}
	if m.last == nil {
		return op
	}
	op.AnchorOK = m.last.anchorOK
	op.ObservedAt = m.last.at
	reachable, known := m.last.reachable[subject]
	op.Known = known
	op.Reachable = reachable
	return op
}
