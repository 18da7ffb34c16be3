// Package probe fans out one liveness probe per peer plus one to the
// external anchor each round, concurrently and with bounded per-probe
// timeouts, so staleness of any peer's health is capped at one interval.
package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/internal/telemetry"
)

// AnchorID is the sentinel target ID for the external reachability anchor.
const AnchorID = "__anchor__"

// Target is one probe destination for a round.
type Target struct {
	ID   string
	Addr string
}

// Result is the ephemeral outcome of a single probe. Consumed within the
// round, never persisted.
type Result struct {
	PeerID  string
	OK      bool
	Latency time.Duration
	At      time.Time
}

// RoundResult bundles one round's probe outcomes.
type RoundResult struct {
	Peers  map[string]Result
	Anchor Result
}

// Pinger issues a single liveness probe.
type Pinger interface {
	Probe(ctx context.Context, addr string) (time.Duration, error)
}

// Prober runs the per-round fan-out.
type Prober struct {
	pinger  Pinger
	timeout time.Duration
	retries int
	backoff time.Duration
	log     *zap.Logger
}

// New returns a Prober. retries is the number of in-round re-probes a
// failing peer gets before the failure stands; the anchor is never retried.
func New(pinger Pinger, timeout time.Duration, retries int, backoff time.Duration, log *zap.Logger) *Prober {
	return &Prober{pinger: pinger, timeout: timeout, retries: retries, backoff: backoff, log: log}
}

// Round probes every target and the anchor concurrently. Targets that have
// not answered by the time ctx expires are recorded as failed for the
// round; the call itself never blocks past ctx.
func (p *Prober) Round(ctx context.Context, targets []Target, anchorURL string) RoundResult {
	rr := RoundResult{Peers: make(map[string]Result, len(targets))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rr.Anchor = p.one(ctx, AnchorID, anchorURL, 0)
	}()

	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			res := p.one(ctx, t.ID, t.Addr, p.retries)
			mu.Lock()
			rr.Peers[t.ID] = res
			mu.Unlock()
		}(t)
	}

	wg.Wait()
	return rr
}

func (p *Prober) one(ctx context.Context, id, addr string, retries int) Result {
	for attempt := 0; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		latency, err := p.pinger.Probe(pctx, addr)
		cancel()

		now := time.Now()
		if err == nil {
			telemetry.ProbesTotal.WithLabelValues(id, "ok").Inc()
			telemetry.ProbeDuration.WithLabelValues(id).Observe(latency.Seconds())
			if attempt > 0 {
				p.log.Info("probe recovered on retry",
					zap.String("target", id), zap.Int("attempt", attempt))
			}
			return Result{PeerID: id, OK: true, Latency: latency, At: now}
		}

		telemetry.ProbesTotal.WithLabelValues(id, "fail").Inc()
		if attempt >= retries || ctx.Err() != nil {
			return Result{PeerID: id, OK: false, Latency: latency, At: now}
		}

		select {
		case <-ctx.Done():
			return Result{PeerID: id, OK: false, Latency: latency, At: time.Now()}
		case <-time.After(p.backoff):
		}
	}
}
