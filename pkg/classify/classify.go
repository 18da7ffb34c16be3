// Package classify resolves the central ambiguity of the mesh: when a
// direct probe to a peer fails, is the peer down, or is the local node the
// one cut off? It consults a bounded random sample of other live peers for
// their last-round opinions and applies majority rule.
package classify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/internal/telemetry"
	"github.com/Annad25/gpu-monitor/pkg/registry"
	"github.com/Annad25/gpu-monitor/pkg/transport"
)

// Verdict is the classifier's resolution of a failed direct probe.
type Verdict int

const (
	// VerdictInconclusive: cannot confirm the peer is down from available
	// information; stay conservative (SUSPECT, never DEAD).
	VerdictInconclusive Verdict = iota
	// VerdictPeerAlive: a strict majority of consulted peers see the
	// subject as reachable. The local path to it is broken, not the peer.
	VerdictPeerAlive
	// VerdictPeerDown: majority evidence that the subject is genuinely down.
	VerdictPeerDown
	// VerdictSelfIsolated: the local node appears cut off from the network
	// as a whole.
	VerdictSelfIsolated
)

// String returns the log/metric label for a verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictPeerAlive:
		return "peer_alive"
	case VerdictPeerDown:
		return "peer_down"
	case VerdictSelfIsolated:
		return "self_isolated"
	default:
		return "inconclusive"
	}
}

// Outcome carries the verdict and the tally behind it.
type Outcome struct {
	Verdict   Verdict
	Reachable int // k: voters reporting the subject reachable
	Down      int // m: voters reporting the subject unreachable
	Responses int // n = k + m (non-responders and don't-knows excluded)
	Consulted int // peers actually queried
}

// OpinionClient fetches a remote node's last-round opinion of a subject.
type OpinionClient interface {
	Opinion(ctx context.Context, addr, subject string) (transport.Opinion, error)
}

// Classifier runs quorum classification rounds.
type Classifier struct {
	client     OpinionClient
	sampleSize int
	minQuorum  int
	timeout    time.Duration
	log        *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Classifier. sampleSize caps gossip fan-out; minQuorum is
// the minimum number of opinion responses below which a failed anchor
// means outright self-isolation.
func New(client OpinionClient, sampleSize, minQuorum int, timeout time.Duration, log *zap.Logger) *Classifier {
	return &Classifier{
		client:     client,
		sampleSize: sampleSize,
		minQuorum:  minQuorum,
		timeout:    timeout,
		log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Classify resolves a failed direct probe of subject. voters is the set of
// peers currently believed ALIVE (the subject excluded by the caller);
// anchorOK is this round's cached anchor probe result.
func (c *Classifier) Classify(ctx context.Context, subject registry.Peer, voters []registry.Peer, anchorOK bool) Outcome {
	sample := c.sample(voters, subject.ID)
	opinions := c.gather(ctx, sample, subject.ID)

	out := Outcome{Consulted: len(sample)}
	for _, op := range opinions {
		if !op.Known {
			// A voter that has never probed the subject holds no opinion;
			// excluded from the tally, not counted as "down".
			continue
		}
		out.Responses++
		if op.Reachable {
			out.Reachable++
		} else {
			out.Down++
		}
	}

	out.Verdict = c.decide(out, anchorOK)
	telemetry.VerdictsTotal.WithLabelValues(out.Verdict.String()).Inc()

	c.log.Debug("classified probe failure",
		zap.String("subject", subject.ID),
		zap.Bool("anchor_ok", anchorOK),
		zap.Int("k", out.Reachable),
		zap.Int("m", out.Down),
		zap.Int("n", out.Responses),
		zap.Int("consulted", out.Consulted),
		zap.String("verdict", out.Verdict.String()))
	return out
}

func (c *Classifier) decide(out Outcome, anchorOK bool) Verdict {
	k, m, n := out.Reachable, out.Down, out.Responses

	// Anchor down and not enough of the mesh reachable for consultation:
	// the local node is cut off from the network as a whole.
	if !anchorOK && n < c.minQuorum {
		return VerdictSelfIsolated
	}

	switch {
	case n == 0:
		if !anchorOK {
			return VerdictSelfIsolated
		}
		// Nobody to ask but the anchor answered: cannot confirm the peer
		// is down on local information alone.
		return VerdictInconclusive
	case k > m:
		return VerdictPeerAlive
	case m > k:
		return VerdictPeerDown
	default:
		// Tie with votes on both sides: avoid a false crash alert.
		return VerdictInconclusive
	}
}

// AnyResponder reports whether at least one sampled peer answers an
// opinion query about subject. Used as the peer-reachability half of the
// self-isolation exit condition.
func (c *Classifier) AnyResponder(ctx context.Context, voters []registry.Peer, subject string) bool {
	sample := c.sample(voters, subject)
	return len(c.gather(ctx, sample, subject)) > 0
}

// sample picks up to sampleSize voters uniformly without replacement,
// excluding the subject itself.
func (c *Classifier) sample(voters []registry.Peer, subjectID string) []registry.Peer {
	eligible := make([]registry.Peer, 0, len(voters))
	for _, v := range voters {
		if v.ID != subjectID {
			eligible = append(eligible, v)
		}
	}
	if len(eligible) <= c.sampleSize {
		return eligible
	}

	c.mu.Lock()
	c.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	c.mu.Unlock()
	return eligible[:c.sampleSize]
}

// gather fans the opinion query out concurrently, bounded by the gossip
// timeout so a stuck peer cannot stall the round. Unreachable voters are
// dropped, not tallied.
func (c *Classifier) gather(ctx context.Context, sample []registry.Peer, subject string) []transport.Opinion {
	if len(sample) == 0 {
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		opinions []transport.Opinion
	)
	for _, voter := range sample {
		wg.Add(1)
		go func(v registry.Peer) {
			defer wg.Done()
			op, err := c.client.Opinion(gctx, v.Addr, subject)
			if err != nil {
				return
			}
			mu.Lock()
			opinions = append(opinions, op)
			mu.Unlock()
		}(voter)
	}
	wg.Wait()
	return opinions
}
