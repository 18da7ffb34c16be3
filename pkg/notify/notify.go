// Package notify posts transition events to chat webhooks. Delivery is
// one attempt per URL per event; failures are non-fatal, logged, and never
// fed back into health state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/pkg/event"
	"github.com/Annad25/gpu-monitor/pkg/registry"
)

// ErrDelivery marks a failed webhook delivery attempt.
var ErrDelivery = errors.New("webhook delivery failed")

// Notifier is an event.Sink delivering to one or more webhook URLs.
type Notifier struct {
	urls     []string
	client   *http.Client
	localID  string
	minAlert time.Duration // recoveries from blips shorter than this are not alerted
	remind   time.Duration // re-alert cadence for peers that stay down
	log      *zap.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time // peer ID -> last crash alert time
}

// New returns a webhook notifier.
func New(urls []string, localID string, minAlert, remind time.Duration, log *zap.Logger) *Notifier {
	return &Notifier{
		urls:      urls,
		client:    &http.Client{},
		localID:   localID,
		minAlert:  minAlert,
		remind:    remind,
		log:       log,
		lastAlert: make(map[string]time.Time),
	}
}

// Name implements event.Sink.
func (n *Notifier) Name() string { return "webhook" }

// Deliver implements event.Sink: formats the event and posts it to every
// configured URL. Short recovery blips are filtered to cut alert noise.
func (n *Notifier) Deliver(ctx context.Context, ev event.Event) error {
	text := ""
	switch ev.Kind {
	case event.KindPeerDown:
		n.mu.Lock()
		n.lastAlert[ev.Peer] = time.Now()
		n.mu.Unlock()
		text = fmt.Sprintf("*CRASH ALERT:* *%s* is DOWN.\nDown since: %s\nConfirmed by: %s",
			ev.Peer, ev.At.UTC().Format(time.RFC3339), ev.Witness)

	case event.KindPeerRecovered:
		n.mu.Lock()
		delete(n.lastAlert, ev.Peer)
		n.mu.Unlock()
		if ev.Duration < n.minAlert {
			n.log.Info("blip resolved, no alert",
				zap.String("peer", ev.Peer), zap.Duration("downtime", ev.Duration))
			return nil
		}
		text = fmt.Sprintf("*RECOVERY:* Server *%s* is back online.\nWas down for: %d mins",
			ev.Peer, int(ev.Duration.Minutes()))

	case event.KindSelfIsolationStart:
		text = fmt.Sprintf("*MONITOR ISOLATED:* *%s* cannot reach its peers.\nPlease verify manually.", ev.Peer)

	case event.KindSelfIsolationEnd:
		text = fmt.Sprintf("*MONITOR RECONNECTED:* *%s* has rejoined the mesh after %d mins.",
			ev.Peer, int(ev.Duration.Minutes()))

	default:
		return nil
	}

	return n.post(ctx, text)
}

// Remind re-alerts for peers that remain DEAD past the reminder interval.
// Called once per monitoring round with the current peer snapshot.
func (n *Notifier) Remind(peers []registry.Peer, now time.Time) {
	for _, p := range peers {
		if p.State != registry.StateDead {
			continue
		}

		n.mu.Lock()
		last, ok := n.lastAlert[p.ID]
		due := !ok || now.Sub(last) > n.remind
		if due {
			n.lastAlert[p.ID] = now
		}
		n.mu.Unlock()
		if !due {
			continue
		}

		downFor := int(now.Sub(p.DownSince).Minutes())
		text := fmt.Sprintf("*REMINDER:* *CRASH ALERT:* *%s* is DOWN.\nDown for: %d mins\nConfirmed by: %s",
			p.ID, downFor, n.localID)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := n.post(ctx, text); err != nil {
			n.log.Warn("reminder delivery failed", zap.String("peer", p.ID), zap.Error(err))
		}
		cancel()
	}
}

// post sends the payload to each URL; one URL failing does not stop the
// others. The first failure is reported.
func (n *Notifier) post(ctx context.Context, text string) error {
	if len(n.urls) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}

	var firstErr error
	for _, u := range n.urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(ErrDelivery, "%s: %v", u, err)
			}
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(ErrDelivery, "%s: %v", u, err)
			}
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if firstErr == nil {
				firstErr = errors.Wrapf(ErrDelivery, "%s: status %d", u, resp.StatusCode)
			}
		}
	}
	return firstErr
}
