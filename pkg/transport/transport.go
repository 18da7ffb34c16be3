// Package transport carries the probe and gossip-query wire protocol:
// plain HTTP request/response pairs with no ordering or delivery
// guarantees. Retries are the caller's business.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ErrUnreachable is the routine transport failure: no usable response
// within the caller's deadline. It drives state transitions and is never
// treated as a fault.
var ErrUnreachable = errors.New("unreachable")

// Opinion is a remote node's last-round view of a third peer's
// reachability, plus its own anchor reading. Scoped to one classification
// round; never persisted.
type Opinion struct {
	Reporter   string    `json:"reporter"`
	Subject    string    `json:"subject"`
	Known      bool      `json:"known"`
	Reachable  bool      `json:"reachable"`
	AnchorOK   bool      `json:"anchor_ok"`
	ObservedAt time.Time `json:"observed_at"`
}

// Client issues probes and opinion queries. A single Client is safe for
// concurrent use; outstanding calls to distinct peers never cross-block.
type Client struct {
	http *http.Client
}

// NewClient returns a transport client. Deadlines come from per-call
// contexts, not from the underlying http.Client.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Probe issues a liveness probe (GET /health, or the raw URL for anchor
// targets) and reports the observed latency. Any connection error,
// timeout, or non-2xx status maps to ErrUnreachable.
func (c *Client) Probe(ctx context.Context, addr string) (time.Duration, error) {
	target := addr
	if !hasScheme(addr) {
		target = fmt.Sprintf("http://%s/health", NormalizeHostPort(addr, DefaultPort))
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "bad probe target %q: %v", addr, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return time.Since(start), errors.Wrapf(ErrUnreachable, "%s: %v", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return time.Since(start), errors.Wrapf(ErrUnreachable, "%s: status %d", addr, resp.StatusCode)
	}
	return time.Since(start), nil
}

// Opinion asks the node at addr for its last-round opinion of subject.
// An unreachable or misbehaving node yields ErrUnreachable; the caller
// excludes it from the quorum tally rather than counting it as a vote.
func (c *Client) Opinion(ctx context.Context, addr, subject string) (Opinion, error) {
	target := fmt.Sprintf("http://%s/opinion?peer=%s",
		NormalizeHostPort(addr, DefaultPort), url.QueryEscape(subject))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Opinion{}, errors.Wrapf(ErrUnreachable, "bad opinion target %q: %v", addr, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Opinion{}, errors.Wrapf(ErrUnreachable, "%s: %v", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Opinion{}, errors.Wrapf(ErrUnreachable, "%s: status %d", addr, resp.StatusCode)
	}

	var op Opinion
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return Opinion{}, errors.Wrapf(ErrUnreachable, "%s: decode opinion: %v", addr, err)
	}
	return op, nil
}
