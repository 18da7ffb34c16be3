package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []Event
	err  error
	wait time.Duration
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestEmitReachesAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	e := NewEmitter([]Sink{a, b}, time.Second, zap.NewNop())

	e.Emit(Event{Kind: KindPeerDown, Peer: "gpu-b"})
	e.Close()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestFailingSinkDoesNotAffectOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	good := &recordingSink{name: "good"}
	e := NewEmitter([]Sink{bad, good}, time.Second, zap.NewNop())

	e.Emit(Event{Kind: KindPeerRecovered, Peer: "gpu-b", Duration: time.Minute})
	e.Close()

	assert.Equal(t, 1, good.count())
}

func TestEmitNeverBlocksOnSlowSink(t *testing.T) {
	slow := &recordingSink{name: "slow", wait: 5 * time.Second}
	e := NewEmitter([]Sink{slow}, 50*time.Millisecond, zap.NewNop())

	start := time.Now()
	e.Emit(Event{Kind: KindSelfIsolationStart, Peer: "gpu-a"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	e.Close() // delivery times out rather than hanging
	assert.Equal(t, 0, slow.count())
}
