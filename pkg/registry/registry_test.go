package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndGet(t *testing.T) {
	r := New()
	r.Upsert("gpu-b", "10.0.0.2")

	p, ok := r.Get("gpu-b")
	require.True(t, ok)
	assert.Equal(t, StateUnknown, p.State)
	assert.Equal(t, "10.0.0.2", p.Addr)

	// Re-upserting refreshes the address, not the state.
	r.Upsert("gpu-b", "10.0.0.20")
	p, _ = r.Get("gpu-b")
	assert.Equal(t, "10.0.0.20", p.Addr)
	assert.Equal(t, StateUnknown, p.State)
}

func TestListOrderedByID(t *testing.T) {
	r := New()
	r.Upsert("gpu-c", "3")
	r.Upsert("gpu-a", "1")
	r.Upsert("gpu-b", "2")

	peers := r.List()
	require.Len(t, peers, 3)
	assert.Equal(t, "gpu-a", peers[0].ID)
	assert.Equal(t, "gpu-b", peers[1].ID)
	assert.Equal(t, "gpu-c", peers[2].ID)
}

func TestApplyTransitionReturnsPrior(t *testing.T) {
	r := New()
	r.Upsert("gpu-b", "10.0.0.2")
	now := time.Now()

	prior, err := r.ApplyTransition("gpu-b", StateAlive, now)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, prior)

	p, _ := r.Get("gpu-b")
	assert.Equal(t, StateAlive, p.State)
	assert.Equal(t, now, p.LastTransition)

	prior, err = r.ApplyTransition("gpu-b", StateSuspect, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateAlive, prior)
}

func TestNotFound(t *testing.T) {
	r := New()
	_, err := r.ApplyTransition("nope", StateAlive, time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))

	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestConcurrentUpdatesDistinctPeers(t *testing.T) {
	r := New()
	const n = 16
	for i := 0; i < n; i++ {
		r.Upsert(fmt.Sprintf("gpu-%02d", i), "addr")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("gpu-%02d", i)
			for j := 0; j < 100; j++ {
				r.Update(id, func(p *Peer) { p.Failures++ })
			}
		}(i)
	}
	// Snapshot while mutations are in flight must be safe.
	for i := 0; i < 10; i++ {
		_ = r.List()
	}
	wg.Wait()

	for _, p := range r.List() {
		assert.Equal(t, 100, p.Failures, p.ID)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNKNOWN", StateUnknown.String())
	assert.Equal(t, "ALIVE", StateAlive.String())
	assert.Equal(t, "SUSPECT", StateSuspect.String())
	assert.Equal(t, "DEAD", StateDead.String())
	assert.Equal(t, "SELF_ISOLATED", StateSelfIsolated.String())
}
