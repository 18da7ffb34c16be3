package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/pkg/event"
	"github.com/Annad25/gpu-monitor/pkg/registry"
)

type webhookCapture struct {
	mu    sync.Mutex
	texts []string
}

func (w *webhookCapture) handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		w.mu.Lock()
		w.texts = append(w.texts, payload["text"])
		w.mu.Unlock()
	})
}

func (w *webhookCapture) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.texts...)
}

func TestCrashAlertPostsToAllWebhooks(t *testing.T) {
	a, b := &webhookCapture{}, &webhookCapture{}
	srvA := httptest.NewServer(a.handler())
	defer srvA.Close()
	srvB := httptest.NewServer(b.handler())
	defer srvB.Close()

	n := New([]string{srvA.URL, srvB.URL}, "gpu-a", time.Minute, 2*time.Hour, zap.NewNop())
	err := n.Deliver(context.Background(), event.Event{
		Kind:    event.KindPeerDown,
		Peer:    "gpu-b",
		Witness: "gpu-a",
		At:      time.Now(),
	})
	require.NoError(t, err)

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	assert.Contains(t, a.all()[0], "CRASH ALERT")
	assert.Contains(t, a.all()[0], "gpu-b")
}

func TestBlipRecoveryIsFiltered(t *testing.T) {
	c := &webhookCapture{}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := New([]string{srv.URL}, "gpu-a", time.Minute, 2*time.Hour, zap.NewNop())
	err := n.Deliver(context.Background(), event.Event{
		Kind:     event.KindPeerRecovered,
		Peer:     "gpu-b",
		Duration: 20 * time.Second, // below the noise floor
	})
	require.NoError(t, err)
	assert.Empty(t, c.all())

	err = n.Deliver(context.Background(), event.Event{
		Kind:     event.KindPeerRecovered,
		Peer:     "gpu-b",
		Duration: 5 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, c.all(), 1)
	assert.Contains(t, c.all()[0], "RECOVERY")
}

func TestDeliveryFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New([]string{srv.URL}, "gpu-a", time.Minute, 2*time.Hour, zap.NewNop())
	err := n.Deliver(context.Background(), event.Event{Kind: event.KindSelfIsolationStart, Peer: "gpu-a"})
	assert.ErrorIs(t, err, ErrDelivery)
}

func TestNoURLsIsNoop(t *testing.T) {
	n := New(nil, "gpu-a", time.Minute, 2*time.Hour, zap.NewNop())
	err := n.Deliver(context.Background(), event.Event{Kind: event.KindPeerDown, Peer: "gpu-b"})
	assert.NoError(t, err)
}

func TestRemindersForDeadPeers(t *testing.T) {
	c := &webhookCapture{}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := New([]string{srv.URL}, "gpu-a", time.Minute, 2*time.Hour, zap.NewNop())
	now := time.Now()

	dead := registry.Peer{ID: "gpu-b", State: registry.StateDead, DownSince: now.Add(-3 * time.Hour)}
	alive := registry.Peer{ID: "gpu-c", State: registry.StateAlive}

	// First pass: no alert has been sent yet, so the reminder fires.
	n.Remind([]registry.Peer{dead, alive}, now)
	require.Len(t, c.all(), 1)
	assert.Contains(t, c.all()[0], "REMINDER")
	assert.Contains(t, c.all()[0], "gpu-b")

	// Immediately after, nothing is due.
	n.Remind([]registry.Peer{dead, alive}, now.Add(time.Minute))
	assert.Len(t, c.all(), 1)

	// Past the reminder interval it fires again.
	n.Remind([]registry.Peer{dead, alive}, now.Add(3*time.Hour))
	assert.Len(t, c.all(), 2)
}
