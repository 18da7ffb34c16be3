package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpumon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server_id: gpu-a
peers:
  - id: gpu-b
    addr: 10.0.0.2
  - id: gpu-c
    addr: 10.0.0.3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpu-a", cfg.ServerID)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, cfg.ListenAddr, cfg.AdvertiseAddr)
	assert.Equal(t, DefaultAnchorURL, cfg.AnchorURL)
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout.Std())
	assert.Equal(t, DefaultSuspectRounds, cfg.SuspectThreshold)
	assert.Equal(t, DefaultConfirmRounds, cfg.ConfirmThreshold)
	assert.Equal(t, DefaultGossipSample, cfg.GossipSampleSize)
	assert.Equal(t, DefaultMinQuorum, cfg.MinQuorum)
	assert.Len(t, cfg.Peers, 2)
}

func TestLoadDurations(t *testing.T) {
	path := writeConfig(t, `
server_id: gpu-a
probe_interval: 10s
probe_timeout: 2s
gossip_timeout: 1s
reminder_interval: 1h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.ProbeInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout.Std())
	assert.Equal(t, time.Second, cfg.GossipTimeout.Std())
	assert.Equal(t, time.Hour, cfg.ReminderInterval.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ID", "gpu-env")
	t.Setenv("TARGETS", "10.0.0.2|gpu-b, 10.0.0.3|gpu-c,10.0.0.4")
	t.Setenv("WEBHOOK_URLS", "https://hooks.example.com/a, https://hooks.example.com/b")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gpu-env", cfg.ServerID)
	require.Len(t, cfg.Peers, 3)
	assert.Equal(t, Peer{ID: "gpu-b", Addr: "10.0.0.2"}, cfg.Peers[0])
	assert.Equal(t, Peer{ID: "gpu-c", Addr: "10.0.0.3"}, cfg.Peers[1])
	assert.Equal(t, "Unknown-GPU", cfg.Peers[2].ID)
	assert.Equal(t, []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}, cfg.WebhookURLs)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing server_id", `listen_addr: ":8051"`},
		{"empty peer", "server_id: a\npeers:\n  - id: \"\"\n    addr: 10.0.0.2\n"},
		{"duplicate peer", "server_id: a\npeers:\n  - id: b\n    addr: x\n  - id: b\n    addr: y\n"},
		{"bad threshold", "server_id: a\nsuspect_threshold: -1\n"},
		{"gossip timeout too long", "server_id: a\nprobe_interval: 1s\ngossip_timeout: 2s\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestSelfInPeerListTolerated(t *testing.T) {
	path := writeConfig(t, `
server_id: gpu-a
peers:
  - id: gpu-a
    addr: 10.0.0.1
  - id: gpu-b
    addr: 10.0.0.2
`)

	_, err := Load(path)
	assert.NoError(t, err)
}
