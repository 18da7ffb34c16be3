// Package server exposes the node's HTTP surface: the /health probe
// target, the /opinion gossip query, the read-only /status snapshot, and
// prometheus /metrics.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/internal/telemetry"
	"github.com/Annad25/gpu-monitor/pkg/health"
	"github.com/Annad25/gpu-monitor/pkg/registry"
	"github.com/Annad25/gpu-monitor/pkg/transport"
)

// OpinionSource answers gossip queries from the last completed round.
// Satisfied by *monitor.Monitor.
type OpinionSource interface {
	OpinionFor(subject string) transport.Opinion
}

// LocalSource exposes the local node's own record. Satisfied by
// *health.Driver.
type LocalSource interface {
	Local() health.LocalStatus
}

// Server holds the handler dependencies.
type Server struct {
	localID  string
	reg      *registry.Registry
	opinions OpinionSource
	local    LocalSource
	log      *zap.Logger
}

// New returns the HTTP surface for one node.
func New(localID string, reg *registry.Registry, opinions OpinionSource, local LocalSource, log *zap.Logger) *Server {
	return &Server{localID: localID, reg: reg, opinions: opinions, local: local, log: log}
}

// Handler builds the instrumented mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", telemetry.Instrument("health", http.HandlerFunc(s.Health)))
	mux.Handle("/opinion", telemetry.Instrument("opinion", http.HandlerFunc(s.Opinion)))
	mux.Handle("/status", telemetry.Instrument("status", http.HandlerFunc(s.Status)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Health is the liveness probe target peers hit every round.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"server": s.localID,
	})
}

// Opinion answers a gossip query: this node's last-round view of the peer
// named in the query string, plus its own anchor reading.
func (s *Server) Opinion(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("peer")
	if subject == "" {
		http.Error(w, "missing peer parameter", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.opinions.OpinionFor(subject))
}

type peerStatus struct {
	ID             string    `json:"id"`
	Addr           string    `json:"addr"`
	State          string    `json:"state"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
	LastTransition time.Time `json:"last_transition,omitempty"`
	Failures       int       `json:"consecutive_failures"`
}

type statusResponse struct {
	Server        string       `json:"server"`
	SelfIsolated  bool         `json:"self_isolated"`
	IsolatedSince *time.Time   `json:"isolated_since,omitempty"`
	BlamedPeers   []string     `json:"blamed_peers,omitempty"`
	Peers         []peerStatus `json:"peers"`
}

// Status is the read-only snapshot consumed by operational tooling.
func (s *Server) Status(w http.ResponseWriter, _ *http.Request) {
	local := s.local.Local()
	peers := s.reg.List()

	resp := statusResponse{
		Server:       s.localID,
		SelfIsolated: local.State == registry.StateSelfIsolated,
		BlamedPeers:  local.BlamedPeers,
		Peers:        make([]peerStatus, 0, len(peers)),
	}
	if !local.IsolatedSince.IsZero() {
		t := local.IsolatedSince
		resp.IsolatedSince = &t
	}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, peerStatus{
			ID:             p.ID,
			Addr:           p.Addr,
			State:          p.State.String(),
			LastSeen:       p.LastSeen,
			LastTransition: p.LastTransition,
			Failures:       p.Failures,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
