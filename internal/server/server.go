// Package server exposes the agent's localhost API: state inspection,
// trust lookups, reputation feedback, a websocket activity stream and
// Prometheus metrics.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ssd-technologies/sieve/internal/agent"
	"github.com/ssd-technologies/sieve/internal/metrics"
	"github.com/ssd-technologies/sieve/internal/reputation"
	"github.com/ssd-technologies/sieve/internal/wot"
)

// RelayStatus reports the relay pool's configuration and live connections.
type RelayStatus interface {
	URLs() []string
	Connected() int
}

// Server is the local HTTP API of a running agent.
type Server struct {
	coord   *agent.Coordinator
	relays  RelayStatus
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
	started time.Time

	graph    *graphWorker
	exchange time.Duration
}

// New creates a Server with all routes registered. relays and m may be nil.
func New(coord *agent.Coordinator, relays RelayStatus, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:   coord,
		relays:  relays,
		metrics: m,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /local/health", s.handleHealth)
	s.mux.HandleFunc("GET /local/state", s.handleState)

	// Reputation
	s.mux.HandleFunc("GET /local/peers", s.handlePeers)
	s.mux.HandleFunc("POST /local/peers/{pubkey}/useful", s.handleFeedback(true))
	s.mux.HandleFunc("POST /local/peers/{pubkey}/slop", s.handleFeedback(false))
	s.mux.HandleFunc("GET /local/trust/{pubkey}", s.handleTrust)

	s.mux.HandleFunc("GET /local/ws", s.handleStream)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "sieve",
		"pubkey":  s.coord.Pubkey(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.relays != nil {
		resp["relays"] = len(s.relays.URLs())
		resp["connected"] = s.relays.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.State())
}

// peerView is a ledger entry joined with its fused assessment.
type peerView struct {
	reputation.Peer
	reputation.Assessment
	TrustScore float64 `json:"trustScore"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.coord.Ledger().All()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		t := s.coord.Assess(p.Pubkey)
		out = append(out, peerView{Peer: p, Assessment: t.Assessment, TrustScore: t.Graph.TrustScore})
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": out})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	pubkey := r.PathValue("pubkey")
	if !wot.ValidPubkey(pubkey) {
		writeError(w, http.StatusBadRequest, "pubkey must be 64 lowercase hex characters")
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Assess(pubkey))
}

func (s *Server) handleFeedback(useful bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pubkey := r.PathValue("pubkey")
		if !wot.ValidPubkey(pubkey) {
			writeError(w, http.StatusBadRequest, "pubkey must be 64 lowercase hex characters")
			return
		}
		record := s.coord.ReportSlop
		if useful {
			record = s.coord.ReportUseful
		}
		// A persistence failure still updates the in-memory ledger.
		p, err := record(pubkey)
		resp := map[string]any{"peer": p, "persisted": err == nil}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
