package server

import (
	"context"
	"time"

	"github.com/ssd-technologies/sieve/internal/wot"
)

// graphWorker keeps the coordinator's trust graph fresh.
type graphWorker struct {
	builder  wot.GraphBuilder
	cache    *wot.Cache
	ttl      time.Duration
	interval time.Duration
}

// WithGraphRefresh rebuilds the trust graph rooted at the agent's pubkey
// every interval, serving from cache while a cached graph is fresh.
func (s *Server) WithGraphRefresh(b wot.GraphBuilder, c *wot.Cache, ttl, interval time.Duration) *Server {
	s.graph = &graphWorker{builder: b, cache: c, ttl: ttl, interval: interval}
	return s
}

// WithExchange runs an exchange round against discovered peers every interval.
func (s *Server) WithExchange(interval time.Duration) *Server {
	s.exchange = interval
	return s
}

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.graph != nil {
		go s.runGraphRefresh(ctx)
	}
	if s.exchange > 0 {
		go s.runExchange(ctx)
	}
}

// --- Trust Graph Worker ---

// runGraphRefresh loads or builds the graph immediately, then refreshes it
// every interval.
func (s *Server) runGraphRefresh(ctx context.Context) {
	s.refreshGraph(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.graph.interval):
			s.refreshGraph(ctx)
		}
	}
}

// refreshGraph installs a fresh graph on the coordinator. It reports whether
// a graph was installed.
func (s *Server) refreshGraph(ctx context.Context) bool {
	g, cached, err := wot.Refresh(ctx, s.graph.cache, s.graph.builder, s.coord.Pubkey(), s.graph.ttl, false)
	if err != nil {
		s.logger.Warn("trust graph refresh incomplete", "err", err)
		// Keep the previous graph unless the partial one is all there is.
		if g == nil || s.coord.Graph() != nil {
			return false
		}
	}
	s.coord.SetGraph(g)
	s.logger.Info("trust graph installed", "nodes", g.Size(), "cached", cached)
	return true
}

// --- Exchange Worker ---

func (s *Server) runExchange(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.exchange):
			if n := s.coord.ExchangeAll(ctx); n > 0 {
				s.logger.Info("exchange round", "offers", n)
			}
		}
	}
}
